package gate

import (
	"errors"
	"fmt"
	"time"

	"tollgate.dev/internal/auth"
	"tollgate.dev/internal/plan"
	"tollgate.dev/internal/quota"
)

var (
	ErrAuthenticationRequired = errors.New("gate: authentication required")
	// ErrPermissionDenied is matched by *PermissionDeniedError.
	ErrPermissionDenied = errors.New("gate: permission denied")
)

// PermissionDeniedError names the capability the principal lacks.
type PermissionDeniedError struct {
	Permission auth.Permission
	Role       auth.Role
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("gate: permission denied: role %q lacks %q", e.Role, e.Permission)
}

func (e *PermissionDeniedError) Is(target error) bool { return target == ErrPermissionDenied }

// Outcome classifies a Decision.
type Outcome string

const (
	OutcomeAllow                  Outcome = "allow"
	OutcomeAuthenticationRequired Outcome = "authentication_required"
	OutcomePermissionDenied       Outcome = "permission_denied"
	OutcomeQuotaExceeded          Outcome = "quota_exceeded"
	OutcomeStorageUnavailable     Outcome = "storage_unavailable"
	// OutcomeMisconfigured is returned when stored data names a plan the
	// engine does not know. The request is denied.
	OutcomeMisconfigured Outcome = "misconfigured"
)

// Decision is the result of one Authorize call. Only OutcomeAllow permits
// the operation.
type Decision struct {
	Outcome    Outcome         `json:"outcome"`
	Principal  auth.Principal  `json:"principal"`
	Permission auth.Permission `json:"permission"`
	Metered    bool            `json:"metered"`
	// Usage is set on metered allows.
	Usage *quota.Usage `json:"usage,omitempty"`
	// Limit and ResetAt are set on OutcomeQuotaExceeded.
	Limit   *plan.Limit `json:"limit,omitempty"`
	ResetAt time.Time   `json:"reset_at,omitempty"`
	Err     error       `json:"-"`
}

// Allowed reports whether the operation may proceed.
func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllow }

// RetryAfter is the wait a client should honor before retrying, zero when
// retrying cannot help.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	switch d.Outcome {
	case OutcomeQuotaExceeded:
		if wait := d.ResetAt.Sub(now); wait > 0 {
			return wait
		}
		return time.Second
	case OutcomeStorageUnavailable:
		return 5 * time.Second
	}
	return 0
}
