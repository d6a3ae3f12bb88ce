package quota

import (
	"errors"
	"fmt"
	"time"

	"tollgate.dev/internal/plan"
)

var (
	// ErrQuotaExceeded is matched by *ExceededError.
	ErrQuotaExceeded = errors.New("quota: exceeded")
	// ErrStorageUnavailable means the counter store could not complete an
	// operation after retries. Callers must deny.
	ErrStorageUnavailable = errors.New("quota: storage unavailable")
	// ErrCounterNotFound is returned by stores for principals without a counter.
	ErrCounterNotFound = errors.New("quota: counter not found")
	// ErrInvalidAmount rejects non-positive consumption.
	ErrInvalidAmount = errors.New("quota: amount must be positive")
)

// ExceededError carries what a caller needs to render a rate-limited response.
type ExceededError struct {
	Limit   plan.Limit
	Used    int64
	ResetAt time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota: exceeded (%d/%s, resets %s)", e.Used, e.Limit, e.ResetAt.Format(time.RFC3339))
}

func (e *ExceededError) Is(target error) bool { return target == ErrQuotaExceeded }
