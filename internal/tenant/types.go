package tenant

import (
	"time"

	"tollgate.dev/internal/auth"
	"tollgate.dev/internal/plan"
)

// Organization owns a plan that members inherit on joining.
type Organization struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	PlanID    plan.ID        `json:"plan_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Account is the stored role and plan of a principal. Non-empty fields take
// precedence over the claims carried in the principal's token.
type Account struct {
	PrincipalID    string    `json:"principal_id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Role           auth.Role `json:"role"`
	PlanID         plan.ID   `json:"plan_id"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// InvitationState is derived from consumedAt and expiresAt.
type InvitationState string

const (
	InvitationPending  InvitationState = "pending"
	InvitationConsumed InvitationState = "consumed"
	InvitationExpired  InvitationState = "expired"
)

// Invitation grants Role in OrganizationID to whoever presents the token
// whose hash is TokenHash, once.
type Invitation struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Role           auth.Role  `json:"role"`
	TokenHash      string     `json:"-"`
	InvitedBy      string     `json:"invited_by"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	ConsumedAt     *time.Time `json:"consumed_at,omitempty"`
	ConsumedBy     string     `json:"consumed_by,omitempty"`
	Version        int64      `json:"version"`
}

// State reports the invitation's lifecycle state at now. Consumption wins
// over expiry so that replays of a used token always read as consumed.
func (i Invitation) State(now time.Time) InvitationState {
	switch {
	case i.ConsumedAt != nil:
		return InvitationConsumed
	case !now.Before(i.ExpiresAt):
		return InvitationExpired
	default:
		return InvitationPending
	}
}

// Transition validates the pending -> consumed edge and returns the error
// matching the current state otherwise.
func (i Invitation) Transition(now time.Time) error {
	switch i.State(now) {
	case InvitationConsumed:
		return ErrInvitationAlreadyConsumed
	case InvitationExpired:
		return ErrInvitationExpired
	}
	return nil
}

// Membership is the outcome of accepting an invitation.
type Membership struct {
	PrincipalID    string    `json:"principal_id"`
	OrganizationID string    `json:"organization_id"`
	Role           auth.Role `json:"role"`
	PlanID         plan.ID   `json:"plan_id"`
	JoinedAt       time.Time `json:"joined_at"`
}

// PlanChange moves a principal, or every member of an organization, to a new
// plan. EventID makes delivery idempotent.
type PlanChange struct {
	EventID        string  `json:"event_id"`
	PrincipalID    string  `json:"principal_id,omitempty"`
	OrganizationID string  `json:"organization_id,omitempty"`
	NewPlanID      plan.ID `json:"new_plan_id"`
}
