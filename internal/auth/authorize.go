package auth

import (
	"strings"

	"tollgate.dev/internal/plan"
)

// Principal is the verified actor of a request as reported by the identity
// collaborator. Role and plan may be overlaid with stored account state.
type Principal struct {
	ID             string  `json:"id"`
	Role           Role    `json:"role"`
	PlanID         plan.ID `json:"plan_id"`
	OrganizationID string  `json:"organization_id,omitempty"`
	EmailVerified  bool    `json:"email_verified"`
}

// Authenticated reports whether p identifies a verified actor.
func (p *Principal) Authenticated() bool {
	return p != nil && strings.TrimSpace(p.ID) != "" && p.EmailVerified
}
