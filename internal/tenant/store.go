package tenant

import (
	"context"
	"time"
)

// Store persists organizations, accounts and invitations. AcceptInvitation
// and ApplyPlanChange must be atomic across every instance sharing the store.
type Store interface {
	CreateOrganization(ctx context.Context, org Organization) (Organization, error)
	GetOrganization(ctx context.Context, id string) (Organization, error)

	// GetAccount returns ErrNotFound for principals with no stored state.
	GetAccount(ctx context.Context, principalID string) (Account, error)
	PutAccount(ctx context.Context, acct Account) (Account, error)

	CreateInvitation(ctx context.Context, inv Invitation) (Invitation, error)
	InvitationByTokenHash(ctx context.Context, tokenHash string) (Invitation, error)

	// AcceptInvitation consumes the invitation, grants its role in its
	// organization and moves the principal to the organization's plan, as
	// one unit. Only one caller per invitation ever succeeds.
	AcceptInvitation(ctx context.Context, tokenHash, principalID string, now time.Time) (Membership, error)

	// ApplyPlanChange returns ErrDuplicateEvent when EventID was seen before.
	ApplyPlanChange(ctx context.Context, change PlanChange, now time.Time) error
}
