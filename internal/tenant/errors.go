package tenant

import "errors"

var (
	ErrNotFound = errors.New("tenant: not found")
	ErrConflict = errors.New("tenant: conflict")
	// ErrInvalidOrganization rejects organizations without a name or a known plan.
	ErrInvalidOrganization = errors.New("tenant: invalid organization")
	// ErrInvitationExpired is returned for pending invitations past expiresAt.
	ErrInvitationExpired = errors.New("tenant: invitation expired")
	// ErrInvitationAlreadyConsumed is returned for every acceptance after the first.
	ErrInvitationAlreadyConsumed = errors.New("tenant: invitation already consumed")
	// ErrDuplicateEvent marks a billing event that was already applied.
	ErrDuplicateEvent = errors.New("tenant: billing event already applied")
)
