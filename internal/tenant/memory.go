package tenant

import (
	"context"
	"strings"
	"sync"
	"time"

	"tollgate.dev/internal/ids"
)

// MemoryStore is a process-local Store for development and tests.
type MemoryStore struct {
	mu          sync.Mutex
	orgs        map[string]Organization
	accounts    map[string]Account
	invitations map[string]Invitation // keyed by token hash
	events      map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:        make(map[string]Organization),
		accounts:    make(map[string]Account),
		invitations: make(map[string]Invitation),
		events:      make(map[string]struct{}),
	}
}

func (s *MemoryStore) CreateOrganization(ctx context.Context, org Organization) (Organization, error) {
	if strings.TrimSpace(org.Name) == "" {
		return Organization{}, ErrConflict
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if org.ID == "" {
		org.ID = ids.New()
	}
	if _, ok := s.orgs[org.ID]; ok {
		return Organization{}, ErrConflict
	}
	now := time.Now().UTC()
	org.CreatedAt, org.UpdatedAt = now, now
	s.orgs[org.ID] = org
	return org, nil
}

func (s *MemoryStore) GetOrganization(ctx context.Context, id string) (Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return Organization{}, ErrNotFound
	}
	return org, nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, principalID string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[principalID]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acct, nil
}

func (s *MemoryStore) PutAccount(ctx context.Context, acct Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putAccountLocked(acct, time.Now().UTC()), nil
}

func (s *MemoryStore) putAccountLocked(acct Account, now time.Time) Account {
	prev := s.accounts[acct.PrincipalID]
	acct.Version = prev.Version + 1
	acct.UpdatedAt = now
	s.accounts[acct.PrincipalID] = acct
	return acct
}

func (s *MemoryStore) CreateInvitation(ctx context.Context, inv Invitation) (Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[inv.OrganizationID]; !ok {
		return Invitation{}, ErrNotFound
	}
	if _, ok := s.invitations[inv.TokenHash]; ok {
		return Invitation{}, ErrConflict
	}
	if inv.ID == "" {
		inv.ID = ids.New()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	inv.ConsumedAt = nil
	inv.Version = 1
	s.invitations[inv.TokenHash] = inv
	return inv, nil
}

func (s *MemoryStore) InvitationByTokenHash(ctx context.Context, tokenHash string) (Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invitations[tokenHash]
	if !ok {
		return Invitation{}, ErrNotFound
	}
	return inv, nil
}

func (s *MemoryStore) AcceptInvitation(ctx context.Context, tokenHash, principalID string, now time.Time) (Membership, error) {
	if err := ctx.Err(); err != nil {
		return Membership{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invitations[tokenHash]
	if !ok {
		return Membership{}, ErrNotFound
	}
	if err := inv.Transition(now); err != nil {
		return Membership{}, err
	}
	org, ok := s.orgs[inv.OrganizationID]
	if !ok {
		return Membership{}, ErrNotFound
	}

	consumed := now.UTC()
	inv.ConsumedAt = &consumed
	inv.ConsumedBy = principalID
	inv.Version++
	s.invitations[tokenHash] = inv

	s.putAccountLocked(Account{
		PrincipalID:    principalID,
		OrganizationID: org.ID,
		Role:           inv.Role,
		PlanID:         org.PlanID,
	}, consumed)

	return Membership{
		PrincipalID:    principalID,
		OrganizationID: org.ID,
		Role:           inv.Role,
		PlanID:         org.PlanID,
		JoinedAt:       consumed,
	}, nil
}

func (s *MemoryStore) ApplyPlanChange(ctx context.Context, change PlanChange, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.events[change.EventID]; seen {
		return ErrDuplicateEvent
	}
	switch {
	case change.OrganizationID != "":
		org, ok := s.orgs[change.OrganizationID]
		if !ok {
			return ErrNotFound
		}
		org.PlanID = change.NewPlanID
		org.UpdatedAt = now
		s.orgs[org.ID] = org
		for _, acct := range s.accounts {
			if acct.OrganizationID == org.ID {
				acct.PlanID = change.NewPlanID
				s.putAccountLocked(acct, now)
			}
		}
	case change.PrincipalID != "":
		acct, ok := s.accounts[change.PrincipalID]
		if !ok {
			acct = Account{PrincipalID: change.PrincipalID}
		}
		acct.PlanID = change.NewPlanID
		s.putAccountLocked(acct, now)
	default:
		return ErrNotFound
	}
	s.events[change.EventID] = struct{}{}
	return nil
}
