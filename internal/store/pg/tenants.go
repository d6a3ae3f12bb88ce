package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tollgate.dev/internal/auth"
	"tollgate.dev/internal/ids"
	"tollgate.dev/internal/plan"
	"tollgate.dev/internal/tenant"
)

var _ tenant.Store = (*Store)(nil)

const (
	accountColumns    = `principal_id, coalesce(organization_id, ''), role, plan_id, version, updated_at`
	invitationColumns = `id, organization_id, role, token_hash, invited_by, created_at, expires_at, consumed_at, coalesce(consumed_by, ''), version`
)

func (s *Store) CreateOrganization(ctx context.Context, org tenant.Organization) (tenant.Organization, error) {
	if s.db == nil {
		return tenant.Organization{}, errNoDB
	}
	if org.ID == "" {
		org.ID = ids.New()
	}
	metaJSON := []byte("{}")
	if len(org.Metadata) > 0 {
		bytes, err := json.Marshal(org.Metadata)
		if err != nil {
			return tenant.Organization{}, fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = bytes
	}
	row := s.db.QueryRowContext(ctx, `
		insert into organizations (id, name, plan_id, metadata)
		values ($1, $2, $3, $4)
		returning id, name, plan_id, metadata, created_at, updated_at
	`, org.ID, org.Name, string(org.PlanID), metaJSON)
	created, err := scanOrganization(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return tenant.Organization{}, tenant.ErrConflict
		}
		return tenant.Organization{}, err
	}
	return created, nil
}

func (s *Store) GetOrganization(ctx context.Context, id string) (tenant.Organization, error) {
	if s.db == nil {
		return tenant.Organization{}, errNoDB
	}
	org, err := scanOrganization(s.db.QueryRowContext(ctx, `
		select id, name, plan_id, metadata, created_at, updated_at
		from organizations
		where id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Organization{}, tenant.ErrNotFound
	}
	return org, err
}

func (s *Store) GetAccount(ctx context.Context, principalID string) (tenant.Account, error) {
	if s.db == nil {
		return tenant.Account{}, errNoDB
	}
	acct, err := scanAccount(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where principal_id = $1`, principalID))
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Account{}, tenant.ErrNotFound
	}
	return acct, err
}

func (s *Store) PutAccount(ctx context.Context, acct tenant.Account) (tenant.Account, error) {
	if s.db == nil {
		return tenant.Account{}, errNoDB
	}
	stored, err := upsertAccount(ctx, s.db, acct, time.Now().UTC())
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return tenant.Account{}, tenant.ErrNotFound
		}
		return tenant.Account{}, err
	}
	return stored, nil
}

func (s *Store) CreateInvitation(ctx context.Context, inv tenant.Invitation) (tenant.Invitation, error) {
	if s.db == nil {
		return tenant.Invitation{}, errNoDB
	}
	if inv.ID == "" {
		inv.ID = ids.New()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	created, err := scanInvitation(s.db.QueryRowContext(ctx, `
		insert into invitations (id, organization_id, role, token_hash, invited_by, created_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning `+invitationColumns,
		inv.ID, inv.OrganizationID, string(inv.Role), inv.TokenHash, inv.InvitedBy, inv.CreatedAt, inv.ExpiresAt))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return tenant.Invitation{}, tenant.ErrConflict
			case pgErrForeignKeyViolation:
				return tenant.Invitation{}, tenant.ErrNotFound
			}
		}
		return tenant.Invitation{}, err
	}
	return created, nil
}

func (s *Store) InvitationByTokenHash(ctx context.Context, tokenHash string) (tenant.Invitation, error) {
	if s.db == nil {
		return tenant.Invitation{}, errNoDB
	}
	inv, err := scanInvitation(s.db.QueryRowContext(ctx,
		`select `+invitationColumns+` from invitations where token_hash = $1`, tokenHash))
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Invitation{}, tenant.ErrNotFound
	}
	return inv, err
}

// AcceptInvitation guards the pending -> consumed transition with a
// conditional update on consumed_at. Concurrent acceptances serialize on the
// row lock and all but one update zero rows.
func (s *Store) AcceptInvitation(ctx context.Context, tokenHash, principalID string, now time.Time) (tenant.Membership, error) {
	if s.db == nil {
		return tenant.Membership{}, errNoDB
	}
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tenant.Membership{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		orgID string
		role  string
	)
	err = tx.QueryRowContext(ctx, `
		update invitations
		set consumed_at = $2, consumed_by = $3, version = version + 1
		where token_hash = $1 and consumed_at is null and expires_at > $2
		returning organization_id, role
	`, tokenHash, now, principalID).Scan(&orgID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Membership{}, s.rejectAcceptance(ctx, tx, tokenHash, now)
	}
	if err != nil {
		return tenant.Membership{}, err
	}

	var planID string
	err = tx.QueryRowContext(ctx, `select plan_id from organizations where id = $1`, orgID).Scan(&planID)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Membership{}, tenant.ErrNotFound
	}
	if err != nil {
		return tenant.Membership{}, err
	}

	if _, err := upsertAccount(ctx, tx, tenant.Account{
		PrincipalID:    principalID,
		OrganizationID: orgID,
		Role:           auth.Role(role),
		PlanID:         plan.ID(planID),
	}, now); err != nil {
		return tenant.Membership{}, err
	}
	if err := tx.Commit(); err != nil {
		return tenant.Membership{}, err
	}
	return tenant.Membership{
		PrincipalID:    principalID,
		OrganizationID: orgID,
		Role:           auth.Role(role),
		PlanID:         plan.ID(planID),
		JoinedAt:       now,
	}, nil
}

// rejectAcceptance explains why the conditional update matched nothing.
func (s *Store) rejectAcceptance(ctx context.Context, tx *sql.Tx, tokenHash string, now time.Time) error {
	inv, err := scanInvitation(tx.QueryRowContext(ctx,
		`select `+invitationColumns+` from invitations where token_hash = $1`, tokenHash))
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := inv.Transition(now); err != nil {
		return err
	}
	return tenant.ErrConflict
}

func (s *Store) ApplyPlanChange(ctx context.Context, change tenant.PlanChange, now time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		insert into billing_events (event_id, principal_id, organization_id, plan_id, applied_at)
		values ($1, $2, $3, $4, $5)
		on conflict (event_id) do nothing
	`, change.EventID, nullIfEmpty(change.PrincipalID), nullIfEmpty(change.OrganizationID), string(change.NewPlanID), now)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return tenant.ErrDuplicateEvent
	}

	switch {
	case change.OrganizationID != "":
		res, err := tx.ExecContext(ctx,
			`update organizations set plan_id = $2, updated_at = $3 where id = $1`,
			change.OrganizationID, string(change.NewPlanID), now)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return tenant.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`update accounts set plan_id = $2, version = version + 1, updated_at = $3 where organization_id = $1`,
			change.OrganizationID, string(change.NewPlanID), now); err != nil {
			return err
		}
	case change.PrincipalID != "":
		if _, err := tx.ExecContext(ctx, `
			insert into accounts (principal_id, plan_id, updated_at)
			values ($1, $2, $3)
			on conflict (principal_id) do update
			set plan_id = excluded.plan_id, version = accounts.version + 1, updated_at = excluded.updated_at
		`, change.PrincipalID, string(change.NewPlanID), now); err != nil {
			return err
		}
	default:
		return tenant.ErrNotFound
	}
	return tx.Commit()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertAccount(ctx context.Context, q queryRower, acct tenant.Account, now time.Time) (tenant.Account, error) {
	return scanAccount(q.QueryRowContext(ctx, `
		insert into accounts (principal_id, organization_id, role, plan_id, updated_at)
		values ($1, $2, $3, $4, $5)
		on conflict (principal_id) do update
		set organization_id = excluded.organization_id,
		    role = excluded.role,
		    plan_id = excluded.plan_id,
		    version = accounts.version + 1,
		    updated_at = excluded.updated_at
		returning `+accountColumns,
		acct.PrincipalID, nullIfEmpty(acct.OrganizationID), string(acct.Role), string(acct.PlanID), now))
}

func scanOrganization(row scanner) (tenant.Organization, error) {
	var (
		org    tenant.Organization
		planID string
		rawMet []byte
	)
	if err := row.Scan(&org.ID, &org.Name, &planID, &rawMet, &org.CreatedAt, &org.UpdatedAt); err != nil {
		return tenant.Organization{}, err
	}
	org.PlanID = plan.ID(planID)
	org.Metadata = map[string]any{}
	if len(rawMet) > 0 {
		if err := json.Unmarshal(rawMet, &org.Metadata); err != nil {
			return tenant.Organization{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return org, nil
}

func scanAccount(row scanner) (tenant.Account, error) {
	var (
		acct   tenant.Account
		role   string
		planID string
	)
	if err := row.Scan(&acct.PrincipalID, &acct.OrganizationID, &role, &planID, &acct.Version, &acct.UpdatedAt); err != nil {
		return tenant.Account{}, err
	}
	acct.Role = auth.Role(role)
	acct.PlanID = plan.ID(planID)
	return acct, nil
}

func scanInvitation(row scanner) (tenant.Invitation, error) {
	var (
		inv      tenant.Invitation
		role     string
		consumed sql.NullTime
	)
	if err := row.Scan(&inv.ID, &inv.OrganizationID, &role, &inv.TokenHash, &inv.InvitedBy,
		&inv.CreatedAt, &inv.ExpiresAt, &consumed, &inv.ConsumedBy, &inv.Version); err != nil {
		return tenant.Invitation{}, err
	}
	inv.Role = auth.Role(role)
	if consumed.Valid {
		t := consumed.Time
		inv.ConsumedAt = &t
	}
	return inv, nil
}
