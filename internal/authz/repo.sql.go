package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rruiz22/mda-authz/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for roles, grants and
// assignments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const roleColumns = `id, slug, display_name, dealer_id, system_admin, elevated, elevated_modules, is_active, created_at, updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var (
		role     Role
		elevated []string
	)
	err := row.Scan(&role.ID, &role.Slug, &role.DisplayName, &role.DealerID,
		&role.SystemAdmin, &role.Elevated, &elevated, &role.Active,
		&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, err
	}
	role.ElevatedModules = make([]Module, 0, len(elevated))
	for _, m := range elevated {
		role.ElevatedModules = append(role.ElevatedModules, Module(m))
	}
	return role, nil
}

// GetRole fetches a role by ID.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	return r.getRole(ctx, r.pool, id)
}

func (r *Repository) getRole(ctx context.Context, q querier, id int64) (Role, error) {
	role, err := scanRole(q.QueryRow(ctx,
		`SELECT `+roleColumns+` FROM authz_roles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, fmt.Errorf("%w: get role: %v", ErrStoreUnavailable, err)
	}
	return role, nil
}

// ListRoles returns roles visible within a dealer: global roles plus the
// dealer's own. dealerID zero lists global roles only.
func (r *Repository) ListRoles(ctx context.Context, dealerID int64) ([]Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+roleColumns+` FROM authz_roles
		 WHERE dealer_id IS NULL OR dealer_id = $1
		 ORDER BY dealer_id NULLS FIRST, slug`, dealerID)
	if err != nil {
		return nil, fmt.Errorf("%w: list roles: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan role: %v", ErrStoreUnavailable, err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list roles: %v", ErrStoreUnavailable, err)
	}
	return roles, nil
}

// CreateRole inserts a new role. Scope is fixed by the dealerID argument and
// can never change afterwards; there is deliberately no update for it.
func (r *Repository) CreateRole(ctx context.Context, role Role) (Role, error) {
	elevated := make([]string, 0, len(role.ElevatedModules))
	for _, m := range role.ElevatedModules {
		elevated = append(elevated, string(m))
	}
	created, err := scanRole(r.pool.QueryRow(ctx,
		`INSERT INTO authz_roles (slug, display_name, dealer_id, system_admin, elevated, elevated_modules, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		 RETURNING `+roleColumns,
		role.Slug, role.DisplayName, role.DealerID, role.SystemAdmin, role.Elevated, elevated))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Role{}, fmt.Errorf("authz: role slug %q already exists", role.Slug)
		}
		return Role{}, fmt.Errorf("%w: create role: %v", ErrStoreUnavailable, err)
	}
	return created, nil
}

// RenameRole updates display metadata only.
func (r *Repository) RenameRole(ctx context.Context, id int64, displayName string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE authz_roles SET display_name = $2, updated_at = NOW() WHERE id = $1`,
		id, displayName)
	if err != nil {
		return fmt.Errorf("%w: rename role: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetElevatedModules replaces the allow-list of an elevated role inside tx.
func (r *Repository) setElevatedModules(ctx context.Context, q querier, id int64, modules []Module) error {
	elevated := make([]string, 0, len(modules))
	for _, m := range modules {
		elevated = append(elevated, string(m))
	}
	tag, err := q.Exec(ctx,
		`UPDATE authz_roles SET elevated_modules = $2, updated_at = NOW() WHERE id = $1 AND elevated`,
		id, elevated)
	if err != nil {
		return fmt.Errorf("%w: set elevated modules: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateRole soft-deactivates a role inside tx. Roles referenced by
// grants are never hard-deleted.
func (r *Repository) deactivateRole(ctx context.Context, q querier, id int64) error {
	tag, err := q.Exec(ctx,
		`UPDATE authz_roles SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: deactivate role: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListGrants returns every grant held by a role.
func (r *Repository) ListGrants(ctx context.Context, roleID int64) ([]PermissionRef, error) {
	return r.listGrants(ctx, r.pool, roleID)
}

func (r *Repository) listGrants(ctx context.Context, q querier, roleID int64) ([]PermissionRef, error) {
	var grants []PermissionRef

	rows, err := q.Query(ctx,
		`SELECT permission FROM authz_role_system_grants WHERE role_id = $1 ORDER BY permission`, roleID)
	if err != nil {
		return nil, fmt.Errorf("%w: list system grants: %v", ErrStoreUnavailable, err)
	}
	for rows.Next() {
		var perm string
		if err := rows.Scan(&perm); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan system grant: %v", ErrStoreUnavailable, err)
		}
		grants = append(grants, SystemRef(SystemPermission(perm)))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list system grants: %v", ErrStoreUnavailable, err)
	}

	rows, err = q.Query(ctx,
		`SELECT module, permission FROM authz_role_module_grants WHERE role_id = $1 ORDER BY module, permission`, roleID)
	if err != nil {
		return nil, fmt.Errorf("%w: list module grants: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var module, perm string
		if err := rows.Scan(&module, &perm); err != nil {
			return nil, fmt.Errorf("%w: scan module grant: %v", ErrStoreUnavailable, err)
		}
		grants = append(grants, ModuleRef(Module(module), PermKey(perm)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list module grants: %v", ErrStoreUnavailable, err)
	}
	return grants, nil
}

// addGrant inserts a grant idempotently: re-granting is a no-op.
func (r *Repository) addGrant(ctx context.Context, q querier, roleID int64, ref PermissionRef) error {
	var err error
	if ref.IsSystem() {
		_, err = q.Exec(ctx,
			`INSERT INTO authz_role_system_grants (role_id, permission) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`, roleID, string(ref.System))
	} else {
		_, err = q.Exec(ctx,
			`INSERT INTO authz_role_module_grants (role_id, module, permission) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`, roleID, string(ref.Module), string(ref.Key))
	}
	if err != nil {
		return fmt.Errorf("%w: add grant %s: %v", ErrStoreUnavailable, ref, err)
	}
	return nil
}

// removeGrant deletes a grant. Removing an absent grant is a no-op.
func (r *Repository) removeGrant(ctx context.Context, q querier, roleID int64, ref PermissionRef) error {
	var err error
	if ref.IsSystem() {
		_, err = q.Exec(ctx,
			`DELETE FROM authz_role_system_grants WHERE role_id = $1 AND permission = $2`,
			roleID, string(ref.System))
	} else {
		_, err = q.Exec(ctx,
			`DELETE FROM authz_role_module_grants WHERE role_id = $1 AND module = $2 AND permission = $3`,
			roleID, string(ref.Module), string(ref.Key))
	}
	if err != nil {
		return fmt.Errorf("%w: remove grant %s: %v", ErrStoreUnavailable, ref, err)
	}
	return nil
}

// bumpVersion increments the monotonic catalog version inside tx.
func (r *Repository) bumpVersion(ctx context.Context, q querier) (int64, error) {
	var version int64
	err := q.QueryRow(ctx,
		`UPDATE authz_catalog_version SET version = version + 1 WHERE id = 1 RETURNING version`).
		Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("%w: bump catalog version: %v", ErrStoreUnavailable, err)
	}
	return version, nil
}

// CurrentVersion reads the catalog version from the durable store.
func (r *Repository) CurrentVersion(ctx context.Context) (int64, error) {
	var version int64
	err := r.pool.QueryRow(ctx,
		`SELECT version FROM authz_catalog_version WHERE id = 1`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("%w: read catalog version: %v", ErrStoreUnavailable, err)
	}
	return version, nil
}

// GlobalAssignment returns the principal's single active global assignment,
// or ErrNotFound when none exists.
func (r *Repository) GlobalAssignment(ctx context.Context, principalID int64) (RoleAssignment, error) {
	var a RoleAssignment
	err := r.pool.QueryRow(ctx,
		`SELECT principal_id, role_id, is_active, created_at, updated_at
		 FROM authz_global_assignments
		 WHERE principal_id = $1 AND is_active`, principalID).
		Scan(&a.PrincipalID, &a.RoleID, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RoleAssignment{}, ErrNotFound
		}
		return RoleAssignment{}, fmt.Errorf("%w: global assignment: %v", ErrStoreUnavailable, err)
	}
	return a, nil
}

// DealerAssignments returns the principal's active dealer-scoped assignments
// across every dealer.
func (r *Repository) DealerAssignments(ctx context.Context, principalID int64) ([]RoleAssignment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT principal_id, role_id, dealer_id, is_active, created_at, updated_at
		 FROM authz_dealer_assignments
		 WHERE principal_id = $1 AND is_active
		 ORDER BY dealer_id, role_id`, principalID)
	if err != nil {
		return nil, fmt.Errorf("%w: dealer assignments: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	var assignments []RoleAssignment
	for rows.Next() {
		var a RoleAssignment
		if err := rows.Scan(&a.PrincipalID, &a.RoleID, &a.DealerID, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan dealer assignment: %v", ErrStoreUnavailable, err)
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: dealer assignments: %v", ErrStoreUnavailable, err)
	}
	return assignments, nil
}

// assignGlobal inserts or reactivates the single global assignment inside
// tx. Any previous active global assignment for the principal is retired
// first; at most one may be active at a time.
func (r *Repository) assignGlobal(ctx context.Context, q querier, principalID, roleID int64) error {
	_, err := q.Exec(ctx,
		`UPDATE authz_global_assignments SET is_active = FALSE, updated_at = NOW()
		 WHERE principal_id = $1 AND is_active AND role_id <> $2`, principalID, roleID)
	if err != nil {
		return fmt.Errorf("%w: retire global assignment: %v", ErrStoreUnavailable, err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO authz_global_assignments (principal_id, role_id, is_active)
		 VALUES ($1, $2, TRUE)
		 ON CONFLICT (principal_id, role_id)
		 DO UPDATE SET is_active = TRUE, updated_at = NOW()`, principalID, roleID)
	if err != nil {
		return fmt.Errorf("%w: assign global role: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// assignDealer inserts or reactivates a dealer-scoped assignment inside tx.
func (r *Repository) assignDealer(ctx context.Context, q querier, principalID, roleID, dealerID int64) error {
	_, err := q.Exec(ctx,
		`INSERT INTO authz_dealer_assignments (principal_id, role_id, dealer_id, is_active)
		 VALUES ($1, $2, $3, TRUE)
		 ON CONFLICT (principal_id, role_id, dealer_id)
		 DO UPDATE SET is_active = TRUE, updated_at = NOW()`, principalID, roleID, dealerID)
	if err != nil {
		return fmt.Errorf("%w: assign dealer role: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// unassign retires an assignment inside tx. dealerID zero targets the
// global table.
func (r *Repository) unassign(ctx context.Context, q querier, principalID, roleID, dealerID int64) error {
	var err error
	if dealerID == 0 {
		_, err = q.Exec(ctx,
			`UPDATE authz_global_assignments SET is_active = FALSE, updated_at = NOW()
			 WHERE principal_id = $1 AND role_id = $2 AND is_active`, principalID, roleID)
	} else {
		_, err = q.Exec(ctx,
			`UPDATE authz_dealer_assignments SET is_active = FALSE, updated_at = NOW()
			 WHERE principal_id = $1 AND role_id = $2 AND dealer_id = $3 AND is_active`,
			principalID, roleID, dealerID)
	}
	if err != nil {
		return fmt.Errorf("%w: unassign role: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// AssignmentTargets collects the distinct (principal, dealer) pairs holding
// a role, used by the invalidation fan-out. Global holders appear with
// dealer zero plus one entry per dealer they also belong to, since their
// cached sets are keyed per dealer.
func (r *Repository) AssignmentTargets(ctx context.Context, roleID int64) ([]Target, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT principal_id, dealer_id FROM (
			SELECT principal_id, dealer_id
			FROM authz_dealer_assignments WHERE role_id = $1 AND is_active
			UNION
			SELECT g.principal_id, 0 AS dealer_id
			FROM authz_global_assignments g WHERE g.role_id = $1 AND g.is_active
			UNION
			SELECT d.principal_id, d.dealer_id
			FROM authz_global_assignments g
			JOIN authz_dealer_assignments d ON d.principal_id = g.principal_id AND d.is_active
			WHERE g.role_id = $1 AND g.is_active
		 ) targets
		 ORDER BY principal_id, dealer_id`, roleID)
	if err != nil {
		return nil, fmt.Errorf("%w: assignment targets: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	var targets []Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.PrincipalID, &t.DealerID); err != nil {
			return nil, fmt.Errorf("%w: scan target: %v", ErrStoreUnavailable, err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: assignment targets: %v", ErrStoreUnavailable, err)
	}
	return targets, nil
}

// withTx runs fn inside a transaction on the underlying pool.
func (r *Repository) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return db.WithTx(ctx, r.pool, fn)
}
