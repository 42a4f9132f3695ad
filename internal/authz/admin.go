package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/rruiz22/mda-authz/internal/shared"
)

// assignmentStore is the slice of the repository that writes assignment
// rows inside a catalog bump transaction. Satisfied by *Repository.
type assignmentStore interface {
	assignGlobal(ctx context.Context, q querier, principalID, roleID int64) error
	assignDealer(ctx context.Context, q querier, principalID, roleID, dealerID int64) error
	unassign(ctx context.Context, q querier, principalID, roleID, dealerID int64) error
}

// AdminOps is the only supported mutation surface for roles, grants and
// assignments. Every mutation bumps the catalog version and triggers the
// invalidation path; callers must never write the tables directly.
type AdminOps struct {
	repo    assignmentStore
	catalog *Catalog
	audit   *shared.AuditLogger
	logger  *slog.Logger
}

// NewAdminOps constructs the administrative service.
func NewAdminOps(repo *Repository, catalog *Catalog, audit *shared.AuditLogger, logger *slog.Logger) *AdminOps {
	return &AdminOps{repo: repo, catalog: catalog, audit: audit, logger: logger}
}

// CreateRole adds a role. DealerID nil creates a system role.
func (a *AdminOps) CreateRole(ctx context.Context, actor shared.Principal, role Role) (Role, error) {
	created, err := a.catalog.CreateRole(ctx, role)
	if err != nil {
		return Role{}, err
	}
	a.record(ctx, actor, "role.create", created.ID, map[string]any{"slug": created.Slug, "global": created.Global()})
	return created, nil
}

// DeactivateRole soft-deactivates a role everywhere it is assigned.
func (a *AdminOps) DeactivateRole(ctx context.Context, actor shared.Principal, roleID int64) error {
	if _, err := a.catalog.DeactivateRole(ctx, roleID); err != nil {
		return err
	}
	a.record(ctx, actor, "role.deactivate", roleID, nil)
	return nil
}

// Grant adds one permission to a role.
func (a *AdminOps) Grant(ctx context.Context, actor shared.Principal, roleID int64, ref PermissionRef) error {
	if _, err := a.catalog.MutateGrants(ctx, roleID, []PermissionRef{ref}, nil); err != nil {
		return err
	}
	a.record(ctx, actor, "grant.add", roleID, map[string]any{"permission": ref.String()})
	return nil
}

// Revoke removes one permission from a role.
func (a *AdminOps) Revoke(ctx context.Context, actor shared.Principal, roleID int64, ref PermissionRef) error {
	if _, err := a.catalog.MutateGrants(ctx, roleID, nil, []PermissionRef{ref}); err != nil {
		return err
	}
	a.record(ctx, actor, "grant.remove", roleID, map[string]any{"permission": ref.String()})
	return nil
}

// SetElevatedModules replaces an elevated role's module allow-list.
func (a *AdminOps) SetElevatedModules(ctx context.Context, actor shared.Principal, roleID int64, modules []Module) error {
	if _, err := a.catalog.SetElevatedModules(ctx, roleID, modules); err != nil {
		return err
	}
	a.record(ctx, actor, "role.elevated_modules", roleID, map[string]any{"modules": modules})
	return nil
}

// Assign gives a principal a role. dealerID zero assigns a global role and
// requires the role to be global; non-zero requires a role scoped to that
// dealer. The scope invariant is enforced here, at write time, in addition
// to the resolver's read-time check.
func (a *AdminOps) Assign(ctx context.Context, actor shared.Principal, principalID, roleID, dealerID int64) error {
	role, err := a.catalog.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if !role.Active {
		return fmt.Errorf("authz: role %d is inactive", roleID)
	}
	if dealerID == 0 && !role.Global() {
		return fmt.Errorf("%w: dealer role %d cannot be assigned globally", ErrScopeMismatch, roleID)
	}
	if dealerID != 0 {
		if role.Global() {
			return fmt.Errorf("%w: global role %d cannot be assigned to dealer %d", ErrScopeMismatch, roleID, dealerID)
		}
		if *role.DealerID != dealerID {
			return fmt.Errorf("%w: role %d belongs to dealer %d", ErrScopeMismatch, roleID, *role.DealerID)
		}
	}

	version, err := a.bumpWith(ctx, roleID, func(tx pgx.Tx) error {
		if dealerID == 0 {
			return a.repo.assignGlobal(ctx, tx, principalID, roleID)
		}
		return a.repo.assignDealer(ctx, tx, principalID, roleID, dealerID)
	})
	if err != nil {
		return err
	}
	a.record(ctx, actor, "assignment.add", roleID, map[string]any{
		"principal_id": principalID, "dealer_id": dealerID, "catalog_version": version,
	})
	return nil
}

// Unassign retires an assignment. Retiring an absent assignment is a no-op
// that still propagates, keeping the operation idempotent.
func (a *AdminOps) Unassign(ctx context.Context, actor shared.Principal, principalID, roleID, dealerID int64) error {
	version, err := a.bumpWith(ctx, roleID, func(tx pgx.Tx) error {
		return a.repo.unassign(ctx, tx, principalID, roleID, dealerID)
	})
	if err != nil {
		return err
	}
	a.record(ctx, actor, "assignment.remove", roleID, map[string]any{
		"principal_id": principalID, "dealer_id": dealerID, "catalog_version": version,
	})
	return nil
}

// EffectivePermissions resolves the live permission set for inspection in
// the role editor. Reads through the catalog, not the cache, so admins see
// the immediate result of their edits.
func (a *AdminOps) EffectivePermissions(ctx context.Context, resolver *Resolver, principalID, dealerID int64) (PermissionSet, error) {
	version, err := a.catalog.Version(ctx)
	if err != nil {
		return PermissionSet{}, err
	}
	roles, err := resolver.Resolve(ctx, principalID)
	if err != nil {
		return PermissionSet{}, err
	}
	return Aggregate(FilterForDealer(roles, dealerID), version), nil
}

// bumpWith reuses the catalog's transactional bump so assignment mutations
// share the version counter and the change-event path with grant mutations.
func (a *AdminOps) bumpWith(ctx context.Context, roleID int64, mutate func(pgx.Tx) error) (int64, error) {
	return a.catalog.bump(ctx, roleID, mutate)
}

func (a *AdminOps) record(ctx context.Context, actor shared.Principal, action string, roleID int64, meta map[string]any) {
	if a.audit == nil {
		return
	}
	err := a.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "authz_role",
		EntityID: strconv.FormatInt(roleID, 10),
		Meta:     meta,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
