package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
)

const catalogVersionKey = "authz:catalog:version"

// ChangeListener receives role-changed events after a catalog mutation
// commits. Implemented by the Broadcaster; nil disables fan-out (tests).
type ChangeListener interface {
	OnRoleChanged(ctx context.Context, roleID, newVersion int64)
}

// catalogStore is the slice of the repository the catalog mutates and
// reads. Satisfied by *Repository.
type catalogStore interface {
	GetRole(ctx context.Context, id int64) (Role, error)
	ListRoles(ctx context.Context, dealerID int64) ([]Role, error)
	ListGrants(ctx context.Context, roleID int64) ([]PermissionRef, error)
	CreateRole(ctx context.Context, role Role) (Role, error)
	RenameRole(ctx context.Context, id int64, displayName string) error
	CurrentVersion(ctx context.Context) (int64, error)
	withTx(ctx context.Context, fn func(pgx.Tx) error) error
	bumpVersion(ctx context.Context, q querier) (int64, error)
	setElevatedModules(ctx context.Context, q querier, id int64, modules []Module) error
	deactivateRole(ctx context.Context, q querier, id int64) error
	addGrant(ctx context.Context, q querier, roleID int64, ref PermissionRef) error
	removeGrant(ctx context.Context, q querier, roleID int64, ref PermissionRef) error
}

// Catalog is the durable read model of roles and grants. Every mutation
// increments one global monotonic version, mirrored into Redis so cache
// holders in other processes can detect staleness without touching Postgres.
type Catalog struct {
	repo     catalogStore
	rdb      *redis.Client
	logger   *slog.Logger
	listener ChangeListener
}

// NewCatalog constructs the catalog service.
func NewCatalog(repo *Repository, rdb *redis.Client, logger *slog.Logger) *Catalog {
	return &Catalog{repo: repo, rdb: rdb, logger: logger}
}

// SetListener wires the broadcaster. Called once during startup; the
// catalog and broadcaster reference each other so construction is two-phase.
func (c *Catalog) SetListener(l ChangeListener) {
	c.listener = l
}

// GetRole fetches a role by id.
func (c *Catalog) GetRole(ctx context.Context, id int64) (Role, error) {
	return c.repo.GetRole(ctx, id)
}

// ListRoles returns the roles visible within a dealer.
func (c *Catalog) ListRoles(ctx context.Context, dealerID int64) ([]Role, error) {
	return c.repo.ListRoles(ctx, dealerID)
}

// ListGrants returns the grants held by a role.
func (c *Catalog) ListGrants(ctx context.Context, roleID int64) ([]PermissionRef, error) {
	return c.repo.ListGrants(ctx, roleID)
}

// CreateRole validates and inserts a new role, bumping the version.
func (c *Catalog) CreateRole(ctx context.Context, role Role) (Role, error) {
	for _, m := range role.ElevatedModules {
		if !ValidModule(m) {
			return Role{}, fmt.Errorf("%w: module %q", ErrUnknownPermission, m)
		}
	}
	if role.Slug == "" {
		return Role{}, errors.New("authz: role slug required")
	}
	created, err := c.repo.CreateRole(ctx, role)
	if err != nil {
		return Role{}, err
	}
	if _, err := c.bump(ctx, created.ID, nil); err != nil {
		return Role{}, err
	}
	return created, nil
}

// RenameRole updates display metadata. No version bump: display names do
// not affect permission resolution.
func (c *Catalog) RenameRole(ctx context.Context, id int64, displayName string) error {
	return c.repo.RenameRole(ctx, id, displayName)
}

// SetElevatedModules replaces an elevated role's allow-list.
func (c *Catalog) SetElevatedModules(ctx context.Context, id int64, modules []Module) (int64, error) {
	for _, m := range modules {
		if !ValidModule(m) {
			return 0, fmt.Errorf("%w: module %q", ErrUnknownPermission, m)
		}
	}
	return c.bump(ctx, id, func(tx pgx.Tx) error {
		return c.repo.setElevatedModules(ctx, tx, id, modules)
	})
}

// DeactivateRole soft-deactivates a role.
func (c *Catalog) DeactivateRole(ctx context.Context, id int64) (int64, error) {
	return c.bump(ctx, id, func(tx pgx.Tx) error {
		return c.repo.deactivateRole(ctx, tx, id)
	})
}

// MutateGrants applies additions and removals to a role's grants in one
// transaction and returns the new catalog version. Duplicate additions and
// absent removals are no-ops.
func (c *Catalog) MutateGrants(ctx context.Context, roleID int64, add, remove []PermissionRef) (int64, error) {
	for _, ref := range append(append([]PermissionRef{}, add...), remove...) {
		if err := ref.Validate(); err != nil {
			return 0, err
		}
	}
	if _, err := c.repo.GetRole(ctx, roleID); err != nil {
		return 0, err
	}
	return c.bump(ctx, roleID, func(tx pgx.Tx) error {
		for _, ref := range add {
			if err := c.repo.addGrant(ctx, tx, roleID, ref); err != nil {
				return err
			}
		}
		for _, ref := range remove {
			if err := c.repo.removeGrant(ctx, tx, roleID, ref); err != nil {
				return err
			}
		}
		return nil
	})
}

// Version returns the current catalog version, preferring the Redis mirror
// and falling back to Postgres when the mirror is cold.
func (c *Catalog) Version(ctx context.Context) (int64, error) {
	if c.rdb != nil {
		version, err := c.rdb.Get(ctx, catalogVersionKey).Int64()
		if err == nil && version > 0 {
			return version, nil
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			c.logger.Warn("catalog version mirror read failed", slog.Any("error", err))
		}
	}
	version, err := c.repo.CurrentVersion(ctx)
	if err != nil {
		return 0, err
	}
	c.mirrorVersion(ctx, version)
	return version, nil
}

// bump runs the optional mutation and the version increment in one
// transaction, then mirrors the version and notifies the listener.
func (c *Catalog) bump(ctx context.Context, roleID int64, mutate func(pgx.Tx) error) (int64, error) {
	var version int64
	err := c.repo.withTx(ctx, func(tx pgx.Tx) error {
		if mutate != nil {
			if err := mutate(tx); err != nil {
				return err
			}
		}
		v, err := c.repo.bumpVersion(ctx, tx)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	if err != nil {
		return 0, err
	}
	c.mirrorVersion(ctx, version)
	if c.listener != nil {
		c.listener.OnRoleChanged(ctx, roleID, version)
	}
	return version, nil
}

func (c *Catalog) mirrorVersion(ctx context.Context, version int64) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, catalogVersionKey, version, 0).Err(); err != nil {
		c.logger.Warn("catalog version mirror write failed",
			slog.Int64("version", version), slog.Any("error", err))
	}
}
