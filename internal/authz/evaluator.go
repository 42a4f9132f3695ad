package authz

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rruiz22/mda-authz/internal/shared"
)

// Evaluator is the read API the rest of the application consumes. Its
// boolean methods are total: internal failures resolve to false. The only
// condition surfaced to callers is ErrUnavailable, carried inside the
// Decision so the guard can log it; it still evaluates to deny.
type Evaluator struct {
	cache  *Cache
	logger *slog.Logger
}

// NewEvaluator constructs an evaluator over the cache.
func NewEvaluator(cache *Cache, logger *slog.Logger) *Evaluator {
	return &Evaluator{cache: cache, logger: logger}
}

// CheckSystem evaluates a system permission for the principal.
func (e *Evaluator) CheckSystem(ctx context.Context, p shared.Principal, perm SystemPermission) Decision {
	set, decision, ok := e.fetch(ctx, p)
	if !ok {
		return decision
	}
	if set.HasSystem(perm) {
		return Decision{Allowed: true, Degraded: set.Degraded}
	}
	return Decision{Reason: ReasonNotGranted, Degraded: set.Degraded}
}

// CheckModule evaluates a module permission for the principal.
func (e *Evaluator) CheckModule(ctx context.Context, p shared.Principal, module Module, key PermKey) Decision {
	set, decision, ok := e.fetch(ctx, p)
	if !ok {
		return decision
	}
	if set.ModuleCount(module) == 0 {
		return Decision{Reason: ReasonModuleNotAllowed, Degraded: set.Degraded}
	}
	if set.HasModule(module, key) {
		return Decision{Allowed: true, Degraded: set.Degraded}
	}
	return Decision{Reason: ReasonNotGranted, Degraded: set.Degraded}
}

// HasSystemPermission reports whether the principal holds a system
// permission. Always returns; errors evaluate to false.
func (e *Evaluator) HasSystemPermission(ctx context.Context, p shared.Principal, perm SystemPermission) bool {
	return e.CheckSystem(ctx, p, perm).Allowed
}

// HasModulePermission reports whether the principal holds a key in a module.
func (e *Evaluator) HasModulePermission(ctx context.Context, p shared.Principal, module Module, key PermKey) bool {
	return e.CheckModule(ctx, p, module, key).Allowed
}

// HasAnyModuleAccess reports whether any key at all is granted for the
// module. Used to filter navigation and listings.
func (e *Evaluator) HasAnyModuleAccess(ctx context.Context, p shared.Principal, module Module) bool {
	set, _, ok := e.fetch(ctx, p)
	return ok && set.ModuleCount(module) > 0
}

// AllowedModules lists the modules the principal may see at all. Empty on
// any failure.
func (e *Evaluator) AllowedModules(ctx context.Context, p shared.Principal) []Module {
	set, _, ok := e.fetch(ctx, p)
	if !ok {
		return nil
	}
	return set.AllowedModules()
}

// LegacyHasPermission maps a coarse level (read/write/delete/admin) onto the
// granular keys via the one static table in keys.go and requires all of
// them. Compatibility shim for call sites that predate granular keys.
func (e *Evaluator) LegacyHasPermission(ctx context.Context, p shared.Principal, module Module, level LegacyLevel) bool {
	keys, ok := LegacyLevelKeys(level)
	if !ok {
		e.logger.Warn("unknown legacy permission level", slog.String("level", string(level)))
		return false
	}
	set, _, fetched := e.fetch(ctx, p)
	if !fetched {
		return false
	}
	for _, k := range keys {
		if !set.HasModule(module, k) {
			return false
		}
	}
	return true
}

// fetch loads the permission set. The returned Decision is only meaningful
// when ok is false and carries the deny category.
func (e *Evaluator) fetch(ctx context.Context, p shared.Principal) (PermissionSet, Decision, bool) {
	if p.ID == 0 {
		return PermissionSet{}, Decision{Reason: ReasonNoRoles}, false
	}
	set, err := e.cache.Get(ctx, p.ID, p.DealerID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Warn("permission fetch failed",
				slog.Int64("principal_id", p.ID),
				slog.Int64("dealer_id", p.DealerID),
				slog.Any("error", err))
		}
		return PermissionSet{}, Decision{Reason: ReasonUnavailable}, false
	}
	if set.Empty() {
		return set, Decision{Reason: ReasonNoRoles, Degraded: set.Degraded}, false
	}
	return set, Decision{}, true
}
