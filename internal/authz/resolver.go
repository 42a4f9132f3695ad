package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// AssignmentSource provides the raw role assignments for a principal.
type AssignmentSource interface {
	DealerAssignments(ctx context.Context, principalID int64) ([]RoleAssignment, error)
	GlobalAssignment(ctx context.Context, principalID int64) (RoleAssignment, error)
}

// RoleSource provides role definitions and their grants.
type RoleSource interface {
	GetRole(ctx context.Context, id int64) (Role, error)
	ListGrants(ctx context.Context, roleID int64) ([]PermissionRef, error)
}

// DropRecorder counts assignments discarded during resolution. Dropped
// assignments point at stale or hand-edited rows, so operators watch the
// counter. Nil disables counting.
type DropRecorder interface {
	RecordDroppedAssignment()
}

// Resolver turns a principal id into the validated set of roles the
// principal holds, together with each role's grants. It reads the two
// assignment sources (global and dealer scoped) and enforces the scope
// invariant: an assignment whose dealer qualifier contradicts the role's
// declared scope is dropped with a warning and never coerced. An
// inconsistent record must not accidentally grant access.
type Resolver struct {
	repo    AssignmentSource
	catalog RoleSource
	logger  *slog.Logger
	drops   DropRecorder
}

// NewResolver constructs a resolver.
func NewResolver(repo AssignmentSource, catalog RoleSource, logger *slog.Logger) *Resolver {
	return &Resolver{repo: repo, catalog: catalog, logger: logger}
}

// SetDropRecorder wires the dropped-assignment counter. Called once during
// startup.
func (r *Resolver) SetDropRecorder(rec DropRecorder) {
	r.drops = rec
}

// Resolve returns the deduplicated, scope-valid roles for a principal across
// every dealer. Callers filter per dealer with FilterForDealer.
func (r *Resolver) Resolve(ctx context.Context, principalID int64) ([]ResolvedRole, error) {
	dealerAssignments, err := r.repo.DealerAssignments(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("resolve principal %d: %w", principalID, err)
	}

	assignments := dealerAssignments
	global, err := r.repo.GlobalAssignment(ctx, principalID)
	switch {
	case err == nil:
		assignments = append(assignments, global)
	case errors.Is(err, ErrNotFound):
		// No global role; dealer assignments alone decide.
	default:
		return nil, fmt.Errorf("resolve principal %d: %w", principalID, err)
	}

	seen := make(map[string]struct{}, len(assignments))
	resolved := make([]ResolvedRole, 0, len(assignments))
	for _, a := range assignments {
		role, err := r.catalog.GetRole(ctx, a.RoleID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				r.warnDropped(principalID, a, "role missing")
				continue
			}
			return nil, fmt.Errorf("resolve principal %d: %w", principalID, err)
		}
		if !role.Active {
			continue
		}
		if err := validateScope(role, a); err != nil {
			r.warnDropped(principalID, a, err.Error())
			continue
		}
		key := dedupeKey(a)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		grants, err := r.catalog.ListGrants(ctx, role.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve principal %d: %w", principalID, err)
		}
		resolved = append(resolved, ResolvedRole{Role: role, DealerID: a.DealerID, Grants: grants})
	}
	return resolved, nil
}

// FilterForDealer keeps the roles that apply within one dealer context:
// global roles always apply, dealer roles only when the dealer matches.
// dealerID zero keeps global roles only.
func FilterForDealer(roles []ResolvedRole, dealerID int64) []ResolvedRole {
	out := make([]ResolvedRole, 0, len(roles))
	for _, rr := range roles {
		if rr.DealerID == nil {
			out = append(out, rr)
			continue
		}
		if dealerID != 0 && *rr.DealerID == dealerID {
			out = append(out, rr)
		}
	}
	return out
}

// validateScope enforces the scope invariant between role and assignment.
func validateScope(role Role, a RoleAssignment) error {
	if role.Global() && a.DealerID != nil {
		return fmt.Errorf("%w: global role %d assigned with dealer %d", ErrScopeMismatch, role.ID, *a.DealerID)
	}
	if !role.Global() {
		if a.DealerID == nil {
			return fmt.Errorf("%w: dealer role %d assigned without dealer", ErrScopeMismatch, role.ID)
		}
		if *a.DealerID != *role.DealerID {
			return fmt.Errorf("%w: role %d belongs to dealer %d, assignment names dealer %d",
				ErrScopeMismatch, role.ID, *role.DealerID, *a.DealerID)
		}
	}
	return nil
}

func (r *Resolver) warnDropped(principalID int64, a RoleAssignment, reason string) {
	attrs := []any{
		slog.Int64("principal_id", principalID),
		slog.Int64("role_id", a.RoleID),
		slog.String("reason", reason),
	}
	if a.DealerID != nil {
		attrs = append(attrs, slog.Int64("dealer_id", *a.DealerID))
	}
	r.logger.Warn("dropping invalid role assignment", attrs...)
	if r.drops != nil {
		r.drops.RecordDroppedAssignment()
	}
}

func dedupeKey(a RoleAssignment) string {
	if a.DealerID == nil {
		return fmt.Sprintf("g:%d", a.RoleID)
	}
	return fmt.Sprintf("d:%d:%d", *a.DealerID, a.RoleID)
}
