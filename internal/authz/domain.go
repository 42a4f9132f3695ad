package authz

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the authorization engine.
var (
	// ErrNotFound indicates the requested role does not exist.
	ErrNotFound = errors.New("authz: not found")
	// ErrUnknownPermission indicates a grant referenced a key outside the
	// closed vocabulary.
	ErrUnknownPermission = errors.New("authz: unknown permission")
	// ErrScopeMismatch indicates an assignment whose dealer qualifier
	// contradicts the role's declared scope.
	ErrScopeMismatch = errors.New("authz: role scope mismatch")
	// ErrStoreUnavailable wraps failures reaching the catalog or
	// assignment store.
	ErrStoreUnavailable = errors.New("authz: store unavailable")
	// ErrUnavailable is returned when no permission set can be produced at
	// all: resolution failed and the last known good entry is past the
	// staleness ceiling. The guard treats it as deny.
	ErrUnavailable = errors.New("authz: permissions unavailable")
)

// Role is a named bundle of grants. DealerID nil means the role is global
// (a system role visible to every dealer); otherwise the role belongs to
// exactly one dealer. Scope is fixed at creation.
type Role struct {
	ID          int64
	Slug        string
	DisplayName string
	DealerID    *int64
	SystemAdmin bool
	Elevated    bool
	// ElevatedModules is the allow-list an elevated role fully covers.
	// Stored on the role rather than hard-coded so operations can edit it.
	ElevatedModules []Module
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Global reports whether the role is system scoped.
func (r Role) Global() bool {
	return r.DealerID == nil
}

// PermissionRef points at either a system permission or a module permission.
// Exactly one of System or (Module, Key) is set.
type PermissionRef struct {
	System SystemPermission `json:"system,omitempty"`
	Module Module           `json:"module,omitempty"`
	Key    PermKey          `json:"key,omitempty"`
}

// SystemRef builds a reference to a system permission.
func SystemRef(p SystemPermission) PermissionRef {
	return PermissionRef{System: p}
}

// ModuleRef builds a reference to a module permission.
func ModuleRef(m Module, k PermKey) PermissionRef {
	return PermissionRef{Module: m, Key: k}
}

// IsSystem reports whether the reference names a system permission.
func (p PermissionRef) IsSystem() bool {
	return p.System != ""
}

// Validate checks the reference against the closed vocabulary.
func (p PermissionRef) Validate() error {
	if p.IsSystem() {
		if p.Module != "" || p.Key != "" {
			return fmt.Errorf("%w: ref mixes system and module fields", ErrUnknownPermission)
		}
		if !ValidSystemPermission(p.System) {
			return fmt.Errorf("%w: system permission %q", ErrUnknownPermission, p.System)
		}
		return nil
	}
	if !ValidModule(p.Module) {
		return fmt.Errorf("%w: module %q", ErrUnknownPermission, p.Module)
	}
	if !ValidPermKey(p.Key) {
		return fmt.Errorf("%w: key %q", ErrUnknownPermission, p.Key)
	}
	return nil
}

func (p PermissionRef) String() string {
	if p.IsSystem() {
		return string(p.System)
	}
	return string(p.Module) + ":" + string(p.Key)
}

// RoleAssignment links a principal to a role, optionally within one dealer.
type RoleAssignment struct {
	PrincipalID int64
	RoleID      int64
	DealerID    *int64
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ResolvedRole is a role the resolver validated for a principal, carrying
// the dealer qualifier of the assignment and the role's grants.
type ResolvedRole struct {
	Role     Role
	DealerID *int64
	Grants   []PermissionRef
}

// PermissionSet is the aggregated view for one (principal, dealer) pair.
// Derived data only; the catalog remains authoritative.
type PermissionSet struct {
	System         map[SystemPermission]struct{}
	Modules        map[Module]map[PermKey]struct{}
	CatalogVersion int64
	ResolvedAt     time.Time
	// Degraded marks a set served past its TTL because the store was
	// unreachable. Surfaced to the guard for logging only.
	Degraded bool
}

// NewPermissionSet returns an empty set stamped with the given version.
func NewPermissionSet(version int64) PermissionSet {
	return PermissionSet{
		System:         make(map[SystemPermission]struct{}),
		Modules:        make(map[Module]map[PermKey]struct{}),
		CatalogVersion: version,
		ResolvedAt:     time.Now().UTC(),
	}
}

// HasSystem reports whether the set grants a system permission.
func (s PermissionSet) HasSystem(p SystemPermission) bool {
	_, ok := s.System[p]
	return ok
}

// HasModule reports whether the set grants a key within a module.
func (s PermissionSet) HasModule(m Module, k PermKey) bool {
	keys, ok := s.Modules[m]
	if !ok {
		return false
	}
	_, ok = keys[k]
	return ok
}

// ModuleCount returns how many keys the set grants for a module.
func (s PermissionSet) ModuleCount(m Module) int {
	return len(s.Modules[m])
}

// Empty reports whether the set grants nothing at all.
func (s PermissionSet) Empty() bool {
	if len(s.System) > 0 {
		return false
	}
	for _, keys := range s.Modules {
		if len(keys) > 0 {
			return false
		}
	}
	return true
}

// AllowedModules lists the modules with at least one granted key.
func (s PermissionSet) AllowedModules() []Module {
	out := make([]Module, 0, len(s.Modules))
	for _, m := range allModules {
		if len(s.Modules[m]) > 0 {
			out = append(out, m)
		}
	}
	return out
}

// Clone returns a deep copy so callers can never mutate a cached set.
func (s PermissionSet) Clone() PermissionSet {
	out := PermissionSet{
		System:         make(map[SystemPermission]struct{}, len(s.System)),
		Modules:        make(map[Module]map[PermKey]struct{}, len(s.Modules)),
		CatalogVersion: s.CatalogVersion,
		ResolvedAt:     s.ResolvedAt,
		Degraded:       s.Degraded,
	}
	for p := range s.System {
		out.System[p] = struct{}{}
	}
	for m, keys := range s.Modules {
		cp := make(map[PermKey]struct{}, len(keys))
		for k := range keys {
			cp[k] = struct{}{}
		}
		out.Modules[m] = cp
	}
	return out
}

// Equal compares two sets by contents, ignoring timestamps and flags.
func (s PermissionSet) Equal(other PermissionSet) bool {
	if len(s.System) != len(other.System) || len(s.Modules) != len(other.Modules) {
		return false
	}
	for p := range s.System {
		if _, ok := other.System[p]; !ok {
			return false
		}
	}
	for m, keys := range s.Modules {
		otherKeys, ok := other.Modules[m]
		if !ok || len(keys) != len(otherKeys) {
			return false
		}
		for k := range keys {
			if _, ok := otherKeys[k]; !ok {
				return false
			}
		}
	}
	return true
}

// DenyReason categorizes a negative authorization outcome for observability.
type DenyReason string

// Deny reasons. Logged and counted, never sent to clients.
const (
	ReasonNoRoles          DenyReason = "no_roles"
	ReasonModuleNotAllowed DenyReason = "module_not_allowed"
	ReasonNotGranted       DenyReason = "permission_not_granted"
	ReasonUnavailable      DenyReason = "unavailable"
)

// Decision is the evaluator's answer to one permission check.
type Decision struct {
	Allowed  bool
	Reason   DenyReason
	Degraded bool
}

// Target identifies one cache entry touched by an invalidation.
type Target struct {
	PrincipalID int64 `json:"principal_id"`
	DealerID    int64 `json:"dealer_id"`
}
