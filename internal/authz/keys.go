package authz

// The permission vocabulary is closed: every grantable capability is listed
// here and validated at the catalog boundary. An unrecognized key is a
// mutation-time error, never a silent no-op at check time.

// Module names a functional area of the dealer application.
type Module string

// Functional areas.
const (
	ModuleDealerships   Module = "dealerships"
	ModuleContacts      Module = "contacts"
	ModuleSalesOrders   Module = "sales_orders"
	ModuleServiceOrders Module = "service_orders"
	ModuleReconOrders   Module = "recon_orders"
	ModuleCarWash       Module = "car_wash"
	ModuleStock         Module = "stock"
	ModuleChat          Module = "chat"
	ModuleReports       Module = "reports"
	ModuleSettings      Module = "settings"
	ModuleUsers         Module = "users"
)

// SystemPermission is a system-wide grantable capability.
type SystemPermission string

// System-wide capabilities.
const (
	PermManageAllSettings  SystemPermission = "manage_all_settings"
	PermManageDealerships  SystemPermission = "manage_dealerships"
	PermManageUsers        SystemPermission = "manage_users"
	PermManageRoles        SystemPermission = "manage_roles"
	PermViewSystemReports  SystemPermission = "view_system_reports"
	PermManageIntegrations SystemPermission = "manage_integrations"
	PermAuditAccess        SystemPermission = "audit_access"
)

// PermKey is a grantable capability scoped to one module.
type PermKey string

// Module-scoped capabilities.
const (
	KeyViewOrders   PermKey = "view_orders"
	KeyCreateOrders PermKey = "create_orders"
	KeyEditOrders   PermKey = "edit_orders"
	KeyDeleteOrders PermKey = "delete_orders"
	KeyAssignOrders PermKey = "assign_orders"
	KeyChangeStatus PermKey = "change_status"
	KeyViewPricing  PermKey = "view_pricing"
	KeyEditPricing  PermKey = "edit_pricing"
	KeyExportData   PermKey = "export_data"
	KeyManageModule PermKey = "manage_module"
)

// LegacyLevel is the coarse permission level the dealer app used before
// granular keys existed. It survives only through LegacyLevelKeys.
type LegacyLevel string

// Coarse levels.
const (
	LevelRead   LegacyLevel = "read"
	LevelWrite  LegacyLevel = "write"
	LevelDelete LegacyLevel = "delete"
	LevelAdmin  LegacyLevel = "admin"
)

var allModules = []Module{
	ModuleDealerships,
	ModuleContacts,
	ModuleSalesOrders,
	ModuleServiceOrders,
	ModuleReconOrders,
	ModuleCarWash,
	ModuleStock,
	ModuleChat,
	ModuleReports,
	ModuleSettings,
	ModuleUsers,
}

var allSystemPermissions = []SystemPermission{
	PermManageAllSettings,
	PermManageDealerships,
	PermManageUsers,
	PermManageRoles,
	PermViewSystemReports,
	PermManageIntegrations,
	PermAuditAccess,
}

var allPermKeys = []PermKey{
	KeyViewOrders,
	KeyCreateOrders,
	KeyEditOrders,
	KeyDeleteOrders,
	KeyAssignOrders,
	KeyChangeStatus,
	KeyViewPricing,
	KeyEditPricing,
	KeyExportData,
	KeyManageModule,
}

// legacyLevelKeys is the single place the read/write/delete/admin shim is
// defined. Call sites go through Evaluator.LegacyHasPermission; nothing else
// may re-implement this mapping.
var legacyLevelKeys = map[LegacyLevel][]PermKey{
	LevelRead:   {KeyViewOrders},
	LevelWrite:  {KeyViewOrders, KeyCreateOrders, KeyEditOrders},
	LevelDelete: {KeyViewOrders, KeyCreateOrders, KeyEditOrders, KeyDeleteOrders},
	LevelAdmin:  {KeyManageModule},
}

var (
	moduleIndex     = indexOf(allModules)
	systemPermIndex = indexOf(allSystemPermissions)
	permKeyIndex    = indexOf(allPermKeys)
)

func indexOf[T comparable](values []T) map[T]struct{} {
	idx := make(map[T]struct{}, len(values))
	for _, v := range values {
		idx[v] = struct{}{}
	}
	return idx
}

// Modules returns every known module.
func Modules() []Module {
	out := make([]Module, len(allModules))
	copy(out, allModules)
	return out
}

// SystemPermissions returns every known system permission.
func SystemPermissions() []SystemPermission {
	out := make([]SystemPermission, len(allSystemPermissions))
	copy(out, allSystemPermissions)
	return out
}

// PermKeys returns every known module permission key.
func PermKeys() []PermKey {
	out := make([]PermKey, len(allPermKeys))
	copy(out, allPermKeys)
	return out
}

// ValidModule reports whether m is part of the closed module enumeration.
func ValidModule(m Module) bool {
	_, ok := moduleIndex[m]
	return ok
}

// ValidSystemPermission reports whether p is a known system permission.
func ValidSystemPermission(p SystemPermission) bool {
	_, ok := systemPermIndex[p]
	return ok
}

// ValidPermKey reports whether k is a known module permission key.
func ValidPermKey(k PermKey) bool {
	_, ok := permKeyIndex[k]
	return ok
}

// LegacyLevelKeys returns the granular keys a coarse level maps to. The
// second return is false for unknown levels.
func LegacyLevelKeys(level LegacyLevel) ([]PermKey, bool) {
	keys, ok := legacyLevelKeys[level]
	if !ok {
		return nil, false
	}
	out := make([]PermKey, len(keys))
	copy(out, keys)
	return out, true
}
