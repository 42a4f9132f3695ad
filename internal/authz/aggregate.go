package authz

// Aggregate reduces resolved roles into one PermissionSet using union
// semantics. No role can revoke what another grants, so the result is
// independent of role order.
//
// Priority:
//  1. any system-admin role short-circuits to the universal set;
//  2. elevated roles grant full key coverage for their allow-listed
//     modules, on top of the plain union of everything else;
//  3. otherwise the plain union of explicit grants.
func Aggregate(roles []ResolvedRole, catalogVersion int64) PermissionSet {
	for _, rr := range roles {
		if rr.Role.SystemAdmin {
			return universalSet(catalogVersion)
		}
	}

	set := NewPermissionSet(catalogVersion)
	for _, rr := range roles {
		for _, ref := range rr.Grants {
			if ref.Validate() != nil {
				// Defensive re-check; the catalog boundary should have
				// rejected these already.
				continue
			}
			if ref.IsSystem() {
				set.System[ref.System] = struct{}{}
				continue
			}
			addModuleKey(set, ref.Module, ref.Key)
		}
	}
	for _, rr := range roles {
		if !rr.Role.Elevated {
			continue
		}
		for _, m := range rr.Role.ElevatedModules {
			if !ValidModule(m) {
				continue
			}
			for _, k := range allPermKeys {
				addModuleKey(set, m, k)
			}
		}
	}
	return set
}

func addModuleKey(set PermissionSet, m Module, k PermKey) {
	keys, ok := set.Modules[m]
	if !ok {
		keys = make(map[PermKey]struct{})
		set.Modules[m] = keys
	}
	keys[k] = struct{}{}
}

func universalSet(catalogVersion int64) PermissionSet {
	set := NewPermissionSet(catalogVersion)
	for _, p := range allSystemPermissions {
		set.System[p] = struct{}{}
	}
	for _, m := range allModules {
		keys := make(map[PermKey]struct{}, len(allPermKeys))
		for _, k := range allPermKeys {
			keys[k] = struct{}{}
		}
		set.Modules[m] = keys
	}
	return set
}
