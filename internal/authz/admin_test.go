package authz

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rruiz22/mda-authz/internal/shared"
)

type fakeAssignStore struct {
	mu     sync.Mutex
	global map[int64]int64
	dealer map[string]int64
}

func newFakeAssignStore() *fakeAssignStore {
	return &fakeAssignStore{global: make(map[int64]int64), dealer: make(map[string]int64)}
}

func (s *fakeAssignStore) assignGlobal(_ context.Context, _ querier, principalID, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global[principalID] = roleID
	return nil
}

func (s *fakeAssignStore) assignDealer(_ context.Context, _ querier, principalID, roleID, dealerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dealer[fmt.Sprintf("%d:%d", principalID, dealerID)] = roleID
	return nil
}

func (s *fakeAssignStore) unassign(_ context.Context, _ querier, principalID, roleID, dealerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dealerID == 0 {
		delete(s.global, principalID)
		return nil
	}
	delete(s.dealer, fmt.Sprintf("%d:%d", principalID, dealerID))
	return nil
}

func newTestAdmin(t *testing.T, roles ...Role) (*AdminOps, *fakeAssignStore, *fakeCatalogStore, *fakeChangeListener) {
	t.Helper()
	roleStore := newFakeCatalogStore(roles...)
	cat, listener, _ := newTestCatalog(t, roleStore)
	assignStore := newFakeAssignStore()
	admin := &AdminOps{
		repo:    assignStore,
		catalog: cat,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return admin, assignStore, roleStore, listener
}

var testActor = shared.Principal{ID: 99}

func TestAdminAssignEnforcesScope(t *testing.T) {
	admin, store, roleStore, listener := newTestAdmin(t,
		Role{ID: 1, Slug: "system_admin", Active: true},
		Role{ID: 2, Slug: "dealer_user", DealerID: ptr(10), Active: true},
		Role{ID: 3, Slug: "retired", DealerID: ptr(10), Active: false},
	)
	ctx := context.Background()

	err := admin.Assign(ctx, testActor, 5, 2, 0)
	require.ErrorIs(t, err, ErrScopeMismatch, "dealer role cannot go global")

	err = admin.Assign(ctx, testActor, 5, 1, 10)
	require.ErrorIs(t, err, ErrScopeMismatch, "global role cannot go to a dealer")

	err = admin.Assign(ctx, testActor, 5, 2, 11)
	require.ErrorIs(t, err, ErrScopeMismatch, "role belongs to another dealer")

	err = admin.Assign(ctx, testActor, 5, 3, 10)
	require.Error(t, err)

	assert.Empty(t, store.global)
	assert.Empty(t, store.dealer)
	assert.Empty(t, listener.all())
	assert.Equal(t, int64(1), roleStore.version)
}

func TestAdminAssignBumpsAndNotifies(t *testing.T) {
	admin, store, roleStore, listener := newTestAdmin(t,
		Role{ID: 1, Slug: "system_admin", Active: true},
		Role{ID: 2, Slug: "dealer_user", DealerID: ptr(10), Active: true},
	)
	ctx := context.Background()

	require.NoError(t, admin.Assign(ctx, testActor, 5, 2, 10))
	require.NoError(t, admin.Assign(ctx, testActor, 6, 1, 0))

	assert.Equal(t, int64(2), store.dealer["5:10"])
	assert.Equal(t, int64(1), store.global[6])
	assert.Equal(t, int64(3), roleStore.version)
	require.Len(t, listener.all(), 2)
}

func TestAdminUnassignIsIdempotent(t *testing.T) {
	admin, _, roleStore, listener := newTestAdmin(t,
		Role{ID: 2, Slug: "dealer_user", DealerID: ptr(10), Active: true},
	)
	ctx := context.Background()

	require.NoError(t, admin.Assign(ctx, testActor, 5, 2, 10))
	require.NoError(t, admin.Unassign(ctx, testActor, 5, 2, 10))
	require.NoError(t, admin.Unassign(ctx, testActor, 5, 2, 10), "absent assignment retires cleanly")

	// Each retire still bumps so caches converge even after the repeat.
	assert.Equal(t, int64(4), roleStore.version)
	require.Len(t, listener.all(), 3)
}

func TestAdminGrantRevokeRoundTrip(t *testing.T) {
	admin, _, roleStore, listener := newTestAdmin(t,
		Role{ID: 2, Slug: "dealer_user", DealerID: ptr(10), Active: true},
	)
	ctx := context.Background()
	ref := ModuleRef(ModuleServiceOrders, KeyChangeStatus)

	require.NoError(t, admin.Grant(ctx, testActor, 2, ref))
	grants, err := admin.catalog.ListGrants(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []PermissionRef{ref}, grants)

	require.NoError(t, admin.Revoke(ctx, testActor, 2, ref))
	grants, err = admin.catalog.ListGrants(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, grants)

	assert.Equal(t, int64(3), roleStore.version)
	require.Len(t, listener.all(), 2)
}

func TestAdminEffectivePermissionsReadsThroughCatalog(t *testing.T) {
	admin, _, roleStore, _ := newTestAdmin(t)
	roleStore.version = 4
	ctx := context.Background()

	src := &mockSource{
		roles: map[int64]Role{
			2: {ID: 2, Slug: "dealer_user", DealerID: ptr(10), Active: true},
		},
		grants: map[int64][]PermissionRef{
			2: {ModuleRef(ModuleSalesOrders, KeyViewOrders)},
		},
		dealer: []RoleAssignment{{PrincipalID: 5, RoleID: 2, DealerID: ptr(10), Active: true}},
	}
	resolver := newTestResolver(src)

	set, err := admin.EffectivePermissions(ctx, resolver, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(4), set.CatalogVersion)
	assert.True(t, set.HasModule(ModuleSalesOrders, KeyViewOrders))

	// Same principal inspected without dealer context sees nothing.
	set, err = admin.EffectivePermissions(ctx, resolver, 5, 0)
	require.NoError(t, err)
	assert.True(t, set.Empty())
}
