package authz

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSource struct {
	roles       map[int64]Role
	grants      map[int64][]PermissionRef
	dealer      []RoleAssignment
	global      *RoleAssignment
	dealerErr   error
	globalErr   error
	getRoleErr  error
	grantsCalls int
}

func (m *mockSource) DealerAssignments(ctx context.Context, principalID int64) ([]RoleAssignment, error) {
	return m.dealer, m.dealerErr
}

func (m *mockSource) GlobalAssignment(ctx context.Context, principalID int64) (RoleAssignment, error) {
	if m.globalErr != nil {
		return RoleAssignment{}, m.globalErr
	}
	if m.global == nil {
		return RoleAssignment{}, ErrNotFound
	}
	return *m.global, nil
}

func (m *mockSource) GetRole(ctx context.Context, id int64) (Role, error) {
	if m.getRoleErr != nil {
		return Role{}, m.getRoleErr
	}
	role, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (m *mockSource) ListGrants(ctx context.Context, roleID int64) ([]PermissionRef, error) {
	m.grantsCalls++
	return m.grants[roleID], nil
}

func newTestResolver(src *mockSource) *Resolver {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewResolver(src, src, logger)
}

func ptr(v int64) *int64 { return &v }

func TestResolveCombinesGlobalAndDealer(t *testing.T) {
	src := &mockSource{
		roles: map[int64]Role{
			1: {ID: 1, Slug: "system_admin", Active: true, SystemAdmin: true},
			2: {ID: 2, Slug: "dealer_user", DealerID: ptr(10), Active: true},
		},
		grants: map[int64][]PermissionRef{
			2: {ModuleRef(ModuleSalesOrders, KeyViewOrders)},
		},
		dealer: []RoleAssignment{{PrincipalID: 5, RoleID: 2, DealerID: ptr(10), Active: true}},
		global: &RoleAssignment{PrincipalID: 5, RoleID: 1, Active: true},
	}

	roles, err := newTestResolver(src).Resolve(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, roles, 2)
}

func TestResolveDropsScopeMismatch(t *testing.T) {
	src := &mockSource{
		roles: map[int64]Role{
			// Global role assigned with a dealer qualifier.
			1: {ID: 1, Slug: "global", Active: true},
			// Dealer role assigned to the wrong dealer.
			2: {ID: 2, Slug: "dealer", DealerID: ptr(10), Active: true},
		},
		dealer: []RoleAssignment{
			{PrincipalID: 5, RoleID: 1, DealerID: ptr(10), Active: true},
			{PrincipalID: 5, RoleID: 2, DealerID: ptr(99), Active: true},
		},
	}

	resolver := newTestResolver(src)
	drops := &fakeDropRecorder{}
	resolver.SetDropRecorder(drops)

	roles, err := resolver.Resolve(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, roles, "mismatched assignments must be dropped, never coerced")
	assert.Equal(t, 2, drops.count)
}

type fakeDropRecorder struct{ count int }

func (f *fakeDropRecorder) RecordDroppedAssignment() { f.count++ }

func TestResolveSkipsInactiveRole(t *testing.T) {
	src := &mockSource{
		roles: map[int64]Role{
			1: {ID: 1, Slug: "retired", DealerID: ptr(10), Active: false},
		},
		dealer: []RoleAssignment{{PrincipalID: 5, RoleID: 1, DealerID: ptr(10), Active: true}},
	}

	roles, err := newTestResolver(src).Resolve(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestResolveSkipsMissingRole(t *testing.T) {
	src := &mockSource{
		roles:  map[int64]Role{},
		dealer: []RoleAssignment{{PrincipalID: 5, RoleID: 42, DealerID: ptr(10), Active: true}},
	}

	roles, err := newTestResolver(src).Resolve(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestResolveDedupesAssignments(t *testing.T) {
	src := &mockSource{
		roles: map[int64]Role{
			1: {ID: 1, Slug: "dealer_user", DealerID: ptr(10), Active: true},
		},
		grants: map[int64][]PermissionRef{
			1: {ModuleRef(ModuleContacts, KeyViewOrders)},
		},
		dealer: []RoleAssignment{
			{PrincipalID: 5, RoleID: 1, DealerID: ptr(10), Active: true},
			{PrincipalID: 5, RoleID: 1, DealerID: ptr(10), Active: true},
		},
	}

	roles, err := newTestResolver(src).Resolve(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, roles, 1)
	assert.Equal(t, 1, src.grantsCalls)
}

func TestResolveStoreError(t *testing.T) {
	src := &mockSource{dealerErr: ErrStoreUnavailable}
	_, err := newTestResolver(src).Resolve(context.Background(), 5)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestFilterForDealer(t *testing.T) {
	global := ResolvedRole{Role: Role{ID: 1, Active: true}}
	d10 := ResolvedRole{Role: Role{ID: 2, DealerID: ptr(10), Active: true}, DealerID: ptr(10)}
	d20 := ResolvedRole{Role: Role{ID: 3, DealerID: ptr(20), Active: true}, DealerID: ptr(20)}
	all := []ResolvedRole{global, d10, d20}

	got := FilterForDealer(all, 10)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Role.ID)
	assert.Equal(t, int64(2), got[1].Role.ID)

	// No dealer context keeps global roles only.
	got = FilterForDealer(all, 0)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Role.ID)
}
