package authz

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rruiz22/mda-authz/internal/shared"
)

type recordedDecision struct {
	allowed  bool
	reason   string
	degraded bool
}

type fakeRecorder struct {
	decisions []recordedDecision
}

func (f *fakeRecorder) RecordDecision(allowed bool, reason string, degraded bool) {
	f.decisions = append(f.decisions, recordedDecision{allowed, reason, degraded})
}

func newTestGuard(t *testing.T, loader Loader) (Guard, *fakeRecorder) {
	t.Helper()
	rec := &fakeRecorder{}
	g := Guard{
		Evaluator: newTestEvaluator(t, loader),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Recorder:  rec,
	}
	return g, rec
}

func doGuarded(t *testing.T, mw func(http.Handler) http.Handler, principal *shared.Principal) *httptest.ResponseRecorder {
	t.Helper()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if principal != nil {
		req = req.WithContext(shared.ContextWithPrincipal(context.Background(), *principal))
	}
	rr := httptest.NewRecorder()
	mw(next).ServeHTTP(rr, req)
	return rr
}

func TestGuardAllowsGrantedPrincipal(t *testing.T) {
	loader := &fakeLoader{set: testSet(1, ModuleRef(ModuleSalesOrders, KeyViewOrders))}
	g, rec := newTestGuard(t, loader)

	rr := doGuarded(t, g.RequireModule(ModuleSalesOrders, KeyViewOrders), &shared.Principal{ID: 5, DealerID: 10})
	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, rec.decisions, 1)
	assert.True(t, rec.decisions[0].allowed)
}

func TestGuardDeniesWithGenericBody(t *testing.T) {
	loader := &fakeLoader{set: testSet(1, ModuleRef(ModuleSalesOrders, KeyViewOrders))}
	g, _ := newTestGuard(t, loader)

	rr := doGuarded(t, g.RequireModule(ModuleSalesOrders, KeyDeleteOrders), &shared.Principal{ID: 5, DealerID: 10})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// The body must never leak which permission was missing.
	body := rr.Body.String()
	assert.NotContains(t, body, "delete_orders")
	assert.NotContains(t, body, "sales_orders")
}

func TestGuardUnauthenticated(t *testing.T) {
	loader := &fakeLoader{set: testSet(1, ModuleRef(ModuleSalesOrders, KeyViewOrders))}
	g, rec := newTestGuard(t, loader)

	rr := doGuarded(t, g.RequireSystem(PermManageRoles), nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Len(t, rec.decisions, 1)
	assert.False(t, rec.decisions[0].allowed)
}

func TestGuardFailsClosedOnUnavailable(t *testing.T) {
	loader := &fakeLoader{err: ErrStoreUnavailable}
	g, rec := newTestGuard(t, loader)

	rr := doGuarded(t, g.RequireModule(ModuleSalesOrders, KeyViewOrders), &shared.Principal{ID: 5, DealerID: 10})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	require.Len(t, rec.decisions, 1)
	assert.Equal(t, string(ReasonUnavailable), rec.decisions[0].reason)
}

func TestGuardRequireModuleAccess(t *testing.T) {
	loader := &fakeLoader{set: testSet(1, ModuleRef(ModuleChat, KeyViewOrders))}
	g, _ := newTestGuard(t, loader)

	rr := doGuarded(t, g.RequireModuleAccess(ModuleChat), &shared.Principal{ID: 5, DealerID: 10})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doGuarded(t, g.RequireModuleAccess(ModuleStock), &shared.Principal{ID: 5, DealerID: 10})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestGuardSystemAdminPassesEverything(t *testing.T) {
	admin := []ResolvedRole{{Role: Role{ID: 1, SystemAdmin: true, Active: true}}}
	loader := &fakeLoader{set: Aggregate(admin, 1)}
	g, _ := newTestGuard(t, loader)
	principal := &shared.Principal{ID: 1, DealerID: 10}

	checks := []func(http.Handler) http.Handler{
		g.RequireSystem(PermManageRoles),
		g.RequireSystem(PermAuditAccess),
		g.RequireModule(ModuleSettings, KeyManageModule),
		g.RequireModuleAccess(ModuleCarWash),
	}
	for _, mw := range checks {
		rr := doGuarded(t, mw, principal)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.True(t, strings.Contains(rr.Body.String(), "ok"))
	}
}
