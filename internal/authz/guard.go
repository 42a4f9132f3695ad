package authz

import (
	"log/slog"
	"net/http"

	"github.com/rruiz22/mda-authz/internal/platform/httpx"
	"github.com/rruiz22/mda-authz/internal/shared"
)

// DecisionRecorder counts authorization outcomes. Implemented by
// observability.Metrics; nil disables counting.
type DecisionRecorder interface {
	RecordDecision(allowed bool, reason string, degraded bool)
}

// Guard wraps protected routes with permission checks. It denies by
// default: an unauthenticated request, a failed check, or an evaluator
// failure all end in a generic 403 that never names the missing permission.
type Guard struct {
	Evaluator *Evaluator
	Logger    *slog.Logger
	Recorder  DecisionRecorder
}

// RequireSystem admits only principals holding the system permission.
func (g Guard) RequireSystem(perm SystemPermission) func(http.Handler) http.Handler {
	return g.middleware(func(r *http.Request, p shared.Principal) Decision {
		return g.Evaluator.CheckSystem(r.Context(), p, perm)
	}, string(perm))
}

// RequireModule admits only principals holding the key within the module.
func (g Guard) RequireModule(module Module, key PermKey) func(http.Handler) http.Handler {
	return g.middleware(func(r *http.Request, p shared.Principal) Decision {
		return g.Evaluator.CheckModule(r.Context(), p, module, key)
	}, string(module)+":"+string(key))
}

// RequireModuleAccess admits principals with any key at all in the module.
func (g Guard) RequireModuleAccess(module Module) func(http.Handler) http.Handler {
	return g.middleware(func(r *http.Request, p shared.Principal) Decision {
		if g.Evaluator.HasAnyModuleAccess(r.Context(), p, module) {
			return Decision{Allowed: true}
		}
		return Decision{Reason: ReasonModuleNotAllowed}
	}, string(module))
}

func (g Guard) middleware(check func(*http.Request, shared.Principal) Decision, label string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := shared.PrincipalFromContext(r.Context())
			if !ok {
				g.record(Decision{Reason: ReasonNoRoles})
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
				return
			}
			decision := check(r, principal)
			g.record(decision)
			if decision.Degraded && g.Logger != nil {
				g.Logger.Warn("authorization served from degraded cache",
					slog.Int64("principal_id", principal.ID),
					slog.String("check", label))
			}
			if !decision.Allowed {
				if g.Logger != nil {
					g.Logger.Info("authorization denied",
						slog.Int64("principal_id", principal.ID),
						slog.Int64("dealer_id", principal.DealerID),
						slog.String("check", label),
						slog.String("reason", string(decision.Reason)))
				}
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g Guard) record(d Decision) {
	if g.Recorder != nil {
		g.Recorder.RecordDecision(d.Allowed, string(d.Reason), d.Degraded)
	}
}
