package authz

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/rruiz22/mda-authz/internal/shared"
)

// Routes mounts the role editor under /admin and the self-service
// introspection endpoints under /me. Everything under /admin requires the
// manage_roles system permission.
func Routes(r chi.Router, h *Handler, guard Guard) {
	mutationLimiter := httprate.Limit(30, time.Minute, httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
		if p, ok := shared.PrincipalFromContext(r.Context()); ok {
			return "principal:" + strconv.FormatInt(p.ID, 10), nil
		}
		return httprate.KeyByIP(r)
	}))

	r.Route("/admin", func(r chi.Router) {
		r.Use(guard.RequireSystem(PermManageRoles))

		r.Get("/roles", h.ListRoles)
		r.Get("/roles/{roleID}", h.GetRole)
		r.Get("/principals/{principalID}/permissions", h.EffectivePermissions)

		r.Group(func(r chi.Router) {
			r.Use(mutationLimiter)
			r.Post("/roles", h.CreateRole)
			r.Patch("/roles/{roleID}", h.RenameRole)
			r.Delete("/roles/{roleID}", h.DeactivateRole)
			r.Put("/roles/{roleID}/grants", h.MutateGrants)
			r.Put("/roles/{roleID}/elevated-modules", h.SetElevatedModules)
			r.Post("/assignments", h.Assign)
			r.Delete("/assignments", h.Unassign)
		})
	})

	r.Route("/me", func(r chi.Router) {
		r.Get("/modules", h.MyModules)
		r.Get("/permissions", h.MyPermissions)
	})
}
