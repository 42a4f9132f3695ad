package authz

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/rruiz22/mda-authz/internal/platform/httpx"
	"github.com/rruiz22/mda-authz/internal/shared"
)

// Handler exposes the role editor API and the per-principal introspection
// endpoints.
type Handler struct {
	admin     *AdminOps
	catalog   *Catalog
	resolver  *Resolver
	evaluator *Evaluator
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewHandler constructs the HTTP handler.
func NewHandler(admin *AdminOps, catalog *Catalog, resolver *Resolver, evaluator *Evaluator, logger *slog.Logger) *Handler {
	return &Handler{
		admin:     admin,
		catalog:   catalog,
		resolver:  resolver,
		evaluator: evaluator,
		validate:  validator.New(),
		logger:    logger,
	}
}

var displayCaser = cases.Title(language.English)

type roleResponse struct {
	ID              int64    `json:"id"`
	Slug            string   `json:"slug"`
	DisplayName     string   `json:"display_name"`
	DealerID        *int64   `json:"dealer_id,omitempty"`
	SystemAdmin     bool     `json:"system_admin"`
	Elevated        bool     `json:"elevated"`
	ElevatedModules []Module `json:"elevated_modules,omitempty"`
	Active          bool     `json:"active"`
}

func toRoleResponse(role Role) roleResponse {
	return roleResponse{
		ID:              role.ID,
		Slug:            role.Slug,
		DisplayName:     role.DisplayName,
		DealerID:        role.DealerID,
		SystemAdmin:     role.SystemAdmin,
		Elevated:        role.Elevated,
		ElevatedModules: role.ElevatedModules,
		Active:          role.Active,
	}
}

type permissionSetResponse struct {
	System         []SystemPermission   `json:"system"`
	Modules        map[Module][]PermKey `json:"modules"`
	CatalogVersion int64                `json:"catalog_version"`
	Degraded       bool                 `json:"degraded,omitempty"`
}

func toSetResponse(set PermissionSet) permissionSetResponse {
	out := permissionSetResponse{
		System:         make([]SystemPermission, 0, len(set.System)),
		Modules:        make(map[Module][]PermKey, len(set.Modules)),
		CatalogVersion: set.CatalogVersion,
		Degraded:       set.Degraded,
	}
	for _, p := range allSystemPermissions {
		if set.HasSystem(p) {
			out.System = append(out.System, p)
		}
	}
	for _, m := range allModules {
		keys := set.Modules[m]
		if len(keys) == 0 {
			continue
		}
		list := make([]PermKey, 0, len(keys))
		for _, k := range allPermKeys {
			if _, ok := keys[k]; ok {
				list = append(list, k)
			}
		}
		out.Modules[m] = list
	}
	return out
}

// ListRoles handles GET /admin/roles.
func (h *Handler) ListRoles(w http.ResponseWriter, r *http.Request) {
	dealerID, _ := strconv.ParseInt(r.URL.Query().Get("dealer_id"), 10, 64)
	roles, err := h.catalog.ListRoles(r.Context(), dealerID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, out)
}

type createRoleRequest struct {
	Slug            string   `json:"slug" validate:"required,min=2,max=64"`
	DisplayName     string   `json:"display_name" validate:"max=128"`
	DealerID        *int64   `json:"dealer_id" validate:"omitempty,gt=0"`
	Elevated        bool     `json:"elevated"`
	ElevatedModules []Module `json:"elevated_modules" validate:"omitempty,dive,required"`
}

// CreateRole handles POST /admin/roles. The system-admin marker is not
// settable over HTTP; the bootstrap role is seeded once.
func (h *Handler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	displayName := req.DisplayName
	if displayName == "" {
		displayName = displayCaser.String(strings.ReplaceAll(req.Slug, "_", " "))
	}
	actor, _ := shared.PrincipalFromContext(r.Context())
	created, err := h.admin.CreateRole(r.Context(), actor, Role{
		Slug:            strings.ToLower(strings.TrimSpace(req.Slug)),
		DisplayName:     displayName,
		DealerID:        req.DealerID,
		Elevated:        req.Elevated,
		ElevatedModules: req.ElevatedModules,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(created))
}

// GetRole handles GET /admin/roles/{roleID}, including the role's grants.
func (h *Handler) GetRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	role, err := h.catalog.GetRole(r.Context(), roleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	grants, err := h.catalog.ListGrants(r.Context(), roleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"role":   toRoleResponse(role),
		"grants": grants,
	})
}

type renameRoleRequest struct {
	DisplayName string `json:"display_name" validate:"required,max=128"`
}

// RenameRole handles PATCH /admin/roles/{roleID}.
func (h *Handler) RenameRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req renameRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.catalog.RenameRole(r.Context(), roleID, req.DisplayName); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeactivateRole handles DELETE /admin/roles/{roleID}.
func (h *Handler) DeactivateRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	actor, _ := shared.PrincipalFromContext(r.Context())
	if err := h.admin.DeactivateRole(r.Context(), actor, roleID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type mutateGrantsRequest struct {
	Add    []PermissionRef `json:"add"`
	Remove []PermissionRef `json:"remove"`
}

// MutateGrants handles PUT /admin/roles/{roleID}/grants.
func (h *Handler) MutateGrants(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req mutateGrantsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed json body")
		return
	}
	if len(req.Add)+len(req.Remove) == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "nothing to change")
		return
	}
	actor, _ := shared.PrincipalFromContext(r.Context())
	for _, ref := range req.Add {
		if err := h.admin.Grant(r.Context(), actor, roleID, ref); err != nil {
			h.respondError(w, err)
			return
		}
	}
	for _, ref := range req.Remove {
		if err := h.admin.Revoke(r.Context(), actor, roleID, ref); err != nil {
			h.respondError(w, err)
			return
		}
	}
	version, err := h.catalog.Version(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"catalog_version": version})
}

type elevatedModulesRequest struct {
	Modules []Module `json:"modules" validate:"required,min=1,dive,required"`
}

// SetElevatedModules handles PUT /admin/roles/{roleID}/elevated-modules.
func (h *Handler) SetElevatedModules(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req elevatedModulesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor, _ := shared.PrincipalFromContext(r.Context())
	if err := h.admin.SetElevatedModules(r.Context(), actor, roleID, req.Modules); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignmentRequest struct {
	PrincipalID int64 `json:"principal_id" validate:"required,gt=0"`
	RoleID      int64 `json:"role_id" validate:"required,gt=0"`
	DealerID    int64 `json:"dealer_id" validate:"omitempty,gte=0"`
}

// Assign handles POST /admin/assignments.
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	h.mutateAssignment(w, r, func(actor shared.Principal, req assignmentRequest) error {
		return h.admin.Assign(r.Context(), actor, req.PrincipalID, req.RoleID, req.DealerID)
	})
}

// Unassign handles DELETE /admin/assignments.
func (h *Handler) Unassign(w http.ResponseWriter, r *http.Request) {
	h.mutateAssignment(w, r, func(actor shared.Principal, req assignmentRequest) error {
		return h.admin.Unassign(r.Context(), actor, req.PrincipalID, req.RoleID, req.DealerID)
	})
}

func (h *Handler) mutateAssignment(w http.ResponseWriter, r *http.Request, op func(shared.Principal, assignmentRequest) error) {
	var req assignmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor, _ := shared.PrincipalFromContext(r.Context())
	if err := op(actor, req); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EffectivePermissions handles GET /admin/principals/{principalID}/permissions.
func (h *Handler) EffectivePermissions(w http.ResponseWriter, r *http.Request) {
	principalID, ok := h.pathID(w, r, "principalID")
	if !ok {
		return
	}
	dealerID, _ := strconv.ParseInt(r.URL.Query().Get("dealer_id"), 10, 64)
	set, err := h.admin.EffectivePermissions(r.Context(), h.resolver, principalID, dealerID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSetResponse(set))
}

// MyModules handles GET /me/modules: the navigation filter.
func (h *Handler) MyModules(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	modules := h.evaluator.AllowedModules(r.Context(), principal)
	if modules == nil {
		modules = []Module{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"modules": modules})
}

// MyPermissions handles GET /me/permissions: the client-side permission hook
// fetches the full set once and answers UI checks locally.
func (h *Handler) MyPermissions(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	set, err := h.evaluator.cache.Get(r.Context(), principal.ID, principal.DealerID)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "permissions temporarily unavailable")
			return
		}
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSetResponse(set))
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid "+name)
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, ErrUnknownPermission), errors.Is(err, ErrScopeMismatch):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrStoreUnavailable):
		h.logger.Error("authz store unavailable", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "")
	default:
		h.logger.Error("authz admin request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
