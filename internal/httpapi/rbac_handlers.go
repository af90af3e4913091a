package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"medrec.org/internal/audit"
	"medrec.org/internal/auth"
)

type createIdentityRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateRolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type createPermissionRequest struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

func (a *API) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req createIdentityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	identity, err := a.svc.Register(r.Context(), auth.RegisterInput{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		Role:        req.Role,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.create", true, map[string]string{
		"identity_id": identity.ID,
		"role_id":     identity.RoleID,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/identities/%s", identity.ID))
	writeJSON(w, http.StatusCreated, identity)
}

func (a *API) handleSetActive(active bool) http.HandlerFunc {
	event := "identity.deactivate"
	if active {
		event = "identity.activate"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := a.svc.SetActive(r.Context(), id, active); err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), event, true, map[string]string{"identity_id": id})
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.rbac.ListRoles(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.rbac.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.create", true, map[string]string{
		"role_id": role.ID,
		"name":    role.Name,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := a.rbac.GetRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.rbac.DeleteRole(r.Context(), id); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.delete", true, map[string]string{"role_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req updateRolePermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.rbac.SetRolePermissions(r.Context(), id, req.Permissions); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.permissions.update", true, map[string]string{
		"role_id": id,
		"count":   strconv.Itoa(len(req.Permissions)),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.rbac.ListPermissions(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm, err := a.rbac.CreatePermission(r.Context(), req.Name, req.Category, req.Description)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.permission.create", true, map[string]string{"name": perm.Name})
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) handleSetRoleActive(active bool) http.HandlerFunc {
	event := "rbac.role.deactivate"
	if active {
		event = "rbac.role.activate"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := a.rbac.SetRoleActive(r.Context(), id, active); err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), event, true, map[string]string{"role_id": id})
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) handleSetPermissionActive(active bool) http.HandlerFunc {
	event := "rbac.permission.deactivate"
	if active {
		event = "rbac.permission.activate"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := a.rbac.SetPermissionActive(r.Context(), name, active); err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), event, true, map[string]string{"name": name})
		w.WriteHeader(http.StatusNoContent)
	}
}
