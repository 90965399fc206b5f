package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/matiasleandrokruk/toolforge/internal/api/ctxkeys"
	domainauth "github.com/matiasleandrokruk/toolforge/internal/domain/auth"
)

// UserHandler handles the admin-only user management endpoints.
type UserHandler struct {
	*Responder
	svc *domainauth.Service
}

func NewUserHandler(rs *Responder, svc *domainauth.Service) *UserHandler {
	return &UserHandler{Responder: rs, svc: svc}
}

// ListUsers handles GET /api/users
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.ListUsers(r.Context())
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"data": users})
}

// GetUser handles GET /api/users/{id}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, u)
}

// CreateUser handles POST /api/users
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var in domainauth.CreateUserInput
	if err := decodeJSON(r, &in); err != nil {
		h.Error(w, r, err)
		return
	}
	u, err := h.svc.CreateUser(r.Context(), in)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, u)
}

// UpdateUser handles PUT /api/users/{id}. Only name, role, isActive and
// password can change.
func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var in domainauth.UpdateUserInput
	if err := decodeJSON(r, &in); err != nil {
		h.Error(w, r, err)
		return
	}
	u, err := h.svc.UpdateUser(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, u)
}

// DeleteUser handles DELETE /api/users/{id}. Admins cannot delete themselves.
func (h *UserHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	actorID := ctxkeys.String(r.Context(), ctxkeys.UserID)
	if err := h.svc.DeleteUser(r.Context(), actorID, chi.URLParam(r, "id")); err != nil {
		h.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
