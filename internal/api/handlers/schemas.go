package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/domain/permission"
	"github.com/matiasleandrokruk/toolforge/internal/domain/record"
	"github.com/matiasleandrokruk/toolforge/internal/domain/schema"
)

// SchemaHandler serves schema documents. Reads are open to every
// authenticated user (non-admins see only published tools they can access);
// writes are mounted behind RequireRole(admin).
type SchemaHandler struct {
	*Responder
	schemas  *schema.Store
	records  *record.Service
	handlers schema.HandlerLookup
}

func NewSchemaHandler(rs *Responder, schemas *schema.Store, records *record.Service, handlers schema.HandlerLookup) *SchemaHandler {
	return &SchemaHandler{Responder: rs, schemas: schemas, records: records, handlers: handlers}
}

// ListSchemas handles GET /api/schemas. Admins get every stored document;
// everyone else gets their role's view of each accessible published tool.
func (h *SchemaHandler) ListSchemas(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}

	if actor.Role == permission.RoleAdmin {
		list, err := h.schemas.FindAll(r.Context())
		if err != nil {
			h.Error(w, r, err)
			return
		}
		h.JSON(w, http.StatusOK, map[string]any{"data": list})
		return
	}
	views, err := h.records.ToolViews(r.Context(), actor)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"data": views})
}

// GetSchema handles GET /api/schemas/{id}
func (h *SchemaHandler) GetSchema(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	ts, err := h.schemas.FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, r, err)
		return
	}
	if actor.Role == permission.RoleAdmin {
		h.JSON(w, http.StatusOK, ts)
		return
	}
	if !ts.IsPublished {
		h.Error(w, r, apperror.NotFound("schema %s not found", ts.ID))
		return
	}
	h.writeToolView(w, r, ts.ToolID)
}

// GetSchemaByToolID handles GET /api/schemas/tool/{toolId}. Admins get the
// stored document, published or not; everyone else gets their role's view.
func (h *SchemaHandler) GetSchemaByToolID(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	toolID := chi.URLParam(r, "toolId")
	if actor.Role == permission.RoleAdmin {
		ts, err := h.schemas.FindByToolID(r.Context(), toolID)
		if err != nil {
			h.Error(w, r, err)
			return
		}
		h.JSON(w, http.StatusOK, ts)
		return
	}
	h.writeToolView(w, r, toolID)
}

// CreateSchema handles POST /api/schemas. The body is JSON or YAML, chosen by
// Content-Type.
//
// Response codes:
//   - 201 Created: stored as a draft
//   - 400 Bad Request: document fails decoding or validation
//   - 409 Conflict: toolId already exists
func (h *SchemaHandler) CreateSchema(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	data, err := readBody(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	def, err := schema.DecodeDefinition(data, schema.FormatFromContentType(r.Header.Get("Content-Type")))
	if err != nil {
		h.Error(w, r, err)
		return
	}
	ts, err := h.schemas.Create(r.Context(), def, actor.UserID)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, ts)
}

// ValidateSchema handles POST /api/schemas/validate. It never stores anything
// and always answers 200 with the verdict.
func (h *SchemaHandler) ValidateSchema(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	res := schema.ValidateDocument(data, schema.FormatFromContentType(r.Header.Get("Content-Type")), h.handlers)
	h.JSON(w, http.StatusOK, res)
}

// UpdateSchema handles PUT /api/schemas/{id} with a JSON patch of top-level
// definition keys.
func (h *SchemaHandler) UpdateSchema(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	var patch schema.Patch
	if err := decodeJSON(r, &patch); err != nil {
		h.Error(w, r, err)
		return
	}
	ts, err := h.schemas.Update(r.Context(), chi.URLParam(r, "id"), patch, actor.UserID)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, ts)
}

// DeleteSchema handles DELETE /api/schemas/{id}. Stored records are kept.
func (h *SchemaHandler) DeleteSchema(w http.ResponseWriter, r *http.Request) {
	if err := h.schemas.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PublishSchema handles POST /api/schemas/{id}/publish
func (h *SchemaHandler) PublishSchema(w http.ResponseWriter, r *http.Request) {
	ts, err := h.schemas.Publish(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, ts)
}

// UnpublishSchema handles POST /api/schemas/{id}/unpublish
func (h *SchemaHandler) UnpublishSchema(w http.ResponseWriter, r *http.Request) {
	ts, err := h.schemas.Unpublish(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, ts)
}

func (h *SchemaHandler) writeToolView(w http.ResponseWriter, r *http.Request, toolID string) {
	actor, err := actorFrom(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	view, err := h.records.Tool(r.Context(), actor, toolID)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, view)
}
