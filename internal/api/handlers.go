/*
handlers.go - local app HTTP handlers

PURPOSE:
  The application's only write path. Every mutation goes through
  Engine.Apply, which updates local state at once and queues the change
  for the remote store. Reads are served from local state, so the app
  keeps working while the remote is unreachable.

ERROR MAPPING:
  Application error codes map to HTTP statuses through errors.HTTPStatus:
  validation 400, missing documents/actions 404, everything else 500.

SEE ALSO:
  - server.go: routes and middleware
  - ws.go: stats feed
*/
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/bizsync/internal/errors"
	"github.com/kimhsiao/bizsync/internal/logging"
	"github.com/kimhsiao/bizsync/internal/models"
	syncengine "github.com/kimhsiao/bizsync/internal/sync"
	"github.com/kimhsiao/bizsync/internal/uuid"
)

// Engine is the sync engine surface used by the API.
type Engine interface {
	syncengine.EngineInterface
	Get(ctx context.Context, collection, id string) (*models.Document, error)
	List(ctx context.Context, collection string) ([]*models.Document, error)
	ListAll(ctx context.Context) ([]*models.ActionRecord, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Engine Engine
	Hub    *WSHub // optional
}

// NewHandler creates a new handler.
func NewHandler(engine Engine, hub *WSHub) *Handler {
	return &Handler{Engine: engine, Hub: hub}
}

// =============================================================================
// DTOs
// =============================================================================

// DocumentDTO is a document as returned to the app.
type DocumentDTO struct {
	ID        string                 `json:"id"`
	Data      map[string]interface{} `json:"data"`
	UpdatedAt int64                  `json:"updated_at"`
}

// CreateDocumentRequest is the body of a create. An empty ID is generated.
type CreateDocumentRequest struct {
	ID   string                 `json:"id"`
	Data map[string]interface{} `json:"data"`
}

// UpdateDocumentRequest is the body of an update.
type UpdateDocumentRequest struct {
	Changes map[string]interface{} `json:"changes"`
}

// MutationResponse reports the queued action and, when it still exists, the local document.
type MutationResponse struct {
	Action   *models.ActionRecord `json:"action"`
	Document *DocumentDTO         `json:"document,omitempty"`
}

// BootstrapRequest starts the initial sync of a session.
type BootstrapRequest struct {
	SessionID string `json:"session_id"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

func toDTO(d *models.Document) *DocumentDTO {
	return &DocumentDTO{ID: d.ID, Data: d.Data, UpdatedAt: d.UpdatedAt}
}

// =============================================================================
// HEALTH
// =============================================================================

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "bizsync"})
}

// =============================================================================
// COLLECTION ENDPOINTS
// =============================================================================

// ListDocuments handles GET /api/collections/{collection}.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.Engine.List(r.Context(), chi.URLParam(r, "collection"))
	if err != nil {
		writeError(w, "Failed to list documents", err)
		return
	}

	dtos := make([]*DocumentDTO, len(docs))
	for i, d := range docs {
		dtos[i] = toDTO(d)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": dtos})
}

// GetDocument handles GET /api/collections/{collection}/{id}.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Engine.Get(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "Failed to get document", err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(doc))
}

// CreateDocument handles POST /api/collections/{collection}.
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", apperrors.Wrap(apperrors.ErrInvalid, "decode body", err))
		return
	}
	if req.ID == "" {
		req.ID = uuid.New()
	}

	h.apply(w, r, http.StatusCreated, syncengine.Mutation{
		Kind:       models.KindCreate,
		Collection: chi.URLParam(r, "collection"),
		ID:         req.ID,
		Data:       req.Data,
	})
}

// UpdateDocument handles PATCH /api/collections/{collection}/{id}.
func (h *Handler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	var req UpdateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", apperrors.Wrap(apperrors.ErrInvalid, "decode body", err))
		return
	}

	h.apply(w, r, http.StatusOK, syncengine.Mutation{
		Kind:       models.KindUpdate,
		Collection: chi.URLParam(r, "collection"),
		ID:         chi.URLParam(r, "id"),
		Changes:    req.Changes,
	})
}

// DeleteDocument handles DELETE /api/collections/{collection}/{id}.
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, http.StatusOK, syncengine.Mutation{
		Kind:       models.KindDelete,
		Collection: chi.URLParam(r, "collection"),
		ID:         chi.URLParam(r, "id"),
	})
}

// DeleteCollection handles DELETE /api/collections/{collection}.
func (h *Handler) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, http.StatusOK, syncengine.Mutation{
		Kind:       models.KindDelete,
		Collection: chi.URLParam(r, "collection"),
		Special:    models.SpecialDeleteAll,
	})
}

// DeleteByReference handles DELETE /api/collections/{collection}/by-srno/{srNo}.
func (h *Handler) DeleteByReference(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, http.StatusOK, syncengine.Mutation{
		Kind:       models.KindDelete,
		Collection: chi.URLParam(r, "collection"),
		ID:         chi.URLParam(r, "srNo"),
		Special:    models.SpecialDeleteByForeignKey,
	})
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request, status int, m syncengine.Mutation) {
	rec, err := h.Engine.Apply(r.Context(), m)
	if err != nil {
		writeError(w, "Failed to apply change", err)
		return
	}

	resp := MutationResponse{Action: rec}
	if m.Kind != models.KindDelete {
		if doc, err := h.Engine.Get(r.Context(), m.Collection, m.ID); err == nil {
			resp.Document = toDTO(doc)
		}
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// SYNC ENDPOINTS
// =============================================================================

// SyncStatus handles GET /api/sync/status.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Engine.Status(r.Context())
	if err != nil {
		writeError(w, "Failed to read sync status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SyncNow handles POST /api/sync/now.
func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.SyncNow(r.Context())
	if err != nil {
		if h.Hub != nil {
			h.Hub.BroadcastSyncFailed(string(apperrors.CodeOf(err)), err.Error())
		}
		writeError(w, "Sync failed", err)
		return
	}
	if h.Hub != nil && !res.Skipped {
		h.Hub.BroadcastSyncCompleted(res.Succeeded, res.Retrying, res.Frozen, res.Duration)
	}
	writeJSON(w, http.StatusOK, res)
}

// ListQueue handles GET /api/sync/queue.
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Engine.ListAll(r.Context())
	if err != nil {
		writeError(w, "Failed to list queue", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": nonNil(recs)})
}

// ListFailed handles GET /api/sync/failed.
func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Engine.ListFailed(r.Context())
	if err != nil {
		writeError(w, "Failed to list failed actions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": nonNil(recs)})
}

// RetryFailed handles POST /api/sync/failed/{id}/retry.
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "Failed to retry action", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RetryAllFailed handles POST /api/sync/failed/retry.
func (h *Handler) RetryAllFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.Engine.RetryAll(r.Context())
	if err != nil {
		writeError(w, "Failed to retry actions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

// DiscardFailed handles DELETE /api/sync/failed/{id}.
func (h *Handler) DiscardFailed(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Discard(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "Failed to discard action", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// SESSION ENDPOINTS
// =============================================================================

// Bootstrap handles POST /api/session/bootstrap.
func (h *Handler) Bootstrap(w http.ResponseWriter, r *http.Request) {
	var req BootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", apperrors.Wrap(apperrors.ErrInvalid, "decode body", err))
		return
	}

	res, err := h.Engine.Bootstrap(r.Context(), req.SessionID)
	if h.Hub != nil && (err != nil || !res.Skipped) {
		h.Hub.BroadcastBootstrap(req.SessionID, err)
	}
	if err != nil {
		writeError(w, "Initial sync failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, err error) {
	code := apperrors.CodeOf(err)
	status := apperrors.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode(message, string(code), err, nil)
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: string(code), Details: err.Error()})
}

func nonNil(recs []*models.ActionRecord) []*models.ActionRecord {
	if recs == nil {
		return []*models.ActionRecord{}
	}
	return recs
}
