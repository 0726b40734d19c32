/*
server.go - remote document store HTTP endpoint

PURPOSE:
  Serves the authoritative copy of every collection. Clients replay their
  queued mutations against POST /sync and pull collections with
  GET /collections/{collection} during the initial sync of a session.

ROUTES:
  POST /sync                      apply one create/update/delete
  GET  /sync                      liveness probe
  GET  /collections/{collection}  list a collection

STATUS CODES:
  200  applied (including deletes that matched nothing)
  400  malformed request or payload rejected by the collection schema
  404  update of a missing entity
  500  storage failure

SEE ALSO:
  - internal/sync/protocol: wire types
  - internal/sync/reconciler: the client side of this endpoint
*/
package docstore

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/bizsync/internal/db"
	apperrors "github.com/kimhsiao/bizsync/internal/errors"
	"github.com/kimhsiao/bizsync/internal/logging"
	"github.com/kimhsiao/bizsync/internal/models"
	"github.com/kimhsiao/bizsync/internal/sync/protocol"
)

// maxBodyBytes caps a /sync request body.
const maxBodyBytes = 1 << 20

// Server applies wire mutations to a document store.
type Server struct {
	Store  db.DocumentStore
	Schema models.Schema
}

// NewServer creates a Server. A nil schema accepts every collection of DefaultSchema.
func NewServer(store db.DocumentStore, schema models.Schema) *Server {
	if schema == nil {
		schema = models.DefaultSchema()
	}
	return &Server{Store: store, Schema: schema}
}

// Router returns the HTTP handler of the store.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/sync", s.Liveness)
	r.Post("/sync", s.Apply)
	r.Get("/collections/{collection}", s.ListCollection)

	return r
}

// =============================================================================
// HANDLERS
// =============================================================================

// Liveness answers the connectivity probe.
func (s *Server) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.Response{Message: protocol.LivenessMessage})
}

// Apply handles POST /sync.
func (s *Server) Apply(w http.ResponseWriter, r *http.Request) {
	var req protocol.Request
	if err := protocol.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	rec, err := req.ToRecord()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Schema.Validate(rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.apply(r, rec)
	if err != nil {
		status := http.StatusInternalServerError
		if apperrors.Is(err, apperrors.ErrDocumentNotFound) {
			status = http.StatusNotFound
		} else {
			logging.Error("Remote apply failed", err, map[string]interface{}{
				"action": string(rec.Kind),
				"target": rec.Target.Key(),
			})
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) apply(r *http.Request, rec *models.ActionRecord) (protocol.Response, error) {
	ctx := r.Context()
	c, id := rec.Target.Collection, rec.Target.EntityID

	switch rec.Kind {
	case models.KindCreate:
		if err := s.Store.Upsert(ctx, &models.Document{Collection: c, ID: id, Data: rec.Data}); err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{Message: "Document created"}, nil

	case models.KindUpdate:
		if _, err := s.Store.Merge(ctx, c, id, rec.Changes); err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{Message: "Document updated"}, nil
	}

	var (
		n   int64
		err error
	)
	switch rec.Special {
	case models.SpecialDeleteAll:
		n, err = s.Store.DeleteAll(ctx, c)
	case models.SpecialDeleteByForeignKey:
		n, err = s.Store.DeleteByReference(ctx, c, id)
	default:
		var existed bool
		existed, err = s.Store.Delete(ctx, c, id)
		if existed {
			n = 1
		}
	}
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.Response{Message: fmt.Sprintf("Deleted %d document(s)", n), Deleted: &n}, nil
}

// ListCollection handles GET /collections/{collection}.
func (s *Server) ListCollection(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if !s.Schema.Has(collection) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown collection %q", collection))
		return
	}

	docs, err := s.Store.List(r.Context(), collection)
	if err != nil {
		logging.Error("Remote list failed", err, map[string]interface{}{"collection": collection})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := protocol.CollectionResponse{Documents: make([]protocol.Document, 0, len(docs))}
	for _, d := range docs {
		resp.Documents = append(resp.Documents, protocol.Document{ID: d.ID, Data: d.Data})
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	protocol.Encode(w, v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, protocol.Response{Error: message})
}
