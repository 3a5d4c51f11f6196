package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	mw "github.com/lorrc/workshop-sync/internal/adapters/primary/http/middleware"
	"github.com/lorrc/workshop-sync/internal/auth"
	"github.com/lorrc/workshop-sync/internal/core/domain"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
)

// SnapshotReader reads stored entity status.
type SnapshotReader interface {
	Get(ctx context.Context, ref domain.EntityRef) (domain.StoredSnapshot, error)
}

// ReadAuthorizer decides status reads.
type ReadAuthorizer interface {
	CanRead(claims *auth.Claims, kind string) (bool, error)
}

// StatusResponse is the body of GET /api/v1/{resource}/{id}/status.
type StatusResponse struct {
	domain.StatusSnapshot
	UpdatedAt time.Time `json:"updatedAt"`
}

// SnapshotHandler serves the status endpoint the sync engine polls.
type SnapshotHandler struct {
	store        SnapshotReader
	authz        ReadAuthorizer
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewSnapshotHandler creates a new snapshot handler
func NewSnapshotHandler(store SnapshotReader, authz ReadAuthorizer, errorHandler *ErrorHandler, logger *slog.Logger) *SnapshotHandler {
	return &SnapshotHandler{
		store:        store,
		authz:        authz,
		errorHandler: errorHandler,
		logger:       logger.With("component", "snapshot_handler"),
	}
}

// RegisterRoutes registers the status route
func (h *SnapshotHandler) RegisterRoutes(r chi.Router) {
	r.Get("/{resource}/{id}/status", h.HandleGetStatus)
}

// HandleGetStatus returns the last published status of one entity.
func (h *SnapshotHandler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	kind, ok := domain.ParseResourcePath(chi.URLParam(r, "resource"))
	if !ok {
		h.errorHandler.Handle(w, r, apperrors.ErrNotFound)
		return
	}
	ref := domain.EntityRef{Kind: kind, ID: chi.URLParam(r, "id")}

	claims, ok := mw.ClaimsFromContext(r.Context())
	if !ok {
		h.errorHandler.Handle(w, r, apperrors.ErrUnauthorized)
		return
	}
	allowed, err := h.authz.CanRead(claims, string(kind))
	if HandleError(w, r, err, h.errorHandler) {
		return
	}
	if !allowed {
		h.errorHandler.Handle(w, r, apperrors.ErrForbidden)
		return
	}

	stored, err := h.store.Get(r.Context(), ref)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	WriteJSON(w, http.StatusOK, StatusResponse{
		StatusSnapshot: stored.Snapshot,
		UpdatedAt:      stored.UpdatedAt,
	})
}
