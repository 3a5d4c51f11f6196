package http

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/lorrc/workshop-sync/internal/adapters/primary/hub"
	"github.com/lorrc/workshop-sync/internal/adapters/primary/validation"
	"github.com/lorrc/workshop-sync/internal/auth"
	"github.com/lorrc/workshop-sync/internal/core/domain"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
)

// Publisher queues events for broadcast.
type Publisher interface {
	Publish(p hub.Publication) (hub.Publication, error)
}

// TokenRequest asks for a development access token.
type TokenRequest struct {
	UserID       string `json:"userId" validate:"required,max=64"`
	Role         string `json:"role" validate:"required,oneof=manager technician customer"`
	TechnicianID string `json:"technicianId" validate:"required_if=Role technician,max=64"`
}

// TokenResponse carries a signed token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PublishRequest describes an event to push to hub clients. Without
// groups it reaches every client of the domain.
type PublishRequest struct {
	Domain          string          `json:"domain" validate:"required,domain"`
	EventType       string          `json:"eventType" validate:"required"`
	EntityID        string          `json:"entityId" validate:"max=128"`
	Groups          []string        `json:"groups" validate:"max=32,dive,wiregroup"`
	Payload         json.RawMessage `json:"payload"`
	ServerTimestamp *time.Time      `json:"serverTimestamp"`
	Sequence        int64           `json:"sequence" validate:"min=0"`
}

// DevHandler serves development-only endpoints: token minting and event
// publishing.
type DevHandler struct {
	tokens       *auth.TokenManager
	ttl          time.Duration
	publisher    Publisher
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewDevHandler creates a new dev handler
func NewDevHandler(tokens *auth.TokenManager, ttl time.Duration, publisher Publisher, errorHandler *ErrorHandler, logger *slog.Logger) *DevHandler {
	return &DevHandler{
		tokens:       tokens,
		ttl:          ttl,
		publisher:    publisher,
		errorHandler: errorHandler,
		logger:       logger.With("component", "dev_handler"),
	}
}

// RegisterRoutes registers the dev routes
func (h *DevHandler) RegisterRoutes(r chi.Router) {
	r.Post("/token", h.HandleToken)
	r.Post("/events", h.HandlePublish)
}

// HandleToken mints a token for any user and role.
func (h *DevHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	req, err := validation.DecodeAndValidate[TokenRequest](r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	token, err := h.tokens.GenerateToken(req.UserID, req.Role, req.TechnicianID)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	h.logger.InfoContext(r.Context(), "development token issued", "user_id", req.UserID, "role", req.Role)
	WriteJSON(w, http.StatusCreated, TokenResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(h.ttl).UTC(),
	})
}

// HandlePublish queues an event and answers with its stamped form.
func (h *DevHandler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	req, err := validation.DecodeAndValidate[PublishRequest](r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	d, _ := domain.ParseDomain(req.Domain)
	pub := hub.Publication{
		Domain:    d,
		EventType: domain.EventType(req.EventType),
		EntityID:  req.EntityID,
		Groups:    req.Groups,
		Payload:   req.Payload,
		Sequence:  req.Sequence,
	}
	if req.ServerTimestamp != nil {
		pub.ServerTimestamp = req.ServerTimestamp.UTC()
	}

	if err := pub.Validate(); err != nil {
		verrs := apperrors.NewValidationErrors()
		if errors.Is(err, domain.ErrMissingEntityID) {
			verrs.Add("entityId", "This field is required")
		} else {
			verrs.Add("eventType", fmt.Sprintf("Not a %s event", d))
		}
		h.errorHandler.Handle(w, r, verrs)
		return
	}

	stamped, err := h.publisher.Publish(pub)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}
	WriteAccepted(w, stamped)
}
