package http

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	mw "github.com/lorrc/workshop-sync/internal/adapters/primary/http/middleware"
	"github.com/lorrc/workshop-sync/internal/adapters/primary/hub"
	"github.com/lorrc/workshop-sync/internal/auth"
	"github.com/lorrc/workshop-sync/internal/core/domain"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
)

// HubHandlerConfig holds configuration for the hub transports
type HubHandlerConfig struct {
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
	IsDevelopment   bool
}

// HubHandler serves negotiate and the three hub transports for every
// domain under /hubs/{domain}.
type HubHandler struct {
	hub          *hub.Hub
	upgrader     websocket.Upgrader
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewHubHandler creates a new hub handler
func NewHubHandler(h *hub.Hub, cfg HubHandlerConfig, errorHandler *ErrorHandler, logger *slog.Logger) *HubHandler {
	handler := &HubHandler{
		hub:          h,
		errorHandler: errorHandler,
		logger:       logger.With("component", "hub_handler"),
	}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     handler.makeOriginChecker(cfg),
	}
	return handler
}

// RegisterRoutes mounts the hub endpoints. Requests must already carry
// claims from the JWT middleware.
func (h *HubHandler) RegisterRoutes(r chi.Router) {
	r.Post("/negotiate", h.HandleNegotiate)
	r.Get("/", h.HandleConnect)
	r.Post("/", h.HandleSend)
	r.Delete("/", h.HandleClose)
	r.Get("/poll", h.HandlePoll)
}

// makeOriginChecker creates an origin checking function based on configuration
func (h *HubHandler) makeOriginChecker(cfg HubHandlerConfig) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// Non-browser clients send no origin.
		if origin == "" || cfg.IsDevelopment {
			return true
		}

		parsedOrigin, err := url.Parse(origin)
		if err != nil {
			h.logger.Warn("failed to parse websocket origin", "origin", origin, "error", err)
			return false
		}

		originHost := parsedOrigin.Host
		for _, allowed := range cfg.AllowedOrigins {
			// Support wildcard subdomains like "*.example.com"
			if suffix, ok := strings.CutPrefix(allowed, "*"); ok {
				if strings.HasSuffix(originHost, suffix) || originHost == suffix[1:] {
					return true
				}
			} else if originHost == allowed {
				return true
			}
		}

		h.logger.Warn("websocket connection rejected due to origin",
			"origin", origin,
			"remote_addr", r.RemoteAddr,
			"allowed_origins", cfg.AllowedOrigins,
		)
		return false
	}
}

// session resolves the domain and caller of a hub request.
func (h *HubHandler) session(r *http.Request) (domain.Domain, *auth.Claims, error) {
	d, ok := domain.ParseDomain(chi.URLParam(r, "domain"))
	if !ok {
		return "", nil, apperrors.ErrNotFound
	}
	claims, ok := mw.ClaimsFromContext(r.Context())
	if !ok {
		return "", nil, apperrors.ErrUnauthorized
	}
	return d, claims, nil
}

func connectionID(r *http.Request) (string, error) {
	id := r.URL.Query().Get("id")
	if id == "" {
		return "", errors.Join(apperrors.ErrBadRequest, errors.New("id query parameter is required"))
	}
	return id, nil
}

// HandleNegotiate issues a connection id and lists the transports.
func (h *HubHandler) HandleNegotiate(w http.ResponseWriter, r *http.Request) {
	d, claims, err := h.session(r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}
	WriteJSON(w, http.StatusOK, h.hub.Negotiate(d, claims))
}

// HandleConnect opens a websocket or a server-sent event stream.
func (h *HubHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	d, claims, err := h.session(r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}
	id, err := connectionID(r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	switch {
	case websocket.IsWebSocketUpgrade(r):
		h.serveWebSocket(w, r, id, d, claims)
	case strings.Contains(r.Header.Get("Accept"), "text/event-stream"):
		h.serveEvents(w, r, id, d, claims)
	default:
		h.errorHandler.Handle(w, r, errors.Join(apperrors.ErrBadRequest, errors.New("expected a websocket upgrade or an event stream")))
	}
}

func (h *HubHandler) serveWebSocket(w http.ResponseWriter, r *http.Request, id string, d domain.Domain, claims *auth.Claims) {
	client, err := h.hub.Attach(id, d, claims, hub.TransportWebSockets)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already answered the request.
		h.logger.ErrorContext(r.Context(), "failed to upgrade websocket connection", "error", err)
		h.hub.Unregister(client)
		return
	}

	h.logger.InfoContext(r.Context(), "websocket connection established",
		"domain", d,
		"remote_addr", r.RemoteAddr,
	)

	go client.WritePump(conn)
	go client.ReadPump(conn)
}

func (h *HubHandler) serveEvents(w http.ResponseWriter, r *http.Request, id string, d domain.Domain, claims *auth.Claims) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.errorHandler.Handle(w, r, errors.New("streaming unsupported"))
		return
	}

	client, err := h.hub.Attach(id, d, claims, hub.TransportSSE)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}
	defer h.hub.Unregister(client)

	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	err = client.StreamEvents(r.Context(), bufio.NewWriter(w), flusher)
	h.logger.DebugContext(r.Context(), "event stream ended", "domain", d, "reason", err)
}

// HandleSend accepts one frame from an SSE or long-polling client.
func (h *HubHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	d, claims, err := h.session(r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}
	id, err := connectionID(r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	client, err := h.hub.Lookup(id, d, claims)
	if errors.Is(err, apperrors.ErrUnknownConnection) {
		// Long-polling clients may send before their first poll.
		client, err = h.hub.Attach(id, d, claims, hub.TransportLongPolling)
	}
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.hub.Config().MaxMessageSize+1))
	if HandleError(w, r, err, h.errorHandler) {
		return
	}
	if int64(len(body)) > h.hub.Config().MaxMessageSize {
		h.errorHandler.Handle(w, r, errors.Join(apperrors.ErrBadRequest, errors.New("frame too large")))
		return
	}

	if HandleError(w, r, h.hub.HandleFrame(client, body), h.errorHandler) {
		return
	}
	WriteNoContent(w)
}

// HandlePoll holds a long-polling request until frames are queued.
func (h *HubHandler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	d, claims, err := h.session(r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}
	id, err := connectionID(r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	client, err := h.hub.Attach(id, d, claims, hub.TransportLongPolling)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(h.hub.Config().PollHold + 10*time.Second))

	frames, err := client.Poll(r.Context())
	if HandleError(w, r, err, h.errorHandler) {
		return
	}
	if len(frames) == 0 {
		WriteNoContent(w)
		return
	}
	WriteJSON(w, http.StatusOK, frames)
}

// HandleClose ends a session. Closing an unknown session succeeds.
func (h *HubHandler) HandleClose(w http.ResponseWriter, r *http.Request) {
	d, claims, err := h.session(r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}
	id, err := connectionID(r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	if client, err := h.hub.Lookup(id, d, claims); err == nil {
		h.hub.Unregister(client)
	}
	WriteNoContent(w)
}
