// Package hub is a development push hub speaking the same negotiate and
// frame protocol as the production hubs. It keeps connected clients,
// the groups they joined and the sessions handed out by negotiate.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lorrc/workshop-sync/internal/auth"
	"github.com/lorrc/workshop-sync/internal/clock"
	"github.com/lorrc/workshop-sync/internal/core/domain"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
	"github.com/lorrc/workshop-sync/internal/infrastructure/logging"
	"github.com/lorrc/workshop-sync/internal/metrics"
)

// Transports the hub offers, in the client's order of preference.
const (
	TransportWebSockets  = "websockets"
	TransportSSE         = "sse"
	TransportLongPolling = "longpolling"
)

// Config holds hub timing and buffer settings.
type Config struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
	NegotiateTTL   time.Duration // an unused connection id expires after this
	PollHold       time.Duration // how long a poll waits for frames
	PollIdle       time.Duration // a long-poll session without requests is dropped after this
	ReapInterval   time.Duration
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:   54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
		NegotiateTTL:   30 * time.Second,
		PollHold:       30 * time.Second,
		PollIdle:       90 * time.Second,
		ReapInterval:   15 * time.Second,
	}
}

// Authorizer decides group joins.
type Authorizer interface {
	CanJoin(claims *auth.Claims, wireGroup string) (bool, error)
}

// NegotiateResponse is the body returned by POST {endpoint}/negotiate.
type NegotiateResponse struct {
	ConnectionID string   `json:"connectionId"`
	Transports   []string `json:"availableTransports"`
}

type roomKey struct {
	domain domain.Domain
	group  string
}

type negotiation struct {
	domain  domain.Domain
	userID  string
	expires time.Time
}

// Hub maintains the set of active clients and broadcasts frames to them.
type Hub struct {
	cfg   Config
	authz Authorizer
	clock clock.Clock

	// clients maps connection ids to attached clients
	clients map[string]*Client

	// rooms maps a domain's wire group to its members
	rooms map[roomKey]map[*Client]bool

	// pending holds connection ids issued by negotiate but not yet attached
	pending map[string]negotiation

	// mu protects clients, rooms and pending. Client send channels are
	// only written or closed while it is held.
	mu sync.RWMutex

	logger *slog.Logger
}

// New creates a hub.
func New(cfg Config, authz Authorizer, clk clock.Clock, logger *slog.Logger) *Hub {
	defaults := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}
	if cfg.NegotiateTTL <= 0 {
		cfg.NegotiateTTL = defaults.NegotiateTTL
	}
	if cfg.PollHold <= 0 {
		cfg.PollHold = defaults.PollHold
	}
	if cfg.PollIdle <= 0 {
		cfg.PollIdle = defaults.PollIdle
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaults.ReapInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{
		cfg:     cfg,
		authz:   authz,
		clock:   clk,
		clients: make(map[string]*Client),
		rooms:   make(map[roomKey]map[*Client]bool),
		pending: make(map[string]negotiation),
		logger:  logger.With("component", "hub"),
	}
}

// Config returns the settings the hub runs with.
func (h *Hub) Config() Config { return h.cfg }

// Negotiate issues a connection id for the caller on domain d.
func (h *Hub) Negotiate(d domain.Domain, claims *auth.Claims) NegotiateResponse {
	id := uuid.NewString()

	h.mu.Lock()
	h.pending[id] = negotiation{
		domain:  d,
		userID:  claims.UserID,
		expires: h.clock.Now().Add(h.cfg.NegotiateTTL),
	}
	h.mu.Unlock()

	h.logger.Debug("connection negotiated", "domain", d, "user_id", claims.UserID, "connection_id", id)
	return NegotiateResponse{
		ConnectionID: id,
		Transports:   []string{TransportWebSockets, TransportSSE, TransportLongPolling},
	}
}

// Attach binds a negotiated connection id to a transport. A long-polling
// session is created by its first request and returned again to later
// ones.
func (h *Hub) Attach(connID string, d domain.Domain, claims *auth.Claims, transport string) (*Client, error) {
	h.mu.Lock()

	if existing, ok := h.clients[connID]; ok {
		h.mu.Unlock()
		if existing.Domain != d || existing.Claims.UserID != claims.UserID {
			return nil, apperrors.ErrUnknownConnection
		}
		if transport != TransportLongPolling || existing.Transport != TransportLongPolling {
			return nil, fmt.Errorf("%w: connection already attached over %s", apperrors.ErrBadRequest, existing.Transport)
		}
		existing.touch(h.clock.Now())
		return existing, nil
	}

	n, ok := h.pending[connID]
	if !ok || n.domain != d || n.userID != claims.UserID {
		h.mu.Unlock()
		return nil, apperrors.ErrUnknownConnection
	}
	delete(h.pending, connID)

	client := newClient(h, connID, d, claims, transport, h.logger)
	client.touch(h.clock.Now())
	h.clients[connID] = client
	total := len(h.clients)
	h.mu.Unlock()

	metrics.HubConnections.Inc()
	h.logger.Info("client registered",
		"domain", d,
		"user_id", claims.UserID,
		"transport", transport,
		"total_connections", total,
	)

	if d == domain.DomainPresence {
		h.publishPresence()
	}
	return client, nil
}

// Lookup finds an attached client owned by the caller.
func (h *Hub) Lookup(connID string, d domain.Domain, claims *auth.Claims) (*Client, error) {
	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok || client.Domain != d || client.Claims.UserID != claims.UserID {
		return nil, apperrors.ErrUnknownConnection
	}
	client.touch(h.clock.Now())
	return client, nil
}

// Unregister removes a client from the hub and all rooms and closes its
// send channel. It is safe to call more than once.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if h.clients[client.ID] != client {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.ID)

	for _, group := range client.Groups() {
		key := roomKey{domain: client.Domain, group: group}
		if room, ok := h.rooms[key]; ok {
			delete(room, client)
			if len(room) == 0 {
				delete(h.rooms, key)
			}
		}
	}
	client.closeSend()
	h.mu.Unlock()

	metrics.HubConnections.Dec()
	h.logger.Info("client unregistered",
		"domain", client.Domain,
		"user_id", client.Claims.UserID,
		"transport", client.Transport,
	)

	if client.Domain == domain.DomainPresence {
		h.publishPresence()
	}
}

// HandleFrame processes one frame sent by a client. Group invocations
// are answered with a completion frame.
func (h *Hub) HandleFrame(client *Client, raw []byte) error {
	frame, err := domain.DecodeFrame(raw)
	if err != nil {
		client.logger.Warn("malformed client frame", "error", err)
		return fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err)
	}

	switch frame.Type {
	case domain.FrameInvocation:
		client.enqueueFrame(domain.NewCompletion(frame.InvocationID, h.invoke(client, frame)))
	case domain.FrameClose:
		h.Unregister(client)
	case domain.FramePing:
	default:
		client.logger.Debug("ignoring client frame", "type", frame.Type)
	}
	return nil
}

// invoke runs a hub method and returns the completion error text.
func (h *Hub) invoke(client *Client, frame domain.Frame) string {
	switch frame.Target {
	case domain.DefaultJoinMethod, domain.DefaultLeaveMethod:
	default:
		return fmt.Sprintf("unknown method %q", frame.Target)
	}

	group, err := frame.StringArgument(0)
	if err != nil {
		return "group name is required"
	}
	if _, err := domain.ParseWireGroup(group); err != nil {
		return fmt.Sprintf("invalid group %q", group)
	}

	if frame.Target == domain.DefaultLeaveMethod {
		h.leave(client, group)
		return ""
	}

	ok, err := h.authz.CanJoin(client.Claims, group)
	if err != nil {
		client.logger.Error("authorization check failed", "group", group, "error", err)
		return "authorization unavailable"
	}
	if !ok {
		client.logger.Warn("group join forbidden", "group", group, "role", client.Claims.Role)
		return fmt.Sprintf("not allowed to join %q", group)
	}
	h.join(client, group)
	return ""
}

func (h *Hub) join(client *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.ID] != client {
		return
	}
	key := roomKey{domain: client.Domain, group: group}
	if h.rooms[key] == nil {
		h.rooms[key] = make(map[*Client]bool)
	}
	h.rooms[key][client] = true
	client.addGroup(group)

	h.logger.Debug("client joined group",
		"domain", client.Domain,
		"user_id", client.Claims.UserID,
		"group", group,
	)
}

func (h *Hub) leave(client *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := roomKey{domain: client.Domain, group: group}
	if room, ok := h.rooms[key]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, key)
		}
	}
	client.removeGroup(group)
}

// Broadcast sends an encoded frame to members of the given groups on
// domain d, or to every client of d when groups is empty. Each client
// receives it at most once. It returns the number of clients reached.
func (h *Hub) Broadcast(d domain.Domain, groups []string, frame []byte) int {
	var slow []*Client
	sent := 0

	h.mu.RLock()
	targets := make(map[*Client]bool)
	if len(groups) == 0 {
		for _, c := range h.clients {
			if c.Domain == d {
				targets[c] = true
			}
		}
	} else {
		for _, g := range groups {
			for c := range h.rooms[roomKey{domain: d, group: g}] {
				targets[c] = true
			}
		}
	}
	for c := range targets {
		select {
		case c.Send <- frame:
			sent++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("client send buffer full, unregistering",
			"domain", c.Domain,
			"user_id", c.Claims.UserID,
		)
		h.Unregister(c)
	}
	return sent
}

// publishPresence tells every presence client how many distinct users
// are connected to the presence hub.
func (h *Hub) publishPresence() {
	h.mu.RLock()
	users := make(map[string]bool)
	for _, c := range h.clients {
		if c.Domain == domain.DomainPresence {
			users[c.Claims.UserID] = true
		}
	}
	h.mu.RUnlock()

	payload, err := json.Marshal(map[string]int{"count": len(users)})
	if err != nil {
		return
	}
	frame, err := domain.NewEventFrame(domain.InboundEvent{
		Domain:          domain.DomainPresence,
		Type:            domain.EventUserCountUpdated,
		ServerTimestamp: h.clock.Now().UTC(),
		Payload:         payload,
	}).Encode()
	if err != nil {
		return
	}
	h.Broadcast(domain.DomainPresence, nil, frame)
	metrics.HubBroadcasts.WithLabelValues(string(domain.DomainPresence), string(domain.EventUserCountUpdated)).Inc()
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GroupMembers returns the number of clients in a domain's group.
func (h *Hub) GroupMembers(d domain.Domain, group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomKey{domain: d, group: group}])
}

// Serve expires stale negotiations and idle long-poll sessions until ctx
// is cancelled, then closes every client.
func (h *Hub) Serve(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case <-ticker.C:
			h.reap(h.clock.Now())
		}
	}
}

func (h *Hub) String() string { return "hub" }

func (h *Hub) reap(now time.Time) {
	var idle []*Client

	h.mu.Lock()
	for id, n := range h.pending {
		if now.After(n.expires) {
			delete(h.pending, id)
		}
	}
	for _, c := range h.clients {
		if c.Transport == TransportLongPolling && now.Sub(c.seen()) > h.cfg.PollIdle {
			idle = append(idle, c)
		}
	}
	h.mu.Unlock()

	for _, c := range idle {
		h.logger.Info("dropping idle long-poll session", "domain", c.Domain, "user_id", c.Claims.UserID)
		h.Unregister(c)
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.Unregister(c)
	}
}
