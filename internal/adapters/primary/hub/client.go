package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lorrc/workshop-sync/internal/auth"
	"github.com/lorrc/workshop-sync/internal/core/domain"
)

// Client is one attached hub session, whatever its transport.
type Client struct {
	ID        string
	Domain    domain.Domain
	Claims    *auth.Claims
	Transport string

	// Buffered channel of encoded outbound frames. Closed by the hub
	// when the client is unregistered.
	Send chan []byte

	hub *Hub

	// groups the client joined; protected by mu
	groups map[string]bool
	mu     sync.RWMutex

	// closed is only read or written with hub.mu held
	closed bool

	lastSeen atomic.Int64

	logger *slog.Logger
}

func newClient(h *Hub, id string, d domain.Domain, claims *auth.Claims, transport string, logger *slog.Logger) *Client {
	return &Client{
		ID:        id,
		Domain:    d,
		Claims:    claims,
		Transport: transport,
		Send:      make(chan []byte, h.cfg.SendBuffer),
		hub:       h,
		groups:    make(map[string]bool),
		logger: logger.With(
			"connection_id", id,
			"domain", string(d),
			"user_id", claims.UserID,
		),
	}
}

// closeSend must be called with hub.mu held for writing.
func (c *Client) closeSend() {
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// enqueueFrame queues a frame for this client only.
func (c *Client) enqueueFrame(frame domain.Frame) {
	raw, err := frame.Encode()
	if err != nil {
		c.logger.Error("failed to encode frame", "error", err)
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- raw:
	default:
		c.logger.Warn("client send buffer full, dropping frame", "type", frame.Type)
	}
}

func (c *Client) touch(now time.Time) { c.lastSeen.Store(now.UnixNano()) }

func (c *Client) seen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *Client) addGroup(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[group] = true
}

func (c *Client) removeGroup(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.groups, group)
}

// InGroup reports whether the client joined group.
func (c *Client) InGroup(group string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.groups[group]
}

// Groups returns a copy of the joined groups.
func (c *Client) Groups() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	groups := make([]string, 0, len(c.groups))
	for g := range c.groups {
		groups = append(groups, g)
	}
	return groups
}

// ReadPump pumps frames from the websocket connection to the hub.
// This method runs in its own goroutine.
func (c *Client) ReadPump(conn *websocket.Conn) {
	cfg := c.hub.cfg
	defer func() {
		c.hub.Unregister(c)
		_ = conn.Close()
	}()

	conn.SetReadLimit(cfg.MaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(cfg.PongWait)); err != nil {
		c.logger.Error("failed to set read deadline", "error", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		if err := conn.SetReadDeadline(time.Now().Add(cfg.PongWait)); err != nil {
			c.logger.Error("failed to set read deadline in pong handler", "error", err)
		}
		return nil
	})

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = c.hub.HandleFrame(c, message)
	}
}

// WritePump pumps frames from the hub to the websocket connection.
// This method runs in its own goroutine.
func (c *Client) WritePump(conn *websocket.Conn) {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			if err := conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait)); err != nil {
				c.logger.Error("failed to set write deadline", "error", err)
				return
			}

			if !ok {
				// The hub closed the channel.
				if err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
					c.logger.Debug("failed to send close message", "error", err)
				}
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Error("failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait)); err != nil {
				c.logger.Error("failed to set write deadline for ping", "error", err)
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}
