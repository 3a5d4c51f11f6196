package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
	"github.com/lorrc/workshop-sync/internal/core/ports"
)

// closeGrace bounds the close handshake on shutdown.
const closeGrace = time.Second

type wsConn struct {
	conn        *websocket.Conn
	domain      string
	writeWait   time.Duration
	readTimeout time.Duration

	// writeMu serializes data frames; gorilla allows one concurrent writer.
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (d *Dialer) dialWebSocket(ctx context.Context, req ports.DialRequest, connectionID string) (ports.Conn, error) {
	domainName := req.Domain.String()

	u := d.endpoint(req.EndpointPath, connectionID)
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("access_token", req.Token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	for k, vs := range req.Header {
		header[k] = append([]string(nil), vs...)
	}
	header.Set("Authorization", "Bearer "+req.Token)

	conn, resp, err := d.ws.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusSwitchingProtocols {
				return nil, statusError(domainName, "websocket upgrade", resp.StatusCode)
			}
		}
		return nil, apperrors.NewTransportError(domainName, fmt.Errorf("websocket dial: %w", err))
	}

	c := &wsConn{
		conn:        conn,
		domain:      domainName,
		writeWait:   d.cfg.WriteTimeout,
		readTimeout: d.cfg.ReadTimeout,
	}
	conn.SetReadLimit(d.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return c, nil
}

func (c *wsConn) Transport() string { return WebSockets }

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return apperrors.NewTransportError(c.domain, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return apperrors.NewTransportError(c.domain, err)
	}
	return nil
}

// Receive blocks on the socket; ctx is only checked on entry because
// Close is what unblocks a pending read.
func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return nil, apperrors.NewAuthError(c.domain, "hub closed the session: "+err.Error())
			}
			return nil, err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		err = c.conn.Close()
	})
	return err
}
