package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/goccy/go-json"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
	"github.com/lorrc/workshop-sync/internal/core/ports"
)

// pollConn holds one outstanding GET at a time. The hub answers with
// every frame queued for the session, or 204 when the hold expires.
type pollConn struct {
	d       *Dialer
	req     ports.DialRequest
	pollURL *url.URL
	sendURL *url.URL

	// queue is only touched by the receiving goroutine.
	queue []json.RawMessage

	// life ends when the connection is closed and aborts a held poll.
	life      context.Context
	kill      context.CancelFunc
	closeOnce sync.Once
}

func (d *Dialer) dialLongPolling(_ context.Context, req ports.DialRequest, connectionID string) ports.Conn {
	life, kill := context.WithCancel(context.Background())
	return &pollConn{
		d:       d,
		req:     req,
		pollURL: d.endpoint(req.EndpointPath+"/poll", connectionID),
		sendURL: d.endpoint(req.EndpointPath, connectionID),
		life:    life,
		kill:    kill,
	}
}

func (c *pollConn) Transport() string { return LongPolling }

func (c *pollConn) Receive(ctx context.Context) ([]byte, error) {
	for len(c.queue) == 0 {
		if err := c.poll(ctx); err != nil {
			return nil, err
		}
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	return next, nil
}

func (c *pollConn) poll(ctx context.Context) error {
	domainName := c.req.Domain.String()

	pollCtx, cancel := context.WithTimeout(ctx, c.d.cfg.PollTimeout)
	defer cancel()
	stop := context.AfterFunc(c.life, cancel)
	defer stop()

	r, err := c.d.newRequest(pollCtx, http.MethodGet, c.pollURL, c.req, nil)
	if err != nil {
		return apperrors.NewTransportError(domainName, err)
	}
	resp, err := c.d.http.Do(r)
	if err != nil {
		if c.life.Err() != nil {
			return apperrors.ErrConnectionGone
		}
		return apperrors.NewTransportError(domainName, fmt.Errorf("poll: %w", err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var frames []json.RawMessage
		if err := json.NewDecoder(io.LimitReader(resp.Body, c.d.cfg.MaxMessageSize*64)).Decode(&frames); err != nil {
			return apperrors.NewProtocolError(domainName, fmt.Errorf("poll response: %w", err))
		}
		c.queue = append(c.queue, frames...)
		return nil
	case http.StatusNoContent:
		return nil
	default:
		return statusError(domainName, "poll", resp.StatusCode)
	}
}

func (c *pollConn) Send(ctx context.Context, frame []byte) error {
	return c.d.post(ctx, c.req, c.sendURL, frame)
}

func (c *pollConn) Close() error {
	c.closeOnce.Do(func() {
		c.kill()
		c.d.hangUp(c.req, c.sendURL)
	})
	return nil
}
