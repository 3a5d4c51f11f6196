package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
	"github.com/lorrc/workshop-sync/internal/core/ports"
)

// sseConn receives frames from a text/event-stream response and sends
// them with one POST each.
type sseConn struct {
	d       *Dialer
	req     ports.DialRequest
	sendURL *url.URL

	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc

	closeOnce sync.Once
}

func (d *Dialer) dialSSE(ctx context.Context, req ports.DialRequest, connectionID string) (ports.Conn, error) {
	domainName := req.Domain.String()
	u := d.endpoint(req.EndpointPath, connectionID)

	// The stream must outlive the dial context, which only bounds the
	// wait for response headers.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	r, err := d.newRequest(streamCtx, http.MethodGet, u, req, nil)
	if err != nil {
		cancel()
		return nil, apperrors.NewTransportError(domainName, err)
	}
	r.Header.Set("Accept", "text/event-stream")
	r.Header.Set("Cache-Control", "no-cache")

	resp, err := d.http.Do(r)
	if !stop() {
		// The dial context ended while the request was in flight.
		if err == nil {
			_ = resp.Body.Close()
		}
		cancel()
		return nil, ctx.Err()
	}
	if err != nil {
		cancel()
		return nil, apperrors.NewTransportError(domainName, fmt.Errorf("event stream: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, statusError(domainName, "event stream", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		_ = resp.Body.Close()
		cancel()
		return nil, apperrors.NewProtocolError(domainName, fmt.Errorf("event stream content type %q", ct))
	}

	return &sseConn{
		d:       d,
		req:     req,
		sendURL: u,
		body:    resp.Body,
		reader:  bufio.NewReaderSize(resp.Body, int(d.cfg.MaxMessageSize)),
		cancel:  cancel,
	}, nil
}

func (c *sseConn) Transport() string { return SSE }

// Receive returns the data of the next event. Multi-line data fields
// are joined with newlines; comments and other fields are skipped.
func (c *sseConn) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data bytes.Buffer
	hasData := false
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil, apperrors.ErrServerClosed
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if hasData {
				return data.Bytes(), nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			hasData = true
		}
	}
}

func (c *sseConn) Send(ctx context.Context, frame []byte) error {
	return c.d.post(ctx, c.req, c.sendURL, frame)
}

func (c *sseConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.body.Close()
		c.d.hangUp(c.req, c.sendURL)
	})
	return nil
}

// post delivers one client frame for the SSE and long-polling
// transports.
func (d *Dialer) post(ctx context.Context, req ports.DialRequest, u *url.URL, frame []byte) error {
	domainName := req.Domain.String()
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.WriteTimeout)
	defer cancel()

	r, err := d.newRequest(sendCtx, http.MethodPost, u, req, frame)
	if err != nil {
		return apperrors.NewTransportError(domainName, err)
	}
	resp, err := d.http.Do(r)
	if err != nil {
		return apperrors.NewTransportError(domainName, fmt.Errorf("send: %w", err))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError(domainName, "send", resp.StatusCode)
	}
	return nil
}

// hangUp tells the hub the session is over. Best effort.
func (d *Dialer) hangUp(req ports.DialRequest, u *url.URL) {
	ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()
	r, err := d.newRequest(ctx, http.MethodDelete, u, req, nil)
	if err != nil {
		return
	}
	resp, err := d.http.Do(r)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}
