package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
	"github.com/lorrc/workshop-sync/internal/core/ports"
	"github.com/lorrc/workshop-sync/internal/infrastructure/logging"
	"github.com/lorrc/workshop-sync/internal/metrics"
)

// Transport names as advertised by a hub's negotiate response.
const (
	WebSockets  = "websockets"
	SSE         = "sse"
	LongPolling = "longpolling"
)

// Config holds transport configuration
type Config struct {
	BaseURL          string
	Preference       []string      // tried in order, default websockets, sse, longpolling
	HandshakeTimeout time.Duration // websocket upgrade
	WriteTimeout     time.Duration // per frame sent
	ReadTimeout      time.Duration // websocket silence before the session is considered dead
	PollTimeout      time.Duration // server hold time of one long poll, plus slack
	MaxMessageSize   int64
}

// DefaultConfig returns production defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:          baseURL,
		Preference:       []string{WebSockets, SSE, LongPolling},
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      70 * time.Second,
		PollTimeout:      40 * time.Second,
		MaxMessageSize:   64 * 1024,
	}
}

// Dialer negotiates with a hub and opens the best transport both sides
// support, downgrading when a transport fails to start.
type Dialer struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	ws     *websocket.Dialer
	logger *slog.Logger
}

var _ ports.Dialer = (*Dialer)(nil)

// NewDialer creates a dialer for the hub at cfg.BaseURL.
func NewDialer(cfg Config, logger *slog.Logger) (*Dialer, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("invalid hub base url %q", cfg.BaseURL)
	}
	defaults := DefaultConfig(cfg.BaseURL)
	if len(cfg.Preference) == 0 {
		cfg.Preference = defaults.Preference
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaults.PollTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return &Dialer{
		cfg:  cfg,
		base: base,
		// Streams outlive any single request, so the client has no
		// overall timeout; every request carries its own context.
		http: &http.Client{},
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger.With("component", "transport"),
	}, nil
}

// Dial negotiates, then tries each mutually supported transport in
// preference order. Authentication failures stop the downgrade.
func (d *Dialer) Dial(ctx context.Context, req ports.DialRequest) (ports.Conn, error) {
	domainName := req.Domain.String()

	neg, err := d.negotiate(ctx, req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	tried := 0
	for _, name := range d.cfg.Preference {
		if !neg.supports(name) {
			continue
		}
		tried++
		conn, err := d.open(ctx, name, req, neg.ConnectionID)
		if err == nil {
			d.logger.DebugContext(ctx, "transport started", "domain", domainName, "transport", name)
			return conn, nil
		}
		if apperrors.IsAuth(err) || ctx.Err() != nil {
			return nil, err
		}
		metrics.TransportFallbacks.WithLabelValues(domainName, name).Inc()
		d.logger.WarnContext(ctx, "transport failed, downgrading",
			"domain", domainName,
			"transport", name,
			"error", err,
		)
		lastErr = err
	}

	if tried == 0 {
		return nil, &apperrors.SyncError{
			Err:     apperrors.ErrNoTransport,
			Message: fmt.Sprintf("hub offers %v, client accepts %v", neg.Transports, d.cfg.Preference),
			Code:    "NO_TRANSPORT",
			Domain:  domainName,
		}
	}
	return nil, apperrors.NewTransportError(domainName, fmt.Errorf("%w: %w", apperrors.ErrNoTransport, lastErr))
}

func (d *Dialer) open(ctx context.Context, name string, req ports.DialRequest, connectionID string) (ports.Conn, error) {
	switch name {
	case WebSockets:
		return d.dialWebSocket(ctx, req, connectionID)
	case SSE:
		return d.dialSSE(ctx, req, connectionID)
	case LongPolling:
		return d.dialLongPolling(ctx, req, connectionID), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

// endpoint resolves path against the base URL with the connection id
// attached.
func (d *Dialer) endpoint(path, connectionID string) *url.URL {
	u := *d.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if connectionID != "" {
		q := url.Values{}
		q.Set("id", connectionID)
		u.RawQuery = q.Encode()
	}
	return &u
}

func (d *Dialer) newRequest(ctx context.Context, method string, u *url.URL, req ports.DialRequest, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	r, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	r.Header.Set("Authorization", "Bearer "+req.Token)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	return r, nil
}

// statusError maps a non-success hub response onto the error taxonomy.
func statusError(domainName, op string, status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.NewAuthError(domainName, fmt.Sprintf("%s: hub answered %d", op, status))
	case http.StatusNotFound, http.StatusGone:
		return apperrors.NewTransportError(domainName, fmt.Errorf("%s: %w (%d)", op, apperrors.ErrConnectionGone, status))
	default:
		return apperrors.NewTransportError(domainName, fmt.Errorf("%s: hub answered %d", op, status))
	}
}
