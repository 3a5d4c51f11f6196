package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lorrc/workshop-sync/internal/core/domain"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
	"github.com/lorrc/workshop-sync/internal/core/ports"
	"github.com/lorrc/workshop-sync/internal/infrastructure/logging"
	"github.com/lorrc/workshop-sync/internal/metrics"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	breakerName     = "snapshot-api"
	maxSnapshotBody = 64 * 1024
)

// Config holds snapshot client configuration
type Config struct {
	BaseURL        string
	Timeout        time.Duration // per request
	RPS            float64
	Burst          int
	BreakerTimeout time.Duration // open to half-open
	MinRequests    uint32        // before the failure ratio can trip the breaker
	FailureRatio   float64
}

// DefaultConfig returns production defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		Timeout:        10 * time.Second,
		RPS:            5,
		Burst:          10,
		BreakerTimeout: 30 * time.Second,
		MinRequests:    5,
		FailureRatio:   0.6,
	}
}

// snapshotResponse is the body of GET /api/v1/{kind}/{id}/status.
type snapshotResponse struct {
	domain.StatusSnapshot
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// SnapshotClient reads entity status from the REST API behind a rate
// limiter and a circuit breaker.
type SnapshotClient struct {
	base    *url.URL
	http    *http.Client
	tokens  domain.TokenSource
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[domain.FetchedSnapshot]
	logger  *slog.Logger
}

var _ ports.SnapshotFetcher = (*SnapshotClient)(nil)

// NewSnapshotClient creates a client for the API at cfg.BaseURL.
func NewSnapshotClient(cfg Config, tokens domain.TokenSource, logger *slog.Logger) (*SnapshotClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", cfg.BaseURL)
	}
	defaults := DefaultConfig(cfg.BaseURL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.RPS <= 0 {
		cfg.RPS = defaults.RPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaults.BreakerTimeout
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = defaults.MinRequests
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = defaults.FailureRatio
	}
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With("component", "snapshot_client")

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	cb := gobreaker.NewCircuitBreaker[domain.FetchedSnapshot](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		// Answers the API gave on purpose say nothing about its health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, apperrors.ErrNotFound) || apperrors.IsAuth(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", stateToString(from),
				"to", stateToString(to),
			)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &SnapshotClient{
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		cb:      cb,
		logger:  logger,
	}, nil
}

// FetchSnapshot reads the current status of ref.
func (c *SnapshotClient) FetchSnapshot(ctx context.Context, ref domain.EntityRef) (domain.FetchedSnapshot, error) {
	kind := string(ref.Kind)
	path := ref.Kind.ResourcePath()
	if path == "" || ref.ID == "" {
		return domain.FetchedSnapshot{}, fmt.Errorf("%w: cannot fetch %s", apperrors.ErrSnapshotRejected, ref)
	}

	token, ok := "", false
	if c.tokens != nil {
		token, ok = c.tokens.Token()
	}
	if !ok {
		return domain.FetchedSnapshot{}, &apperrors.SyncError{Err: apperrors.ErrTokenMissing, Code: "AUTH_FAILED"}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		metrics.SnapshotRequests.WithLabelValues(kind, "rate_limited").Inc()
		return domain.FetchedSnapshot{}, err
	}

	fetched, err := c.cb.Execute(func() (domain.FetchedSnapshot, error) {
		return c.get(ctx, ref, path, token)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.SnapshotRequests.WithLabelValues(kind, "rejected").Inc()
		return domain.FetchedSnapshot{}, fmt.Errorf("%w: %w", apperrors.ErrSnapshotRejected, err)
	}
	return fetched, err
}

func (c *SnapshotClient) get(ctx context.Context, ref domain.EntityRef, path, token string) (domain.FetchedSnapshot, error) {
	kind := string(ref.Kind)
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/" + path + "/" + ref.ID + "/status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return domain.FetchedSnapshot{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.SnapshotRequests.WithLabelValues(kind, "error").Inc()
		return domain.FetchedSnapshot{}, fmt.Errorf("fetch %s: %w", ref, err)
	}
	defer resp.Body.Close()
	metrics.SnapshotRequests.WithLabelValues(kind, strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.FetchedSnapshot{}, apperrors.NewAuthError("", fmt.Sprintf("fetch %s: api answered %d", ref, resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return domain.FetchedSnapshot{}, fmt.Errorf("%w: %s", apperrors.ErrNotFound, ref)
	case resp.StatusCode != http.StatusOK:
		return domain.FetchedSnapshot{}, fmt.Errorf("fetch %s: api answered %d", ref, resp.StatusCode)
	}

	var body snapshotResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSnapshotBody)).Decode(&body); err != nil {
		return domain.FetchedSnapshot{}, fmt.Errorf("decode %s: %w", ref, err)
	}

	fetched := domain.FetchedSnapshot{Snapshot: body.StatusSnapshot}
	switch {
	case body.UpdatedAt != nil && !body.UpdatedAt.IsZero():
		fetched.AsOf = body.UpdatedAt.UTC()
	default:
		if date, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
			fetched.AsOf = date.UTC()
		}
	}

	c.logger.DebugContext(ctx, "snapshot fetched",
		"entity", ref.String(),
		"status", fetched.Snapshot.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return fetched, nil
}

// State reports the breaker state for health checks.
func (c *SnapshotClient) State() string {
	return stateToString(c.cb.State())
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
