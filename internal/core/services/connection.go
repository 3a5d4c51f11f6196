package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/workshop-sync/internal/clock"
	"github.com/lorrc/workshop-sync/internal/core/domain"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
	"github.com/lorrc/workshop-sync/internal/core/ports"
	"github.com/lorrc/workshop-sync/internal/infrastructure/logging"
	"github.com/lorrc/workshop-sync/internal/metrics"
)

// ConnectionConfig holds the timing knobs for one channel connection.
type ConnectionConfig struct {
	ConnectTimeout    time.Duration
	InvokeTimeout     time.Duration
	ReconnectSchedule []time.Duration
	InboxSize         int
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		ConnectTimeout:    15 * time.Second,
		InvokeTimeout:     15 * time.Second,
		ReconnectSchedule: []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second},
		InboxSize:         1024,
	}
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	def := DefaultConnectionConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = def.InvokeTimeout
	}
	if len(c.ReconnectSchedule) == 0 {
		c.ReconnectSchedule = def.ReconnectSchedule
	}
	if c.InboxSize <= 0 {
		c.InboxSize = def.InboxSize
	}
	return c
}

// FrameHandler receives every non-control frame read from a hub.
type FrameHandler func(d domain.Domain, raw []byte)

type pendingCall struct {
	method string
	result chan error
}

type listenerEntry struct {
	id int
	fn ports.StateListener
}

// ChannelConnection keeps one authenticated push session to a domain's
// hub alive. It reconnects on its schedule, then stays FailedPermanent
// until Retry is called.
//
// Frames are read on a dedicated goroutine so that invocation results
// are resolved even while a state listener or frame handler is itself
// blocked in Invoke. State listeners run on the connection's run
// goroutine and must not call Disconnect.
type ChannelConnection struct {
	desc    domain.ChannelDescriptor
	dialer  ports.Dialer
	handler FrameHandler
	clock   clock.Clock
	cfg     ConnectionConfig
	logger  *slog.Logger

	mu             sync.Mutex
	state          domain.ConnectionState
	conn           ports.Conn
	pending        map[string]pendingCall
	listeners      []listenerEntry
	nextListenerID int
	cancel         context.CancelFunc
	done           chan struct{}
}

func NewChannelConnection(
	desc domain.ChannelDescriptor,
	dialer ports.Dialer,
	handler FrameHandler,
	clk clock.Clock,
	cfg ConnectionConfig,
	logger *slog.Logger,
) *ChannelConnection {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	cfg = cfg.withDefaults()
	if handler == nil {
		handler = func(domain.Domain, []byte) {}
	}
	return &ChannelConnection{
		desc:    desc,
		dialer:  dialer,
		handler: handler,
		clock:   clk,
		cfg:     cfg,
		logger:  logger.With("domain", desc.Domain.String()),
		pending: make(map[string]pendingCall),
	}
}

// Descriptor returns the immutable descriptor this connection serves.
func (c *ChannelConnection) Descriptor() domain.ChannelDescriptor { return c.desc }

// State returns the current lifecycle state.
func (c *ChannelConnection) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers a state listener. Listeners are called in
// registration order on every transition.
func (c *ChannelConnection) Subscribe(listener ports.StateListener) (unsubscribe func()) {
	c.mu.Lock()
	c.nextListenerID++
	id := c.nextListenerID
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: listener})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, l := range c.listeners {
				if l.id == id {
					c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Start begins connecting in the background. It is a no-op while a run
// is already active.
func (c *ChannelConnection) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(runCtx, cancel, done)
}

// Retry restarts a connection that gave up or was disconnected.
func (c *ChannelConnection) Retry(ctx context.Context) error {
	c.mu.Lock()
	state, done := c.state, c.done
	c.mu.Unlock()

	if state != domain.StateFailedPermanent && state != domain.StateDisconnected {
		return nil
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.logger.InfoContext(ctx, "retrying connection")
	c.Start(ctx)
	return nil
}

// Disconnect stops the connection and waits for its goroutines to exit.
func (c *ChannelConnection) Disconnect() {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	c.transition(domain.StateDisconnected, nil)
}

// Invoke calls a hub method and waits for its completion.
func (c *ChannelConnection) Invoke(ctx context.Context, method string, args ...any) error {
	d := c.desc.Domain.String()

	c.mu.Lock()
	conn := c.conn
	if c.state != domain.StateConnected || conn == nil {
		c.mu.Unlock()
		return &apperrors.SyncError{
			Err:       apperrors.ErrNotConnected,
			Code:      "NOT_CONNECTED",
			Domain:    d,
			Retryable: true,
		}
	}
	id := uuid.NewString()
	result := make(chan error, 1)
	c.pending[id] = pendingCall{method: method, result: result}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame, err := domain.NewInvocation(id, method, args...)
	if err != nil {
		return apperrors.NewProtocolError(d, err)
	}
	raw, err := frame.Encode()
	if err != nil {
		return apperrors.NewProtocolError(d, err)
	}

	start := c.clock.Now()
	if err := conn.Send(ctx, raw); err != nil {
		return apperrors.NewTransportError(d, err)
	}

	timeout := c.clock.After(c.cfg.InvokeTimeout)
	select {
	case err := <-result:
		metrics.InvokeDuration.WithLabelValues(d, method).Observe(c.clock.Now().Sub(start).Seconds())
		return err
	case <-timeout:
		return apperrors.NewInvokeTimeoutError(d, method)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ChannelConnection) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	inbox := make(chan []byte, c.cfg.InboxSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.drain(ctx, inbox)
	}()

	defer func() {
		cancel()
		wg.Wait()
		c.mu.Lock()
		if c.done == done {
			c.cancel = nil
			c.done = nil
		}
		c.mu.Unlock()
		close(done)
	}()

	c.transition(domain.StateConnecting, nil)

	attempt := 0
	for {
		connected, err := c.session(ctx, inbox)
		if ctx.Err() != nil {
			return
		}
		if apperrors.IsAuth(err) {
			c.logger.WarnContext(ctx, "authentication failed, not retrying", "error", err)
			c.transition(domain.StateFailedPermanent, err)
			return
		}
		if connected {
			attempt = 0
		}
		if attempt >= len(c.cfg.ReconnectSchedule) {
			c.logger.ErrorContext(ctx, "reconnect attempts exhausted", "attempts", attempt, "error", err)
			c.transition(domain.StateFailedPermanent, fmt.Errorf("%w: %w", apperrors.ErrReconnectExhausted, err))
			return
		}

		delay := c.cfg.ReconnectSchedule[attempt]
		attempt++
		c.logger.InfoContext(ctx, "connection lost, reconnecting", "attempt", attempt, "delay", delay, "error", err)
		c.transition(domain.StateReconnecting, err)

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(delay):
		}
	}
}

// session dials once and serves the connection until it drops. It
// reports whether the dial succeeded.
func (c *ChannelConnection) session(ctx context.Context, inbox chan<- []byte) (bool, error) {
	d := c.desc.Domain.String()

	var token string
	ok := false
	if c.desc.Tokens != nil {
		token, ok = c.desc.Tokens.Token()
	}
	if !ok {
		return false, &apperrors.SyncError{
			Err:     apperrors.ErrTokenMissing,
			Message: "no usable session credential",
			Code:    "AUTH_FAILED",
			Domain:  d,
		}
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, err := c.dialer.Dial(dialCtx, ports.DialRequest{
		Domain:       c.desc.Domain,
		EndpointPath: c.desc.EndpointPath,
		Token:        token,
	})
	cancelDial()
	if err != nil {
		result := "error"
		if apperrors.IsAuth(err) {
			result = "auth"
		}
		metrics.ConnectAttempts.WithLabelValues(d, "none", result).Inc()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &apperrors.SyncError{Err: apperrors.ErrConnectTimeout, Code: "CONNECT_TIMEOUT", Domain: d, Retryable: true}
		}
		return false, err
	}
	metrics.ConnectAttempts.WithLabelValues(d, conn.Transport(), "success").Inc()

	readerDone := make(chan error, 1)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.read(ctx, conn, inbox, readerDone)

	c.logger.InfoContext(ctx, "connected", "transport", conn.Transport())
	c.transition(domain.StateConnected, nil)

	var readErr error
	select {
	case readErr = <-readerDone:
	case <-ctx.Done():
		_ = conn.Close()
		readErr = <-readerDone
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()

	return true, readErr
}

func (c *ChannelConnection) read(ctx context.Context, conn ports.Conn, inbox chan<- []byte, done chan<- error) {
	d := c.desc.Domain.String()
	var err error
	defer func() {
		c.failPending(err)
		done <- err
	}()

	for {
		var raw []byte
		raw, err = conn.Receive(ctx)
		if err != nil {
			if !apperrors.IsAuth(err) {
				err = apperrors.NewTransportError(d, err)
			}
			return
		}

		frame, decodeErr := domain.DecodeFrame(raw)
		if decodeErr != nil {
			// The dispatcher logs and counts malformed frames.
			c.enqueue(ctx, inbox, raw)
			continue
		}

		switch frame.Type {
		case domain.FrameCompletion:
			c.resolve(frame)
		case domain.FramePing:
		case domain.FrameClose:
			err = apperrors.NewTransportError(d, fmt.Errorf("%w: %s", apperrors.ErrServerClosed, frame.Error))
			return
		case domain.FrameInvocation:
			c.logger.DebugContext(ctx, "ignoring server invocation", "target", frame.Target)
		default:
			c.enqueue(ctx, inbox, raw)
		}
	}
}

func (c *ChannelConnection) enqueue(ctx context.Context, inbox chan<- []byte, raw []byte) {
	select {
	case inbox <- raw:
	default:
		metrics.RecordDrop(c.desc.Domain.String(), "overflow")
		c.logger.WarnContext(ctx, "inbound frame dropped, inbox full", "capacity", c.cfg.InboxSize)
	}
}

func (c *ChannelConnection) drain(ctx context.Context, inbox <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-inbox:
			c.handler(c.desc.Domain, raw)
		}
	}
}

func (c *ChannelConnection) resolve(frame domain.Frame) {
	c.mu.Lock()
	call, ok := c.pending[frame.InvocationID]
	delete(c.pending, frame.InvocationID)
	c.mu.Unlock()
	if !ok {
		return
	}

	var err error
	if frame.Error != "" {
		err = apperrors.NewInvocationRejectedError(c.desc.Domain.String(), call.method, frame.Error)
	}
	call.result <- err
}

func (c *ChannelConnection) failPending(cause error) {
	if cause == nil {
		cause = apperrors.ErrServerClosed
	}
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[string]pendingCall)
	c.mu.Unlock()

	for _, call := range calls {
		call.result <- apperrors.NewTransportError(c.desc.Domain.String(), cause)
	}
}

func (c *ChannelConnection) transition(to domain.ConnectionState, cause error) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	listeners := make([]listenerEntry, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	change := domain.StateChange{
		Domain: c.desc.Domain,
		From:   from,
		To:     to,
		Cause:  cause,
		At:     c.clock.Now(),
	}
	metrics.RecordTransition(c.desc.Domain.String(), to.String(), int(to))
	c.logger.Debug("connection state changed", "from", from.String(), "to", to.String())

	for _, l := range listeners {
		l.fn(change)
	}
}
