package services_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/lorrc/workshop-sync/internal/core/domain"
	"github.com/lorrc/workshop-sync/internal/core/ports"
	"github.com/lorrc/workshop-sync/internal/core/services"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type staticTokens struct {
	token string
}

func (s staticTokens) Token() (string, bool) { return s.token, s.token != "" }

func (s staticTokens) CurrentUserID() (string, bool) { return "user-1", true }

// invocation is one hub method call observed by a fake connection.
type invocation struct {
	Method string
	Group  string
}

// fakeConn is an in-memory hub session. Invocations are completed
// immediately unless the group is listed in reject.
type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	calls   []invocation
	reject  map[string]string
	silent  bool
	onInvok func(invocation)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
		reject:  make(map[string]string),
	}
}

func (c *fakeConn) Send(ctx context.Context, raw []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}

	frame, err := domain.DecodeFrame(raw)
	if err != nil {
		return err
	}
	if frame.Type != domain.FrameInvocation {
		return nil
	}
	group, _ := frame.StringArgument(0)
	call := invocation{Method: frame.Target, Group: group}

	c.mu.Lock()
	c.calls = append(c.calls, call)
	reason, rejected := c.reject[group]
	silent := c.silent
	hook := c.onInvok
	c.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if silent {
		return nil
	}
	c.push(domain.NewCompletion(frame.InvocationID, map[bool]string{true: reason}[rejected]))
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case raw := <-c.inbound:
		return raw, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Transport() string { return "fake" }

func (c *fakeConn) push(f domain.Frame) {
	raw, _ := f.Encode()
	c.pushRaw(raw)
}

func (c *fakeConn) pushRaw(raw []byte) {
	select {
	case c.inbound <- raw:
	case <-c.closed:
	}
}

func (c *fakeConn) invocations() []invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]invocation, len(c.calls))
	copy(out, c.calls)
	return out
}

// fakeDialer hands out connections from next, counting attempts.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	reqs  []ports.DialRequest
	next  func(attempt int) (ports.Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, req ports.DialRequest) (ports.Conn, error) {
	d.mu.Lock()
	d.dials++
	attempt := d.dials
	d.reqs = append(d.reqs, req)
	next := d.next
	d.mu.Unlock()
	return next(attempt)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

var errNetwork = errors.New("connection refused")

// stateRecorder collects state changes from a connection.
type stateRecorder struct {
	mu      sync.Mutex
	changes []domain.StateChange
}

func (r *stateRecorder) listen(change domain.StateChange) {
	r.mu.Lock()
	r.changes = append(r.changes, change)
	r.mu.Unlock()
}

func (r *stateRecorder) states() []domain.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ConnectionState, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.To)
	}
	return out
}

func (r *stateRecorder) last() domain.StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		return domain.StateChange{}
	}
	return r.changes[len(r.changes)-1]
}

// fakeChannel is a GroupChannel with a settable state.
type fakeChannel struct {
	mu     sync.Mutex
	desc   domain.ChannelDescriptor
	state  domain.ConnectionState
	calls  []invocation
	reject map[string]error
	hook   func(invocation)
}

func newFakeChannel(d domain.Domain) *fakeChannel {
	return &fakeChannel{
		desc:   domain.NewChannelDescriptor(d, "", nil),
		state:  domain.StateConnected,
		reject: make(map[string]error),
	}
}

func (c *fakeChannel) Descriptor() domain.ChannelDescriptor { return c.desc }

func (c *fakeChannel) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) setState(s domain.ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *fakeChannel) Invoke(ctx context.Context, method string, args ...any) error {
	group, _ := args[0].(string)
	call := invocation{Method: method, Group: group}

	c.mu.Lock()
	c.calls = append(c.calls, call)
	err := c.reject[group]
	hook := c.hook
	c.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return err
}

func (c *fakeChannel) invocations() []invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]invocation, len(c.calls))
	copy(out, c.calls)
	return out
}

func resolverFor(channels ...*fakeChannel) services.ChannelResolver {
	byDomain := make(map[domain.Domain]*fakeChannel)
	for _, c := range channels {
		byDomain[c.desc.Domain] = c
	}
	return func(d domain.Domain) (services.GroupChannel, bool) {
		c, ok := byDomain[d]
		if !ok {
			return nil, false
		}
		return c, true
	}
}

// event builds an inbound event with a JSON payload.
func event(d domain.Domain, t domain.EventType, id string, ts time.Time, payload any) domain.InboundEvent {
	raw, _ := json.Marshal(payload)
	return domain.InboundEvent{
		Domain:          d,
		Type:            t,
		EntityID:        id,
		ServerTimestamp: ts,
		Payload:         raw,
		Source:          domain.SourcePush,
	}
}

// eventFrame encodes an event as it arrives from a hub.
func eventFrame(evt domain.InboundEvent) []byte {
	raw, _ := domain.NewEventFrame(evt).Encode()
	return raw
}

// failureRecorder is a FailureSink that keeps everything it receives.
type failureRecorder struct {
	mu      sync.Mutex
	auth    []error
	actions []domain.ActionFailure
}

func (r *failureRecorder) AuthFailed(d domain.Domain, err error) {
	r.mu.Lock()
	r.auth = append(r.auth, err)
	r.mu.Unlock()
}

func (r *failureRecorder) ActionFailed(f domain.ActionFailure) {
	r.mu.Lock()
	r.actions = append(r.actions, f)
	r.mu.Unlock()
}

func (r *failureRecorder) actionFailures() []domain.ActionFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ActionFailure, len(r.actions))
	copy(out, r.actions)
	return out
}

func (r *failureRecorder) authFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.auth)
}
