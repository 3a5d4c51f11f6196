package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lorrc/workshop-sync/internal/clock"
	"github.com/lorrc/workshop-sync/internal/core/domain"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
	"github.com/lorrc/workshop-sync/internal/core/mocks"
	"github.com/lorrc/workshop-sync/internal/core/ports"
	"github.com/lorrc/workshop-sync/internal/core/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func newTestConnection(t *testing.T, dialer ports.Dialer, clk clock.Clock, cfg services.ConnectionConfig, handler services.FrameHandler) (*services.ChannelConnection, *stateRecorder) {
	t.Helper()
	desc := domain.NewChannelDescriptor(domain.DomainJob, "", staticTokens{token: "token-1"})
	conn := services.NewChannelConnection(desc, dialer, handler, clk, cfg, nil)
	rec := &stateRecorder{}
	conn.Subscribe(rec.listen)
	t.Cleanup(conn.Disconnect)
	return conn, rec
}

func waitForState(t *testing.T, conn *services.ChannelConnection, want domain.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return conn.State() == want }, waitFor, tick,
		"expected state %s, got %s", want, conn.State())
}

func TestChannelConnection_ConnectsAndInvokes(t *testing.T) {
	hub := newFakeConn()
	dialer := &fakeDialer{next: func(int) (ports.Conn, error) { return hub, nil }}
	conn, rec := newTestConnection(t, dialer, clock.Real(), services.ConnectionConfig{}, nil)

	conn.Start(context.Background())
	waitForState(t, conn, domain.StateConnected)

	err := conn.Invoke(context.Background(), "JoinGroup", "Managers")
	require.NoError(t, err)

	assert.Equal(t, []invocation{{Method: "JoinGroup", Group: "Managers"}}, hub.invocations())
	assert.Equal(t, []domain.ConnectionState{domain.StateConnecting, domain.StateConnected}, rec.states())

	dialer.mu.Lock()
	req := dialer.reqs[0]
	dialer.mu.Unlock()
	assert.Equal(t, "token-1", req.Token)
	assert.Equal(t, "/hubs/job", req.EndpointPath)
}

func TestChannelConnection_InvokeRejected(t *testing.T) {
	hub := newFakeConn()
	hub.reject["Technician_7"] = "not your group"
	dialer := &fakeDialer{next: func(int) (ports.Conn, error) { return hub, nil }}
	conn, _ := newTestConnection(t, dialer, clock.Real(), services.ConnectionConfig{}, nil)

	conn.Start(context.Background())
	waitForState(t, conn, domain.StateConnected)

	err := conn.Invoke(context.Background(), "JoinGroup", "Technician_7")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvocationRejected)
	assert.Contains(t, err.Error(), "not your group")
}

func TestChannelConnection_InvokeTimesOut(t *testing.T) {
	clk := clock.NewFake(t0)
	hub := newFakeConn()
	hub.silent = true
	dialer := &fakeDialer{next: func(int) (ports.Conn, error) { return hub, nil }}
	conn, _ := newTestConnection(t, dialer, clk, services.ConnectionConfig{InvokeTimeout: 15 * time.Second}, nil)

	conn.Start(context.Background())
	waitForState(t, conn, domain.StateConnected)

	result := make(chan error, 1)
	go func() { result <- conn.Invoke(context.Background(), "JoinGroup", "Managers") }()

	clk.WaitForTimers(1)
	clk.Advance(15 * time.Second)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, apperrors.ErrInvokeTimeout)
		assert.True(t, apperrors.IsRetryable(err))
	case <-time.After(waitFor):
		t.Fatal("invoke did not time out")
	}
}

func TestChannelConnection_InvokeWhileDisconnected(t *testing.T) {
	dialer := &fakeDialer{next: func(int) (ports.Conn, error) { return nil, errNetwork }}
	conn, _ := newTestConnection(t, dialer, clock.NewFake(t0), services.ConnectionConfig{}, nil)

	err := conn.Invoke(context.Background(), "JoinGroup", "Managers")
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
	assert.Equal(t, 0, dialer.count())
}

func TestChannelConnection_AuthFailures(t *testing.T) {
	t.Run("missing token never dials", func(t *testing.T) {
		dialer := mocks.NewMockDialer()
		desc := domain.NewChannelDescriptor(domain.DomainQuotation, "", staticTokens{})
		conn := services.NewChannelConnection(desc, dialer, nil, clock.NewFake(t0), services.ConnectionConfig{}, nil)
		rec := &stateRecorder{}
		conn.Subscribe(rec.listen)
		t.Cleanup(conn.Disconnect)

		conn.Start(context.Background())
		waitForState(t, conn, domain.StateFailedPermanent)

		assert.True(t, apperrors.IsAuth(rec.last().Cause))
		dialer.AssertNotCalled(t, "Dial", mock.Anything, mock.Anything)
	})

	t.Run("rejected credential is not retried", func(t *testing.T) {
		dialer := mocks.NewMockDialer()
		dialer.On("Dial", mock.Anything, mock.Anything).
			Return(nil, apperrors.NewAuthError("job", "401 from negotiate")).Once()
		conn, rec := newTestConnection(t, dialer, clock.NewFake(t0), services.ConnectionConfig{}, nil)

		conn.Start(context.Background())
		waitForState(t, conn, domain.StateFailedPermanent)

		assert.True(t, apperrors.IsAuth(rec.last().Cause))
		assert.NotContains(t, rec.states(), domain.StateReconnecting)
		dialer.AssertNumberOfCalls(t, "Dial", 1)
	})
}

func TestChannelConnection_ReconnectScheduleExhausted(t *testing.T) {
	clk := clock.NewFake(t0)
	dialer := &fakeDialer{next: func(int) (ports.Conn, error) { return nil, errNetwork }}
	cfg := services.ConnectionConfig{ReconnectSchedule: []time.Duration{0, 2 * time.Second}}
	conn, rec := newTestConnection(t, dialer, clk, cfg, nil)

	conn.Start(context.Background())

	// The zero delay retries immediately, the second waits on the clock.
	clk.WaitForTimers(1)
	assert.Equal(t, 2, dialer.count())
	assert.Equal(t, domain.StateReconnecting, conn.State())

	clk.Advance(2 * time.Second)
	waitForState(t, conn, domain.StateFailedPermanent)

	assert.Equal(t, 3, dialer.count())
	assert.ErrorIs(t, rec.last().Cause, apperrors.ErrReconnectExhausted)
	assert.False(t, apperrors.IsAuth(rec.last().Cause))
	assert.Equal(t, []domain.ConnectionState{
		domain.StateConnecting,
		domain.StateReconnecting,
		domain.StateFailedPermanent,
	}, rec.states())
}

func TestChannelConnection_WaitsOnScheduleBeforeRedial(t *testing.T) {
	clk := clock.NewFake(t0)
	hub := newFakeConn()
	dialer := &fakeDialer{next: func(attempt int) (ports.Conn, error) {
		if attempt == 1 {
			return nil, errNetwork
		}
		return hub, nil
	}}
	cfg := services.ConnectionConfig{ReconnectSchedule: []time.Duration{time.Hour}}
	conn, _ := newTestConnection(t, dialer, clk, cfg, nil)

	conn.Start(context.Background())
	clk.WaitForTimers(1)
	assert.Equal(t, 1, dialer.count())

	clk.Advance(time.Hour)
	waitForState(t, conn, domain.StateConnected)
	assert.Equal(t, 2, dialer.count())

	// Retry is a no-op while connected.
	require.NoError(t, conn.Retry(context.Background()))
	assert.Equal(t, 2, dialer.count())
}

func TestChannelConnection_RetryFromFailedPermanent(t *testing.T) {
	hub := newFakeConn()
	dialer := &fakeDialer{next: func(attempt int) (ports.Conn, error) {
		if attempt == 1 {
			return nil, apperrors.NewAuthError("job", "expired")
		}
		return hub, nil
	}}
	conn, _ := newTestConnection(t, dialer, clock.NewFake(t0), services.ConnectionConfig{}, nil)

	conn.Start(context.Background())
	waitForState(t, conn, domain.StateFailedPermanent)

	require.NoError(t, conn.Retry(context.Background()))
	waitForState(t, conn, domain.StateConnected)
	assert.Equal(t, 2, dialer.count())
}

func TestChannelConnection_ReconnectsAfterDrop(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{next: func(attempt int) (ports.Conn, error) {
		if attempt == 1 {
			return first, nil
		}
		return second, nil
	}}

	var mu sync.Mutex
	var frames []string
	handler := func(d domain.Domain, raw []byte) {
		mu.Lock()
		frames = append(frames, string(raw))
		mu.Unlock()
	}
	conn, rec := newTestConnection(t, dialer, clock.NewFake(t0), services.ConnectionConfig{}, handler)

	conn.Start(context.Background())
	waitForState(t, conn, domain.StateConnected)

	evt := event(domain.DomainJob, domain.EventJobStatusUpdated, "J1", t0, map[string]string{"status": "InProgress"})
	first.pushRaw(eventFrame(evt))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	}, waitFor, tick)

	_ = first.Close()
	require.Eventually(t, func() bool { return dialer.count() == 2 && conn.State() == domain.StateConnected }, waitFor, tick)

	assert.Equal(t, []domain.ConnectionState{
		domain.StateConnecting,
		domain.StateConnected,
		domain.StateReconnecting,
		domain.StateConnected,
	}, rec.states())
}

func TestChannelConnection_ServerCloseFailsPendingInvocations(t *testing.T) {
	hub := newFakeConn()
	hub.silent = true
	dialer := &fakeDialer{next: func(attempt int) (ports.Conn, error) {
		if attempt == 1 {
			return hub, nil
		}
		return nil, errNetwork
	}}
	conn, _ := newTestConnection(t, dialer, clock.NewFake(t0), services.ConnectionConfig{}, nil)

	conn.Start(context.Background())
	waitForState(t, conn, domain.StateConnected)

	result := make(chan error, 1)
	go func() { result <- conn.Invoke(context.Background(), "JoinGroup", "Managers") }()
	require.Eventually(t, func() bool { return len(hub.invocations()) == 1 }, waitFor, tick)

	hub.push(domain.Frame{Type: domain.FrameClose, Error: "shutting down"})

	select {
	case err := <-result:
		assert.ErrorIs(t, err, apperrors.ErrTransport)
		assert.True(t, apperrors.IsRetryable(err))
	case <-time.After(waitFor):
		t.Fatal("pending invocation was not failed")
	}
}

func TestChannelConnection_Disconnect(t *testing.T) {
	hub := newFakeConn()
	dialer := &fakeDialer{next: func(int) (ports.Conn, error) { return hub, nil }}
	conn, rec := newTestConnection(t, dialer, clock.NewFake(t0), services.ConnectionConfig{}, nil)

	conn.Start(context.Background())
	waitForState(t, conn, domain.StateConnected)

	conn.Disconnect()
	assert.Equal(t, domain.StateDisconnected, conn.State())
	assert.NotContains(t, rec.states(), domain.StateReconnecting)

	err := conn.Invoke(context.Background(), "JoinGroup", "Managers")
	assert.True(t, errors.Is(err, apperrors.ErrNotConnected))

	// A second disconnect publishes nothing new.
	n := len(rec.states())
	conn.Disconnect()
	assert.Len(t, rec.states(), n)
}
