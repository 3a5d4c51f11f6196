package mocks

import (
	"context"

	"github.com/lorrc/workshop-sync/internal/core/domain"
	"github.com/lorrc/workshop-sync/internal/core/ports"
	"github.com/stretchr/testify/mock"
)

// MockSessionProvider is a mock implementation of ports.SessionProvider
type MockSessionProvider struct {
	mock.Mock
}

func NewMockSessionProvider() *MockSessionProvider {
	return &MockSessionProvider{}
}

func (m *MockSessionProvider) Token() (string, bool) {
	args := m.Called()
	return args.String(0), args.Bool(1)
}

func (m *MockSessionProvider) CurrentUserID() (string, bool) {
	args := m.Called()
	return args.String(0), args.Bool(1)
}

// MockDialer is a mock implementation of ports.Dialer
type MockDialer struct {
	mock.Mock
}

func NewMockDialer() *MockDialer {
	return &MockDialer{}
}

func (m *MockDialer) Dial(ctx context.Context, req ports.DialRequest) (ports.Conn, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.Conn), args.Error(1)
}

// MockSnapshotFetcher is a mock implementation of ports.SnapshotFetcher
type MockSnapshotFetcher struct {
	mock.Mock
}

func NewMockSnapshotFetcher() *MockSnapshotFetcher {
	return &MockSnapshotFetcher{}
}

func (m *MockSnapshotFetcher) FetchSnapshot(ctx context.Context, ref domain.EntityRef) (domain.FetchedSnapshot, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(domain.FetchedSnapshot), args.Error(1)
}

// MockFailureSink is a mock implementation of ports.FailureSink
type MockFailureSink struct {
	mock.Mock
}

func NewMockFailureSink() *MockFailureSink {
	return &MockFailureSink{}
}

func (m *MockFailureSink) AuthFailed(d domain.Domain, err error) {
	m.Called(d, err)
}

func (m *MockFailureSink) ActionFailed(failure domain.ActionFailure) {
	m.Called(failure)
}

// MockPollingObserver is a mock implementation of ports.PollingObserver
type MockPollingObserver struct {
	mock.Mock
}

func NewMockPollingObserver() *MockPollingObserver {
	return &MockPollingObserver{}
}

func (m *MockPollingObserver) PollingStarted(d domain.Domain) {
	m.Called(d)
}

func (m *MockPollingObserver) PollingStopped(d domain.Domain) {
	m.Called(d)
}
