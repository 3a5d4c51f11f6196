package ports

import (
	"context"
	"net/http"
	"time"

	"github.com/lorrc/workshop-sync/internal/core/domain"
)

// SessionProvider exposes the current user's credential. It is read on
// every connection attempt.
type SessionProvider interface {
	domain.TokenSource
	CurrentUserID() (string, bool)
}

// Conn is one established transport session to a hub. Receive blocks
// until a frame arrives or the session ends; Close unblocks it.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	Transport() string
}

// DialRequest carries what a transport needs to open a session.
type DialRequest struct {
	Domain       domain.Domain
	EndpointPath string
	Token        string
	Header       http.Header
}

// Dialer opens a transport session, negotiating the transport.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Conn, error)
}

// SnapshotFetcher reads the current server state of one entity.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, ref domain.EntityRef) (domain.FetchedSnapshot, error)
}

// FailureSink receives the only failures that reach UI code.
type FailureSink interface {
	AuthFailed(d domain.Domain, err error)
	ActionFailed(failure domain.ActionFailure)
}

// StateListener is notified of connection state transitions.
type StateListener func(change domain.StateChange)

// EventHandler is a render sink for delivered events.
type EventHandler func(evt domain.InboundEvent) error

// PollingObserver is told when a fallback polling loop starts or stops.
type PollingObserver interface {
	PollingStarted(d domain.Domain)
	PollingStopped(d domain.Domain)
}

// PermissionWatcher is called when the current user's grants change.
type PermissionWatcher func(evt domain.InboundEvent)

// SnapshotStore keeps the last published status of each entity on the
// hub side.
type SnapshotStore interface {
	Get(ctx context.Context, ref domain.EntityRef) (domain.StoredSnapshot, error)
	Apply(ctx context.Context, ref domain.EntityRef, next domain.StatusSnapshot, at time.Time, sequence int64) (domain.StoredSnapshot, bool, error)
	Ping(ctx context.Context) error
	Close() error
}
