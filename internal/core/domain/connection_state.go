package domain

import "time"

// ConnectionState is the lifecycle state of one channel connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailedPermanent
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailedPermanent:
		return "failed_permanent"
	default:
		return "unknown"
	}
}

// IsDown reports whether push delivery is unavailable because of a
// failure (as opposed to an explicit disconnect).
func (s ConnectionState) IsDown() bool {
	return s == StateReconnecting || s == StateFailedPermanent
}

// StateChange is published on every connection state transition.
type StateChange struct {
	Domain Domain
	From   ConnectionState
	To     ConnectionState
	Cause  error
	At     time.Time
}
