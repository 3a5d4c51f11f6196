package errors

import (
	"errors"
	"fmt"
)

// Sync errors. Transport and protocol failures are handled inside the
// engine; only authentication and action failures reach UI code.
var (
	// Authentication
	ErrAuthFailed   = errors.New("authentication failed")
	ErrTokenMissing = errors.New("no session credential available")

	// Transport
	ErrTransport           = errors.New("transport failure")
	ErrServerClosed        = errors.New("server closed the connection")
	ErrReconnectExhausted  = errors.New("reconnect attempts exhausted")
	ErrNotConnected        = errors.New("channel is not connected")
	ErrInvokeTimeout       = errors.New("invocation timed out")
	ErrConnectTimeout      = errors.New("connection attempt timed out")
	ErrNoTransport         = errors.New("no mutually supported transport")
	ErrInvocationRejected  = errors.New("invocation rejected by server")
	ErrDomainNotRegistered = errors.New("domain is not registered")
	ErrDomainRegistered    = errors.New("domain is already registered")

	// Protocol
	ErrProtocol     = errors.New("protocol violation")
	ErrUnknownEvent = errors.New("unknown event type")

	// Membership
	ErrGroupJoinRejected = errors.New("group join rejected")

	// Reconciliation
	ErrOptimisticTimeout = errors.New("optimistic update was not confirmed in time")
	ErrUntrackedEntity   = errors.New("entity is not tracked")

	// Snapshot API
	ErrNotFound         = errors.New("resource not found")
	ErrSnapshotRejected = errors.New("snapshot request rejected")

	// Hub
	ErrUnauthorized      = errors.New("authentication required")
	ErrForbidden         = errors.New("forbidden")
	ErrBadRequest        = errors.New("bad request")
	ErrUnknownConnection = errors.New("unknown connection id")
	ErrConnectionGone    = errors.New("connection closed")
)

// SyncError wraps a sentinel with the domain it occurred on and whether
// the caller may retry.
type SyncError struct {
	Err       error  // The underlying error
	Message   string // Human readable detail
	Code      string // Machine-readable error code
	Domain    string
	Retryable bool
}

func (e *SyncError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Domain != "" {
		return fmt.Sprintf("%s: %s", e.Domain, msg)
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewAuthError is terminal for the connection it happened on.
func NewAuthError(domain, message string) *SyncError {
	return &SyncError{
		Err:     ErrAuthFailed,
		Message: message,
		Code:    "AUTH_FAILED",
		Domain:  domain,
	}
}

func NewTransportError(domain string, err error) *SyncError {
	return &SyncError{
		Err:       fmt.Errorf("%w: %w", ErrTransport, err),
		Code:      "TRANSPORT_FAILURE",
		Domain:    domain,
		Retryable: true,
	}
}

func NewProtocolError(domain string, err error) *SyncError {
	return &SyncError{
		Err:    fmt.Errorf("%w: %w", ErrProtocol, err),
		Code:   "PROTOCOL_ERROR",
		Domain: domain,
	}
}

func NewInvokeTimeoutError(domain, method string) *SyncError {
	return &SyncError{
		Err:       ErrInvokeTimeout,
		Message:   fmt.Sprintf("invoke %s timed out", method),
		Code:      "INVOKE_TIMEOUT",
		Domain:    domain,
		Retryable: true,
	}
}

func NewInvocationRejectedError(domain, method, reason string) *SyncError {
	return &SyncError{
		Err:     ErrInvocationRejected,
		Message: fmt.Sprintf("invoke %s rejected: %s", method, reason),
		Code:    "INVOCATION_REJECTED",
		Domain:  domain,
	}
}

func NewGroupJoinError(domain, group string, err error) *SyncError {
	return &SyncError{
		Err:       fmt.Errorf("%w: %w", ErrGroupJoinRejected, err),
		Message:   fmt.Sprintf("join %s: %v", group, err),
		Code:      "GROUP_JOIN_FAILED",
		Domain:    domain,
		Retryable: true,
	}
}

func NewOptimisticTimeoutError(domain, entity string) *SyncError {
	return &SyncError{
		Err:     ErrOptimisticTimeout,
		Message: fmt.Sprintf("change to %s was not confirmed by the server", entity),
		Code:    "ACTION_FAILED",
		Domain:  domain,
	}
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrTokenMissing)
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrInvokeTimeout) ||
		errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectTimeout)
}

// ValidationErrors holds multiple field validation errors
type ValidationErrors struct {
	Errors map[string][]string `json:"errors"`
}

func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Errors: make(map[string][]string),
	}
}

func (v *ValidationErrors) Add(field, message string) {
	v.Errors[field] = append(v.Errors[field], message)
}

func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationErrors) Error() string {
	return fmt.Sprintf("validation failed: %d field(s) have errors", len(v.Errors))
}
