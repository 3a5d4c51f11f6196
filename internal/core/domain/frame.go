package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

var ErrMalformedFrame = errors.New("malformed frame")

// FrameType is the envelope discriminator on the push channel.
type FrameType string

const (
	FrameInvocation FrameType = "invocation"
	FrameCompletion FrameType = "completion"
	FrameEvent      FrameType = "event"
	FramePing       FrameType = "ping"
	FrameClose      FrameType = "close"
)

// Frame is the JSON envelope exchanged with a hub on every transport.
type Frame struct {
	Type            FrameType         `json:"type"`
	InvocationID    string            `json:"invocationId,omitempty"`
	Target          string            `json:"target,omitempty"`
	Arguments       []json.RawMessage `json:"arguments,omitempty"`
	Error           string            `json:"error,omitempty"`
	EventType       EventType         `json:"eventType,omitempty"`
	EntityID        string            `json:"entityId,omitempty"`
	ServerTimestamp *time.Time        `json:"serverTimestamp,omitempty"`
	Sequence        int64             `json:"sequence,omitempty"`
	Payload         json.RawMessage   `json:"payload,omitempty"`
	AllowReconnect  bool              `json:"allowReconnect,omitempty"`
}

// DecodeFrame parses one envelope.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Type {
	case FrameInvocation, FrameCompletion, FrameEvent, FramePing, FrameClose:
	default:
		return Frame{}, fmt.Errorf("%w: unknown frame type %q", ErrMalformedFrame, f.Type)
	}
	if (f.Type == FrameInvocation || f.Type == FrameCompletion) && f.InvocationID == "" {
		return Frame{}, fmt.Errorf("%w: %s without invocation id", ErrMalformedFrame, f.Type)
	}
	return f, nil
}

func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// NewInvocation builds a method call frame.
func NewInvocation(id, target string, args ...any) (Frame, error) {
	encoded := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return Frame{}, err
		}
		encoded = append(encoded, b)
	}
	return Frame{Type: FrameInvocation, InvocationID: id, Target: target, Arguments: encoded}, nil
}

// NewCompletion answers an invocation. An empty errMsg means success.
func NewCompletion(id, errMsg string) Frame {
	return Frame{Type: FrameCompletion, InvocationID: id, Error: errMsg}
}

// NewEventFrame wraps an event for the wire.
func NewEventFrame(evt InboundEvent) Frame {
	f := Frame{
		Type:      FrameEvent,
		EventType: evt.Type,
		EntityID:  evt.EntityID,
		Sequence:  evt.Sequence,
		Payload:   evt.Payload,
	}
	if !evt.ServerTimestamp.IsZero() {
		ts := evt.ServerTimestamp
		f.ServerTimestamp = &ts
	}
	return f
}

// StringArgument decodes argument i as a string.
func (f Frame) StringArgument(i int) (string, error) {
	if i >= len(f.Arguments) {
		return "", fmt.Errorf("%w: missing argument %d", ErrMalformedFrame, i)
	}
	var s string
	if err := json.Unmarshal(f.Arguments[i], &s); err != nil {
		return "", fmt.Errorf("%w: argument %d: %v", ErrMalformedFrame, i, err)
	}
	return s, nil
}

// ToEvent converts an event frame received on domain d.
func (f Frame) ToEvent(d Domain) (InboundEvent, error) {
	if f.Type != FrameEvent {
		return InboundEvent{}, fmt.Errorf("%w: %s is not an event", ErrMalformedFrame, f.Type)
	}
	evt := InboundEvent{
		Domain:   d,
		Type:     f.EventType,
		EntityID: f.EntityID,
		Sequence: f.Sequence,
		Payload:  f.Payload,
		Source:   SourcePush,
	}
	if f.ServerTimestamp != nil {
		evt.ServerTimestamp = f.ServerTimestamp.UTC()
	}
	if err := evt.Validate(); err != nil {
		return InboundEvent{}, err
	}
	return evt, nil
}
