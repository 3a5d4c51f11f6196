package services

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/lorrc/workshop-sync/internal/core/domain"
)

type userCountPayload struct {
	Count int `json:"count"`
}

// PresenceTracker keeps the latest online-user count pushed on the
// presence channel.
type PresenceTracker struct {
	mu        sync.Mutex
	count     int
	known     bool
	listeners map[int]func(count int)
	nextID    int
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{listeners: make(map[int]func(int))}
}

// Handle is registered with the dispatcher for UserCountUpdated.
func (p *PresenceTracker) Handle(evt domain.InboundEvent) error {
	var payload userCountPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return fmt.Errorf("decode user count: %w", err)
	}
	if payload.Count < 0 {
		return fmt.Errorf("negative user count %d", payload.Count)
	}

	p.mu.Lock()
	p.count = payload.Count
	p.known = true
	listeners := make([]func(int), 0, len(p.listeners))
	for id := 1; id <= p.nextID; id++ {
		if fn, ok := p.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(payload.Count)
	}
	return nil
}

// OnlineUsers returns the last reported count, if any was received.
func (p *PresenceTracker) OnlineUsers() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count, p.known
}

// Subscribe registers fn for count changes.
func (p *PresenceTracker) Subscribe(fn func(count int)) (unsubscribe func()) {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}
