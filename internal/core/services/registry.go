package services

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lorrc/workshop-sync/internal/core/domain"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
)

// ConnectionFactory builds the connection for one descriptor.
type ConnectionFactory func(desc domain.ChannelDescriptor) *ChannelConnection

// Registry owns one connection per domain for the lifetime of an
// engine. It is created and torn down explicitly; there is no package
// level instance.
type Registry struct {
	factory ConnectionFactory

	mu    sync.RWMutex
	conns map[domain.Domain]*ChannelConnection
}

func NewRegistry(factory ConnectionFactory) *Registry {
	return &Registry{factory: factory, conns: make(map[domain.Domain]*ChannelConnection)}
}

// Init creates a connection per descriptor. Connections are not started.
func (r *Registry) Init(descs ...domain.ChannelDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[domain.Domain]bool, len(descs))
	for _, desc := range descs {
		if _, ok := r.conns[desc.Domain]; ok || seen[desc.Domain] {
			return &apperrors.SyncError{
				Err:     apperrors.ErrDomainRegistered,
				Message: fmt.Sprintf("domain %s registered twice", desc.Domain),
				Domain:  desc.Domain.String(),
			}
		}
		seen[desc.Domain] = true
	}
	for _, desc := range descs {
		r.conns[desc.Domain] = r.factory(desc)
	}
	return nil
}

// Get returns the connection for a domain.
func (r *Registry) Get(d domain.Domain) (*ChannelConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[d]
	return c, ok
}

// Resolve adapts Get for the membership manager.
func (r *Registry) Resolve(d domain.Domain) (GroupChannel, bool) {
	c, ok := r.Get(d)
	if !ok {
		return nil, false
	}
	return c, true
}

// Domains lists registered domains in a stable order.
func (r *Registry) Domains() []domain.Domain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Domain, 0, len(r.conns))
	for d := range r.conns {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// States snapshots every connection state.
func (r *Registry) States() map[domain.Domain]domain.ConnectionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.Domain]domain.ConnectionState, len(r.conns))
	for d, c := range r.conns {
		out[d] = c.State()
	}
	return out
}

// Teardown disconnects and forgets every connection.
func (r *Registry) Teardown() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[domain.Domain]*ChannelConnection)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *ChannelConnection) {
			defer wg.Done()
			c.Disconnect()
		}(c)
	}
	wg.Wait()
}
