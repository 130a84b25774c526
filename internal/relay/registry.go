package relay

import (
	"sort"
	"sync"

	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/rs/zerolog"
)

// Registry tracks every open connection, partitioned by role.
//
// Lock order is Registry → SubscriptionIndex. Remove holds the registry lock
// while clearing subscriptions, so a connection is never visible in one
// structure after it has left the other.
type Registry struct {
	mu        sync.RWMutex
	producers map[*Conn]struct{}
	consumers map[*Conn]struct{}

	index  *SubscriptionIndex
	logger zerolog.Logger
}

// NewRegistry creates an empty registry backed by index
func NewRegistry(index *SubscriptionIndex, logger zerolog.Logger) *Registry {
	return &Registry{
		producers: make(map[*Conn]struct{}),
		consumers: make(map[*Conn]struct{}),
		index:     index,
		logger:    logger.With().Str("component", "registry").Logger(),
	}
}

// Admit adds c under its role. A consumer opened with a deviceId is
// subscribed to that device; a producer's deviceId only binds its default device.
func (r *Registry) Admit(c *Conn) {
	r.mu.Lock()
	if c.Role() == RoleProducer {
		r.producers[c] = struct{}{}
	} else {
		r.consumers[c] = struct{}{}
	}
	if c.Role() == RoleConsumer && c.DeviceID() != "" {
		r.index.Subscribe(c.DeviceID(), c)
	}
	producers, consumers := len(r.producers), len(r.consumers)
	r.mu.Unlock()

	monitoring.SetActiveConnections(producers, consumers)
	r.logger.Info().
		Str("conn_id", c.ID()).
		Str("client_type", string(c.Role())).
		Str("device_id", c.DeviceID()).
		Int("producers", producers).
		Int("consumers", consumers).
		Msg("Connection admitted")
}

// Touch refreshes the activity timestamp of c
func (r *Registry) Touch(c *Conn) {
	c.Touch()
}

// Remove deletes c from the registry and from every subscription set.
// Returns false if c was not registered. Idempotent.
func (r *Registry) Remove(c *Conn) bool {
	r.mu.Lock()
	_, isProducer := r.producers[c]
	_, isConsumer := r.consumers[c]
	delete(r.producers, c)
	delete(r.consumers, c)
	devices := r.index.UnsubscribeAll(c)
	producers, consumers := len(r.producers), len(r.consumers)
	r.mu.Unlock()

	if !isProducer && !isConsumer {
		return false
	}

	monitoring.SetActiveConnections(producers, consumers)
	r.logger.Info().
		Str("conn_id", c.ID()).
		Str("client_type", string(c.Role())).
		Strs("unsubscribed", devices).
		Int("producers", producers).
		Int("consumers", consumers).
		Msg("Connection removed")
	return true
}

// Contains reports whether c is registered
func (r *Registry) Contains(c *Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.producers[c]; ok {
		return true
	}
	_, ok := r.consumers[c]
	return ok
}

// Consumers returns a snapshot of the consumer set
func (r *Registry) Consumers() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.consumers)
}

// Producers returns a snapshot of the producer set
func (r *Registry) Producers() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.producers)
}

// All returns a snapshot of every connection
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Conn, 0, len(r.producers)+len(r.consumers))
	all = append(all, snapshot(r.producers)...)
	return append(all, snapshot(r.consumers)...)
}

// Counts returns the number of producers and consumers
func (r *Registry) Counts() (producers, consumers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.producers), len(r.consumers)
}

// Snapshots are ordered by connect time so broadcasts and listings are stable
func snapshot(set map[*Conn]struct{}) []*Conn {
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].connectedAt.Equal(out[j].connectedAt) {
			return out[i].id < out[j].id
		}
		return out[i].connectedAt.Before(out[j].connectedAt)
	})
	return out
}
