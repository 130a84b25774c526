package relay

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/telemetry-relay/internal/monitoring"
)

// SubscriptionIndex maps device ids to the consumers interested in them.
//
// Broadcasts look up subscribers on every telemetry event, so reads are served
// from immutable per-device snapshots (copy-on-write): Subscribe/Unsubscribe
// take the write lock, build a new slice and swap it in. The reverse map
// (connection → devices) makes UnsubscribeAll and IsSubscribed O(devices of c).
//
// A device entry exists only while its set is non-empty.
type SubscriptionIndex struct {
	mu          sync.RWMutex
	subscribers map[string]*atomic.Pointer[[]*Conn] // device → snapshot
	memberships map[*Conn]map[string]struct{}       // conn → devices
}

// NewSubscriptionIndex creates a new empty subscription index
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		subscribers: make(map[string]*atomic.Pointer[[]*Conn]),
		memberships: make(map[*Conn]map[string]struct{}),
	}
}

// Subscribe adds c to the set for deviceID and returns the set size.
// Idempotent. A closed connection is never added, so a subscribe racing with
// a disconnect cannot leave a dangling member.
func (idx *SubscriptionIndex) Subscribe(deviceID string, c *Conn) int {
	if deviceID == "" {
		return 0
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	ptr := idx.subscribers[deviceID]
	var current []*Conn
	if ptr != nil {
		current = *ptr.Load()
	}
	if !c.IsOpen() {
		return len(current)
	}
	for _, existing := range current {
		if existing == c {
			return len(current)
		}
	}

	// Copy-on-write
	next := make([]*Conn, len(current)+1)
	copy(next, current)
	next[len(current)] = c

	if ptr == nil {
		ptr = &atomic.Pointer[[]*Conn]{}
		idx.subscribers[deviceID] = ptr
	}
	ptr.Store(&next)

	devices := idx.memberships[c]
	if devices == nil {
		devices = make(map[string]struct{})
		idx.memberships[c] = devices
	}
	devices[deviceID] = struct{}{}

	monitoring.SetSubscribedDevices(len(idx.subscribers))
	return len(next)
}

// Unsubscribe removes c from the set for deviceID and returns the remaining size
func (idx *SubscriptionIndex) Unsubscribe(deviceID string, c *Conn) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	remaining := idx.removeLocked(deviceID, c)
	if devices := idx.memberships[c]; devices != nil {
		delete(devices, deviceID)
		if len(devices) == 0 {
			delete(idx.memberships, c)
		}
	}
	monitoring.SetSubscribedDevices(len(idx.subscribers))
	return remaining
}

// UnsubscribeAll removes c from every set and returns the devices it was subscribed to
func (idx *SubscriptionIndex) UnsubscribeAll(c *Conn) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	devices := idx.memberships[c]
	if len(devices) == 0 {
		return nil
	}

	removed := make([]string, 0, len(devices))
	for deviceID := range devices {
		idx.removeLocked(deviceID, c)
		removed = append(removed, deviceID)
	}
	delete(idx.memberships, c)

	monitoring.SetSubscribedDevices(len(idx.subscribers))
	sort.Strings(removed)
	return removed
}

// removeLocked drops c from one device set. Caller holds the write lock.
func (idx *SubscriptionIndex) removeLocked(deviceID string, c *Conn) int {
	ptr, exists := idx.subscribers[deviceID]
	if !exists {
		return 0
	}
	current := *ptr.Load()

	for i, existing := range current {
		if existing != c {
			continue
		}
		if len(current) == 1 {
			delete(idx.subscribers, deviceID)
			return 0
		}
		next := make([]*Conn, len(current)-1)
		copy(next, current[:i])
		copy(next[i:], current[i+1:])
		ptr.Store(&next)
		return len(next)
	}
	return len(current)
}

// SubscribersOf returns the current subscribers of deviceID.
// The slice is a shared immutable snapshot: do not modify it.
func (idx *SubscriptionIndex) SubscribersOf(deviceID string) []*Conn {
	idx.mu.RLock()
	ptr := idx.subscribers[deviceID]
	idx.mu.RUnlock()

	if ptr == nil {
		return nil
	}
	return *ptr.Load()
}

// Count returns the number of subscribers of deviceID
func (idx *SubscriptionIndex) Count(deviceID string) int {
	return len(idx.SubscribersOf(deviceID))
}

// IsSubscribed reports whether c belongs to at least one set
func (idx *SubscriptionIndex) IsSubscribed(c *Conn) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.memberships[c]) > 0
}

// TelemetryRecipients returns the subscribers of deviceID followed by the
// consumers with no subscriptions, without duplicates. Both sets are read
// under one lock, so a consumer subscribing concurrently lands in exactly one
// of them.
func (idx *SubscriptionIndex) TelemetryRecipients(deviceID string, consumers []*Conn) []*Conn {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var subscribers []*Conn
	if ptr := idx.subscribers[deviceID]; ptr != nil && deviceID != "" {
		subscribers = *ptr.Load()
	}

	recipients := make([]*Conn, 0, len(subscribers)+len(consumers))
	recipients = append(recipients, subscribers...)
	for _, c := range consumers {
		// Subscribed consumers are either already listed or filtered out
		if len(idx.memberships[c]) == 0 {
			recipients = append(recipients, c)
		}
	}
	return recipients
}

// DevicesOf returns the devices c is subscribed to, sorted
func (idx *SubscriptionIndex) DevicesOf(c *Conn) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	devices := make([]string, 0, len(idx.memberships[c]))
	for deviceID := range idx.memberships[c] {
		devices = append(devices, deviceID)
	}
	sort.Strings(devices)
	return devices
}

// Devices returns every device with at least one subscriber, sorted
func (idx *SubscriptionIndex) Devices() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	devices := make([]string, 0, len(idx.subscribers))
	for deviceID := range idx.subscribers {
		devices = append(devices, deviceID)
	}
	sort.Strings(devices)
	return devices
}
