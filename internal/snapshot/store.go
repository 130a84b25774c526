// Package snapshot keeps the latest relayed events in memory so REST clients
// can render a page before their socket delivers the next reading.
package snapshot

import (
	"sort"
	"sync"

	"github.com/adred-codev/telemetry-relay/internal/relay"
)

// DefaultAlarmHistory is the number of recent alarms retained
const DefaultAlarmHistory = 100

// Store holds the latest telemetry event per device and a bounded list of
// recent alarms. Contents live for the process lifetime only.
type Store struct {
	mu        sync.RWMutex
	latest    map[string]relay.Event
	alarms    []relay.Event // ring buffer
	alarmNext int
	alarmLen  int
}

// New creates a store retaining up to alarmHistory alarms (<= 0 uses the default)
func New(alarmHistory int) *Store {
	if alarmHistory <= 0 {
		alarmHistory = DefaultAlarmHistory
	}
	return &Store{
		latest: make(map[string]relay.Event),
		alarms: make([]relay.Event, alarmHistory),
	}
}

// Attach registers the store as a broadcast observer. Revoke the returned token to detach.
func (s *Store) Attach(b *relay.Broadcaster) relay.Token {
	return b.Observe(s.Record)
}

// Record stores e. Telemetry without a device id is not retained.
func (s *Store) Record(e relay.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Type {
	case relay.TypeTelemetry:
		if e.DeviceID != "" {
			s.latest[e.DeviceID] = e
		}
	case relay.TypeAlarm:
		s.alarms[s.alarmNext] = e
		s.alarmNext = (s.alarmNext + 1) % len(s.alarms)
		if s.alarmLen < len(s.alarms) {
			s.alarmLen++
		}
	}
}

// Latest returns the most recent telemetry event for deviceID
func (s *Store) Latest(deviceID string) (relay.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.latest[deviceID]
	return e, ok
}

// AllLatest returns the most recent telemetry event of every device, sorted by device id
func (s *Store) AllLatest() []relay.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]relay.Event, 0, len(s.latest))
	for _, e := range s.latest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// RecentAlarms returns retained alarms, newest first
func (s *Store) RecentAlarms() []relay.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]relay.Event, 0, s.alarmLen)
	for i := 1; i <= s.alarmLen; i++ {
		idx := (s.alarmNext - i + len(s.alarms)) % len(s.alarms)
		out = append(out, s.alarms[idx])
	}
	return out
}

// Devices returns the number of devices with a retained reading
func (s *Store) Devices() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.latest)
}
