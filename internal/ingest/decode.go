// Package ingest feeds events from external brokers (NATS, Kafka) into the
// relay broadcaster.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/adred-codev/telemetry-relay/internal/relay"
)

// Source names used in logs and metrics
const (
	SourceNATS  = "nats"
	SourceKafka = "kafka"
)

// Sink receives decoded events. *relay.Broadcaster satisfies it.
type Sink interface {
	Telemetry(e relay.Event) int
	Alarm(e relay.Event) int
}

// Decode turns a broker payload into a relay event of the given kind.
//
// deviceHint comes from the transport (subject suffix or record key) and is
// used only when the payload names no device. Telemetry must end up with a
// device id; alarms need not. The result is validated the same way as events
// posted over REST, and a missing timestamp is set to now.
func Decode(kind, deviceHint string, payload []byte, now time.Time) (relay.Event, error) {
	if kind != relay.TypeTelemetry && kind != relay.TypeAlarm {
		return relay.Event{}, fmt.Errorf("unsupported event kind %q", kind)
	}

	e, err := relay.EventFromJSON(kind, payload)
	if err != nil {
		return relay.Event{}, err
	}

	switch kind {
	case relay.TypeTelemetry:
		if e.DeviceID == "" {
			e.DeviceID = deviceHint
		}
		if e.DeviceID == "" {
			return relay.Event{}, fmt.Errorf("%w: telemetry without device id", relay.ErrMalformedFrame)
		}
	case relay.TypeAlarm:
		if e.Device() == "" && deviceHint != "" {
			e.Fields["device"], _ = json.Marshal(deviceHint)
		}
	}

	if err := relay.ValidateEvent(e); err != nil {
		return relay.Event{}, err
	}
	e.Stamp(now)
	return e, nil
}

// submit hands e to the sink on the device's shard and records the outcome
func submit(d *Dispatcher, sink Sink, source string, e relay.Event) bool {
	ok := d.Submit(e.Device(), func() {
		if e.Type == relay.TypeAlarm {
			sink.Alarm(e)
		} else {
			sink.Telemetry(e)
		}
	})
	if ok {
		monitoring.RecordIngest(source, monitoring.IngestOutcomeAccepted)
	} else {
		monitoring.RecordIngest(source, monitoring.IngestOutcomeDropped)
	}
	return ok
}
