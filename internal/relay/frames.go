package relay

import (
	"encoding/json"
	"sort"
	"time"
)

// Frame and event types on the wire
const (
	TypeTelemetry    = "telemetry"
	TypeAlarm        = "alarm"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeSubscribed   = "subscription_confirmed"
	TypeUnsubscribed = "unsubscription_confirmed"
	TypeConnection   = "connection"
	TypeError        = "error"
)

// CodeRateLimitExceeded is carried by the error reply to a throttled frame
const CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

// TimestampLayout is RFC 3339 in UTC with millisecond precision
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp formats t the way the relay stamps events
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Event is a telemetry or alarm event.
//
// The relay does not interpret readings: every field other than type, deviceId
// and timestamp is carried through untouched in Fields. A timestamp supplied by
// the producer is kept verbatim, whatever its JSON type.
type Event struct {
	Type      string
	DeviceID  string
	Timestamp json.RawMessage
	Fields    map[string]json.RawMessage
}

// MarshalJSON flattens the event into a single JSON object
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.Fields)+3)
	for k, v := range e.Fields {
		out[k] = v
	}
	typ, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	out["type"] = typ
	if e.DeviceID != "" {
		id, err := json.Marshal(e.DeviceID)
		if err != nil {
			return nil, err
		}
		out["deviceId"] = id
	}
	if len(e.Timestamp) > 0 {
		out["timestamp"] = e.Timestamp
	}
	return json.Marshal(out)
}

// Stamp sets the timestamp to now if the event has none
func (e *Event) Stamp(now time.Time) {
	if len(e.Timestamp) > 0 {
		return
	}
	e.Timestamp, _ = json.Marshal(Timestamp(now))
}

// Field decodes a passthrough field into v. Returns false if absent or of the wrong type.
func (e Event) Field(name string, v any) bool {
	raw, ok := e.Fields[name]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// Device returns the device the event is about: deviceId, or the alarm's
// "device" field when deviceId is absent.
func (e Event) Device() string {
	if e.DeviceID != "" {
		return e.DeviceID
	}
	var device string
	if e.Field("device", &device) {
		return device
	}
	return ""
}

// FieldNames returns the passthrough field names, sorted
func (e Event) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Clone returns a copy whose Fields map can be modified independently
func (e Event) Clone() Event {
	fields := make(map[string]json.RawMessage, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	e.Fields = fields
	return e
}

// InboundFrame is a parsed client frame
type InboundFrame struct {
	Type     string
	DeviceID string
	Event    Event // Set for telemetry and alarm frames
}

// ParseFrame decodes one inbound text frame.
//
// The frame must be a JSON object with a string "type". If "deviceId" is
// present it must be a string. subscribe and unsubscribe frames must carry a
// non-empty deviceId. Unknown types parse successfully; the router decides.
func ParseFrame(raw []byte) (InboundFrame, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return InboundFrame{}, malformed("invalid JSON: %v", err)
	}
	if obj == nil {
		return InboundFrame{}, malformed("frame is not an object")
	}

	rawType, ok := obj["type"]
	if !ok {
		return InboundFrame{}, malformed("missing type")
	}
	var frameType string
	if err := json.Unmarshal(rawType, &frameType); err != nil || frameType == "" {
		return InboundFrame{}, malformed("type must be a non-empty string")
	}

	var deviceID string
	if rawID, ok := obj["deviceId"]; ok && string(rawID) != "null" {
		if err := json.Unmarshal(rawID, &deviceID); err != nil {
			return InboundFrame{}, malformed("deviceId must be a string")
		}
	}

	frame := InboundFrame{Type: frameType, DeviceID: deviceID}

	switch frameType {
	case TypeSubscribe, TypeUnsubscribe:
		if err := validateSubscription(subscriptionRequest{DeviceID: deviceID}); err != nil {
			return InboundFrame{}, err
		}
	case TypeTelemetry, TypeAlarm:
		frame.Event = eventFromObject(frameType, deviceID, obj)
	}
	return frame, nil
}

// EventFromJSON builds an event of the given type from a JSON object.
// Used by the REST and ingest paths, which know the type from the route or source.
func EventFromJSON(eventType string, raw []byte) (Event, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Event{}, malformed("invalid JSON: %v", err)
	}
	if obj == nil {
		return Event{}, malformed("payload is not an object")
	}
	var deviceID string
	if rawID, ok := obj["deviceId"]; ok && string(rawID) != "null" {
		if err := json.Unmarshal(rawID, &deviceID); err != nil {
			return Event{}, malformed("deviceId must be a string")
		}
	}
	return eventFromObject(eventType, deviceID, obj), nil
}

func eventFromObject(eventType, deviceID string, obj map[string]json.RawMessage) Event {
	e := Event{
		Type:     eventType,
		DeviceID: deviceID,
		Fields:   make(map[string]json.RawMessage, len(obj)),
	}
	for k, v := range obj {
		switch k {
		case "type", "deviceId":
		case "timestamp":
			if string(v) != "null" {
				e.Timestamp = v
			}
		default:
			e.Fields[k] = v
		}
	}
	return e
}

type pongFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type subscriptionAck struct {
	Type            string `json:"type"`
	DeviceID        string `json:"deviceId"`
	SubscriberCount int    `json:"subscriberCount"`
	Timestamp       string `json:"timestamp"`
}

type errorFrame struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type connectionFrame struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	ConnID     string `json:"connId"`
	ClientType Role   `json:"clientType"`
	DeviceID   string `json:"deviceId,omitempty"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
}

func encodePong(now time.Time) []byte {
	data, _ := json.Marshal(pongFrame{Type: TypePong, Timestamp: Timestamp(now)})
	return data
}

func encodeSubscriptionAck(ackType, deviceID string, count int, now time.Time) []byte {
	data, _ := json.Marshal(subscriptionAck{
		Type:            ackType,
		DeviceID:        deviceID,
		SubscriberCount: count,
		Timestamp:       Timestamp(now),
	})
	return data
}

func encodeError(code, message string, now time.Time) []byte {
	data, _ := json.Marshal(errorFrame{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: Timestamp(now),
	})
	return data
}

// ConnectionConfirmation is the first frame a client receives after opening
func ConnectionConfirmation(c *Conn, now time.Time) []byte {
	data, _ := json.Marshal(connectionFrame{
		Type:       TypeConnection,
		Status:     "connected",
		ConnID:     c.ID(),
		ClientType: c.Role(),
		DeviceID:   c.DeviceID(),
		Message:    "connected to telemetry relay",
		Timestamp:  Timestamp(now),
	})
	return data
}
