// Package message defines the validated telemetry message passed
// between the coordinator, the buffer, the fan-out router, and the
// storage backends.
package message

import (
	"time"
)

// Message is one validated telemetry reading. Topic is the transport
// topic it arrived on, Payload the parsed structured value, Timestamp
// the event time reported by (or filled in for) the device, and
// ReceivedAt the ingest time.
//
// The JSON field names are load-bearing: the append-only file backend
// writes messages in exactly this shape, one object per line.
type Message struct {
	Topic      string         `json:"topic"`
	Payload    map[string]any `json:"payload"`
	Timestamp  time.Time      `json:"timestamp"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

// New builds a message stamped with the current ingest time. A zero
// event timestamp defaults to the ingest time.
func New(topic string, payload map[string]any, eventTime time.Time) Message {
	now := time.Now().UTC()
	if eventTime.IsZero() {
		eventTime = now
	}
	return Message{
		Topic:      topic,
		Payload:    payload,
		Timestamp:  eventTime.UTC(),
		ReceivedAt: now,
	}
}

// EventTime extracts an event timestamp from a parsed payload. It
// accepts RFC 3339 strings and numeric Unix epochs (seconds, or
// milliseconds when the value is implausibly large for seconds) under
// the given field name. Returns the zero time when absent or
// unparseable so the caller falls back to ingest time.
func EventTime(payload map[string]any, field string) time.Time {
	if field == "" {
		field = "timestamp"
	}
	v, ok := payload[field]
	if !ok {
		return time.Time{}
	}

	switch t := v.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
	case float64:
		return epochToTime(t)
	case int64:
		return epochToTime(float64(t))
	case int:
		return epochToTime(float64(t))
	}
	return time.Time{}
}

// epochToTime interprets n as Unix seconds, or milliseconds when the
// magnitude is too large to be a plausible seconds value.
func epochToTime(n float64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	const msThreshold = 1e12 // year 33658 in seconds, year 2001 in ms
	if n >= msThreshold {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
