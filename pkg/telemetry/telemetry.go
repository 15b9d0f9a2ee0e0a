// Package telemetry defines the pointer-event wire types delivered by the
// client SDK during a verification attempt, and the decoding/validation
// applied to inbound batches before they reach a session.
//
// Field names on the wire are camelCase because the sender is the browser
// SDK; everything downstream of Decode works with the Go structs only.
package telemetry

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ProtocolVersion is the batch format version this build understands.
// Batches carrying any other version are dropped by the session manager.
const ProtocolVersion = 1

// EventKind classifies a single pointer event.
type EventKind string

const (
	EventMove  EventKind = "move"
	EventDown  EventKind = "down"
	EventUp    EventKind = "up"
	EventEnter EventKind = "enter"
	EventLeave EventKind = "leave"
)

// PointerSample is one observed pointer event in canvas space.
// Immutable once recorded; ordering within a session is by TimestampMs,
// but arrival order across batches is not guaranteed.
type PointerSample struct {
	TimestampMs float64   `json:"timestampMs"` // absolute wall-clock ms
	RelativeMs  float64   `json:"relativeMs"`  // ms since session start
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	IsPressed   bool      `json:"isPressed"`
	Kind        EventKind `json:"kind"`
	PointerKind string    `json:"pointerKind"` // "mouse", "touch", "pen"
	PointerID   int       `json:"pointerId"`
	Trusted     bool      `json:"trusted"`
}

// Batch is the versioned, sequenced envelope the transport delivers.
// Seq increases per sender; gaps and reordering are possible and tolerated.
type Batch struct {
	Version int             `json:"v"`
	Seq     int64           `json:"seq"`
	SentMs  float64         `json:"ts"`
	Events  []PointerSample `json:"events"`
}

// ErrUnsupportedVersion is returned by Decode for batches from a newer or
// unknown protocol. The caller logs and drops the batch; it is never fatal
// to the session.
type ErrUnsupportedVersion struct {
	Got int
}

func (e *ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported telemetry protocol version %d (want %d)", e.Got, ProtocolVersion)
}

// Decode parses a raw batch payload and validates its protocol version.
func Decode(payload []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("malformed telemetry batch: %w", err)
	}
	if b.Version != ProtocolVersion {
		return nil, &ErrUnsupportedVersion{Got: b.Version}
	}
	return &b, nil
}

// SortByTimestamp orders samples in place by absolute timestamp.
// Duplicate timestamps are kept; feature extraction skips zero-dt pairs.
func SortByTimestamp(samples []PointerSample) {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].TimestampMs < samples[j].TimestampMs
	})
}

// FilterRange returns the samples with TimestampMs in [startMs, endMs),
// preserving order. The input must already be sorted by timestamp.
func FilterRange(samples []PointerSample, startMs, endMs float64) []PointerSample {
	lo := sort.Search(len(samples), func(i int) bool { return samples[i].TimestampMs >= startMs })
	hi := sort.Search(len(samples), func(i int) bool { return samples[i].TimestampMs >= endMs })
	if lo >= hi {
		return nil
	}
	return samples[lo:hi]
}
