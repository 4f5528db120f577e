// Package causal defines the CausalMessage envelope that wraps every
// inter-node payload with a sender id, a vector clock snapshot, a message
// kind, and an optional emergency context, plus the EmergencyContext record
// itself and its reconciliation rule.
package causal

import (
	"errors"
	"time"

	"github.com/urbanfleet/dispatch/pkg/vclock"
)

// MessageKind identifies the payload carried by an Envelope. A receiver that
// doesn't recognize a kind must drop the message without updating its clock.
type MessageKind string

const (
	KindNormal    MessageKind = "normal"
	KindEmergency MessageKind = "emergency"
	KindHeartbeat MessageKind = "heartbeat"
	KindSync      MessageKind = "sync"
	KindResult    MessageKind = "result"
)

// ErrUnknownMessageKind is returned by Unwrap for an envelope whose Kind is
// not one of the recognized constants (transport-malformed, per the error
// taxonomy). The receiving clock is left untouched.
var ErrUnknownMessageKind = errors.New("causal: unknown message kind")

func knownKind(k MessageKind) bool {
	switch k {
	case KindNormal, KindEmergency, KindHeartbeat, KindSync, KindResult:
		return true
	default:
		return false
	}
}

// Envelope carries a payload between nodes, opaque to the transport.
type Envelope struct {
	Payload    []byte             `json:"payload"`
	SenderID   string             `json:"sender_id"`
	Clock      map[string]uint64  `json:"vector_clock"`
	Kind       MessageKind        `json:"message_kind"`
	Emergency  *EmergencyContext  `json:"emergency_context,omitempty"`
}

// Wrap ticks the sender's clock, then snapshots it into a new envelope. This
// is the only path that produces an envelope — there is no second way to
// transmit a clock.
func Wrap(clk *vclock.Clock, senderID string, kind MessageKind, payload []byte, em *EmergencyContext) Envelope {
	clk.Tick()
	return Envelope{
		Payload:   payload,
		SenderID:  senderID,
		Clock:     clk.Snapshot(),
		Kind:      kind,
		Emergency: em,
	}
}

// Unwrap merges the envelope's clock into the receiver's clock (which ticks
// the receiver as part of the merge) and returns the envelope for dispatch.
// An unrecognized kind is dropped without merging, so garbage on the
// transport can never inflate the receiver's clock.
func Unwrap(clk *vclock.Clock, env Envelope) error {
	if !knownKind(env.Kind) {
		return ErrUnknownMessageKind
	}
	clk.Merge(env.Clock)
	return nil
}

// EmergencyLevel ranks the urgency of a declared emergency.
type EmergencyLevel int

const (
	LevelLow EmergencyLevel = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l EmergencyLevel) String() string {
	switch l {
	case LevelLow:
		return "LOW"
	case LevelMedium:
		return "MEDIUM"
	case LevelHigh:
		return "HIGH"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseEmergencyLevel maps a configuration string to an EmergencyLevel.
func ParseEmergencyLevel(s string) (EmergencyLevel, bool) {
	switch s {
	case "LOW":
		return LevelLow, true
	case "MEDIUM":
		return LevelMedium, true
	case "HIGH":
		return LevelHigh, true
	case "CRITICAL":
		return LevelCritical, true
	default:
		return LevelLow, false
	}
}

// EmergencyContext is a tagged record describing a fleet-wide emergency.
type EmergencyContext struct {
	Kind       string            `json:"kind"`
	Level      EmergencyLevel    `json:"level"`
	Location   string            `json:"location,omitempty"`
	DetectedAt time.Time         `json:"detected_at"`
	Clock      map[string]uint64 `json:"clock"`
}

// Suppresses reports whether this context's level suppresses admission of
// non-emergency work (HIGH and CRITICAL).
func (e *EmergencyContext) Suppresses() bool {
	return e != nil && (e.Level == LevelHigh || e.Level == LevelCritical)
}

// Reconcile picks the authoritative EmergencyContext between a and b using
// the tie-break chain from the broker sync protocol: later vector clock
// wins; if concurrent, higher level wins; if still tied, the more recent
// detection timestamp wins. Either argument may be nil (an absent
// emergency); Reconcile returns nil only if both are nil.
func Reconcile(a, b *EmergencyContext) *EmergencyContext {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}

	switch vclock.CompareSnapshots(a.Clock, b.Clock) {
	case vclock.After:
		return a
	case vclock.Before:
		return b
	default:
		if a.Level != b.Level {
			if a.Level > b.Level {
				return a
			}
			return b
		}
		if a.DetectedAt.After(b.DetectedAt) {
			return a
		}
		return b
	}
}
