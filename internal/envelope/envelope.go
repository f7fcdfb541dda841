// Package envelope defines the wire-level message shape shared by every
// component of the broker: the typed frame that crosses the Unix socket.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the only envelope version this build understands.
// A HELLO carrying any other value is rejected with BAD_REQUEST.
const ProtocolVersion = 1

// Type is the envelope type discriminant.
type Type string

const (
	TypeHello        Type = "HELLO"
	TypeWelcome      Type = "WELCOME"
	TypeSend         Type = "SEND"
	TypeDeliver      Type = "DELIVER"
	TypeAck          Type = "ACK"
	TypePing         Type = "PING"
	TypePong         Type = "PONG"
	TypeSubscribe    Type = "SUBSCRIBE"
	TypeUnsubscribe  Type = "UNSUBSCRIBE"
	TypeBye          Type = "BYE"
	TypeError        Type = "ERROR"
	TypeBusy         Type = "BUSY"
	TypeShadowBind   Type = "SHADOW_BIND"
	TypeShadowUnbind Type = "SHADOW_UNBIND"
	TypeLog          Type = "LOG"
)

// Error codes carried in ERROR payloads.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrBadFrame        = "BAD_FRAME"
	ErrResumeTooOld    = "RESUME_TOO_OLD"
	ErrInternal        = "INTERNAL_ERROR"
	ErrHeartbeatExpire = "HEARTBEAT_TIMEOUT"
	ErrQueueFull       = "QUEUE_FULL"
	ErrSuperseded      = "CONNECTION_SUPERSEDED"
)

// BroadcastTarget is the reserved `to` value meaning "every other agent".
const BroadcastTarget = "*"

// SystemAgent is the reserved sender name used for system broadcasts.
const SystemAgent = "__system"

// topLevelKeys lists every field this build knows how to interpret.
// Anything else round-trips through Extra.
var topLevelKeys = map[string]bool{
	"v": true, "type": true, "id": true, "ts": true, "topic": true,
	"to": true, "from": true, "payload_meta": true, "payload": true,
	"delivery": true,
}

// Delivery carries delivery-specific metadata, present only on DELIVER
// envelopes.
type Delivery struct {
	Topic      string `json:"topic,omitempty"`
	Peer       string `json:"peer"`
	Seq        uint64 `json:"seq"`
	OriginalTo string `json:"originalTo,omitempty"`
	Replay     bool   `json:"replay,omitempty"`
}

// Envelope is the decoded form of a single frame.
type Envelope struct {
	V           int             `json:"v"`
	Type        Type            `json:"type"`
	ID          string          `json:"id"`
	TS          int64           `json:"ts"`
	Topic       string          `json:"topic,omitempty"`
	To          string          `json:"to,omitempty"`
	From        string          `json:"from,omitempty"`
	PayloadMeta map[string]any  `json:"payload_meta,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Delivery    *Delivery       `json:"delivery,omitempty"`

	// Extra holds any top-level keys this build doesn't recognize, so a
	// decode-then-encode round trip never silently drops data (§4.2).
	Extra map[string]json.RawMessage `json:"-"`
}

// requiredFields are the keys §4.2 names as mandatory on every envelope.
var requiredFields = []string{"v", "type", "id", "ts", "payload"}

// MarshalJSON merges Extra back in alongside the known fields.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type alias Envelope
	base, err := json.Marshal(alias(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if _, known := topLevelKeys[k]; known {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes known fields and stashes everything else in Extra.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type alias Envelope
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode envelope fields: %w", err)
	}
	for _, req := range requiredFields {
		if _, ok := raw[req]; !ok {
			return fmt.Errorf("%w: missing required field %q", ErrMissingField, req)
		}
	}

	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if topLevelKeys[k] {
			continue
		}
		extra[k] = v
	}

	*e = Envelope(a)
	e.Extra = extra
	return nil
}

// ErrMissingField is wrapped by UnmarshalJSON when a required top-level
// key (§4.2: v, type, id, ts, payload) is absent.
var ErrMissingField = errors.New("envelope: missing field")

// NewID returns a fresh random envelope id.
func NewID() string {
	return uuid.NewString()
}

// Now returns the current time as ms-epoch, the envelope `ts` format.
func Now() int64 {
	return time.Now().UnixMilli()
}
