// Package envelope defines the wire shape of every helios-starling frame
// and the pure codec/validators that encode, decode, and check it. It
// follows the convention of one flat exported struct per wire entity with
// explicit `json` tags and `omitempty` on anything optional.
package envelope

// file: internal/envelope/envelope.go

import "encoding/json"

// Protocol is the exact string every protocol frame must carry.
const Protocol = "helios-starling"

// Type enumerates the one-of values allowed for the envelope's `type`
// field.
type Type string

// The six frame types the protocol defines.
const (
	TypeRequest      Type = "request"
	TypeResponse     Type = "response"
	TypeNotification Type = "notification"
	TypeError        Type = "error"
	TypeAck          Type = "ack"
	TypePing         Type = "ping"
)

// Severity distinguishes a protocol-level violation from an
// application-level failure in a top-level error frame.
type Severity string

// The two severities a top-level error frame may carry.
const (
	SeverityProtocol    Severity = "protocol"
	SeverityApplication Severity = "application"
)

// Peer is the optional relay marker carried on every envelope. Absent and
// `false` are equivalent: both decode to the zero value (Present false),
// which encodes as `false`. Present is true only for a mapping. A present
// peer carries an opaque mapping the proxy hook interprets; the kernel
// never looks inside it.
type Peer struct {
	Present bool
	Data    map[string]any
}

// IsRelayed reports whether this envelope is being relayed on behalf of a
// third party, i.e. peer is present and not the literal `false`.
func (p Peer) IsRelayed() bool {
	return p.Present
}

// MarshalJSON renders an absent/false peer as the JSON literal `false` and a
// present peer as its mapping.
func (p Peer) MarshalJSON() ([]byte, error) {
	if !p.Present {
		return []byte("false"), nil
	}
	if p.Data == nil {
		p.Data = map[string]any{}
	}
	return json.Marshal(p.Data)
}

// UnmarshalJSON accepts either the literal `false` or a JSON object.
func (p *Peer) UnmarshalJSON(data []byte) error {
	trimmed := string(data)
	if trimmed == "false" || trimmed == "null" {
		p.Present = false
		p.Data = nil
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	p.Present = true
	p.Data = m
	return nil
}

// Error is the shape carried by both a response's `error` field and a
// top-level error frame's `error` field.
type Error struct {
	Severity Severity        `json:"severity,omitempty"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Details  json.RawMessage `json:"details,omitempty"`
}

// Notification is the payload of a notification-type envelope.
type Notification struct {
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	// Type discriminates "progress" notifications from ordinary correlated
	// notifications.
	Type string `json:"type,omitempty"`
}

// Envelope is the single flattened wire struct for every frame type. Only
// the fields relevant to Type are populated; the rest are left zero and
// omitted on encode. The protocol defines its frame variants as one tagged
// union rather than per-type top-level objects, so one struct collapses
// all of them.
type Envelope struct {
	Protocol  string `json:"protocol"`
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Type      Type   `json:"type"`
	Peer      Peer   `json:"peer,omitempty"`

	// request
	RequestID string          `json:"requestId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// response (RequestID shared with request)
	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	// notification (RequestID shared with request, optional here)
	NotificationPayload *Notification `json:"notification,omitempty"`

	// ack
	MessageID string `json:"messageId,omitempty"`
}

// NewBase constructs an Envelope with the universal fields populated and
// peer defaulted to absent/false.
func NewBase(typ Type, timestampMS int64) Envelope {
	return Envelope{
		Protocol:  Protocol,
		Version:   "1.0.0",
		Timestamp: timestampMS,
		Type:      typ,
	}
}
