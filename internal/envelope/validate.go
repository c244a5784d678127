// file: internal/envelope/validate.go
package envelope

import (
	"regexp"
)

// Result is the pure, non-short-circuiting validation outcome: errors are
// accumulated, not short-circuited, so one call surfaces every violation.
type Result struct {
	Valid  bool
	Errors []string
}

func ok() Result { return Result{Valid: true} }

func fail(errs ...string) Result {
	return Result{Valid: false, Errors: errs}
}

func (r *Result) add(msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, msg)
}

var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

var validTypes = map[Type]bool{
	TypeRequest:      true,
	TypeResponse:     true,
	TypeNotification: true,
	TypeError:        true,
	TypeAck:          true,
	TypePing:         true,
}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsUUID reports whether s is an RFC-4122 UUID string.
func IsUUID(s string) bool {
	return uuidPattern.MatchString(s)
}

// ValidateBase enforces the four universal envelope fields and the peer
// type. maxSize is the configured per-message byte ceiling;
// pass 0 to skip the size check (the caller may already know raw size from
// transport framing).
func ValidateBase(msg *Envelope, rawSize int, maxSize int) Result {
	var r Result
	r.Valid = true

	if msg.Protocol != Protocol {
		r.add("protocol: must equal \"helios-starling\"")
	}
	if !versionPattern.MatchString(msg.Version) {
		r.add("version: must match MAJOR.MINOR.PATCH")
	}
	if msg.Timestamp < 0 {
		r.add("timestamp: must be a non-negative integer")
	}
	if !validTypes[msg.Type] {
		r.add("type: must be one of request, response, notification, error, ack, ping")
	}
	// Peer's zero value (Present == false) already represents "absent or
	// false"; nothing further to normalize here, by construction of Peer's
	// UnmarshalJSON and its zero value.
	if maxSize > 0 && rawSize > maxSize {
		r.add("message exceeds configured maximum size")
	}
	return r
}

// ValidateRequest enforces the request frame's invariants.
func ValidateRequest(msg *Envelope) Result {
	var r Result
	r.Valid = true
	if !IsUUID(msg.RequestID) {
		r.add("requestId: must be an RFC-4122 UUID")
	}
	if !MethodFormatOK(msg.Method) {
		r.add("method: must match namespace:action and be at most 128 characters")
	}
	return r
}

// ValidateResponse enforces the response frame's invariants: success xor
// error, with error fully populated when present.
func ValidateResponse(msg *Envelope) Result {
	var r Result
	r.Valid = true
	if !IsUUID(msg.RequestID) {
		r.add("requestId: must be an RFC-4122 UUID")
	}
	if msg.Success == nil {
		r.add("success: must be present")
		return r
	}
	if *msg.Success {
		if msg.Error != nil {
			r.add("error: must not be present when success is true")
		}
		return r
	}
	if msg.Error == nil {
		r.add("error: required when success is false")
		return r
	}
	if msg.Error.Code == "" {
		r.add("error.code: must be a non-empty string")
	}
	if msg.Error.Message == "" {
		r.add("error.message: must be a non-empty string")
	}
	if msg.Error.Details != nil && string(msg.Error.Details) == "null" {
		r.add("error.details: must not be null if present")
	}
	if len(msg.Error.Message) > 1024 {
		r.add("error.message: must not exceed 1024 bytes")
	}
	return r
}

// ValidateNotification enforces the notification frame's invariants. A
// requestId, if present, must itself be a UUID (it correlates the
// notification to an outstanding request).
func ValidateNotification(msg *Envelope) Result {
	var r Result
	r.Valid = true
	if msg.NotificationPayload == nil {
		r.add("notification: must be present")
		return r
	}
	if msg.NotificationPayload.Topic != "" {
		if err := ValidateTopicName(msg.NotificationPayload.Topic); err != nil {
			r.add("notification.topic: " + err.Error())
		}
	}
	if msg.RequestID != "" && !IsUUID(msg.RequestID) {
		r.add("requestId: must be an RFC-4122 UUID when present")
	}
	return r
}

// ValidateError enforces the top-level error frame's invariants.
func ValidateError(msg *Envelope) Result {
	var r Result
	r.Valid = true
	if msg.Error == nil {
		r.add("error: must be present")
		return r
	}
	if msg.Error.Severity != SeverityProtocol && msg.Error.Severity != SeverityApplication {
		r.add("error.severity: must be \"protocol\" or \"application\"")
	}
	if msg.Error.Code == "" {
		r.add("error.code: must be a non-empty string")
	}
	if msg.Error.Message == "" {
		r.add("error.message: must be a non-empty string")
	}
	if len(msg.Error.Message) > 1024 {
		r.add("error.message: must not exceed 1024 bytes")
	}
	if msg.Error.Details != nil && string(msg.Error.Details) == "null" {
		r.add("error.details: must not be null if present")
	}
	return r
}

// ValidateAck enforces the ack frame's invariant.
func ValidateAck(msg *Envelope) Result {
	var r Result
	r.Valid = true
	if !IsUUID(msg.MessageID) {
		r.add("messageId: must be an RFC-4122 UUID")
	}
	return r
}

// ValidateByType dispatches to the correct per-type validator based on
// msg.Type, returning the merged base+type-specific result. Used by the
// resolver to validate a classified protocol frame in one call.
func ValidateByType(msg *Envelope, rawSize int, maxSize int) Result {
	base := ValidateBase(msg, rawSize, maxSize)
	var typed Result
	switch msg.Type {
	case TypeRequest:
		typed = ValidateRequest(msg)
	case TypeResponse:
		typed = ValidateResponse(msg)
	case TypeNotification:
		typed = ValidateNotification(msg)
	case TypeError:
		typed = ValidateError(msg)
	case TypeAck:
		typed = ValidateAck(msg)
	case TypePing:
		typed = ok()
	default:
		// Unknown type already recorded by ValidateBase.
		typed = ok()
	}
	merged := Result{Valid: base.Valid && typed.Valid}
	merged.Errors = append(append([]string{}, base.Errors...), typed.Errors...)
	return merged
}
