package envelope

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateBaseAcceptsWellFormedEnvelope(t *testing.T) {
	msg := NewBase(TypePing, 1000)
	r := ValidateBase(&msg, 50, 1024*1024)
	assert.True(t, r.Valid)
	assert.Empty(t, r.Errors)
}

func TestValidateBaseAccumulatesEveryViolation(t *testing.T) {
	msg := Envelope{Protocol: "wrong", Version: "bad", Timestamp: -1, Type: "bogus"}
	r := ValidateBase(&msg, 0, 0)
	assert.False(t, r.Valid)
	assert.GreaterOrEqual(t, len(r.Errors), 4, "must surface every violation, not short-circuit")
}

func TestValidateBaseRejectsOversizeMessage(t *testing.T) {
	msg := NewBase(TypePing, 0)
	r := ValidateBase(&msg, 2000, 1024)
	assert.False(t, r.Valid)
	assert.Len(t, r.Errors, 1)
}

func TestValidateRequestRequiresUUIDAndMethod(t *testing.T) {
	msg := Envelope{RequestID: "not-a-uuid", Method: "bad method name"}
	r := ValidateRequest(&msg)
	assert.False(t, r.Valid)
	assert.Len(t, r.Errors, 2)
}

func TestValidateRequestAccepts(t *testing.T) {
	msg := Envelope{RequestID: "123e4567-e89b-12d3-a456-426614174000", Method: "users:getProfile"}
	r := ValidateRequest(&msg)
	assert.True(t, r.Valid)
}

func TestValidateResponseSuccessMustNotCarryError(t *testing.T) {
	success := true
	msg := Envelope{
		RequestID: "123e4567-e89b-12d3-a456-426614174000",
		Success:   &success,
		Error:     &Error{Code: "X", Message: "nope"},
	}
	r := ValidateResponse(&msg)
	assert.False(t, r.Valid)
}

func TestValidateResponseFailureRequiresError(t *testing.T) {
	failure := false
	msg := Envelope{RequestID: "123e4567-e89b-12d3-a456-426614174000", Success: &failure}
	r := ValidateResponse(&msg)
	assert.False(t, r.Valid)
	assert.Contains(t, r.Errors[0], "error")
}

func TestValidateResponseErrorDetailsMustNotBeNull(t *testing.T) {
	failure := false
	msg := Envelope{
		RequestID: "123e4567-e89b-12d3-a456-426614174000",
		Success:   &failure,
		Error:     &Error{Code: "E", Message: "m", Details: json.RawMessage("null")},
	}
	r := ValidateResponse(&msg)
	assert.False(t, r.Valid)
}

func TestValidateNotificationRequiresBody(t *testing.T) {
	msg := Envelope{}
	r := ValidateNotification(&msg)
	assert.False(t, r.Valid)
}

func TestValidateNotificationAcceptsTopicOnly(t *testing.T) {
	msg := Envelope{NotificationPayload: &Notification{Topic: "user:presence"}}
	r := ValidateNotification(&msg)
	assert.True(t, r.Valid)
}

func TestValidateErrorRequiresSeverity(t *testing.T) {
	msg := Envelope{Error: &Error{Code: "X", Message: "boom"}}
	r := ValidateError(&msg)
	assert.False(t, r.Valid)
}

func TestValidateAckRequiresUUID(t *testing.T) {
	msg := Envelope{MessageID: "nope"}
	r := ValidateAck(&msg)
	assert.False(t, r.Valid)
}

func TestValidateByTypeDispatchesPerType(t *testing.T) {
	msg := Envelope{
		Protocol:  Protocol,
		Version:   "1.0.0",
		Timestamp: 0,
		Type:      TypeRequest,
		RequestID: "123e4567-e89b-12d3-a456-426614174000",
		Method:    "users:getProfile",
	}
	r := ValidateByType(&msg, 10, 0)
	assert.True(t, r.Valid)
}

// TestMutationsAlwaysProduceNamedErrors checks that for every validator and
// every mutation that removes/corrupts a required field, the result is
// invalid and names the affected field.
func TestMutationsAlwaysProduceNamedErrors(t *testing.T) {
	cases := []struct {
		name   string
		msg    Envelope
		field  string
	}{
		{"missing protocol", Envelope{Version: "1.0.0", Type: TypePing}, "protocol"},
		{"missing version", Envelope{Protocol: Protocol, Type: TypePing}, "version"},
		{"bad type", Envelope{Protocol: Protocol, Version: "1.0.0", Type: "nope"}, "type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := ValidateBase(&tc.msg, 0, 0)
			assert.False(t, r.Valid)
			found := false
			for _, e := range r.Errors {
				if strings.Contains(e, tc.field) {
					found = true
				}
			}
			assert.True(t, found, "expected an error naming %q, got %v", tc.field, r.Errors)
		})
	}
}
