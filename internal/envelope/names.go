// file: internal/envelope/names.go
package envelope

// Method and topic name validation: each name kind is checked against a
// regex and a max length, with a descriptive error message per failed
// check, for a colon-namespaced method/topic grammar.

import (
	"fmt"
	"regexp"
)

// MaxNameLength is the shared length ceiling for method and topic names.
const MaxNameLength = 128

var methodPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(?::[a-zA-Z][a-zA-Z0-9_]*)+$`)

var topicPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(?::[a-zA-Z][a-zA-Z0-9_]*)*$`)

// ReservedNamespaces are the method namespaces forbidden for user
// registration.
var ReservedNamespaces = map[string]bool{
	"system":   true,
	"internal": true,
	"stream":   true,
	"helios":   true,
}

func firstSegment(name string) string {
	for i, r := range name {
		if r == ':' {
			return name[:i]
		}
	}
	return name
}

// MethodFormatOK reports whether name satisfies the wire grammar and length
// ceiling alone, with no opinion on reserved namespaces. This is what
// envelope-level request validation checks: an inbound request for
// "system:ping" is wire-valid even though "system" is reserved for *user
// registration*.
func MethodFormatOK(name string) bool {
	return len(name) > 0 && len(name) <= MaxNameLength && methodPattern.MatchString(name)
}

// ValidateMethodName checks a method name against the namespace:action
// grammar, the length ceiling, and (unless internal is true) the
// reserved-namespace list. Internal registrations skip the
// reserved-namespace check only — length and grammar still apply.
func ValidateMethodName(name string, internal bool) error {
	if len(name) == 0 {
		return fmt.Errorf("method name must not be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("method name %q exceeds maximum length of %d characters", name, MaxNameLength)
	}
	if !methodPattern.MatchString(name) {
		return fmt.Errorf("method name %q must match namespace:action (e.g. \"users:getProfile\")", name)
	}
	if !internal && ReservedNamespaces[firstSegment(name)] {
		return fmt.Errorf("method name %q uses reserved namespace %q", name, firstSegment(name))
	}
	return nil
}

// ValidateTopicName checks a topic name. Topic names support the same
// namespace grammar as methods, but a bare single segment is also valid:
// colon-separated with zero or more additional segments.
func ValidateTopicName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("topic name must not be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("topic name %q exceeds maximum length of %d characters", name, MaxNameLength)
	}
	if !topicPattern.MatchString(name) {
		return fmt.Errorf("topic name %q must consist of colon-separated alphanumeric segments", name)
	}
	return nil
}
