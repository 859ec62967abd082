// Package orcapi holds the types and contracts shared across the Control
// Plane, the Node Agent and the wire protocol: the error taxonomy (§7 of
// the design), the data model entities (§3), and the capability
// permission-string rules (§4.5). Keeping these in one leaf package (no
// internal imports) lets every other package depend on it without
// creating import cycles, the same role the teacher's internal/api
// package plays as the "service locator" hub — used here only for the
// genuinely shared vocabulary, not sprinkled in as a general decoupling
// mechanism, since this system has far fewer packages than the teacher's.
package orcapi

import (
	"fmt"
	"time"
)

// ErrorKind is the closed taxonomy of error kinds transported over RPC
// and returned to clients, per §7.
type ErrorKind string

const (
	KindInvalidRequest         ErrorKind = "InvalidRequest"
	KindInstanceNotFound       ErrorKind = "InstanceNotFound"
	KindCapabilityNotFound     ErrorKind = "CapabilityNotFound"
	KindPermissionDenied       ErrorKind = "PermissionDenied"
	KindProviderUnavailable    ErrorKind = "ProviderUnavailable"
	KindCommunicationFailure   ErrorKind = "CommunicationFailure"
	KindResourceExhausted      ErrorKind = "ResourceExhausted"
	KindTimeout                ErrorKind = "Timeout"
	KindCrashDetected          ErrorKind = "CrashDetected"
	KindRestartPolicyViolation ErrorKind = "RestartPolicyViolation"
	KindInternalError          ErrorKind = "InternalError"
	KindNoSuitableNode         ErrorKind = "NoSuitableNode"
)

// Error is the concrete error type carried across every boundary in this
// system: validation failures returned to CLI callers, RPC error
// payloads, and capability-invocation failures handed back to a Wasm
// instance. Every error carries a Kind, a human-readable Message, an
// optional Details map, and the Timestamp at which it was produced, per
// §7: "clients key on the code alone".
type Error struct {
	Kind      ErrorKind
	Message   string
	Details   map[string]string
	Timestamp time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError constructs an Error stamped with the current time.
func NewError(kind ErrorKind, message string, details map[string]string) *Error {
	return &Error{Kind: kind, Message: message, Details: details, Timestamp: time.Now()}
}

func NewErrorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return NewError(kind, fmt.Sprintf(format, args...), nil)
}

// KindOf extracts the ErrorKind from err, defaulting to InternalError for
// anything not produced by this package.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if oe, ok := err.(*Error); ok {
		return oe.Kind
	}
	return KindInternalError
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

func NewInvalidRequest(format string, args ...interface{}) *Error {
	return NewErrorf(KindInvalidRequest, format, args...)
}

func NewInstanceNotFound(instanceID string) *Error {
	return NewErrorf(KindInstanceNotFound, "instance %q not found", instanceID)
}

func NewCapabilityNotFound(capabilityID string) *Error {
	return NewErrorf(KindCapabilityNotFound, "capability %q not found", capabilityID)
}

func NewPermissionDenied(format string, args ...interface{}) *Error {
	return NewErrorf(KindPermissionDenied, format, args...)
}

func NewProviderUnavailable(providerID string) *Error {
	return NewErrorf(KindProviderUnavailable, "provider %q is unavailable", providerID)
}

func NewCommunicationFailure(format string, args ...interface{}) *Error {
	return NewErrorf(KindCommunicationFailure, format, args...)
}

func NewResourceExhausted(format string, args ...interface{}) *Error {
	return NewErrorf(KindResourceExhausted, format, args...)
}

func NewTimeout(format string, args ...interface{}) *Error {
	return NewErrorf(KindTimeout, format, args...)
}

func NewNoSuitableNode() *Error {
	return NewErrorf(KindNoSuitableNode, "no node satisfies the placement constraints")
}

func NewCrashDetected(instanceID, reason string) *Error {
	return NewErrorf(KindCrashDetected, "instance %q crashed: %s", instanceID, reason)
}

func NewRestartPolicyViolation(instanceID, reason string) *Error {
	return NewErrorf(KindRestartPolicyViolation, "instance %q exhausted its restart policy: %s", instanceID, reason)
}

func NewInternalError(format string, args ...interface{}) *Error {
	return NewErrorf(KindInternalError, format, args...)
}
