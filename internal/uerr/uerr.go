// Package uerr defines the closed error taxonomy used across the
// orchestrator. Every user-visible failure carries a stable machine tag and
// a human message; callers branch on the tag, never on message text.
package uerr

import (
	"errors"
	"fmt"
)

// Tag identifies an error class. The set is closed: new tags require a
// protocol-level decision, not a local convenience.
type Tag string

const (
	TagConfigInvalid          Tag = "ConfigInvalid"
	TagServiceUnavailable     Tag = "ServiceUnavailable"
	TagServiceBusy            Tag = "ServiceBusy"
	TagUnknownTool            Tag = "UnknownTool"
	TagSchemaValidationFailed Tag = "SchemaValidationFailed"
	TagPermissionDenied       Tag = "PermissionDenied"
	TagElicitationDeclined    Tag = "ElicitationDeclined"
	TagElicitationTimeout     Tag = "ElicitationTimeout"
	TagElicitationNotFound    Tag = "ElicitationNotFound"
	TagURLRedirectRequired    Tag = "UrlRedirectRequired"
	TagUnauthenticated        Tag = "Unauthenticated"
	TagInvalidAPIKey          Tag = "InvalidApiKey"
	TagAPIKeyExpired          Tag = "ApiKeyExpired"
	TagAPIKeyRevoked          Tag = "ApiKeyRevoked"
	TagInvalidToken           Tag = "InvalidToken"
	TagUserDeactivated        Tag = "UserDeactivated"
	TagTransport              Tag = "TransportError"
	TagInternal               Tag = "Internal"
)

// Error is the single concrete error type crossing component boundaries.
type Error struct {
	Tag       Tag
	Message   string
	Retryable bool // meaningful only for TagTransport
	Details   []string
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Tag, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Tag, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a tagged error.
func New(tag Tag, format string, args ...any) *Error {
	return &Error{Tag: tag, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a tagged error with a cause.
func Wrap(tag Tag, cause error, format string, args ...any) *Error {
	return &Error{Tag: tag, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Transport constructs a TransportError with an explicit retryability.
func Transport(retryable bool, cause error, format string, args ...any) *Error {
	return &Error{Tag: TagTransport, Message: fmt.Sprintf(format, args...), Retryable: retryable, cause: cause}
}

// Validation constructs a SchemaValidationFailed error carrying the
// per-field failure list.
func Validation(details []string) *Error {
	return &Error{
		Tag:     TagSchemaValidationFailed,
		Message: fmt.Sprintf("validation failed (%d violations)", len(details)),
		Details: details,
	}
}

// TagOf returns the tag of err, unwrapping as needed. Untagged errors
// report TagInternal.
func TagOf(err error) Tag {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Tag
	}
	return TagInternal
}

// IsRetryable reports whether err is a retryable transport error.
func IsRetryable(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Tag == TagTransport && ue.Retryable
	}
	return false
}

// MCP protocol error codes surfaced at the server boundary.
const (
	CodeElicitationFailed   = -32001 // declined, canceled, or expired
	CodeNotFound            = -32002
	CodeURLRedirectRequired = -32042
)

// MCPCode maps an error tag to its MCP error code, or 0 when the error has
// no protocol-level mapping.
func MCPCode(err error) int {
	switch TagOf(err) {
	case TagElicitationDeclined, TagElicitationTimeout:
		return CodeElicitationFailed
	case TagElicitationNotFound:
		return CodeNotFound
	case TagURLRedirectRequired:
		return CodeURLRedirectRequired
	}
	return 0
}
