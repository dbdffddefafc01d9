package practice

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the practice core.
type ErrorKind string

const (
	KindDeviceUnavailable ErrorKind = "device_unavailable"
	KindPolicyViolation   ErrorKind = "policy_violation"
	KindAnalysisFailed    ErrorKind = "analysis_failed"
	KindMalformedAnalysis ErrorKind = "malformed_analysis"
	KindUnsupportedFormat ErrorKind = "unsupported_format"
	KindServiceError      ErrorKind = "service_error"
	KindEmptyConversation ErrorKind = "empty_conversation"
	KindInvalidTransition ErrorKind = "invalid_transition"
)

// Error is the only error type the session machine hands to callers.
type Error struct {
	Kind    ErrorKind
	Message string
	// Details carries provider output or other diagnostics safe to show.
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on Kind so callers can write errors.Is(err, &Error{Kind: ...}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// NewError builds a practice error of the given kind.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of a practice error anywhere in err's chain, or ""
// if there is none.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) && pe != nil {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

func PolicyViolation(message string) *Error {
	return &Error{Kind: KindPolicyViolation, Message: message}
}

func DeviceUnavailable(err error) *Error {
	return &Error{Kind: KindDeviceUnavailable, Message: "microphone is not available", Err: err}
}

func EmptyConversation() *Error {
	return &Error{Kind: KindEmptyConversation, Message: "record at least one turn before ending the conversation"}
}

func InvalidTransition(op string, state any) *Error {
	return &Error{Kind: KindInvalidTransition, Message: fmt.Sprintf("%s is not allowed in state %v", op, state)}
}

func MalformedAnalysis(message string) *Error {
	return &Error{Kind: KindMalformedAnalysis, Message: message}
}

func UnsupportedFormat(details string) *Error {
	return &Error{
		Kind:    KindUnsupportedFormat,
		Message: "Unsupported audio format. Please try recording in a browser that produces WebM/Opus or M4A audio.",
		Details: details,
	}
}

func ServiceError(details string, err error) *Error {
	return &Error{
		Kind:    KindServiceError,
		Message: "Failed to analyze conversation.",
		Details: details,
		Err:     err,
	}
}

// AnalysisFailed wraps a per-turn upload failure. The cause keeps its own kind
// reachable through errors.As.
func AnalysisFailed(cause error) *Error {
	msg := "The server was unable to analyze your conversation."
	details := ""
	var pe *Error
	if errors.As(cause, &pe) && pe != nil {
		msg = pe.Message
		details = pe.Details
	}
	return &Error{Kind: KindAnalysisFailed, Message: msg, Details: details, Err: cause}
}
