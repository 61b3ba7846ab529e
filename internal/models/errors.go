package models

import (
	"errors"
	"fmt"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrStepNotFound         = errors.New("step not found")
	ErrNoActiveFlow         = errors.New("no active flow")
	ErrFlowNotFound         = errors.New("flow not found")
	ErrInvalidFlow          = errors.New("invalid flow definition")
	ErrConversationClosed   = errors.New("conversation is closed")
)

// ValidationError reports a malformed inbound payload. Events failing validation are
// dropped with a warning and never mutate a conversation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// AIErrorKind classifies routing failures.
type AIErrorKind string

const (
	AIErrorTimeout     AIErrorKind = "timeout"
	AIErrorTransport   AIErrorKind = "transport"
	AIErrorMalformed   AIErrorKind = "malformed"
	AIErrorInvalidStep AIErrorKind = "invalid_step"
)

// AIError is any failure of the AI Routing Client. The orchestrator recovers from it by
// handing the conversation off.
type AIError struct {
	Kind AIErrorKind
	Err  error
}

func (e *AIError) Error() string {
	if e.Err == nil {
		return "ai routing error: " + string(e.Kind)
	}
	return fmt.Sprintf("ai routing error: %s: %v", e.Kind, e.Err)
}

func (e *AIError) Unwrap() error { return e.Err }

// PersistenceError wraps a store failure. Operations failing with it are retried.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsAIError reports whether err is or wraps an AIError.
func IsAIError(err error) bool {
	var ae *AIError
	return errors.As(err, &ae)
}

// IsPersistenceError reports whether err is or wraps a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
