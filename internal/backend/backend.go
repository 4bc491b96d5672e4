// Package backend holds the model-backend collaborator boundary: the call
// contract, the transient/permanent error split the worker's retry policy
// keys on, and the per-family soft-refusal classifier.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Request carries one prompt to a model backend. The conversation id lets
// the backend load its own context server-side.
type Request struct {
	Model          string
	Prompt         string
	ConversationID string
}

// Client is implemented per model family. Generate must return within the
// deadline carried by ctx; the worker supplies the retry/timeout envelope.
type Client interface {
	Generate(ctx context.Context, request Request) (string, error)
}

// Error classifies a backend failure. Transient failures (timeouts,
// connection errors, 5xx/429) are retried via broker redelivery; permanent
// ones fail the task immediately.
type Error struct {
	Transient bool
	Message   string
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Err != nil {
		return fmt.Sprintf("backend %s error: %s: %v", kind, e.Message, e.Err)
	}
	return fmt.Sprintf("backend %s error: %s", kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(message string, err error) *Error {
	return &Error{Transient: true, Message: message, Err: err}
}

func Permanent(message string, err error) *Error {
	return &Error{Transient: false, Message: message, Err: err}
}

// IsTransient reports whether err should be retried. Unclassified errors
// count as transient so flaky failures get the benefit of redelivery.
func IsTransient(err error) bool {
	var backendErr *Error
	if errors.As(err, &backendErr) {
		return backendErr.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return true
}
