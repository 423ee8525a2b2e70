// Package agent wraps model invocations behind retrying handles.
package agent

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies an invocation failure.
type ErrorKind string

const (
	// Transient kinds. Worth retrying.
	ErrKindTimeout         ErrorKind = "timeout"
	ErrKindConnectionReset ErrorKind = "connection-reset"
	ErrKindRateLimit       ErrorKind = "rate-limit"

	// Fatal kinds. Retrying will not help.
	ErrKindInvalidRequest ErrorKind = "invalid-request"
	ErrKindAuth           ErrorKind = "auth"
	ErrKindProtocol       ErrorKind = "protocol"
)

// AgentError is a classified invocation failure.
type AgentError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AgentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("agent error (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("agent error (%s): %v", e.Kind, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying.
func (e *AgentError) Transient() bool {
	switch e.Kind {
	case ErrKindTimeout, ErrKindConnectionReset, ErrKindRateLimit:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is a transient agent error.
func IsTransient(err error) bool {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Transient()
	}
	return false
}

// InvokeResult is the output of a single successful invocation.
type InvokeResult struct {
	// Text is the model response.
	Text string
	// Model is the model that produced the response.
	Model string
	// InputTokens and OutputTokens report usage when available.
	InputTokens  int64
	OutputTokens int64
}

// Invoker is the low-level connection to an agent backend.
type Invoker interface {
	// Start establishes the connection.
	Start(ctx context.Context) error
	// Invoke sends a prompt and waits for the full response.
	Invoke(ctx context.Context, prompt string) (*InvokeResult, error)
	// Probe checks whether the backend is responsive.
	Probe(ctx context.Context) error
	// Close tears down the connection.
	Close() error
}
