// Package errs defines the error taxonomy shared across the monitoring core.
// Call sites discriminate with errors.As where they can act: the RPC pool
// rotates on RPCError, the state machine drops NotifierError, and only
// ConfigError aborts the process.
package errs

import (
	"errors"
	"fmt"
)

// ConfigError is fatal: the process cannot start or continue with the given
// configuration.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config: " + e.Msg }

// Configf builds a ConfigError from a format string.
func Configf(format string, args ...interface{}) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// RPCError wraps a fault from one chain endpoint. Recoverable by rotation.
type RPCError struct {
	Endpoint string
	Err      error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s: %v", e.Endpoint, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

// APIError wraps an off-chain HTTP failure, carrying the status code so
// callers can treat 404 as "none".
type APIError struct {
	Status int
	URL    string
	Err    error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("api %s (status %d): %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("api %s: status %d", e.URL, e.Status)
}

func (e *APIError) Unwrap() error { return e.Err }

// NotifierError wraps a chat-notification failure. Always swallowed.
type NotifierError struct {
	Err error
}

func (e *NotifierError) Error() string { return fmt.Sprintf("notifier: %v", e.Err) }

func (e *NotifierError) Unwrap() error { return e.Err }

// Recoverable reports whether the state machine may log the error and keep
// running. Unknown error types default to recoverable.
func Recoverable(err error) bool {
	if err == nil {
		return true
	}
	var ce *ConfigError
	return !errors.As(err, &ce)
}
