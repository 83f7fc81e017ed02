package domain

import (
	"errors"
	"fmt"
	"time"
)

// TransientError covers network failures, 5xx responses and rate-limit
// rejections. The operation may succeed if retried.
type TransientError struct {
	Op string
	// RetryAfter is a provider hint, zero when unknown.
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RetryDelay returns the provider's retry hint.
func (e *TransientError) RetryDelay() time.Duration { return e.RetryAfter }

// PermanentError covers 4xx responses other than rate limiting and undecodable
// payloads. Retrying will not help.
type PermanentError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("permanent error during %s (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent error during %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ConflictError is raised inside the store when a natural key collides. The
// store resolves it itself; it should not reach ingestion callers.
type ConflictError struct {
	NaturalKey string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("interaction %q already exists", e.NaturalKey)
}

// ConfigurationError is fatal for the invocation: missing credentials, a
// malformed target or an invalid query filter.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Msg
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Msg)
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

func IsConfiguration(err error) bool {
	var c *ConfigurationError
	return errors.As(err, &c)
}
