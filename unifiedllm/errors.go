package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass groups provider failures by how the caller should react.
type ErrorClass string

const (
	ClassAuth           ErrorClass = "auth"
	ClassAccessDenied   ErrorClass = "access_denied"
	ClassNotFound       ErrorClass = "not_found"
	ClassInvalidRequest ErrorClass = "invalid_request"
	ClassContextLength  ErrorClass = "context_length"
	ClassQuota          ErrorClass = "quota"
	ClassContentFilter  ErrorClass = "content_filter"
	ClassRateLimit      ErrorClass = "rate_limit"
	ClassServer         ErrorClass = "server"
	ClassTimeout        ErrorClass = "timeout"
	ClassNetwork        ErrorClass = "network"
	ClassConfig         ErrorClass = "config"
	ClassAborted        ErrorClass = "aborted"
	ClassUnknown        ErrorClass = "unknown"
)

// Retryable reports whether a failure of this class may succeed on a later
// attempt. Unclassified failures are treated as transient.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassRateLimit, ClassServer, ClassTimeout, ClassNetwork, ClassUnknown:
		return true
	}
	return false
}

// Error is the failure type returned by adapters and the Client.
type Error struct {
	Class    ErrorClass
	Provider string
	Status   int    // HTTP status, 0 when unknown
	Code     string // provider error code, if any
	Message  string
	// RetryAfter is the provider's requested wait before the next attempt.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Provider != "" {
		sb.WriteString(e.Provider)
		sb.WriteString(": ")
	}
	sb.WriteString(string(e.Class))
	if e.Status != 0 {
		fmt.Fprintf(&sb, " (%d)", e.Status)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil && e.Err.Error() != e.Message {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ClassForStatus maps an HTTP status code to an ErrorClass.
func ClassForStatus(status int) ErrorClass {
	switch status {
	case 400, 422:
		return ClassInvalidRequest
	case 401:
		return ClassAuth
	case 402:
		return ClassQuota
	case 403:
		return ClassAccessDenied
	case 404:
		return ClassNotFound
	case 408:
		return ClassTimeout
	case 413:
		return ClassContextLength
	case 429:
		return ClassRateLimit
	}
	if status >= 500 && status < 600 {
		return ClassServer
	}
	return ClassUnknown
}

// StatusError builds the error for an HTTP status returned by provider.
func StatusError(provider string, status int, message string) *Error {
	return &Error{Class: ClassForStatus(status), Provider: provider, Status: status, Message: message}
}

func configError(format string, args ...any) *Error {
	return &Error{Class: ClassConfig, Message: fmt.Sprintf(format, args...)}
}

// ClassOf returns the class of err. Errors that are not *Error are classed
// by their context cause, else as ClassUnknown.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var e *Error
	switch {
	case errors.As(err, &e):
		return e.Class
	case errors.Is(err, context.Canceled):
		return ClassAborted
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	}
	return ClassUnknown
}

// IsRetryable reports whether err is worth another attempt. A cancelled
// context is never retried, whatever wraps it.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return ClassOf(err).Retryable()
}
