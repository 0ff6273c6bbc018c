package engine

import (
	"fmt"
	"strings"
	"time"
)

// ProviderError is a failure of the code-generation collaborator. The
// classifier reads StatusCode and Retryable; the orchestrator honors
// RetryAfter as a lower bound on the backoff.
type ProviderError struct {
	Provider   string
	Status     int
	Message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *ProviderError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.Provider, e.Status, msg)
}

func (e *ProviderError) StatusCode() int            { return e.Status }
func (e *ProviderError) Retryable() bool            { return e.retryable }
func (e *ProviderError) RetryAfter() *time.Duration { return e.retryAfter }

// ErrorFromStatus maps a generator HTTP status to a ProviderError.
func ErrorFromStatus(provider string, status int, message string, retryAfter *time.Duration) error {
	e := &ProviderError{
		Provider:   strings.TrimSpace(provider),
		Status:     status,
		Message:    message,
		retryAfter: retryAfter,
	}
	switch status {
	case 400, 401, 403, 404, 413, 422:
		e.retryable = false
	case 408, 429, 500, 502, 503, 504:
		e.retryable = true
	default:
		// Unknown statuses default to retryable.
		e.retryable = true
	}
	return e
}
