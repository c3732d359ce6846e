// Package provider defines the interface for outbound relay transports.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shineum/webhook-relay-lite/internal/email"
)

// Provider is the interface that relay transports must implement.
// Each provider hands the assembled message to the target service
// (e.g., SendGrid, AWS SES, Microsoft Graph, stdout).
type Provider interface {
	// Send delivers an outbound message through this provider.
	// Failures reported by the remote service are returned as *SendError.
	Send(ctx context.Context, msg *email.OutboundMessage) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// SendError is a delivery failure reported by a transport, classified for
// retry decisions and for the status surfaced to the webhook caller.
type SendError struct {
	Provider   string
	StatusCode int
	Message    string

	// Permanent is set when retrying the same request cannot succeed.
	Permanent bool

	// RetryAfter is the raw Retry-After header value, if any.
	RetryAfter string
}

func (e *SendError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s (HTTP %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Classify builds a SendError for an HTTP status returned by a remote API.
func Classify(providerName string, statusCode int, message, retryAfter string) *SendError {
	err := &SendError{
		Provider:   providerName,
		StatusCode: statusCode,
		Message:    message,
		RetryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusUnauthorized:
	case statusCode == http.StatusTooManyRequests:
	case statusCode >= 500:
	case statusCode == 0:
		// Connection-level failure.
	default:
		err.Permanent = true
	}

	return err
}

// StatusOf returns the HTTP status to report for a relay failure: the
// remote service's status when it is a client or server error, otherwise 500.
func StatusOf(err error) int {
	var sendErr *SendError
	if errors.As(err, &sendErr) && sendErr.StatusCode >= 400 && sendErr.StatusCode <= 599 {
		return sendErr.StatusCode
	}
	return http.StatusInternalServerError
}

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// BackoffDelay returns the exponential backoff delay for the given attempt
// number. Delays are: 1s, 2s, 4s, ...
func BackoffDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// SleepWithContext waits for the specified duration or until the context is
// cancelled.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
