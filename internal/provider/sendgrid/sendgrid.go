// Package sendgrid implements a Provider that relays messages through the
// SendGrid v3 mail send API.
package sendgrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	sg "github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sendgrid/rest"

	"github.com/shineum/webhook-relay-lite/internal/email"
	"github.com/shineum/webhook-relay-lite/internal/provider"
)

const (
	providerName = "sendgrid"
	sendEndpoint = "/v3/mail/send"
)

// SendGridProviderConfig holds the configuration for creating a SendGridProvider.
type SendGridProviderConfig struct {
	APIKey string

	// MaxRetries is the number of retries for rate limited or transient
	// failures. Zero sends exactly once.
	MaxRetries int
}

// SendAPI is the subset of the SendGrid client used by the provider.
// Used for testing with mock implementations.
type SendAPI interface {
	SendWithContext(ctx context.Context, m *mail.SGMailV3) (*rest.Response, error)
}

// SendGridProvider relays messages via the SendGrid v3 API.
type SendGridProvider struct {
	client     SendAPI
	maxRetries int
}

// New creates a new SendGridProvider with the given configuration.
func New(cfg SendGridProviderConfig) *SendGridProvider {
	return &SendGridProvider{
		client:     sg.NewSendClient(cfg.APIKey),
		maxRetries: cfg.MaxRetries,
	}
}

// NewWithClient creates a SendGridProvider with a custom client, used for testing.
func NewWithClient(client SendAPI, maxRetries int) *SendGridProvider {
	return &SendGridProvider{
		client:     client,
		maxRetries: maxRetries,
	}
}

// newWithHost creates a SendGridProvider that talks to host instead of the
// public API, used for testing against an httptest server.
func newWithHost(apiKey, host string, maxRetries int) *SendGridProvider {
	req := sg.GetRequest(apiKey, sendEndpoint, host)
	req.Method = rest.Post
	return &SendGridProvider{
		client:     &sg.Client{Request: req},
		maxRetries: maxRetries,
	}
}

// Send relays msg through SendGrid. Rate limited (429) and 5xx responses
// are retried up to the configured limit; any other non-2xx status fails
// immediately.
func (p *SendGridProvider) Send(ctx context.Context, msg *email.OutboundMessage) error {
	m := buildMail(msg)

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := provider.BackoffDelay(attempt - 1)
			var se *provider.SendError
			if errors.As(lastErr, &se) {
				delay = retryAfterDelay(se.RetryAfter, attempt-1)
			}
			slog.Debug("retrying SendGrid API request",
				"attempt", attempt,
				"max_retries", p.maxRetries,
				"delay", delay,
			)
			if err := provider.SleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		err := p.doSend(ctx, m)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *provider.SendError
		if !errors.As(err, &se) || se.Permanent {
			return err
		}
		slog.Warn("SendGrid API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return lastErr
}

// Name returns the provider name.
func (p *SendGridProvider) Name() string {
	return providerName
}

// doSend performs a single mail send call.
func (p *SendGridProvider) doSend(ctx context.Context, m *mail.SGMailV3) error {
	resp, err := p.client.SendWithContext(ctx, m)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return provider.Classify(providerName, 0, err.Error(), "")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	return provider.Classify(providerName, resp.StatusCode, resp.Body, http.Header(resp.Headers).Get("Retry-After"))
}

// buildMail converts an outbound message into a SendGrid v3 mail body.
func buildMail(msg *email.OutboundMessage) *mail.SGMailV3 {
	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail("", msg.From))
	m.Subject = msg.Subject

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail("", msg.To))
	m.AddPersonalizations(p)

	if msg.ReplyTo != "" {
		m.SetReplyTo(mail.NewEmail("", msg.ReplyTo))
	}

	// The API requires text/plain ahead of text/html.
	if msg.TextBody != "" {
		m.AddContent(mail.NewContent("text/plain", msg.TextBody))
	}
	if msg.HTMLBody != "" {
		m.AddContent(mail.NewContent("text/html", msg.HTMLBody))
	}

	for _, att := range msg.Attachments {
		a := mail.NewAttachment()
		a.SetContent(att.EncodedContent())
		a.SetType(att.ContentType)
		a.SetFilename(att.Filename)
		a.SetDisposition(att.Disposition.String())
		a.SetContentID(att.ContentID)
		m.AddAttachment(a)
	}

	return m
}

// retryAfterDelay parses a Retry-After value in seconds, falling back to
// exponential backoff.
func retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return provider.BackoffDelay(attempt)
}
