// Package ses implements a Provider that relays messages via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/jhillyerd/enmime/v2"

	"github.com/shineum/webhook-relay-lite/internal/email"
	"github.com/shineum/webhook-relay-lite/internal/provider"
)

const providerName = "ses"

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// MaxRetries is the number of retries for throttled or transient
	// failures. Zero sends exactly once.
	MaxRetries int
}

// SESProvider relays messages via the AWS SES v2 API.
type SESProvider struct {
	client     SendEmailAPI
	maxRetries int
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SESProvider{
		client:     sesv2.NewFromConfig(awsCfg),
		maxRetries: cfg.MaxRetries,
	}, nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(client SendEmailAPI, maxRetries int) *SESProvider {
	return &SESProvider{
		client:     client,
		maxRetries: maxRetries,
	}
}

// Send relays msg via AWS SES v2 as a raw MIME message, so the Reply-To
// header and inline Content-ID parts survive.
func (s *SESProvider) Send(ctx context.Context, msg *email.OutboundMessage) error {
	raw, err := buildRawMessage(msg)
	if err != nil {
		return &provider.SendError{
			Provider:  providerName,
			Message:   fmt.Sprintf("failed to build raw message: %v", err),
			Permanent: true,
		}
	}

	input := &sesv2.SendEmailInput{
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: raw,
			},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", s.maxRetries,
			)
			if err := provider.SleepWithContext(ctx, provider.BackoffDelay(attempt-1)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		_, err := s.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		sendErr := classifyError(err)
		lastErr = sendErr
		slog.Warn("SES API error",
			"attempt", attempt,
			"status", sendErr.StatusCode,
			"error", err,
		)
		if sendErr.Permanent {
			return sendErr
		}
	}

	return lastErr
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return providerName
}

// classifyError maps an SDK error onto a SendError, keeping the HTTP status
// of the SES response when there is one.
func classifyError(err error) *provider.SendError {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return provider.Classify(providerName, respErr.HTTPStatusCode(), err.Error(), "")
	}
	return provider.Classify(providerName, 0, err.Error(), "")
}

// buildRawMessage encodes msg as MIME. Inline attachments are placed in a
// multipart/related part next to the HTML they are referenced from; the rest
// are attached to the outer multipart/mixed part.
func buildRawMessage(msg *email.OutboundMessage) ([]byte, error) {
	b := enmime.Builder().
		From("", msg.From).
		To("", msg.To).
		Subject(msg.Subject)

	if msg.ReplyTo != "" {
		b = b.ReplyTo("", msg.ReplyTo)
	}
	if msg.TextBody != "" {
		b = b.Text([]byte(msg.TextBody))
	}
	if msg.HTMLBody != "" {
		b = b.HTML([]byte(msg.HTMLBody))
	}

	for _, att := range msg.Attachments {
		if att.Disposition == email.Inline && msg.HTMLBody != "" {
			b = b.AddInline(att.Content, att.ContentType, att.Filename, att.ContentID)
			continue
		}
		b = b.AddAttachment(att.Content, att.ContentType, att.Filename)
	}

	root, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build MIME tree: %w", err)
	}

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode MIME message: %w", err)
	}
	return buf.Bytes(), nil
}
