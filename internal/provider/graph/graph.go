package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shineum/webhook-relay-lite/internal/email"
	"github.com/shineum/webhook-relay-lite/internal/provider"
)

const providerName = "msgraph"

// GraphProviderConfig holds the configuration for creating a GraphProvider.
type GraphProviderConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// Sender is the mailbox the message is sent from.
	Sender string

	// MaxRetries is the number of retries for rate limited or transient
	// failures. A token refresh after 401 does not count as a retry.
	MaxRetries int
}

// GraphProvider relays messages via the Microsoft Graph API using OAuth2
// client credentials authentication.
type GraphProvider struct {
	sendURL    string
	httpClient *http.Client
	tokens     *tokenSource
	maxRetries int
}

// New creates a new GraphProvider with the given configuration.
func New(cfg GraphProviderConfig) *GraphProvider {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	sendURL := fmt.Sprintf(
		"https://graph.microsoft.com/v1.0/users/%s/sendMail",
		url.PathEscape(cfg.Sender),
	)
	return newWithOverrides(cfg, sendURL, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

// newWithOverrides creates a GraphProvider with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg GraphProviderConfig, sendURL, tokenURL string, client *http.Client) *GraphProvider {
	return &GraphProvider{
		sendURL:    sendURL,
		httpClient: client,
		tokens:     newTokenSource(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		maxRetries: cfg.MaxRetries,
	}
}

// Send relays msg via the Graph sendMail endpoint. A 401 triggers a single
// token refresh; 429 honours Retry-After and 5xx backs off exponentially,
// both within the configured retry budget.
func (g *GraphProvider) Send(ctx context.Context, msg *email.OutboundMessage) error {
	body, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	refreshed := false
	attempt := 0
	for {
		err := g.post(ctx, body)
		if err == nil {
			return nil
		}

		var se *provider.SendError
		if !errors.As(err, &se) {
			return err
		}

		if se.StatusCode == http.StatusUnauthorized && !refreshed {
			slog.Info("refreshing Graph API token after 401")
			if _, rerr := g.tokens.Invalidate(ctx); rerr != nil {
				return fmt.Errorf("token refresh failed: %w", rerr)
			}
			refreshed = true
			continue
		}

		if se.Permanent || se.StatusCode == http.StatusUnauthorized || attempt >= g.maxRetries {
			return se
		}

		delay := retryDelay(se, attempt)
		slog.Info("transient Graph API error, retrying",
			"status", se.StatusCode,
			"attempt", attempt+1,
			"max_retries", g.maxRetries,
			"delay", delay,
		)
		if err := provider.SleepWithContext(ctx, delay); err != nil {
			return fmt.Errorf("context cancelled during retry wait: %w", err)
		}
		attempt++
	}
}

// Name returns the provider name.
func (g *GraphProvider) Name() string {
	return providerName
}

// post performs a single sendMail request.
func (g *GraphProvider) post(ctx context.Context, body []byte) error {
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.sendURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return provider.Classify(providerName, 0, fmt.Sprintf("HTTP request failed: %v", err), "")
	}
	defer resp.Body.Close()

	// sendMail answers 202 Accepted.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	raw, _ := io.ReadAll(resp.Body)
	message := string(raw)

	var er errorResponse
	if jsonErr := json.Unmarshal(raw, &er); jsonErr == nil && er.Error.Message != "" {
		message = er.Error.Message
	}

	return provider.Classify(providerName, resp.StatusCode, message, resp.Header.Get("Retry-After"))
}

// retryDelay uses Retry-After when the API rate limited the request and
// falls back to exponential backoff.
func retryDelay(se *provider.SendError, attempt int) time.Duration {
	if se.StatusCode == http.StatusTooManyRequests {
		if seconds, err := strconv.Atoi(se.RetryAfter); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return provider.BackoffDelay(attempt)
}
