package config

import (
	"io"

	"github.com/kelseyhightower/envconfig"
)

// environment is the raw environment layer. Values stay strings so that a
// variable that is set but empty leaves the file or default value in place.
type environment struct {
	WebhookListen         string `envconfig:"WEBHOOK_LISTEN" desc:"listen address of the webhook endpoint (default :3000)"`
	Port                  string `envconfig:"PORT" desc:"port to listen on when WEBHOOK_LISTEN is unset"`
	WebhookPath           string `envconfig:"WEBHOOK_PATH" desc:"path of the webhook endpoint (default /webhook)"`
	WebhookUsername       string `envconfig:"WEBHOOK_USERNAME" desc:"basic auth username"`
	WebhookPassword       string `envconfig:"WEBHOOK_PASSWORD" desc:"basic auth password"`
	WebhookMaxBodyBytes   string `envconfig:"WEBHOOK_MAX_BODY_BYTES" desc:"maximum request body size in bytes"`
	WebhookMemoryBytes    string `envconfig:"WEBHOOK_MEMORY_BYTES" desc:"multipart bytes held in memory before spooling to disk"`
	WebhookStrictMetadata string `envconfig:"WEBHOOK_STRICT_METADATA" desc:"reject malformed attachment-info with 400"`

	ToEmail            string `envconfig:"TO_EMAIL" desc:"recipient of every relayed message"`
	FromEmail          string `envconfig:"FROM_EMAIL" desc:"sender of every relayed message"`
	RelayMaxTotalBytes string `envconfig:"RELAY_MAX_TOTAL_BYTES" desc:"size ceiling of a relayed message in bytes"`
	RelayMaxInFlight   string `envconfig:"RELAY_MAX_IN_FLIGHT" desc:"concurrent transport calls, 0 for unbounded"`
	RelayMaxRetries    string `envconfig:"RELAY_MAX_RETRIES" desc:"transport retries for transient failures"`

	Provider           string `envconfig:"PROVIDER" desc:"sendgrid, ses, graph or stdout"`
	SendGridAPIKey     string `envconfig:"SENDGRID_API_KEY" desc:"SendGrid API key"`
	SESRegion          string `envconfig:"SES_REGION" desc:"AWS region for SES"`
	SESAccessKeyID     string `envconfig:"SES_ACCESS_KEY_ID" desc:"static AWS access key id"`
	SESSecretAccessKey string `envconfig:"SES_SECRET_ACCESS_KEY" desc:"static AWS secret access key"`
	GraphTenantID      string `envconfig:"GRAPH_TENANT_ID" desc:"Azure AD tenant id"`
	GraphClientID      string `envconfig:"GRAPH_CLIENT_ID" desc:"Azure AD application id"`
	GraphClientSecret  string `envconfig:"GRAPH_CLIENT_SECRET" desc:"Azure AD client secret"`

	TLSEnabled  string `envconfig:"TLS_ENABLED" desc:"serve the webhook over HTTPS"`
	TLSCertFile string `envconfig:"TLS_CERT_FILE" desc:"PEM certificate; self-signed when unset"`
	TLSKeyFile  string `envconfig:"TLS_KEY_FILE" desc:"PEM private key"`

	LogLevel string `envconfig:"LOG_LEVEL" desc:"debug, info, warn or error"`
}

// PrintUsage writes a table of the supported environment variables.
func PrintUsage(w io.Writer) error {
	return envconfig.Usagef("", &environment{}, w, envconfig.DefaultTableFormat)
}
