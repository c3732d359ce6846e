// Package main is the entry point for the webhook relay server.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shineum/webhook-relay-lite/internal/assembler"
	"github.com/shineum/webhook-relay-lite/internal/config"
	"github.com/shineum/webhook-relay-lite/internal/provider"
	"github.com/shineum/webhook-relay-lite/internal/provider/graph"
	"github.com/shineum/webhook-relay-lite/internal/provider/sendgrid"
	"github.com/shineum/webhook-relay-lite/internal/provider/ses"
	"github.com/shineum/webhook-relay-lite/internal/provider/stdout"
	"github.com/shineum/webhook-relay-lite/internal/relay"
	"github.com/shineum/webhook-relay-lite/internal/safety"
	relaytls "github.com/shineum/webhook-relay-lite/internal/tls"
	"github.com/shineum/webhook-relay-lite/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	helpEnv := flag.Bool("help-env", false, "print the supported environment variables and exit")
	flag.Parse()

	if *helpEnv {
		if err := config.PrintUsage(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		slog.Error("failed to create provider", "provider", cfg.Provider, "error", err)
		os.Exit(1)
	}

	tlsConfig, tlsMode, err := setupTLS(cfg.TLS)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	pipeline := relay.New(
		safety.Classifier{MaxTotalBytes: cfg.Relay.MaxTotalBytes},
		assembler.Assembler{
			To:            cfg.Relay.To,
			From:          cfg.Relay.From,
			MaxTotalBytes: cfg.Relay.MaxTotalBytes,
		},
		prov,
		cfg.Relay.MaxInFlight,
	)

	server := webhook.New(webhook.ServerConfig{
		ListenAddr:     cfg.Webhook.Listen,
		Path:           cfg.Webhook.Path,
		Relay:          pipeline,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.Webhook.Username,
		AuthPassword:   cfg.Webhook.Password,
		MaxBodyBytes:   cfg.Webhook.MaxBodyBytes,
		MemoryBytes:    cfg.Webhook.MemoryBytes,
		StrictMetadata: cfg.Webhook.StrictMetadata,
	})

	slog.Info("starting webhook-relay-lite",
		"listen", cfg.Webhook.Listen,
		"path", cfg.Webhook.Path,
		"provider", prov.Name(),
		"to", cfg.Relay.To,
		"max_in_flight", cfg.Relay.MaxInFlight,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Blocks until ctx is cancelled.
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("webhook-relay-lite stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupTLS returns nil when HTTPS is disabled, together with a label for
// the startup log.
func setupTLS(cfg config.TLSConfig) (*tls.Config, string, error) {
	if !cfg.Enabled {
		return nil, "disabled", nil
	}
	tlsConfig, err := relaytls.LoadOrGenerateTLS(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, "", err
	}
	if cfg.CertFile != "" {
		return tlsConfig, "file", nil
	}
	return tlsConfig, "self-signed", nil
}

// selectProvider builds the delivery backend named by cfg.Provider.
// Credentials are checked by Config.Validate before this runs.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case "sendgrid":
		slog.Info("using SendGrid provider")
		return sendgrid.New(sendgrid.SendGridProviderConfig{
			APIKey:     cfg.SendGrid.APIKey,
			MaxRetries: cfg.Relay.MaxRetries,
		}), nil

	case "ses":
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"static_credentials", cfg.SES.AccessKeyID != "",
		)
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			MaxRetries:      cfg.Relay.MaxRetries,
		})
		if err != nil {
			return nil, err
		}
		return p, nil

	case "graph":
		slog.Info("using Microsoft Graph provider",
			"sender", cfg.Relay.From,
		)
		return graph.New(graph.GraphProviderConfig{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Relay.From,
			MaxRetries:   cfg.Relay.MaxRetries,
		}), nil

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
