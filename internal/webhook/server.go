package webhook

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/shineum/webhook-relay-lite/internal/email"
	"github.com/shineum/webhook-relay-lite/internal/relay"
)

// shutdownTimeout is the maximum time to wait for in-flight requests
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// readHeaderTimeout bounds how long a client may take to send headers.
const readHeaderTimeout = 10 * time.Second

// Relayer runs a parsed inbound message through the relay.
type Relayer interface {
	Process(ctx context.Context, in *email.Inbound) (relay.Outcome, error)
}

// ServerConfig holds the configuration for the webhook server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":3000").
	ListenAddr string

	// Path is the route that accepts webhook POSTs.
	Path string

	// Relay processes every accepted payload.
	Relay Relayer

	// TLSConfig enables HTTPS when non-nil.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure HTTP Basic auth.
	// If either is empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// MaxBodyBytes bounds the request body.
	MaxBodyBytes int64

	// MemoryBytes is how much of a multipart body is kept in memory before
	// file parts are staged to disk.
	MemoryBytes int64

	// StrictMetadata rejects payloads whose attachment-info cannot be parsed.
	StrictMetadata bool
}

// Server accepts webhook requests and delegates them to a Relayer.
type Server struct {
	config ServerConfig
	auth   *Authenticator

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new webhook Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 20
	}
	if cfg.MemoryBytes <= 0 {
		cfg.MemoryBytes = 32 << 20
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
	}
}

// ListenAndServe starts the server and blocks until the context is cancelled.
// On cancellation it stops accepting new connections and waits up to 30
// seconds for in-flight requests to complete.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.Handler(),
		TLSConfig:         s.config.TLSConfig,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	slog.Info("webhook server listening",
		"addr", ln.Addr().String(),
		"path", s.config.Path,
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		slog.Info("shutting down webhook server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown timeout reached, forcing close", "error", err)
			srv.Close()
			return
		}
		slog.Info("all requests completed")
	}()

	if s.config.TLSConfig != nil {
		err = srv.ServeTLS(ln, "", "")
	} else {
		err = srv.Serve(ln)
	}
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	<-shutdownDone
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
