package webhook

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/shineum/webhook-relay-lite/internal/parser"
	"github.com/shineum/webhook-relay-lite/internal/provider"
	"github.com/shineum/webhook-relay-lite/internal/relay"
)

const requestIDHeader = "X-Request-Id"

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(requestID)
	r.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)
	r.Handle(s.config.Path, s.auth.Middleware(http.HandlerFunc(s.handleWebhook))).Methods(http.MethodPost)
	return r
}

// requestID tags the request with a fresh ID and a logger carrying it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(requestIDHeader, id)
		ctx := relay.WithLogger(r.Context(), slog.With("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	log := relay.Logger(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := r.ParseMultipartForm(s.config.MemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn("request body too large", "limit", tooLarge.Limit)
			writeText(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		log.Warn("failed to parse multipart form", "error", err)
		writeText(w, http.StatusBadRequest, "Malformed payload")
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			log.Warn("failed to remove staged uploads", "error", err)
		}
	}()

	in, err := parser.ParseForm(r.MultipartForm)
	if err != nil {
		log.Warn("rejected payload", "error", err)
		writeText(w, http.StatusBadRequest, rejectionMessage(err))
		return
	}
	if in.MetadataErr != nil && s.config.StrictMetadata {
		log.Warn("rejected payload", "error", in.MetadataErr)
		writeText(w, http.StatusBadRequest, "Malformed attachment-info")
		return
	}

	log.Info("webhook received",
		"from", in.From,
		"attachments", len(in.Attachments),
	)

	out, err := s.config.Relay.Process(r.Context(), in)
	if err != nil {
		writeText(w, provider.StatusOf(err), "Error forwarding email: "+err.Error())
		return
	}
	if out.Notice {
		writeText(w, http.StatusOK, "Failure notice sent")
		return
	}
	writeText(w, http.StatusOK, "Email forwarded successfully")
}

// rejectionMessage maps a parser error to the response body.
func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, parser.ErrMissingSender):
		return "Missing required field: from"
	case errors.Is(err, parser.ErrInvalidSender):
		return "Invalid sender address"
	default:
		return "Malformed payload"
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body)
}
