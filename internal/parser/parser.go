// Package parser turns inbound webhook payloads into email.Inbound values.
// It accepts both the structured form shape (discrete fields plus file parts)
// and a single raw RFC 5322 message.
package parser

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime/v2"

	"github.com/shineum/webhook-relay-lite/internal/email"
)

var (
	// ErrMissingSender is returned when no sender address is present.
	ErrMissingSender = errors.New("missing required field: from")

	// ErrInvalidSender is returned when the sender is not an RFC 5322 address.
	ErrInvalidSender = errors.New("invalid sender address")

	// ErrMalformedPayload is returned when the payload cannot be decoded.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrMalformedMetadata marks an unparsable attachment-info field. It is
	// reported through email.Inbound.MetadataErr rather than returned.
	ErrMalformedMetadata = errors.New("malformed attachment metadata")
)

// ParseRaw decodes a raw RFC 5322 message. Body parts are decoded according to
// their transfer encoding and charset; every attachment, inline and
// unrecognized part becomes an InboundAttachment keyed attachment1..N.
func ParseRaw(r io.Reader) (*email.Inbound, error) {
	return parseRaw(r, "")
}

// parseRaw is ParseRaw with an envelope sender used when the message has no
// From header.
func parseRaw(r io.Reader, fallbackFrom string) (*email.Inbound, error) {
	env, err := enmime.ReadEnvelope(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	for _, perr := range env.Errors {
		slog.Warn("MIME decoding problem",
			"name", perr.Name,
			"detail", perr.Detail,
			"severe", perr.Severe,
		)
	}

	from := env.GetHeader("From")
	if strings.TrimSpace(from) == "" {
		from = fallbackFrom
	}
	addr, name, err := parseSender(from)
	if err != nil {
		return nil, err
	}

	result := &email.Inbound{
		From:     addr,
		FromName: name,
		Subject:  env.GetHeader("Subject"),
		TextBody: env.Text,
		HTMLBody: env.HTML,
		Raw:      true,
	}

	parts := make([]*enmime.Part, 0, len(env.Inlines)+len(env.Attachments)+len(env.OtherParts))
	parts = append(parts, env.Inlines...)
	parts = append(parts, env.Attachments...)
	parts = append(parts, env.OtherParts...)

	for i, part := range parts {
		filename := part.FileName
		if filename == "" {
			filename = fallbackFilename(part.ContentType)
		}
		result.Attachments = append(result.Attachments, email.InboundAttachment{
			FieldKey:          fmt.Sprintf("attachment%d", i+1),
			Filename:          filename,
			ContentType:       part.ContentType,
			DeclaredContentID: trimContentID(part.ContentID),
			Content:           part.Content,
		})
	}

	return result, nil
}

// parseSender validates a From value and returns the bare address and the
// display name.
func parseSender(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", ErrMissingSender
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q: %v", ErrInvalidSender, raw, err)
	}
	return addr.Address, addr.Name, nil
}

// trimContentID strips the angle brackets surrounding a Content-ID header value.
func trimContentID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	return strings.TrimSuffix(id, ">")
}

// fallbackFilename derives a name from the media type so that every
// attachment carries one; several transports reject unnamed files.
func fallbackFilename(contentType string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		parts := strings.SplitN(mediaType, "/", 2)
		if len(parts) == 2 && parts[1] != "" {
			return "attachment." + parts[1]
		}
	}
	return "attachment"
}
