// Package assembler builds the outbound message for a classified and
// resolved inbound email: either a forwarded copy or a failure notice.
package assembler

import (
	"fmt"
	"html"
	"strings"

	"github.com/shineum/webhook-relay-lite/internal/email"
	"github.com/shineum/webhook-relay-lite/internal/resolver"
	"github.com/shineum/webhook-relay-lite/internal/safety"
)

const (
	noSubject = "(no subject)"
	noContent = "(This email has no content.)"

	unsafeWarning   = "WARNING: This email contains potentially unsafe attachments: %s. Open them with caution."
	metadataWarning = "WARNING: Attachment information could not be parsed, so the attachments of the original email were dropped."

	encryptedReason = "The email appears to be encrypted (PGP or S/MIME) and cannot be safely forwarded."
	oversizedReason = "The email is %s, which exceeds the %s relay limit."
	rejectedReason  = "The delivery service rejected the forwarded email: %s"
)

// Assembler holds the fixed addressing and the size ceiling.
type Assembler struct {
	To   string
	From string

	// MaxTotalBytes bounds the assembled message. Zero means
	// safety.DefaultMaxTotalBytes.
	MaxTotalBytes int64
}

// Assemble returns the message to relay. When the classification rejects the
// content, or the forwarded message would exceed the size ceiling, a failure
// notice is returned together with the reasons for the rejection.
func (a Assembler) Assemble(in *email.Inbound, cls safety.Result, res resolver.Result) (*email.OutboundMessage, []string) {
	limit := a.limit()

	var reasons []string
	if cls.Encrypted {
		reasons = append(reasons, encryptedReason)
	}
	if cls.OversizedPayload {
		reasons = append(reasons, fmt.Sprintf(oversizedReason, email.FormatSize(cls.TotalBytes), email.FormatSize(limit)))
	}
	if len(reasons) > 0 {
		return a.Notice(in, reasons), reasons
	}

	msg := a.forward(in, cls, res)
	if size := msg.Size(); size > limit {
		reasons = []string{fmt.Sprintf(oversizedReason, email.FormatSize(size), email.FormatSize(limit))}
		return a.Notice(in, reasons), reasons
	}
	return msg, nil
}

// Notice builds a failure notice for in. It carries none of the original
// content or attachments.
func (a Assembler) Notice(in *email.Inbound, reasons []string) *email.OutboundMessage {
	intro := fmt.Sprintf("An email from %s could not be forwarded.", in.From)

	var text strings.Builder
	text.WriteString(intro)
	text.WriteString("\n")
	for _, r := range reasons {
		text.WriteString("\n")
		text.WriteString(r)
	}

	var body strings.Builder
	body.WriteString("<p>" + html.EscapeString(intro) + "</p><ul>")
	for _, r := range reasons {
		body.WriteString("<li>" + html.EscapeString(r) + "</li>")
	}
	body.WriteString("</ul>")

	return &email.OutboundMessage{
		To:       a.To,
		From:     a.From,
		ReplyTo:  in.From,
		Subject:  "Undeliverable email from " + in.From,
		TextBody: text.String(),
		HTMLBody: body.String(),
		Notice:   true,
	}
}

// RejectedNotice builds the failure notice sent when the delivery service
// permanently refuses the forwarded copy of in.
func (a Assembler) RejectedNotice(in *email.Inbound, cause string) (*email.OutboundMessage, []string) {
	reasons := []string{fmt.Sprintf(rejectedReason, cause)}
	return a.Notice(in, reasons), reasons
}

// forward builds the forwarded copy of in.
func (a Assembler) forward(in *email.Inbound, cls safety.Result, res resolver.Result) *email.OutboundMessage {
	subject := strings.TrimSpace(in.Subject)
	if subject == "" {
		subject = noSubject
	}

	intro := fmt.Sprintf("Original message from %s:", in.From)

	textBody := in.TextBody
	htmlBody := res.HTML
	if cls.EmptyBody {
		textBody = noContent
		htmlBody = "<p>" + html.EscapeString(noContent) + "</p>"
	}

	text := intro
	if textBody != "" {
		text += "\n\n" + textBody
	}

	var markup string
	switch {
	case htmlBody != "":
		markup = "<p>" + html.EscapeString(intro) + "</p>" + htmlBody
	case in.MetadataErr != nil:
		// The dropped-attachments banner goes in both bodies.
		markup = "<p>" + html.EscapeString(intro) + "</p>"
		if textBody != "" {
			markup += "<pre>" + html.EscapeString(textBody) + "</pre>"
		}
	}

	var warnings []string
	if cls.UnsafeAttachment {
		warnings = append(warnings, fmt.Sprintf(unsafeWarning, strings.Join(cls.UnsafeFiles, ", ")))
	}
	if in.MetadataErr != nil {
		warnings = append(warnings, metadataWarning)
	}
	for _, w := range warnings {
		text += "\n\n" + w
		if markup != "" {
			markup += "<p><strong>" + html.EscapeString(w) + "</strong></p>"
		}
	}

	var attachments []email.ResolvedAttachment
	if in.MetadataErr == nil {
		attachments = res.Attachments
	}

	return &email.OutboundMessage{
		To:          a.To,
		From:        a.From,
		ReplyTo:     in.From,
		Subject:     in.From + ": " + subject,
		TextBody:    text,
		HTMLBody:    markup,
		Attachments: attachments,
	}
}

func (a Assembler) limit() int64 {
	if a.MaxTotalBytes > 0 {
		return a.MaxTotalBytes
	}
	return safety.DefaultMaxTotalBytes
}
