// Package email defines the request-scoped data model shared by the relay pipeline.
package email

import "encoding/base64"

// Inbound is a webhook payload normalized into a single shape, whether it
// arrived as discrete form fields or as a raw RFC 822 message.
type Inbound struct {
	// From is the bare sender address. It is never empty once ingested.
	From     string
	FromName string
	Subject  string
	TextBody string
	HTMLBody string

	Attachments []InboundAttachment

	// MetadataErr is set when the attachment metadata side channel could
	// not be parsed. Attachments is empty in that case.
	MetadataErr error

	// Raw reports whether the payload was a raw MIME message.
	Raw bool
}

// InboundAttachment is one binary part of the inbound payload.
type InboundAttachment struct {
	// FieldKey correlates the part with its metadata entry (e.g. "attachment1").
	FieldKey          string
	Filename          string
	ContentType       string
	DeclaredContentID string
	Content           []byte
}

// Disposition controls whether an attachment is rendered inline or offered
// as a separate file.
type Disposition int

const (
	Attached Disposition = iota
	Inline
)

// String returns the MIME Content-Disposition token.
func (d Disposition) String() string {
	if d == Inline {
		return "inline"
	}
	return "attachment"
}

// ResolvedAttachment is an attachment with a stable content identifier and a
// decided disposition, ready for an outbound transport.
type ResolvedAttachment struct {
	ContentID   string
	Disposition Disposition
	Filename    string
	ContentType string
	Content     []byte
}

// EncodedContent returns the standard base64 encoding of the content.
func (a ResolvedAttachment) EncodedContent() string {
	return base64.StdEncoding.EncodeToString(a.Content)
}

// OutboundMessage is the message handed to a relay provider.
type OutboundMessage struct {
	To          string
	From        string
	ReplyTo     string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []ResolvedAttachment

	// Notice is true when the message is a failure notice substituted for
	// the original content.
	Notice bool
}

// Size returns the body lengths plus the decoded attachment bytes.
func (m *OutboundMessage) Size() int64 {
	n := int64(len(m.TextBody) + len(m.HTMLBody))
	for _, att := range m.Attachments {
		n += int64(len(att.Content))
	}
	return n
}
