// Package safety classifies inbound email content before it is relayed.
// Every check is pure and independent of the others.
package safety

import (
	"path/filepath"
	"strings"

	"github.com/shineum/webhook-relay-lite/internal/email"
)

// DefaultMaxTotalBytes is the outbound transport's hard message limit (30 MB).
const DefaultMaxTotalBytes int64 = 30 * 1024 * 1024

// encryptionMarkers identify PGP and S/MIME content. Matched case-insensitively.
var encryptionMarkers = []string{
	"-----begin pgp message-----",
	"-----begin pgp signed message-----",
	"application/pgp-encrypted",
	"application/pkcs7-mime",
	"application/x-pkcs7-mime",
	"smime.p7m",
	"multipart/encrypted",
}

// unsafeExtensions is the denylist of executable and script file extensions.
var unsafeExtensions = map[string]bool{
	"exe": true, "bat": true, "cmd": true, "com": true, "scr": true, "pif": true,
	"msi": true, "msp": true, "vbs": true, "vbe": true, "js": true, "jse": true,
	"ws": true, "wsf": true, "wsc": true, "wsh": true, "ps1": true, "ps1xml": true,
	"ps2": true, "psm1": true, "psd1": true, "hta": true, "cpl": true, "jar": true,
	"lnk": true, "reg": true, "inf": true, "scf": true, "dll": true, "sys": true,
	"gadget": true, "application": true, "msc": true, "apk": true, "app": true,
	"deb": true, "rpm": true, "sh": true,
}

// Result holds the independent classification flags for one email.
type Result struct {
	EmptyBody        bool
	Encrypted        bool
	UnsafeAttachment bool
	OversizedPayload bool

	// UnsafeFiles lists the filenames that tripped UnsafeAttachment.
	UnsafeFiles []string

	// TotalBytes is the size used for the OversizedPayload decision.
	TotalBytes int64
}

// Rejected reports whether the content must not be forwarded.
func (r Result) Rejected() bool {
	return r.Encrypted || r.OversizedPayload
}

// Classifier runs the content checks against a configured size ceiling.
type Classifier struct {
	// MaxTotalBytes is the size ceiling. Zero means DefaultMaxTotalBytes.
	MaxTotalBytes int64
}

// Classify computes every flag for msg.
func (c Classifier) Classify(msg *email.Inbound) Result {
	limit := c.MaxTotalBytes
	if limit <= 0 {
		limit = DefaultMaxTotalBytes
	}

	res := Result{
		EmptyBody:  IsEmptyBody(msg.TextBody, msg.HTMLBody),
		Encrypted:  IsEncrypted(msg.TextBody + msg.HTMLBody),
		TotalBytes: TotalSize(msg),
	}
	res.OversizedPayload = res.TotalBytes > limit

	for _, att := range msg.Attachments {
		if IsEncrypted(att.ContentType) || IsEncrypted(att.Filename) {
			res.Encrypted = true
		}
		if IsUnsafeFilename(att.Filename) {
			res.UnsafeFiles = append(res.UnsafeFiles, att.Filename)
		}
	}
	res.UnsafeAttachment = len(res.UnsafeFiles) > 0

	return res
}

// IsEncrypted reports whether body contains a PGP or S/MIME marker.
func IsEncrypted(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range encryptionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsUnsafeFilename reports whether the extension of name is on the denylist.
func IsUnsafeFilename(name string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(strings.TrimSpace(name))), ".")
	return ext != "" && unsafeExtensions[ext]
}

// TotalSize returns the text and HTML byte lengths plus the decoded size of
// every attachment.
func TotalSize(msg *email.Inbound) int64 {
	n := int64(len(msg.TextBody) + len(msg.HTMLBody))
	for _, att := range msg.Attachments {
		n += int64(len(att.Content))
	}
	return n
}
