// Package resolver assigns stable content identifiers to inbound attachments
// and rewrites the HTML body so that every cid: reference points at one of
// them.
package resolver

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/shineum/webhook-relay-lite/internal/email"
)

var (
	// cidRef matches a whole cid: token up to the next delimiter. The token
	// must start the input or follow a quote, paren, equals sign, whitespace
	// or the end of an entity such as &quot;.
	cidRef = regexp.MustCompile(`(?i)(^|[\s"'(=;>])cid:([^\s"'()<>&;]+)`)

	// dataURI matches base64 image data embedded in markup.
	dataURI = regexp.MustCompile(`(?i)data:image/([a-z0-9.+-]+);base64,([a-z0-9+/=\r\n]+)`)
)

// Result is the outcome of resolving one message.
type Result struct {
	Attachments []email.ResolvedAttachment
	HTML        string
}

// Resolve maps each attachment to a content ID and disposition, rewrites
// cid: references from field keys to content IDs, and converts base64 data
// URI images into inline attachments. It does not modify its inputs and
// returns the same result for the same input.
func Resolve(atts []email.InboundAttachment, html string) Result {
	referenced := referencedIDs(html)

	resolved := make([]email.ResolvedAttachment, 0, len(atts))
	rewrites := make(map[string]string, len(atts))
	taken := make(map[string]bool, len(atts))

	for i, att := range atts {
		contentID := att.DeclaredContentID
		if contentID == "" {
			contentID = fmt.Sprintf("attachment%d", i+1)
		}
		contentID = uniqueID(contentID, taken)
		if att.FieldKey != "" && att.FieldKey != contentID {
			if _, dup := rewrites[att.FieldKey]; !dup {
				rewrites[att.FieldKey] = contentID
			}
		}

		disposition := email.Attached
		if isImage(att.ContentType) {
			switch {
			case att.DeclaredContentID != "", referenced[att.FieldKey]:
				disposition = email.Inline
			default:
				slog.Info("image has no content ID and is not referenced, attaching",
					"field", att.FieldKey,
					"filename", att.Filename,
				)
			}
		}

		resolved = append(resolved, email.ResolvedAttachment{
			ContentID:   contentID,
			Disposition: disposition,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Content:     att.Content,
		})
	}

	html = rewriteReferences(html, rewrites, resolved)
	html, extracted := extractDataURIs(html, taken)
	resolved = append(resolved, extracted...)

	return Result{Attachments: resolved, HTML: html}
}

// referencedIDs returns the set of identifiers referenced as cid: tokens.
func referencedIDs(html string) map[string]bool {
	ids := map[string]bool{}
	for _, m := range cidRef.FindAllStringSubmatch(html, -1) {
		ids[m[2]] = true
	}
	return ids
}

// uniqueID returns id, or id with the first free -<n> suffix when another
// attachment already uses it, and marks the result as taken.
func uniqueID(id string, taken map[string]bool) string {
	unique := id
	for n := 2; taken[unique]; n++ {
		unique = fmt.Sprintf("%s-%d", id, n)
	}
	taken[unique] = true
	return unique
}

// rewriteReferences replaces cid:<fieldKey> with cid:<contentID> in a single
// pass over whole tokens, so a key never matches inside a longer one and one
// replacement never feeds another.
func rewriteReferences(html string, rewrites map[string]string, resolved []email.ResolvedAttachment) string {
	known := make(map[string]bool, len(resolved))
	for _, att := range resolved {
		known[att.ContentID] = true
	}

	matches := cidRef.FindAllStringSubmatchIndex(html, -1)
	if len(matches) == 0 {
		return html
	}

	var (
		b    strings.Builder
		last int
	)
	for _, m := range matches {
		// m[4]:m[5] is the identifier; everything before it is kept.
		id := html[m[4]:m[5]]
		contentID, ok := rewrites[id]
		if !ok {
			contentID = id
			if !known[id] {
				slog.Warn("unresolved cid reference", "content_id", id)
			}
		}
		b.WriteString(html[last:m[4]])
		b.WriteString(contentID)
		last = m[5]
	}
	b.WriteString(html[last:])
	return b.String()
}

// extractDataURIs replaces each decodable data URI image with a cid:
// reference and returns the synthesized inline attachments. Content IDs are
// derived from the byte offset of the match and kept clear of taken ones.
func extractDataURIs(html string, taken map[string]bool) (string, []email.ResolvedAttachment) {
	matches := dataURI.FindAllStringSubmatchIndex(html, -1)
	if len(matches) == 0 {
		return html, nil
	}

	var (
		b         strings.Builder
		extracted []email.ResolvedAttachment
		last      int
	)
	for _, m := range matches {
		start, end := m[0], m[1]
		subtype := strings.ToLower(html[m[2]:m[3]])
		payload := stripSpace(html[m[4]:m[5]])

		content, err := decodeBase64(payload)
		if err != nil || len(content) == 0 {
			slog.Warn("skipping undecodable data URI", "offset", start, "error", err)
			continue
		}

		contentID := uniqueID(fmt.Sprintf("datauri%d", start), taken)
		extracted = append(extracted, email.ResolvedAttachment{
			ContentID:   contentID,
			Disposition: email.Inline,
			Filename:    contentID + "." + extension(subtype),
			ContentType: "image/" + subtype,
			Content:     content,
		})

		b.WriteString(html[last:start])
		b.WriteString("cid:" + contentID)
		last = end
	}
	b.WriteString(html[last:])

	return b.String(), extracted
}

// decodeBase64 accepts both padded and unpadded input.
func decodeBase64(s string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return decoded, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}

// extension maps an image subtype to a conventional file extension.
func extension(subtype string) string {
	switch subtype {
	case "jpeg", "pjpeg":
		return "jpg"
	case "svg+xml":
		return "svg"
	case "x-icon", "vnd.microsoft.icon":
		return "ico"
	}
	return subtype
}

func isImage(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/")
}
