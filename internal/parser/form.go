package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"slices"
	"strconv"
	"strings"

	"github.com/shineum/webhook-relay-lite/internal/email"
)

// Form field names used by the inbound parse webhook.
const (
	fieldFrom           = "from"
	fieldSubject        = "subject"
	fieldText           = "text"
	fieldHTML           = "html"
	fieldAttachmentInfo = "attachment-info"
	fieldCharsets       = "charsets"
	fieldRawEmail       = "email"
)

// attachmentInfo is one entry of the attachment-info JSON object.
type attachmentInfo struct {
	Filename  string `json:"filename"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	ContentID string `json:"content-id"`
}

// ParseForm converts a decoded multipart form into an Inbound. When the form
// carries a raw message in the "email" field (or file part) it is decoded as
// MIME instead, with the "from" field as the envelope sender fallback.
//
// The caller owns the form and must call RemoveAll on it.
func ParseForm(form *multipart.Form) (*email.Inbound, error) {
	if form == nil {
		return nil, fmt.Errorf("%w: empty form", ErrMalformedPayload)
	}

	charsets := parseCharsets(formValue(form, fieldCharsets))
	value := func(key string) string {
		return decodeCharset(formValue(form, key), charsets[key])
	}

	if raw, ok, err := rawMessage(form); err != nil {
		return nil, err
	} else if ok {
		return parseRaw(raw, value(fieldFrom))
	}

	addr, name, err := parseSender(value(fieldFrom))
	if err != nil {
		return nil, err
	}

	result := &email.Inbound{
		From:     addr,
		FromName: name,
		Subject:  value(fieldSubject),
		TextBody: value(fieldText),
		HTMLBody: value(fieldHTML),
	}

	infos := map[string]attachmentInfo{}
	if raw := formValue(form, fieldAttachmentInfo); strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &infos); err != nil {
			slog.Warn("failed to parse attachment metadata, dropping attachments",
				"error", err,
			)
			result.MetadataErr = fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
			return result, nil
		}
	}

	attachments, err := readFileParts(form, infos)
	if err != nil {
		return nil, err
	}
	result.Attachments = attachments

	return result, nil
}

// readFileParts reads every uploaded file and pairs it with its metadata
// entry by field name. Parts are returned in natural field-key order.
func readFileParts(form *multipart.Form, infos map[string]attachmentInfo) ([]email.InboundAttachment, error) {
	keys := make([]string, 0, len(form.File))
	for key := range form.File {
		if key == fieldRawEmail {
			continue
		}
		keys = append(keys, key)
	}
	slices.SortFunc(keys, compareFieldKeys)

	var result []email.InboundAttachment
	for _, key := range keys {
		info, hasInfo := infos[key]
		if !hasInfo {
			slog.Debug("file part has no metadata entry", "field", key)
		}

		for _, fh := range form.File[key] {
			content, err := readFileHeader(fh)
			if err != nil {
				return nil, fmt.Errorf("%w: reading %s: %v", ErrMalformedPayload, key, err)
			}

			filename := fh.Filename
			if filename == "" {
				filename = info.Filename
			}
			if filename == "" {
				filename = info.Name
			}

			contentType := fh.Header.Get("Content-Type")
			if contentType == "" {
				contentType = info.Type
			}
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			if filename == "" {
				filename = fallbackFilename(contentType)
			}

			result = append(result, email.InboundAttachment{
				FieldKey:          key,
				Filename:          filename,
				ContentType:       contentType,
				DeclaredContentID: trimContentID(info.ContentID),
				Content:           content,
			})
		}
	}

	return result, nil
}

// rawMessage returns the raw MIME message carried by the form, if any.
func rawMessage(form *multipart.Form) (io.Reader, bool, error) {
	if files := form.File[fieldRawEmail]; len(files) > 0 {
		content, err := readFileHeader(files[0])
		if err != nil {
			return nil, false, fmt.Errorf("%w: reading raw message: %v", ErrMalformedPayload, err)
		}
		return bytes.NewReader(content), true, nil
	}
	if raw := formValue(form, fieldRawEmail); raw != "" {
		return strings.NewReader(raw), true, nil
	}
	return nil, false, nil
}

// readFileHeader reads the whole content of an uploaded file, which may be
// held in memory or staged on disk.
func readFileHeader(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// formValue returns the first value of a form field, or "".
func formValue(form *multipart.Form, key string) string {
	if vals := form.Value[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// compareFieldKeys orders keys by their alphabetic prefix and then by their
// numeric suffix, so attachment2 sorts before attachment10.
func compareFieldKeys(a, b string) int {
	pa, na := splitNumericSuffix(a)
	pb, nb := splitNumericSuffix(b)
	if c := strings.Compare(pa, pb); c != 0 {
		return c
	}
	if na != nb {
		if na < nb {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func splitNumericSuffix(s string) (string, int) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == len(s) {
		return s, -1
	}
	n, err := strconv.Atoi(s[i:])
	if err != nil {
		return s, -1
	}
	return s[:i], n
}
