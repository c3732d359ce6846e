package parser

import (
	"bytes"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"
	"testing"
)

// testFile is a file part added to a test form.
type testFile struct {
	field       string
	filename    string
	contentType string
	content     string
}

// buildForm encodes fields and files as multipart/form-data and decodes them
// again, producing the same *multipart.Form an HTTP handler would see.
func buildForm(t *testing.T, fields map[string]string, files ...testFile) *multipart.Form {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("failed to write field %s: %v", k, err)
		}
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.field, f.filename))
		if f.contentType != "" {
			h.Set("Content-Type", f.contentType)
		}
		part, err := w.CreatePart(h)
		if err != nil {
			t.Fatalf("failed to create part %s: %v", f.field, err)
		}
		part.Write([]byte(f.content))
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	form, err := multipart.NewReader(&buf, w.Boundary()).ReadForm(1 << 20)
	if err != nil {
		t.Fatalf("failed to read form: %v", err)
	}
	t.Cleanup(func() { form.RemoveAll() })
	return form
}

func TestParseFormScalarFields(t *testing.T) {
	t.Parallel()

	form := buildForm(t, map[string]string{
		"from":    "Alice <a@x.com>",
		"subject": "Hi",
		"text":    "Hello",
		"html":    "<p>Hello</p>",
	})

	msg, err := ParseForm(form)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.From != "a@x.com" {
		t.Errorf("From: got %q, want %q", msg.From, "a@x.com")
	}
	if msg.FromName != "Alice" {
		t.Errorf("FromName: got %q, want %q", msg.FromName, "Alice")
	}
	if msg.Subject != "Hi" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "Hi")
	}
	if msg.TextBody != "Hello" {
		t.Errorf("TextBody: got %q, want %q", msg.TextBody, "Hello")
	}
	if msg.HTMLBody != "<p>Hello</p>" {
		t.Errorf("HTMLBody: got %q, want %q", msg.HTMLBody, "<p>Hello</p>")
	}
	if msg.Raw {
		t.Error("Raw: got true, want false")
	}
	if msg.MetadataErr != nil {
		t.Errorf("MetadataErr: got %v, want nil", msg.MetadataErr)
	}
}

func TestParseFormMissingSender(t *testing.T) {
	t.Parallel()

	form := buildForm(t, map[string]string{"subject": "Hi", "text": "Hello"})

	_, err := ParseForm(form)
	if !errors.Is(err, ErrMissingSender) {
		t.Errorf("error: got %v, want ErrMissingSender", err)
	}
}

func TestParseFormNil(t *testing.T) {
	t.Parallel()

	if _, err := ParseForm(nil); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("error: got %v, want ErrMalformedPayload", err)
	}
}

func TestParseFormAttachmentMetadata(t *testing.T) {
	t.Parallel()

	form := buildForm(t,
		map[string]string{
			"from":            "a@x.com",
			"html":            `<img src="cid:attachment1">`,
			"attachment-info": `{"attachment1":{"filename":"logo.png","type":"image/png","content-id":"<ii_logo>"},"attachment2":{"filename":"notes.txt","type":"text/plain"}}`,
		},
		testFile{field: "attachment2", filename: "notes.txt", contentType: "text/plain", content: "notes"},
		testFile{field: "attachment1", filename: "logo.png", contentType: "image/png", content: "PNGDATA"},
	)

	msg, err := ParseForm(form)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(msg.Attachments) != 2 {
		t.Fatalf("Attachments: got %d, want 2", len(msg.Attachments))
	}

	first := msg.Attachments[0]
	if first.FieldKey != "attachment1" {
		t.Errorf("Attachments[0].FieldKey: got %q, want %q", first.FieldKey, "attachment1")
	}
	if first.DeclaredContentID != "ii_logo" {
		t.Errorf("Attachments[0].DeclaredContentID: got %q, want %q", first.DeclaredContentID, "ii_logo")
	}
	if string(first.Content) != "PNGDATA" {
		t.Errorf("Attachments[0].Content: got %q, want %q", string(first.Content), "PNGDATA")
	}
	if first.ContentType != "image/png" {
		t.Errorf("Attachments[0].ContentType: got %q, want %q", first.ContentType, "image/png")
	}

	second := msg.Attachments[1]
	if second.FieldKey != "attachment2" {
		t.Errorf("Attachments[1].FieldKey: got %q, want %q", second.FieldKey, "attachment2")
	}
	if second.DeclaredContentID != "" {
		t.Errorf("Attachments[1].DeclaredContentID: got %q, want empty", second.DeclaredContentID)
	}
}

func TestParseFormFilePartsWithoutMetadata(t *testing.T) {
	t.Parallel()

	form := buildForm(t,
		map[string]string{"from": "a@x.com"},
		testFile{field: "attachment1", filename: "a.bin", content: "x"},
	)

	msg, err := ParseForm(form)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(msg.Attachments))
	}
	if msg.Attachments[0].Filename != "a.bin" {
		t.Errorf("Filename: got %q, want %q", msg.Attachments[0].Filename, "a.bin")
	}
	if msg.Attachments[0].ContentType != "application/octet-stream" {
		t.Errorf("ContentType: got %q, want %q", msg.Attachments[0].ContentType, "application/octet-stream")
	}
}

func TestParseFormMalformedMetadata(t *testing.T) {
	t.Parallel()

	form := buildForm(t,
		map[string]string{
			"from":            "a@x.com",
			"text":            "Hello",
			"attachment-info": `{"attachment1": {`,
		},
		testFile{field: "attachment1", filename: "a.pdf", contentType: "application/pdf", content: "pdf"},
	)

	msg, err := ParseForm(form)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !errors.Is(msg.MetadataErr, ErrMalformedMetadata) {
		t.Errorf("MetadataErr: got %v, want ErrMalformedMetadata", msg.MetadataErr)
	}
	if len(msg.Attachments) != 0 {
		t.Errorf("Attachments: got %d, want 0", len(msg.Attachments))
	}
	if msg.TextBody != "Hello" {
		t.Errorf("TextBody: got %q, want %q", msg.TextBody, "Hello")
	}
}

func TestParseFormNaturalOrder(t *testing.T) {
	t.Parallel()

	var files []testFile
	for _, n := range []int{10, 2, 1} {
		files = append(files, testFile{
			field:    fmt.Sprintf("attachment%d", n),
			filename: fmt.Sprintf("f%d.txt", n),
			content:  "x",
		})
	}
	form := buildForm(t, map[string]string{"from": "a@x.com"}, files...)

	msg, err := ParseForm(form)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []string
	for _, att := range msg.Attachments {
		got = append(got, att.FieldKey)
	}
	want := "attachment1,attachment2,attachment10"
	if strings.Join(got, ",") != want {
		t.Errorf("order: got %v, want %s", got, want)
	}
}

func TestParseFormCharsets(t *testing.T) {
	t.Parallel()

	form := buildForm(t, map[string]string{
		"from":     "a@x.com",
		"subject":  "caf\xe9",
		"text":     "plain",
		"charsets": `{"subject":"iso-8859-1","text":"UTF-8"}`,
	})

	msg, err := ParseForm(form)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Subject != "café" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "café")
	}
	if msg.TextBody != "plain" {
		t.Errorf("TextBody: got %q, want %q", msg.TextBody, "plain")
	}
}

func TestParseFormRawEmailField(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		"Subject: From raw",
		"Content-Type: text/plain",
		"",
		"Raw body",
	}, "\r\n")

	form := buildForm(t, map[string]string{
		"from":  "envelope@example.com",
		"email": raw,
	})

	msg, err := ParseForm(form)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !msg.Raw {
		t.Error("Raw: got false, want true")
	}
	if msg.From != "envelope@example.com" {
		t.Errorf("From: got %q, want %q", msg.From, "envelope@example.com")
	}
	if msg.Subject != "From raw" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "From raw")
	}
}

func TestParseFormRawEmailFile(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		"From: raw@example.com",
		"Subject: Uploaded",
		"Content-Type: text/plain",
		"",
		"Uploaded body",
	}, "\r\n")

	form := buildForm(t, nil, testFile{field: "email", filename: "message.eml", contentType: "message/rfc822", content: raw})

	msg, err := ParseForm(form)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.From != "raw@example.com" {
		t.Errorf("From: got %q, want %q", msg.From, "raw@example.com")
	}
	if len(msg.Attachments) != 0 {
		t.Errorf("Attachments: got %d, want 0", len(msg.Attachments))
	}
}

func TestCompareFieldKeys(t *testing.T) {
	t.Parallel()

	if compareFieldKeys("attachment2", "attachment10") >= 0 {
		t.Error("attachment2 should sort before attachment10")
	}
	if compareFieldKeys("attachment1", "attachment1") != 0 {
		t.Error("equal keys should compare equal")
	}
	if compareFieldKeys("a", "b") >= 0 {
		t.Error("a should sort before b")
	}
}
