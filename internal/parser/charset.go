package parser

import (
	"encoding/json"
	"log/slog"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// parseCharsets decodes the charsets field, a JSON object mapping field
// names to the charset the provider received them in. Invalid input yields
// an empty map.
func parseCharsets(raw string) map[string]string {
	charsets := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return charsets
	}
	if err := json.Unmarshal([]byte(raw), &charsets); err != nil {
		slog.Warn("ignoring unparsable charsets field", "error", err)
		return map[string]string{}
	}
	return charsets
}

// decodeCharset transcodes value from the named charset to UTF-8. Unknown
// charsets and decoding failures leave the value untouched.
func decodeCharset(value, charset string) string {
	charset = strings.ToLower(strings.TrimSpace(charset))
	switch charset {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return value
	}

	enc := lookupEncoding(charset)
	if enc == nil {
		slog.Warn("unknown charset, leaving field as received", "charset", charset)
		return value
	}

	decoded, err := enc.NewDecoder().String(value)
	if err != nil {
		slog.Warn("failed to decode field", "charset", charset, "error", err)
		return value
	}
	return decoded
}

func lookupEncoding(charset string) encoding.Encoding {
	enc, _ := ianaindex.MIME.Encoding(charset)
	if enc == nil {
		enc, _ = ianaindex.IANA.Encoding(charset)
	}
	return enc
}
