package safety

import (
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// meaningfulElements carry content even without any text node.
var meaningfulElements = map[string]bool{
	"a": true, "img": true, "ul": true, "ol": true, "li": true, "table": true,
	"form": true, "input": true, "button": true, "select": true, "textarea": true,
	"video": true, "audio": true, "source": true, "picture": true, "iframe": true,
	"embed": true, "object": true, "script": true, "style": true, "pre": true,
	"code": true, "blockquote": true, "q": true, "canvas": true, "svg": true,
	"math": true,
}

// textPolicy strips every element, keeping only text that would be rendered.
var textPolicy = bluemonday.StrictPolicy().SkipElementsContent("head", "title")

// IsEmptyBody reports whether neither body carries content. The text body is
// empty when it is whitespace only; the HTML body is empty when it holds no
// rendered text and none of the meaningful elements, so a body made of layout
// wrappers alone counts as empty.
func IsEmptyBody(text, htmlBody string) bool {
	if !isBlank(text) {
		return false
	}
	if isBlank(htmlBody) {
		return true
	}
	if hasMeaningfulElement(htmlBody) {
		return false
	}
	return isBlank(html.UnescapeString(textPolicy.Sanitize(htmlBody)))
}

// hasMeaningfulElement scans the markup for any element in meaningfulElements.
func hasMeaningfulElement(body string) bool {
	z := html.NewTokenizer(strings.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return false
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if meaningfulElements[strings.ToLower(string(name))] {
				return true
			}
		}
	}
}

// isBlank reports whether s holds only whitespace, including non-breaking
// and zero-width spaces.
func isBlank(s string) bool {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '\u200b' || r == '\u200c' || r == '\u200d' || r == '\ufeff'
	}) == ""
}
