// Package textutil cleans user-supplied free text before it is stored on orders.
package textutil

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var strict = bluemonday.StrictPolicy()

// PlainText strips markup, collapses whitespace and truncates to maxRunes (0 means no limit).
func PlainText(value string, maxRunes int) string {
	stripped := html.UnescapeString(strict.Sanitize(value))
	fields := strings.FieldsFunc(stripped, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	})
	out := strings.Join(fields, " ")
	if maxRunes > 0 {
		if runes := []rune(out); len(runes) > maxRunes {
			out = strings.TrimSpace(string(runes[:maxRunes]))
		}
	}
	return out
}
