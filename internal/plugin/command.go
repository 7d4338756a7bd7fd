package plugin

import (
	"strings"
	"unicode"
)

// SplitCommand strips prefix from text and splits on the first run of
// whitespace. ok is false when text does not start with prefix or carries no keyword.
func SplitCommand(text, prefix string) (keyword, rest string, ok bool) {
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", "", false
	}
	body := text[len(prefix):]
	i := strings.IndexFunc(body, unicode.IsSpace)
	if i < 0 {
		return body, "", body != ""
	}
	if i == 0 {
		return "", "", false
	}
	return body[:i], strings.TrimLeftFunc(body[i:], unicode.IsSpace), true
}
