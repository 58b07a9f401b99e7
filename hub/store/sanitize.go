package store

import (
	"html"
	"strings"
	"unicode/utf8"
)

// Highlight sentinels used in raw ts_headline output. They survive HTML
// escaping intact and are swapped for real <b> tags afterwards, so <b> is
// the only markup that can ever reach a client.
const (
	hlStart = "[[[hl]]]"
	hlStop  = "[[[/hl]]]"
)

// SanitizeSnippet HTML-escapes a raw highlighted snippet and restores the
// highlight sentinels as <b> tags.
func SanitizeSnippet(raw string) string {
	escaped := html.EscapeString(raw)
	escaped = strings.ReplaceAll(escaped, hlStart, "<b>")
	escaped = strings.ReplaceAll(escaped, hlStop, "</b>")
	return escaped
}

// truncateRunes cuts s to at most max bytes without splitting a multi-byte
// rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
