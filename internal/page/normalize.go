// Package page turns fetched markup into a comparable fingerprint and
// decides whether a monitored URL has changed since the last check.
package page

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Normalize strips markup and noise from raw HTML and returns the
// visible text, suitable for hashing and comparison.
//
// Script, style, meta and noscript subtrees are removed entirely (their
// text must never leak into the result). Remaining text nodes are
// joined with single spaces and the result is trimmed. Empty input
// yields an empty string; Normalize never fails.
func Normalize(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		// html.Parse is tolerant; an error here means unreadable input.
		return ""
	}
	doc.Find("script, style, meta, noscript").Remove()

	// Fields() collapses runs of inter-element whitespace deterministically.
	return strings.Join(strings.Fields(doc.Text()), " ")
}
