package page

import (
	"strings"
	"testing"
)

func TestNormalizeStripsNoise(t *testing.T) {
	raw := `<html><head>
		<meta charset="utf-8">
		<style>body { color: red; }</style>
		<script>var secret = "tracker";</script>
	</head><body>
		<h1>Hello</h1>
		<noscript>enable javascript</noscript>
		<p>World</p>
	</body></html>`

	got := Normalize(raw)
	if got != "Hello World" {
		t.Fatalf("Normalize = %q, want %q", got, "Hello World")
	}
	for _, leaked := range []string{"tracker", "color", "enable javascript", "charset"} {
		if strings.Contains(got, leaked) {
			t.Fatalf("normalized text leaked %q: %q", leaked, got)
		}
	}
}

func TestNormalizeCollapsesWhitespace(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"tabs and newlines", "<p>a\t\tb\n\nc</p>", "a b c"},
		{"nested elements", "<div><span>a</span>   <span>b</span></div>", "a b"},
		{"leading and trailing", "  <p>  padded  </p>  ", "padded"},
		{"plain text", "no markup at all", "no markup at all"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.raw); got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeEmptyInput(t *testing.T) {
	for _, raw := range []string{"", "   ", "\n\t"} {
		if got := Normalize(raw); got != "" {
			t.Fatalf("Normalize(%q) = %q, want empty", raw, got)
		}
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	raw := "<html><body><p>stable   content</p><script>Date.now()</script></body></html>"
	first := Normalize(raw)
	for i := 0; i < 5; i++ {
		if got := Normalize(raw); got != first {
			t.Fatalf("run %d produced %q, first run produced %q", i, got, first)
		}
	}
}
