package page

import (
	"context"
	"errors"
	"testing"

	"pagewatch/pkg/logx"
)

type fakeFetcher struct {
	body string
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	return f.body, f.err
}

func TestHashStable(t *testing.T) {
	a := Hash("Hello World")
	b := Hash("Hello World")
	if a != b {
		t.Fatalf("Hash not deterministic: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("Hash length = %d, want 64 hex chars", len(a))
	}
	if a == Hash("Hello World!") {
		t.Fatalf("different inputs produced same digest")
	}
}

func TestCheckForChangesInitial(t *testing.T) {
	f := &fakeFetcher{body: "<html><body>Hello</body></html>"}
	d := NewDetector(f, logx.Nop())

	res := d.CheckForChanges(context.Background(), "https://example.com", "")
	if res.Changed {
		t.Fatalf("initial check must not report a change")
	}
	if res.Digest != Hash("Hello") {
		t.Fatalf("Digest = %q, want hash of normalized text", res.Digest)
	}
	if res.Summary != "initial check, monitoring started" {
		t.Fatalf("Summary = %q", res.Summary)
	}
}

func TestCheckForChangesNoChange(t *testing.T) {
	f := &fakeFetcher{body: "<html><body>Hello</body></html>"}
	d := NewDetector(f, logx.Nop())
	prev := Hash("Hello")

	res := d.CheckForChanges(context.Background(), "https://example.com", prev)
	if res.Changed {
		t.Fatalf("unchanged content reported as changed")
	}
	if res.Digest != prev {
		t.Fatalf("Digest = %q, want previous %q", res.Digest, prev)
	}
	if res.Summary != "no changes" {
		t.Fatalf("Summary = %q", res.Summary)
	}
}

func TestCheckForChangesChanged(t *testing.T) {
	f := &fakeFetcher{body: "<html><body>Hello World</body></html>"}
	d := NewDetector(f, logx.Nop())
	prev := Hash("Hello")

	res := d.CheckForChanges(context.Background(), "https://example.com", prev)
	if !res.Changed {
		t.Fatalf("changed content not reported")
	}
	if res.Digest != Hash("Hello World") {
		t.Fatalf("Digest = %q, want hash of new text", res.Digest)
	}
	if res.Summary != "content changed, length=11" {
		t.Fatalf("Summary = %q", res.Summary)
	}
}

func TestCheckForChangesFetchFailure(t *testing.T) {
	f := &fakeFetcher{err: errors.New("connection refused")}
	d := NewDetector(f, logx.Nop())
	prev := Hash("Hello")

	res := d.CheckForChanges(context.Background(), "https://example.com", prev)
	if res.Changed {
		t.Fatalf("fetch failure must not report a change")
	}
	if res.Digest != prev {
		t.Fatalf("fetch failure must preserve the previous digest, got %q", res.Digest)
	}
	if res.Summary != "fetch failed" {
		t.Fatalf("Summary = %q", res.Summary)
	}
}

func TestCheckForChangesFetchFailureNoBaseline(t *testing.T) {
	f := &fakeFetcher{err: errors.New("timeout")}
	d := NewDetector(f, logx.Nop())

	res := d.CheckForChanges(context.Background(), "https://example.com", "")
	if res.Changed || res.Digest != "" {
		t.Fatalf("got %+v, want empty digest and no change", res)
	}
}
