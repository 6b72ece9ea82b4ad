package page

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"pagewatch/pkg/logx"
)

// Fetcher retrieves the raw content of a URL. It is the only blocking
// collaborator of the detector; implementations must bound their own
// timeouts.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Result is the outcome of one change check.
//
// Digest is the sha256 hex of the normalized page text, or the previous
// digest unchanged when the fetch failed. Changed is only true when a
// previous digest existed and differs from the new one; the first
// observation reports Changed=false with a fresh Digest that callers
// must still persist as the comparison baseline.
type Result struct {
	Digest  string
	Changed bool
	Summary string
}

// Hash returns the sha256 hex digest of the UTF-8 encoding of text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Detector checks URLs for content changes against a known digest.
type Detector struct {
	fetcher Fetcher
	log     logx.Logger
}

func NewDetector(fetcher Fetcher, log logx.Logger) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{fetcher: fetcher, log: log}
}

// CheckForChanges fetches url, normalizes and hashes the content, and
// compares the digest against prev ("" means no baseline yet).
//
// Fetch failures are swallowed: the previous digest is returned
// untouched so callers never overwrite last-known-good state.
func (d *Detector) CheckForChanges(ctx context.Context, url, prev string) Result {
	raw, err := d.fetcher.Fetch(ctx, url)
	if err != nil {
		d.log.Warn("fetch failed", logx.String("url", url), logx.Err(err))
		return Result{Digest: prev, Changed: false, Summary: "fetch failed"}
	}

	text := Normalize(raw)
	digest := Hash(text)

	if prev == "" {
		return Result{Digest: digest, Changed: false, Summary: "initial check, monitoring started"}
	}
	if digest != prev {
		// Only a length heuristic is available: previous content is not
		// retained, just its hash.
		return Result{
			Digest:  digest,
			Changed: true,
			Summary: fmt.Sprintf("content changed, length=%d", len([]rune(text))),
		}
	}
	return Result{Digest: digest, Changed: false, Summary: "no changes"}
}
