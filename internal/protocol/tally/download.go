package tally

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/sequentech/orchestra/internal/artifact"
)

const votesHashPrefix = "ni:///sha-256;"

// downloadAndVerifyBallots streams votesURL to destPath while hashing
// it, and requires the digest to match votesHash (which must carry the
// "ni:///sha-256;" prefix spec.md §4.3 mandates), comparing in
// constant time.
func downloadAndVerifyBallots(ctx context.Context, client *http.Client, votesURL, votesHash, destPath string) error {
	if !strings.HasPrefix(votesHash, votesHashPrefix) {
		return fmt.Errorf("tally: votes_hash missing %q prefix", votesHashPrefix)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, votesURL, nil)
	if err != nil {
		return fmt.Errorf("tally: build download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("tally: download ballot bundle: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("tally: ballot bundle download returned HTTP %d", resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("tally: create %s: %w", destPath, err)
	}
	defer out.Close()

	h := sha256.New()
	if _, err := io.Copy(out, io.TeeReader(resp.Body, h)); err != nil {
		return fmt.Errorf("tally: write ballot bundle: %w", err)
	}

	digest := base64.RawURLEncoding.EncodeToString(h.Sum(nil))
	want := artifact.DigestFromNamedInfoURI(votesHash)
	if !artifact.ConstantTimeEqual(digest, want) {
		return fmt.Errorf("tally: ballot bundle hash mismatch")
	}
	return nil
}
