// Package artifact implements the Artifact Store (spec.md §4.4): a
// deterministic tar+gzip packager and streaming SHA-256 hashing,
// ported from tools/create_tarball.py and sha256.py.
package artifact

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"os"
)

// readChunkSize mirrors the original's BUF_SIZE = 10*1024.
const readChunkSize = 10 * 1024

// HashBytes returns the URL-safe, unpadded base64 encoding of the
// SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// HashReader streams r in readChunkSize chunks and returns the
// URL-safe base64 SHA-256 digest, matching hash_file()'s buffered
// read loop.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, readChunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("artifact: hash reader: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)), nil
}

// HashFile streams a file from disk and returns its hash, the Go
// equivalent of sha256.py's hash_file().
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("artifact: open %s: %w", path, err)
	}
	defer f.Close()
	return HashReader(f)
}

// NamedInfoURI formats a digest as the RFC 6920 named-information URI
// the callback envelope and votes_hash parameter use:
// "ni:///sha-256;<url-safe-base64>".
func NamedInfoURI(digestB64 string) string {
	return "ni:///sha-256;" + digestB64
}

// ConstantTimeEqual compares two digests (or any two secret-derived
// strings) in constant time, independent of where they first differ,
// per spec.md §9 "security-sensitive comparisons are constant-time".
// It short-circuits on length mismatch, as the original
// constant_time_compare() did.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// DigestFromNamedInfoURI extracts the base64 suffix from a
// "ni:///sha-256;..." URI, or returns it unchanged if the prefix is
// absent (so callers can validate the prefix separately).
func DigestFromNamedInfoURI(uri string) string {
	const prefix = "ni:///sha-256;"
	if len(uri) > len(prefix) && uri[:len(prefix)] == prefix {
		return uri[len(prefix):]
	}
	return uri
}
