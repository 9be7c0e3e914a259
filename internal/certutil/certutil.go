// Package certutil implements the "is this sender me?" / "is this
// sender a registered authority?" certificate-equality checks used
// throughout the task engine and protocol state machines, ported from
// frestq.protocol.certs_differ.
package certutil

import (
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	gocache "github.com/patrickmn/go-cache"
)

// pairKey identifies an unordered pair of normalized PEM strings for
// the comparison-result LRU below.
type pairKey struct {
	a, b string
}

// Comparator memoizes certificate parsing and pairwise comparison
// results. Parsing happens on every inbound task in the original
// implementation; a Comparator avoids re-parsing the same PEM blob on
// every request.
type Comparator struct {
	parsed  *gocache.Cache        // normalized PEM -> *x509.Certificate
	results *lru.Cache[pairKey, bool] // (certA,certB) -> differ
}

// NewComparator builds a Comparator. parsedTTL controls how long a
// parsed certificate is kept in the in-process TTL cache;
// resultCacheSize bounds the LRU of pairwise comparison outcomes.
func NewComparator(parsedTTL time.Duration, resultCacheSize int) *Comparator {
	if resultCacheSize <= 0 {
		resultCacheSize = 1024
	}
	results, _ := lru.New[pairKey, bool](resultCacheSize)
	return &Comparator{
		parsed:  gocache.New(parsedTTL, parsedTTL*2),
		results: results,
	}
}

// Normalize strips surrounding whitespace and normalizes line endings
// on a PEM certificate string, the same whitespace-normalization the
// original certs_differ performed before comparing strings.
func Normalize(pemCert string) string {
	s := strings.ReplaceAll(pemCert, "\r\n", "\n")
	return strings.TrimSpace(s)
}

// Differ reports whether two PEM certificates are NOT the same
// certificate, matching the polarity of the original certs_differ
// (true means "different", i.e. not a match). Comparison of the raw
// normalized PEM is constant-time to avoid a timing oracle on
// certificate content (spec.md §9 "security-sensitive comparisons").
// Differ does not parse either certificate, so malformed PEM is not
// rejected; it simply compares as different from any other string.
func (c *Comparator) Differ(certA, certB string) bool {
	na, nb := Normalize(certA), Normalize(certB)
	key := pairKey{a: na, b: nb}
	if na > nb {
		key = pairKey{a: nb, b: na}
	}

	if c.results != nil {
		if v, ok := c.results.Get(key); ok {
			return v
		}
	}

	differ := subtle.ConstantTimeCompare([]byte(na), []byte(nb)) != 1
	if c.results != nil {
		c.results.Add(key, differ)
	}
	return differ
}

// Parse parses a PEM-encoded certificate, using the TTL cache to avoid
// repeated ASN.1 parsing of the same bytes.
func (c *Comparator) Parse(pemCert string) (*x509.Certificate, error) {
	key := Normalize(pemCert)
	if v, ok := c.parsed.Get(key); ok {
		return v.(*x509.Certificate), nil
	}

	block, _ := pem.Decode([]byte(key))
	if block == nil {
		return nil, errInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	c.parsed.Set(key, cert, gocache.DefaultExpiration)
	return cert, nil
}

var errInvalidPEM = &PEMError{"certutil: not a PEM-encoded certificate"}

// PEMError reports a malformed certificate.
type PEMError struct{ msg string }

func (e *PEMError) Error() string { return e.msg }

// EncodePEM re-encodes a parsed certificate back to PEM, used by the
// HTTP transport to turn an inbound mTLS peer certificate into the
// string form IsSelf/IsRegisteredAuthority compare against.
func EncodePEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

// IsAmong reports whether certPEM matches any of the candidate
// certificates (e.g. "is the sender one of this election's registered
// authorities?").
func (c *Comparator) IsAmong(certPEM string, candidates []string) bool {
	for _, cand := range candidates {
		if !c.Differ(certPEM, cand) {
			return true
		}
	}
	return false
}
