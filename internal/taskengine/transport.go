package taskengine

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"time"

	"github.com/sequentech/orchestra/internal/certutil"
)

// TransportConfig configures the mutual-TLS client and server used for
// authority-to-authority task delivery (spec.md §4.2).
type TransportConfig struct {
	// CertPEM/KeyPEM are this authority's own leaf certificate and
	// private key.
	CertPEM, KeyPEM string
	// PeerCertPEMs lists the PEM certificates of every authority
	// allowed to call into this node, used both as the server's
	// client-CA pool and as the client's allowed-server pool.
	PeerCertPEMs []string
	// AllowOnlySSL records the node's plain-HTTP policy (spec.md's
	// PlainHTTPRejected policy when true). NewServerTLSConfig and
	// NewClientHTTPClient do not read it.
	AllowOnlySSL bool
}

// NewServerTLSConfig builds the *tls.Config for the task HTTP server:
// it presents CertPEM/KeyPEM and requires and verifies a client
// certificate drawn from the peer pool, mirroring the
// RequireAndVerifyClientCert mutual-TLS stance used across the pack's
// service mesh code.
func NewServerTLSConfig(cfg TransportConfig) (*tls.Config, error) {
	cert, err := tls.X509KeyPair([]byte(cfg.CertPEM), []byte(cfg.KeyPEM))
	if err != nil {
		return nil, fmt.Errorf("taskengine: parse server certificate: %w", err)
	}

	pool, err := peerPool(cfg.PeerCertPEMs)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// NewClientHTTPClient builds an *http.Client presenting this
// authority's own certificate and trusting only the configured peer
// pool, so a call to a malicious or unregistered endpoint fails TLS
// verification before any task payload is sent.
func NewClientHTTPClient(cfg TransportConfig, timeout time.Duration) (*http.Client, error) {
	cert, err := tls.X509KeyPair([]byte(cfg.CertPEM), []byte(cfg.KeyPEM))
	if err != nil {
		return nil, fmt.Errorf("taskengine: parse client certificate: %w", err)
	}

	pool, err := peerPool(cfg.PeerCertPEMs)
	if err != nil {
		return nil, err
	}

	base, ok := http.DefaultTransport.(*http.Transport)
	var transport *http.Transport
	if ok {
		transport = base.Clone()
	} else {
		transport = &http.Transport{}
	}
	transport.TLSClientConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}

	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

func peerPool(pemCerts []string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, pemCert := range pemCerts {
		if !pool.AppendCertsFromPEM([]byte(certutil.Normalize(pemCert))) {
			return nil, fmt.Errorf("taskengine: failed to parse a peer certificate")
		}
	}
	return pool, nil
}

// IsSelf reports whether senderCertPEM matches this authority's own
// certificate, using constant-time comparison via cmp, the same check
// the HTTP handlers use to decide whether an inbound task request
// originated locally (and should therefore skip the registered-
// authority check) per spec.md §4.2.
func IsSelf(cmp *certutil.Comparator, selfCertPEM, senderCertPEM string) bool {
	return !cmp.Differ(selfCertPEM, senderCertPEM)
}

// IsRegisteredAuthority reports whether senderCertPEM matches one of
// authorityCertPEMs, the check gating whether an inbound task or
// callback is accepted at all.
func IsRegisteredAuthority(cmp *certutil.Comparator, senderCertPEM string, authorityCertPEMs []string) bool {
	return cmp.IsAmong(senderCertPEM, authorityCertPEMs)
}
