// Package trust implements certificate pinning for all outbound connections. A server
// is trusted only when it presents exactly the certificate embedded in the descriptor;
// the platform certificate store is never consulted.
package trust

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/clickstart/clickstart/internal/descriptor"
	"github.com/clickstart/clickstart/internal/failure"
)

const (
	dialTimeout         = 30 * time.Second
	tlsHandshakeTimeout = 30 * time.Second
)

// ErrNotPinned is returned during the handshake when the server certificate does not
// match the pinned certificate.
var ErrNotPinned = errors.New("server certificate does not match the pinned certificate")

// Validator decides whether a presented certificate is acceptable.
type Validator struct {
	pinned *x509.Certificate
}

// New returns a validator pinned to cert. A nil cert trusts nothing.
func New(cert *x509.Certificate) *Validator {
	return &Validator{pinned: cert}
}

// FromDescriptor returns a validator pinned to the certificate of d.
func FromDescriptor(d *descriptor.Descriptor) *Validator {
	if d == nil {
		return New(nil)
	}
	return New(d.RootCertificate)
}

// IsTrusted reports whether presented is byte-for-byte the pinned certificate.
func (v *Validator) IsTrusted(presented *x509.Certificate) bool {
	if v == nil || v.pinned == nil || presented == nil {
		return false
	}
	return bytes.Equal(presented.Raw, v.pinned.Raw)
}

// VerifyConnection is installed as tls.Config.VerifyConnection. Only the leaf is
// considered; intermediates sent by the server do not widen the trust.
func (v *Validator) VerifyConnection(cs tls.ConnectionState) error {
	server := peerName(cs)
	if len(cs.PeerCertificates) == 0 {
		return fmt.Errorf("%w: no certificate presented by %s", ErrNotPinned, server)
	}
	leaf := cs.PeerCertificates[0]
	if !v.IsTrusted(leaf) {
		log.Warnf("rejecting certificate %q presented by %s", leaf.Subject.String(), server)
		return fmt.Errorf("%w: %s presented %q", ErrNotPinned, server, leaf.Subject.String())
	}
	return nil
}

// peerName falls back to a generic name when the connection carries no SNI, as for an IP address.
func peerName(cs tls.ConnectionState) string {
	if cs.ServerName == "" {
		return "the server"
	}
	return cs.ServerName
}

// TLSConfig returns a client configuration that trusts the pinned certificate only.
func (v *Validator) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		// platform verification is replaced by VerifyConnection
		InsecureSkipVerify: true, //nolint:gosec
		VerifyConnection:   v.VerifyConnection,
	}
}

// HTTPClient returns a client whose every TLS connection is pinned. Requests that are
// not https are refused before any connection is made.
func (v *Validator) HTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = v.TLSConfig()
	transport.TLSHandshakeTimeout = tlsHandshakeTimeout
	transport.DialContext = (&net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext

	return &http.Client{
		Transport: &httpsOnly{next: transport},
	}
}

// httpsOnly refuses plain http requests, including redirect targets.
type httpsOnly struct {
	next http.RoundTripper
}

func (t *httpsOnly) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return nil, failure.New(failure.TrustError, "pinned transport",
			fmt.Sprintf("refusing unencrypted request to %s", redact(req.URL)))
	}
	return t.next.RoundTrip(req)
}

// IsTrustError reports whether err was caused by a pinning failure somewhere in the
// transport stack.
func IsTrustError(err error) bool {
	return errors.Is(err, ErrNotPinned) || failure.Is(err, failure.TrustError)
}

func redact(u *url.URL) string {
	c := *u
	c.User = nil
	return c.String()
}
