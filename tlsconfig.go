package whistleca

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
)

// ErrNoServerName is returned by TLSConfigForHost for an empty host.
var ErrNoServerName = errors.New("whistleca: no server name")

// GetCertificate implements tls.Config.GetCertificate. Clients that send SNI
// get the identity for that name; others get the root certificate from the
// default TLS context.
func (ca *CertificateAuthority) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if !ca.initialized() {
		return nil, ErrNotInitialized
	}
	if hello.ServerName == "" {
		return &ca.defaultTLS.Certificates[0], nil
	}
	return ca.TLSCertificateForHost(hello.ServerName)
}

// TLSCertificateForHost returns the parsed certificate for host, parsing each
// host's pair once.
func (ca *CertificateAuthority) TLSCertificateForHost(host string) (*tls.Certificate, error) {
	if c, ok := ca.tlsCache.Load(host); ok {
		return c.(*tls.Certificate), nil
	}

	pair, err := ca.CreateCertificate(host)
	if err != nil {
		return nil, err
	}
	cert, err := pair.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("load key pair for %s: %w", host, err)
	}

	actual, _ := ca.tlsCache.LoadOrStore(host, &cert)
	return actual.(*tls.Certificate), nil
}

// TLSConfigForHost returns a server config that presents the identity for
// host regardless of the SNI the client sends, for CONNECT tunnels whose
// target is already known. host may carry a port.
func (ca *CertificateAuthority) TLSConfigForHost(host string) (*tls.Config, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return nil, ErrNoServerName
	}
	cert, err := ca.TLSCertificateForHost(host)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{*cert},
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

// TLSConfig returns a server config that picks certificates by SNI.
func (ca *CertificateAuthority) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: ca.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
	}
}
