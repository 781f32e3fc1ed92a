package whistleca

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sort"
	"time"
)

// KeyPair is a PEM-encoded private key and certificate as handed to the TLS
// layer.
type KeyPair struct {
	KeyPEM  []byte
	CertPEM []byte
}

func (p KeyPair) complete() bool {
	return len(p.KeyPEM) > 0 && len(p.CertPEM) > 0
}

// TLSCertificate parses the pair into a tls.Certificate.
func (p KeyPair) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(p.CertPEM, p.KeyPEM)
}

// CreateCertificate returns the TLS identity for host. Exact overrides win over
// wildcard overrides, which win over previously issued certificates; a new leaf
// signed by the root is issued and cached otherwise.
func (ca *CertificateAuthority) CreateCertificate(host string) (KeyPair, error) {
	if !ca.initialized() {
		return KeyPair{}, ErrNotInitialized
	}

	if p, kind, ok := ca.overrides.Lookup(host); ok {
		ca.metrics.RecordOverrideHit(string(kind))
		return p, nil
	}

	if p, ok := ca.Cached(host); ok {
		ca.metrics.RecordCertCacheHit()
		return p, nil
	}
	ca.metrics.RecordCertCacheMiss()

	v, err, _ := ca.group.Do(host, func() (any, error) {
		if p, ok := ca.Cached(host); ok {
			return p, nil
		}

		start := time.Now()
		p, err := ca.issueLeaf(host)
		if err != nil {
			return KeyPair{}, err
		}
		ca.metrics.RecordIssued(time.Since(start))

		ca.mu.Lock()
		ca.cache[host] = p
		size := len(ca.cache)
		ca.mu.Unlock()

		ca.metrics.SetCertCacheSize(size)
		ca.logger.Debug("issued leaf certificate", "host", host)
		return p, nil
	})
	if err != nil {
		ca.metrics.RecordIssueError()
		return KeyPair{}, err
	}
	return v.(KeyPair), nil
}

// issueLeaf signs a certificate for host that reuses the root's public key.
// The serial is the SHA-1 of the host name, so the same host always gets the
// same serial under a given root.
func (ca *CertificateAuthority) issueLeaf(host string) (KeyPair, error) {
	sum := sha1.Sum([]byte(host))
	notBefore, notAfter := validity(ca.opts.Now())

	template := &x509.Certificate{
		SerialNumber:       new(big.Int).SetBytes(sum[:]),
		Subject:            pkix.Name{CommonName: host},
		NotBefore:          notBefore,
		NotAfter:           notAfter,
		DNSNames:           []string{host},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &ca.rootKey.PublicKey, ca.rootKey)
	if err != nil {
		return KeyPair{}, fmt.Errorf("create certificate for %s: %w", host, err)
	}

	return KeyPair{
		KeyPEM:  ca.rootKeyPEM,
		CertPEM: encodeCertPEM(der),
	}, nil
}

// Cached returns the previously issued pair for host, if any. Overrides are
// never cached.
func (ca *CertificateAuthority) Cached(host string) (KeyPair, bool) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	p, ok := ca.cache[host]
	return p, ok
}

// CacheSize returns the number of issued leaf certificates.
func (ca *CertificateAuthority) CacheSize() int {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return len(ca.cache)
}

// CachedHosts returns the sorted host names with an issued leaf.
func (ca *CertificateAuthority) CachedHosts() []string {
	ca.mu.RLock()
	hosts := make([]string, 0, len(ca.cache))
	for h := range ca.cache {
		hosts = append(hosts, h)
	}
	ca.mu.RUnlock()
	sort.Strings(hosts)
	return hosts
}
