package whistleca

import (
	"bytes"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNotInitialized is returned by operations that need the root CA before
// Initialize has succeeded.
var ErrNotInitialized = errors.New("whistleca: certificate authority not initialized")

// Options configures a CertificateAuthority.
type Options struct {
	// CertsDir stores the generated root.key / root.crt (or the _2048 pair).
	CertsDir string

	// OverrideDir optionally holds user supplied certificates and a
	// replacement root.
	OverrideDir string

	// EnableLargeKey requests a 2048-bit root.
	EnableLargeKey bool

	// InstallationID is embedded in the root's common name.
	InstallationID string

	// RuntimeVersion defaults to runtime.Version().
	RuntimeVersion string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *Metrics

	// Now and MACAddress are test seams; nil means time.Now and the first
	// non-loopback interface.
	Now        func() time.Time
	MACAddress func() string
}

// CertificateAuthority owns the root CA, the override tables and the leaf
// cache. Call Initialize once before issuing certificates; it is safe for
// concurrent use afterwards.
type CertificateAuthority struct {
	opts    Options
	logger  *slog.Logger
	metrics *Metrics

	once    sync.Once
	initErr error
	ready   bool

	capability   Capability
	rootKeyFile  string
	rootCertFile string
	generated    bool
	overrides    *Overrides

	rootKey     *rsa.PrivateKey
	rootCert    *x509.Certificate
	rootKeyPEM  []byte
	rootCertPEM []byte
	defaultTLS  *tls.Config

	mu    sync.RWMutex
	cache map[string]KeyPair
	group singleflight.Group

	tlsCache sync.Map // host -> *tls.Certificate
}

// New creates a CertificateAuthority. No I/O happens until Initialize.
func New(opts Options) *CertificateAuthority {
	if opts.RuntimeVersion == "" {
		opts.RuntimeVersion = runtime.Version()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MACAddress == nil {
		opts.MACAddress = localMAC
	}
	return &CertificateAuthority{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		cache:   make(map[string]KeyPair),
	}
}

// NewFromConfig builds a CertificateAuthority from the certs section of cfg.
func NewFromConfig(cfg *Config, logger *slog.Logger, metrics *Metrics) *CertificateAuthority {
	return New(Options{
		CertsDir:       cfg.Certs.Dir,
		OverrideDir:    cfg.Certs.OverrideDir,
		EnableLargeKey: cfg.Certs.EnableLargeKey,
		InstallationID: cfg.Certs.InstallationID,
		Logger:         logger,
		Metrics:        metrics,
	})
}

// Initialize loads or generates the root CA. It runs at most once; later calls
// return the first result.
func (ca *CertificateAuthority) Initialize() error {
	ca.once.Do(func() {
		err := ca.initialize()
		ca.mu.Lock()
		ca.initErr = err
		ca.ready = err == nil
		ca.mu.Unlock()
	})
	return ca.initErr
}

func (ca *CertificateAuthority) initialize() error {
	capability, err := DetectCapability(ca.opts.RuntimeVersion, ca.opts.EnableLargeKey)
	if err != nil {
		return err
	}
	ca.capability = capability

	if ca.opts.CertsDir != "" {
		if err := os.MkdirAll(ca.opts.CertsDir, 0755); err != nil {
			return fmt.Errorf("create certs directory: %w", err)
		}
	}
	ca.rootKeyFile, ca.rootCertFile = capability.rootPaths(ca.opts.CertsDir)

	ca.overrides = LoadOverrides(ca.opts.OverrideDir, ca.logger)
	if ca.overrides.HasCustomRoot() {
		ca.rootKeyFile, ca.rootCertFile = ca.overrides.RootKeyFile, ca.overrides.RootCertFile
	}
	ca.metrics.SetOverridesLoaded(len(ca.overrides.Exact), len(ca.overrides.Wildcard))

	if err := ca.loadOrGenerateRoot(); err != nil {
		return err
	}

	pair, err := tls.X509KeyPair(ca.rootCertPEM, ca.rootKeyPEM)
	if err != nil {
		return fmt.Errorf("build default TLS certificate: %w", err)
	}
	pair.Leaf = ca.rootCert
	ca.defaultTLS = &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
	}
	return nil
}

// loadOrGenerateRoot reuses an existing pair and only writes files when it had
// to generate one.
func (ca *CertificateAuthority) loadOrGenerateRoot() error {
	keyPEM, keyErr := os.ReadFile(ca.rootKeyFile)
	certPEM, certErr := os.ReadFile(ca.rootCertFile)

	if keyErr == nil && certErr == nil && len(bytes.TrimSpace(keyPEM)) > 0 && len(bytes.TrimSpace(certPEM)) > 0 {
		cert, key, err := ParseRootPEM(certPEM, keyPEM)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorruptRoot, ca.rootCertFile, err)
		}
		ca.rootCert, ca.rootKey = cert, key
		ca.rootCertPEM, ca.rootKeyPEM = certPEM, encodeKeyPEM(key)
		ca.metrics.RecordRootLoaded()
		ca.logger.Info("loaded root CA", "cert", ca.rootCertFile, "subject", cert.Subject.CommonName)
		return nil
	}

	bits := ca.capability.KeyBits()
	subject := RootSubject{InstallationID: ca.opts.InstallationID, MAC: ca.opts.MACAddress()}
	ca.logger.Info("generating root CA", "bits", bits, "cert", ca.rootCertFile)

	key, cert, err := generateRoot(subject, bits, ca.opts.Now())
	if err != nil {
		return err
	}
	ca.rootCert, ca.rootKey = cert, key
	ca.rootCertPEM, ca.rootKeyPEM = encodeCertPEM(cert.Raw), encodeKeyPEM(key)

	if err := os.WriteFile(ca.rootKeyFile, ca.rootKeyPEM, 0600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}
	if err := os.WriteFile(ca.rootCertFile, ca.rootCertPEM, 0644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}

	ca.generated = true
	ca.metrics.RecordRootGenerated()
	ca.logger.Info("root CA generated", "cert", ca.rootCertFile, "key", ca.rootKeyFile)
	ca.logger.Info("add the root CA certificate to your system/browser trust store")
	return nil
}

func (ca *CertificateAuthority) initialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.ready
}

// RootCAFile returns the path of the root certificate for trust installation.
// It is empty before Initialize.
func (ca *CertificateAuthority) RootCAFile() string {
	if !ca.initialized() {
		return ""
	}
	return ca.rootCertFile
}

// RootKeyFile returns the path of the root private key.
func (ca *CertificateAuthority) RootKeyFile() string {
	if !ca.initialized() {
		return ""
	}
	return ca.rootKeyFile
}

// RootCertificate returns the parsed root certificate, or nil before Initialize.
func (ca *CertificateAuthority) RootCertificate() *x509.Certificate {
	if !ca.initialized() {
		return nil
	}
	return ca.rootCert
}

// RootCertPEM returns the PEM-encoded root certificate.
func (ca *CertificateAuthority) RootCertPEM() []byte {
	if !ca.initialized() {
		return nil
	}
	return ca.rootCertPEM
}

// KeyBits returns the modulus size of the loaded root key.
func (ca *CertificateAuthority) KeyBits() int {
	if !ca.initialized() {
		return 0
	}
	return ca.rootKey.N.BitLen()
}

// Generated reports whether Initialize created a new root rather than loading one.
func (ca *CertificateAuthority) Generated() bool {
	return ca.initialized() && ca.generated
}

// Capability returns the capability decision made during Initialize.
func (ca *CertificateAuthority) Capability() Capability {
	if !ca.initialized() {
		return Capability{}
	}
	return ca.capability
}

// Overrides returns the override tables built during Initialize.
func (ca *CertificateAuthority) Overrides() *Overrides {
	if !ca.initialized() {
		return nil
	}
	return ca.overrides
}

// DefaultTLSConfig returns a copy of the process-wide TLS context that
// presents the root certificate.
func (ca *CertificateAuthority) DefaultTLSConfig() *tls.Config {
	if !ca.initialized() {
		return nil
	}
	return ca.defaultTLS.Clone()
}

// ReadinessCheck fails until the root CA is available.
func (ca *CertificateAuthority) ReadinessCheck() ReadinessCheck {
	return func() error {
		ca.mu.RLock()
		defer ca.mu.RUnlock()
		switch {
		case ca.ready:
			return nil
		case ca.initErr != nil:
			return fmt.Errorf("root CA: %w", ca.initErr)
		default:
			return ErrNotInitialized
		}
	}
}
