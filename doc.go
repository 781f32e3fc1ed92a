// Package whistleca maintains the root certificate authority of an
// intercepting HTTPS proxy and issues per-hostname leaf certificates that
// clients trusting that root will accept.
//
// # Root CA
//
// The root is loaded from the certificate storage directory or, when absent,
// generated and written there once:
//
//	ca := whistleca.New(whistleca.Options{
//	    CertsDir:       "/home/me/.WhistleAppData/certs",
//	    EnableLargeKey: true,
//	})
//	if err := ca.Initialize(); err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("trust this file:", ca.RootCAFile())
//
// Roots are stored as root.key / root.crt, or root_2048.key / root_2048.crt
// when large keys are enabled. An existing 2048-bit pair is always preferred,
// so turning the flag off never replaces a root that clients already trust.
// A pair that exists but cannot be parsed is reported as [ErrCorruptRoot]
// and left alone.
//
// # Overrides
//
// Files in Options.OverrideDir replace generated certificates:
//
//	api.example.com.crt / api.example.com.key   exact host
//	*.example.com.crt   / *.example.com.key     any host whose suffix from the
//	                                            first dot is ".example.com"
//	_.example.com.crt   / _.example.com.key     same, for file systems without '*'
//	root.crt            / root.key              replaces the root CA itself
//
// Only complete pairs are used. Lookup order is exact, wildcard, cache, and
// finally a freshly signed leaf.
//
// # Issuing
//
//	pair, err := ca.CreateCertificate("www.example.com")
//	cert, err := pair.TLSCertificate()
//
// Leaves reuse the root's key pair, carry the host as common name and DNS
// SAN, and are cached for the life of the process. For TLS servers use
// [CertificateAuthority.TLSConfig], which selects the certificate by SNI and
// falls back to the root certificate for clients without SNI.
//
// # Admin API
//
// [AdminAPI] serves the root certificate for download, status, overrides and
// issued certificates over HTTP, together with /healthz, /readyz and
// Prometheus /metrics:
//
//	api := whistleca.NewAdminAPI(ca)
//	api.Metrics = whistleca.NewMetrics()
//	api.Build()
//	http.ListenAndServe("127.0.0.1:8900", api)
//
// # Configuration
//
// Load configuration from YAML with environment variable overrides
// (WHISTLECA_ prefix):
//
//	cfg, err := whistleca.LoadConfig("whistleca.yaml")
//	ca := whistleca.NewFromConfig(cfg, logger, metrics)
package whistleca
