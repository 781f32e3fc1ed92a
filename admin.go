package whistleca

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI provides read-mostly REST endpoints for the certificate authority:
// status, root certificate download for trust installation, the override
// tables and the issued leaf certificates.
//
// The API is mounted at a configurable path prefix (default "/api") and
// uses [chi] for routing. Private keys are never served.
type AdminAPI struct {
	// CA is the certificate authority to expose.
	CA *CertificateAuthority

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes (default "/api").
	PathPrefix string

	// Health, Metrics and Limiter are optional.
	Health  *HealthChecker
	Metrics *Metrics
	Limiter *RateLimiter

	router chi.Router
}

// NewAdminAPI creates an AdminAPI wired to the given certificate authority.
// Set the optional fields before the first request, then call Build if they
// changed after construction.
func NewAdminAPI(ca *CertificateAuthority) *AdminAPI {
	a := &AdminAPI{
		CA:         ca,
		Logger:     slog.Default(),
		PathPrefix: "/api",
	}
	a.Build()
	return a
}

// Build (re)creates the router from the current field values.
func (a *AdminAPI) Build() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(NewAccessLogger(a.Logger, a.Metrics).Middleware)
	if a.Limiter != nil {
		r.Use(a.Limiter.Middleware)
	}

	r.Route(a.PathPrefix, func(r chi.Router) {
		r.Get("/root.crt", a.handleRootCert)
		r.Group(func(r chi.Router) {
			r.Use(middleware.SetHeader("Content-Type", "application/json"))
			r.Get("/status", a.handleStatus)
			r.Get("/overrides", a.handleOverrides)
			r.Get("/certs", a.handleListCerts)
			r.Get("/certs/{host}", a.handleGetCert)
		})
	})

	if a.Health != nil {
		r.Get("/healthz", a.Health.HandleHealthz)
		r.Get("/readyz", a.Health.HandleReadyz)
	}
	if a.Metrics != nil {
		r.Handle("/metrics", a.Metrics.Handler())
	}

	a.router = r
}

// ServeHTTP implements http.Handler.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// --------------------------------------------------------------------------
// Response types
// --------------------------------------------------------------------------

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status        string `json:"status"`
	RootCAFile    string `json:"root_ca_file"`
	Subject       string `json:"subject"`
	Fingerprint   string `json:"sha256_fingerprint"`
	KeyBits       int    `json:"key_bits"`
	Generated     bool   `json:"generated"`
	CustomRoot    bool   `json:"custom_root"`
	ExactCount    int    `json:"exact_overrides"`
	WildcardCount int    `json:"wildcard_overrides"`
	CacheSize     int    `json:"cache_size"`
	Uptime        string `json:"uptime,omitempty"`
}

// OverridesResponse is returned by GET /api/overrides.
type OverridesResponse struct {
	Dir      string   `json:"dir"`
	Exact    []string `json:"exact"`
	Wildcard []string `json:"wildcard"`
}

// CertsResponse is returned by GET /api/certs.
type CertsResponse struct {
	Count int      `json:"count"`
	Hosts []string `json:"hosts"`
}

// CertResponse is returned by GET /api/certs/{host}.
type CertResponse struct {
	Host         string    `json:"host"`
	Source       string    `json:"source"`
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serial_number"`
	DNSNames     []string  `json:"dns_names"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	Certificate  string    `json:"certificate"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) handleRootCert(w http.ResponseWriter, _ *http.Request) {
	certPEM := a.CA.RootCertPEM()
	if certPEM == nil {
		w.Header().Set("Content-Type", "application/json")
		a.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: ErrNotInitialized.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	w.Header().Set("Content-Disposition", `attachment; filename="rootCA.crt"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(certPEM)
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	root := a.CA.RootCertificate()
	if root == nil {
		a.writeJSON(w, http.StatusServiceUnavailable, StatusResponse{Status: "initializing"})
		return
	}

	sum := sha256.Sum256(root.Raw)
	o := a.CA.Overrides()
	resp := StatusResponse{
		Status:        "ok",
		RootCAFile:    a.CA.RootCAFile(),
		Subject:       root.Subject.String(),
		Fingerprint:   hex.EncodeToString(sum[:]),
		KeyBits:       a.CA.KeyBits(),
		Generated:     a.CA.Generated(),
		CustomRoot:    o.HasCustomRoot(),
		ExactCount:    len(o.Exact),
		WildcardCount: len(o.Wildcard),
		CacheSize:     a.CA.CacheSize(),
	}
	if a.Health != nil {
		resp.Uptime = a.Health.Uptime().Truncate(time.Second).String()
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleOverrides(w http.ResponseWriter, _ *http.Request) {
	o := a.CA.Overrides()
	if o == nil {
		a.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: ErrNotInitialized.Error()})
		return
	}
	exact, wildcard := o.Names()
	a.writeJSON(w, http.StatusOK, OverridesResponse{
		Dir:      o.Dir,
		Exact:    nonNil(exact),
		Wildcard: nonNil(wildcard),
	})
}

func (a *AdminAPI) handleListCerts(w http.ResponseWriter, _ *http.Request) {
	hosts := a.CA.CachedHosts()
	a.writeJSON(w, http.StatusOK, CertsResponse{Count: len(hosts), Hosts: hosts})
}

func (a *AdminAPI) handleGetCert(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	if host == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "host is required"})
		return
	}

	source := "issued"
	if _, kind, ok := a.CA.Overrides().Lookup(host); ok {
		source = string(kind)
	}

	pair, err := a.CA.CreateCertificate(host)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNotInitialized) {
			status = http.StatusServiceUnavailable
		}
		a.Logger.Error("admin API issue certificate", "host", host, "error", err)
		a.writeJSON(w, status, ErrorResponse{Error: err.Error()})
		return
	}

	block, _ := pem.Decode(pair.CertPEM)
	if block == nil {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "certificate is not PEM encoded"})
		return
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "parse certificate: " + err.Error()})
		return
	}

	a.writeJSON(w, http.StatusOK, CertResponse{
		Host:         host,
		Source:       source,
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.Text(16),
		DNSNames:     nonNil(cert.DNSNames),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		Certificate:  string(pair.CertPEM),
	})
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
