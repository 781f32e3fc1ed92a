package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/chenmol/whistleca"
	"github.com/joho/godotenv"
)

func main() {
	var (
		// Config file (takes precedence over individual flags)
		configPath = flag.String("config", "", "path to config file (default: search ./whistleca.yaml, ~/.whistleca/, /etc/whistleca/)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")

		// Individual flags (used when no config file)
		addr           = flag.String("addr", "", "admin API listen address")
		certsDir       = flag.String("certs-dir", "", "directory holding the root CA files")
		overrideDir    = flag.String("override-dir", "", "directory of user supplied certificates")
		largeKey       = flag.Bool("enable-large-key", false, "generate a 2048-bit root CA")
		installationID = flag.String("installation-id", "", "string embedded in the root CA name")
		genCA          = flag.String("gen-ca", "", "write a new root CA as <prefix>.crt / <prefix>.key and exit")
		printRoot      = flag.Bool("print-root", false, "print the root CA certificate path and exit")
		issueHost      = flag.String("issue", "", "print the certificate for a host and exit")
		metricsEnabled = flag.Bool("metrics", false, "enable Prometheus /metrics endpoint")
		verbose        = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	// WHISTLECA_* variables may also come from ./.env
	_ = godotenv.Load()

	// Generate example config mode
	if *genConfig {
		if err := whistleca.WriteExampleConfig("whistleca.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Generated whistleca.yaml")
		return
	}

	cfg, err := whistleca.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// Explicit flags override the config file
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *certsDir != "" {
		cfg.Certs.Dir = *certsDir
	}
	if *overrideDir != "" {
		cfg.Certs.OverrideDir = *overrideDir
	}
	if *largeKey {
		cfg.Certs.EnableLargeKey = true
	}
	if *installationID != "" {
		cfg.Certs.InstallationID = *installationID
	}
	if *metricsEnabled {
		cfg.Admin.Metrics = true
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	logger, closer, err := whistleca.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if *genCA != "" {
		if err := generateCA(*genCA, cfg, logger); err != nil {
			logger.Error("generate CA", "error", err)
			os.Exit(1)
		}
		return
	}

	var metrics *whistleca.Metrics
	if cfg.Admin.Metrics {
		metrics = whistleca.NewMetrics()
	}

	ca := whistleca.NewFromConfig(cfg, logger, metrics)
	if err := ca.Initialize(); err != nil {
		logger.Error("initialize root CA", "error", err)
		if errors.Is(err, whistleca.ErrLargeKeyUnsupported) {
			logger.Info("hint: disable enable_large_key or upgrade the runtime")
		}
		if errors.Is(err, whistleca.ErrCorruptRoot) {
			logger.Info("hint: repair or remove the root CA files", "dir", cfg.Certs.Dir)
		}
		os.Exit(1)
	}

	if *printRoot {
		fmt.Println(ca.RootCAFile())
		return
	}

	if *issueHost != "" {
		pair, err := ca.CreateCertificate(*issueHost)
		if err != nil {
			logger.Error("issue certificate", "host", *issueHost, "error", err)
			os.Exit(1)
		}
		fmt.Print(string(pair.CertPEM))
		return
	}

	health := whistleca.NewHealthChecker()
	health.AddReadinessCheck("root_ca", ca.ReadinessCheck())

	api := whistleca.NewAdminAPI(ca)
	api.Logger = logger
	api.PathPrefix = cfg.Admin.PathPrefix
	api.Health = health
	api.Metrics = metrics
	if cfg.Admin.RateLimit > 0 {
		limiter := whistleca.NewRateLimiter(cfg.Admin.RateLimit, cfg.Admin.RateBurst)
		limiter.OnThrottle = func(*http.Request) { metrics.RecordAdminThrottled() }
		defer limiter.Close()
		api.Limiter = limiter
	}
	api.Build()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Handle shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	health.SetAlive(true)
	health.SetReady(true)

	logger.Info("starting admin API", "addr", cfg.Server.Addr, "prefix", cfg.Admin.PathPrefix)
	logger.Info("root CA ready", "cert", ca.RootCAFile(), "bits", ca.KeyBits())
	logger.Info("ensure the root CA certificate is trusted by your system/browser")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("admin API error", "error", err)
		os.Exit(1)
	}
}

func generateCA(prefix string, cfg *whistleca.Config, logger *slog.Logger) error {
	certPath, keyPath := prefix+".crt", prefix+".key"

	// Check if files already exist
	if _, err := os.Stat(certPath); err == nil {
		return fmt.Errorf("CA certificate already exists at %s", certPath)
	}
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("CA key already exists at %s", keyPath)
	}

	capability, err := whistleca.DetectCapability(runtime.Version(), cfg.Certs.EnableLargeKey)
	if err != nil {
		return err
	}

	logger.Info("generating CA certificate", "bits", capability.KeyBits())

	certPEM, keyPEM, err := whistleca.GenerateRootCA(whistleca.RootSubject{InstallationID: cfg.Certs.InstallationID}, capability.KeyBits())
	if err != nil {
		return err
	}

	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}

	logger.Info("CA certificate generated", "cert", certPath, "key", keyPath)
	logger.Info("copy both files into the override directory as root.crt / root.key to use them")
	return nil
}
