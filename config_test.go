package whistleca

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Server defaults
	if cfg.Server.Addr != "127.0.0.1:8900" {
		t.Errorf("expected addr 127.0.0.1:8900, got %s", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected read_timeout 30s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("expected write_timeout 30s, got %v", cfg.Server.WriteTimeout)
	}
	if cfg.Server.IdleTimeout != 60*time.Second {
		t.Errorf("expected idle_timeout 60s, got %v", cfg.Server.IdleTimeout)
	}

	// Certs defaults
	if want := filepath.Join(DefaultDataDir(), "certs"); cfg.Certs.Dir != want {
		t.Errorf("expected certs.dir %s, got %s", want, cfg.Certs.Dir)
	}
	if cfg.Certs.OverrideDir != "" {
		t.Errorf("expected no override_dir, got %s", cfg.Certs.OverrideDir)
	}
	if cfg.Certs.EnableLargeKey {
		t.Error("expected enable_large_key false")
	}

	// Admin defaults
	if cfg.Admin.PathPrefix != "/api" {
		t.Errorf("expected path_prefix /api, got %s", cfg.Admin.PathPrefix)
	}
	if cfg.Admin.RateLimit != 20 || cfg.Admin.RateBurst != 40 {
		t.Errorf("expected rate 20/40, got %v/%d", cfg.Admin.RateLimit, cfg.Admin.RateBurst)
	}

	// Logging defaults
	if cfg.Logging.Level != "info" {
		t.Errorf("expected logging.level info, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected logging.format text, got %s", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stderr" {
		t.Errorf("expected logging.output stderr, got %s", cfg.Logging.Output)
	}
}

func TestLoadConfigFromReader(t *testing.T) {
	yaml := `
server:
  addr: ":9900"
  read_timeout: 5s

certs:
  dir: "/var/lib/whistle/certs"
  override_dir: "/etc/whistle/custom"
  enable_large_key: true
  installation_id: "build-01"

admin:
  path_prefix: "/_ca"
  metrics: true
  rate_limit: 2.5
  rate_burst: 5

logging:
  level: "debug"
  format: "json"
`
	cfg, err := LoadConfigFromReader("yaml", []byte(yaml))
	if err != nil {
		t.Fatalf("LoadConfigFromReader failed: %v", err)
	}

	if cfg.Server.Addr != ":9900" {
		t.Errorf("expected addr :9900, got %s", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("expected read_timeout 5s, got %v", cfg.Server.ReadTimeout)
	}
	// Unset values keep their defaults
	if cfg.Server.IdleTimeout != 60*time.Second {
		t.Errorf("expected default idle_timeout 60s, got %v", cfg.Server.IdleTimeout)
	}

	if cfg.Certs.Dir != "/var/lib/whistle/certs" {
		t.Errorf("expected certs.dir, got %s", cfg.Certs.Dir)
	}
	if cfg.Certs.OverrideDir != "/etc/whistle/custom" {
		t.Errorf("expected override_dir, got %s", cfg.Certs.OverrideDir)
	}
	if !cfg.Certs.EnableLargeKey {
		t.Error("expected enable_large_key true")
	}
	if cfg.Certs.InstallationID != "build-01" {
		t.Errorf("expected installation_id build-01, got %s", cfg.Certs.InstallationID)
	}

	if cfg.Admin.PathPrefix != "/_ca" {
		t.Errorf("expected path_prefix /_ca, got %s", cfg.Admin.PathPrefix)
	}
	if !cfg.Admin.Metrics {
		t.Error("expected admin.metrics true")
	}
	if cfg.Admin.RateLimit != 2.5 || cfg.Admin.RateBurst != 5 {
		t.Errorf("expected rate 2.5/5, got %v/%d", cfg.Admin.RateLimit, cfg.Admin.RateBurst)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("expected debug/json logging, got %s/%s", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Logging.Output)
	}
}

func TestLoadConfigFromReaderJSON(t *testing.T) {
	json := `{"certs": {"dir": "/tmp/certs", "enable_large_key": true}}`

	cfg, err := LoadConfigFromReader("json", []byte(json))
	if err != nil {
		t.Fatalf("LoadConfigFromReader failed: %v", err)
	}
	if cfg.Certs.Dir != "/tmp/certs" {
		t.Errorf("expected certs.dir /tmp/certs, got %s", cfg.Certs.Dir)
	}
	if !cfg.Certs.EnableLargeKey {
		t.Error("expected enable_large_key true")
	}
	if cfg.Server.Addr != "127.0.0.1:8900" {
		t.Errorf("expected default addr, got %s", cfg.Server.Addr)
	}
}

func TestLoadConfigFromReaderInvalid(t *testing.T) {
	_, err := LoadConfigFromReader("yaml", []byte("invalid: yaml: data: ["))
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "whistleca.yaml")

	yaml := `
server:
  addr: ":8888"
certs:
  override_dir: "/srv/custom"
`
	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Addr != ":8888" {
		t.Errorf("expected addr :8888, got %s", cfg.Server.Addr)
	}
	if cfg.Certs.OverrideDir != "/srv/custom" {
		t.Errorf("expected override_dir /srv/custom, got %s", cfg.Certs.OverrideDir)
	}
}

func TestLoadConfigNoFile(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8900" {
		t.Errorf("expected default addr 127.0.0.1:8900, got %s", cfg.Server.Addr)
	}
}

func TestWriteExampleConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "example", "whistleca.yaml")

	if err := WriteExampleConfig(configPath); err != nil {
		t.Fatalf("WriteExampleConfig failed: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	cfg, err := LoadConfigFromReader("yaml", data)
	if err != nil {
		t.Fatalf("example config is not valid: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:8900" {
		t.Errorf("expected addr 127.0.0.1:8900 in example, got %s", cfg.Server.Addr)
	}
	if cfg.Admin.PathPrefix != "/api" {
		t.Errorf("expected path_prefix /api in example, got %s", cfg.Admin.PathPrefix)
	}
	if cfg.Certs.EnableLargeKey {
		t.Error("example should leave enable_large_key off")
	}
}

func TestEnvironmentVariableOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "whistleca.yaml")

	yaml := `
server:
  addr: ":8900"
`
	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("WHISTLECA_SERVER_ADDR", ":9999")
	t.Setenv("WHISTLECA_CERTS_ENABLE_LARGE_KEY", "true")
	t.Setenv("WHISTLECA_CERTS_INSTALLATION_ID", "ci")

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	// Environment variables override the config file
	if cfg.Server.Addr != ":9999" {
		t.Errorf("expected addr :9999 from env, got %s", cfg.Server.Addr)
	}
	if !cfg.Certs.EnableLargeKey {
		t.Error("expected enable_large_key true from env")
	}
	if cfg.Certs.InstallationID != "ci" {
		t.Errorf("expected installation_id ci from env, got %s", cfg.Certs.InstallationID)
	}
}
