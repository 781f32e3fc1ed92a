package whistleca

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete service configuration.
type Config struct {
	// Admin HTTP server configuration
	Server ServerConfig `mapstructure:"server"`

	// Root CA and override configuration
	Certs CertsConfig `mapstructure:"certs"`

	// Admin API configuration
	Admin AdminConfig `mapstructure:"admin"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains server-related settings.
type ServerConfig struct {
	// Address to listen on (e.g., ":8900", "127.0.0.1:8900")
	Addr string `mapstructure:"addr"`

	// ReadTimeout for incoming connections
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout for outgoing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// CertsConfig contains root CA settings.
type CertsConfig struct {
	// Dir stores the generated root key and certificate
	Dir string `mapstructure:"dir"`

	// OverrideDir holds user supplied certificates (optional)
	OverrideDir string `mapstructure:"override_dir"`

	// EnableLargeKey generates a 2048-bit root
	EnableLargeKey bool `mapstructure:"enable_large_key"`

	// InstallationID is embedded in the root's common name (optional)
	InstallationID string `mapstructure:"installation_id"`
}

// AdminConfig contains admin API settings.
type AdminConfig struct {
	// PathPrefix for admin routes
	PathPrefix string `mapstructure:"path_prefix"`

	// Metrics enables the /metrics endpoint
	Metrics bool `mapstructure:"metrics"`

	// RateLimit is requests per second per client (0 = unlimited)
	RateLimit float64 `mapstructure:"rate_limit"`

	// RateBurst is the burst size per client
	RateBurst int `mapstructure:"rate_burst"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`
}

// DefaultDataDir returns ~/.WhistleAppData, or the working directory when the
// home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".WhistleAppData"
	}
	return filepath.Join(home, ".WhistleAppData")
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:8900",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Certs: CertsConfig{
			Dir: filepath.Join(DefaultDataDir(), "certs"),
		},
		Admin: AdminConfig{
			PathPrefix: "/api",
			RateLimit:  20,
			RateBurst:  40,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./whistleca.yaml
// 3. $HOME/.whistleca/whistleca.yaml
// 4. /etc/whistleca/whistleca.yaml
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("whistleca")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.whistleca")
	v.AddConfigPath("/etc/whistleca")

	v.SetEnvPrefix("WHISTLECA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found is OK - use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromReader loads configuration from in-memory data.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("server.addr", defaults.Server.Addr)
	v.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", defaults.Server.IdleTimeout)

	v.SetDefault("certs.dir", defaults.Certs.Dir)
	v.SetDefault("certs.override_dir", defaults.Certs.OverrideDir)
	v.SetDefault("certs.enable_large_key", defaults.Certs.EnableLargeKey)
	v.SetDefault("certs.installation_id", defaults.Certs.InstallationID)

	v.SetDefault("admin.path_prefix", defaults.Admin.PathPrefix)
	v.SetDefault("admin.metrics", defaults.Admin.Metrics)
	v.SetDefault("admin.rate_limit", defaults.Admin.RateLimit)
	v.SetDefault("admin.rate_burst", defaults.Admin.RateBurst)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# whistleca - root CA and leaf certificate service configuration

server:
  # Admin API listen address
  addr: "127.0.0.1:8900"

  # Timeouts
  read_timeout: 30s
  write_timeout: 30s
  idle_timeout: 60s

certs:
  # Where root.key / root.crt (or root_2048.key / root_2048.crt) live
  # dir: "/home/me/.WhistleAppData/certs"

  # User supplied certificates: <host>.crt/.key, *.<domain>.crt/.key
  # (or _.<domain> on Windows), and optionally root.crt/root.key
  # override_dir: "/etc/whistleca/custom"

  # Generate a 2048-bit root instead of 1024-bit
  enable_large_key: false

  # Embedded in the root's common name as whistle(<id>@<mac>)
  # installation_id: "me"

admin:
  path_prefix: "/api"

  # Serve Prometheus metrics at /metrics
  metrics: false

  # Per-client request rate (requests/second) and burst
  rate_limit: 20
  rate_burst: 40

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"

  # Output: stdout, stderr, or file path
  output: "stderr"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
