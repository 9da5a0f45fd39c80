package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSenderCertHeader is the request header a terminating proxy uses to
// forward the client certificate. Nginx encodes newlines as tabs, so the
// value is de-tabbed before PEM parsing.
const DefaultSenderCertHeader = "X-Sender-SSL-Certificate"

// QueueOptions holds per-queue pool settings.
type QueueOptions struct {
	MaxThreads int `yaml:"max_threads"`
}

// Config holds the full node configuration.
type Config struct {
	// RootURL is the canonical receiver URL of this node, e.g.
	// "http://127.0.0.1:5000/api/queues". It discriminates local from
	// remote tasks and messages.
	RootURL string `yaml:"root_url"`

	// ListenAddr is the host:port the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"database_path"`

	// DataDir holds the activity log.
	DataDir string `yaml:"data_dir"`

	// TLS credentials. When unset, TLS is disabled and peer-certificate
	// checks soften accordingly.
	SSLCertPath   string `yaml:"ssl_cert_path"`
	SSLKeyPath    string `yaml:"ssl_key_path"`
	SSLCAListPath string `yaml:"ssl_calist_path"`

	// AllowOnlySSLConnections requires a non-empty peer certificate on
	// every cross-node message.
	AllowOnlySSLConnections bool `yaml:"allow_only_ssl_connections"`

	// SenderCertHeader names the header carrying the proxy-forwarded peer
	// certificate.
	SenderCertHeader string `yaml:"sender_cert_header"`

	// ReservationTimeout is the reservation expiry in seconds.
	ReservationTimeout int `yaml:"reservation_timeout"`

	// QueuesOptions maps queue names to pool settings.
	QueuesOptions map[string]QueueOptions `yaml:"queues_options"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// SSLCertString is the PEM contents of SSLCertPath, loaded at startup.
	SSLCertString string `yaml:"-"`
}

// Default returns a configuration with the built-in defaults applied.
func Default() *Config {
	return &Config{
		RootURL:            "http://127.0.0.1:5000/api/queues",
		ListenAddr:         "127.0.0.1:5000",
		DatabasePath:       "frestq.sqlite",
		DataDir:            ".",
		SenderCertHeader:   DefaultSenderCertHeader,
		ReservationTimeout: 60,
		QueuesOptions:      map[string]QueueOptions{},
		LogLevel:           "info",
	}
}

// Load reads a YAML configuration file on top of the defaults and loads the
// node certificate into SSLCertString.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize validates the configuration and loads derived fields.
func (c *Config) Finalize() error {
	if c.RootURL == "" {
		return fmt.Errorf("root_url must be set")
	}
	if c.SenderCertHeader == "" {
		c.SenderCertHeader = DefaultSenderCertHeader
	}
	if c.ReservationTimeout <= 0 {
		c.ReservationTimeout = 60
	}

	if c.TLSEnabled() {
		data, err := os.ReadFile(c.SSLCertPath)
		if err != nil {
			return fmt.Errorf("failed to read ssl certificate: %w", err)
		}
		c.SSLCertString = string(data)
	}
	return nil
}

// TLSEnabled reports whether node TLS credentials are configured.
func (c *Config) TLSEnabled() bool {
	return c.SSLCertPath != "" && c.SSLKeyPath != ""
}

// ActivityLogPath returns the path of the JSON-lines activity log.
func (c *Config) ActivityLogPath() string {
	return filepath.Join(c.DataDir, "activity.json.log")
}

// MaxThreads returns the configured concurrency cap for a queue, or the
// given fallback when the queue has no explicit setting.
func (c *Config) MaxThreads(queue string, fallback int) int {
	if opts, ok := c.QueuesOptions[queue]; ok && opts.MaxThreads > 0 {
		return opts.MaxThreads
	}
	return fallback
}
