package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "http://127.0.0.1:5000/api/queues", cfg.RootURL)
	assert.Equal(t, "127.0.0.1:5000", cfg.ListenAddr)
	assert.Equal(t, DefaultSenderCertHeader, cfg.SenderCertHeader)
	assert.Equal(t, 60, cfg.ReservationTimeout)
	assert.False(t, cfg.TLSEnabled())
	assert.False(t, cfg.AllowOnlySSLConnections)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
root_url: https://node-a.example.com:5000/api/queues
listen_addr: 0.0.0.0:5000
database_path: /var/lib/frestq/frestq.sqlite
data_dir: /var/lib/frestq
allow_only_ssl_connections: true
reservation_timeout: 120
log_level: debug
queues_options:
  vote.count:
    max_threads: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://node-a.example.com:5000/api/queues", cfg.RootURL)
	assert.Equal(t, "/var/lib/frestq/frestq.sqlite", cfg.DatabasePath)
	assert.True(t, cfg.AllowOnlySSLConnections)
	assert.Equal(t, 120, cfg.ReservationTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, filepath.Join("/var/lib/frestq", "activity.json.log"), cfg.ActivityLogPath())

	// unset options fall back to defaults
	assert.Equal(t, DefaultSenderCertHeader, cfg.SenderCertHeader)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().RootURL, cfg.RootURL)
}

func TestFinalizeValidation(t *testing.T) {
	cfg := Default()
	cfg.RootURL = ""
	assert.Error(t, cfg.Finalize())

	cfg = Default()
	cfg.ReservationTimeout = -1
	require.NoError(t, cfg.Finalize())
	assert.Equal(t, 60, cfg.ReservationTimeout)
}

func TestFinalizeLoadsCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	require.NoError(t, os.WriteFile(certPath, []byte("PEM CONTENTS"), 0o600))

	cfg := Default()
	cfg.SSLCertPath = certPath
	cfg.SSLKeyPath = filepath.Join(dir, "key.pem")
	require.NoError(t, cfg.Finalize())
	assert.True(t, cfg.TLSEnabled())
	assert.Equal(t, "PEM CONTENTS", cfg.SSLCertString)

	cfg.SSLCertPath = filepath.Join(dir, "missing.pem")
	assert.Error(t, cfg.Finalize())
}

func TestMaxThreads(t *testing.T) {
	cfg := Default()
	cfg.QueuesOptions["vote.count"] = QueueOptions{MaxThreads: 3}

	assert.Equal(t, 3, cfg.MaxThreads("vote.count", 10))
	assert.Equal(t, 10, cfg.MaxThreads("other.queue", 10))
	assert.Equal(t, 0, cfg.MaxThreads("other.queue", 0))
}
