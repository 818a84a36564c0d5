package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadClientSuccess(t *testing.T) {
	path := writeTemp(t, `
endpoints: ["127.0.0.1:53"]
resolver: "wss://example.org/dns"
resolver_auth_token: "s3cr3t"
`)
	cfg, err := LoadClient(path)
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1:53"}, cfg.EndPoints)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadClientMissingRequiredField(t *testing.T) {
	path := writeTemp(t, `
endpoints: ["127.0.0.1:53"]
resolver: "wss://example.org/dns"
`)
	_, err := LoadClient(path)
	require.Error(t, err)
}

func TestLoadServerSuccess(t *testing.T) {
	path := writeTemp(t, `
urls: ["0.0.0.0:8443"]
resolver: "8.8.8.8:53"
auth_tokens: ["s3cr3t"]
log_level: "debug"
`)
	cfg, err := LoadServer(path)
	require.NoError(t, err)
	require.Equal(t, []string{"s3cr3t"}, cfg.AuthTokens)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerMissingAuthTokens(t *testing.T) {
	path := writeTemp(t, `
urls: ["0.0.0.0:8443"]
resolver: "8.8.8.8:53"
`)
	_, err := LoadServer(path)
	require.Error(t, err)
}

func TestLoadClientMissingFile(t *testing.T) {
	_, err := LoadClient(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
