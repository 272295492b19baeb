package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFile_Defaults(t *testing.T) {
	path := writeConfig(t, `
registry:
  admin: "ops_admin"
`)
	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "vault_system", cfg.Registry.System)
	assert.Equal(t, "principal", cfg.Registry.TVLAccounting)
	assert.True(t, cfg.Registry.AllowZeroMaxLoss)
	assert.Equal(t, 100, cfg.Journal.BatchSize)
	assert.Equal(t, uint(3), cfg.Journal.FlushAttempts)
	assert.Equal(t, uint32(5), cfg.Custody.ConsecutiveFailures)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadConfigFile_Sections(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
registry:
  admin: "ops_admin"
  system: "custody_main"
  tvl_accounting: "transferred"
  allow_zero_max_loss: false
  verifiers: ["oracle_a", "oracle_b"]
rate_limit:
  window: 30s
  create: 5
  exempt: ["market_maker"]
custody:
  seed: ["alice:USDC:1000"]
`)
	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, ":9000", cfg.Server.Addr())
	assert.Equal(t, "custody_main", cfg.Registry.System)
	assert.Equal(t, "transferred", cfg.Registry.TVLAccounting)
	assert.False(t, cfg.Registry.AllowZeroMaxLoss)
	assert.Equal(t, []string{"oracle_a", "oracle_b"}, cfg.Registry.Verifiers)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, uint32(5), cfg.RateLimit.Create)
	assert.Equal(t, []string{"market_maker"}, cfg.RateLimit.Exempt)
	assert.Equal(t, []string{"alice:USDC:1000"}, cfg.Custody.Seed)
}

func TestLoadConfigFile_EnvOverride(t *testing.T) {
	path := writeConfig(t, `
registry:
  admin: "ops_admin"
`)
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://vault@localhost/vault")

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres://vault@localhost/vault", cfg.Database.URL)
}

func TestLoadConfigFile_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing admin", `registry: {system: "s"}`},
		{"admin equals system", `registry: {admin: "s", system: "s"}`},
		{"unknown accounting", `registry: {admin: "a", tvl_accounting: "yield"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFile(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadKeyResource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pub.pem")
	require.NoError(t, os.WriteFile(path, []byte("from-file"), 0o600))

	assert.Equal(t, []byte("from-file"), loadKeyResource(path, "VAULT_TEST_KEY_DATA"))

	t.Setenv("VAULT_TEST_KEY_DATA", "from-env")
	assert.Equal(t, []byte("from-env"), loadKeyResource(path, "VAULT_TEST_KEY_DATA"))

	assert.Nil(t, loadKeyResource("", "VAULT_TEST_MISSING"))
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = NewLogger(LoggerConfig{Format: "xml"})
	assert.Error(t, err)
}
