package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/chainchat/internal/config"
	"github.com/jmerrifield20/chainchat/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chainchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoad_defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, found, err := config.Load(config.New(""))
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.Server.GRPCPort)
	assert.Equal(t, 20, cfg.Server.RateLimitRPS)
	assert.Equal(t, 2, cfg.Server.SenderRateLimitRPS)
	assert.Equal(t, 2, cfg.Ledger.Difficulty)
	assert.Equal(t, ledger.AppendSerial, cfg.Ledger.AppendMode)
	assert.Equal(t, 16, cfg.Ledger.MaxAppendRetries)
	assert.Equal(t, 30*time.Second, cfg.Ledger.SealTimeout)
	assert.Equal(t, config.BackendMemory, cfg.Store.Backend)
	assert.Equal(t, time.Minute, cfg.Audit.Interval)
	assert.Equal(t, 64, cfg.Peers.QueueSize)
	assert.Empty(t, cfg.Relay.URLs)
}

func TestLoad_file(t *testing.T) {
	path := writeConfig(t, `
ledger:
  difficulty: 3
  append_mode: optimistic
  seal_timeout: 5s
store:
  backend: bolt
  bolt_path: /tmp/x.db
relay:
  urls:
    - http://a.example/hook
    - http://b.example/hook
`)
	cfg, found, err := config.Load(config.New(path))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, 3, cfg.Ledger.Difficulty)
	assert.Equal(t, ledger.AppendOptimistic, cfg.Ledger.AppendMode)
	assert.Equal(t, 5*time.Second, cfg.Ledger.SealTimeout)
	assert.Equal(t, config.BackendBolt, cfg.Store.Backend)
	assert.Equal(t, "/tmp/x.db", cfg.Store.BoltPath)
	assert.Len(t, cfg.Relay.URLs, 2)
}

func TestLoad_envOverridesFile(t *testing.T) {
	path := writeConfig(t, "ledger:\n  difficulty: 3\n")
	t.Setenv("LEDGER_DIFFICULTY", "1")

	cfg, _, err := config.Load(config.New(path))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Ledger.Difficulty)
}

func TestLoad_rejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"difficulty too high", "ledger:\n  difficulty: 9\n"},
		{"negative difficulty", "ledger:\n  difficulty: -1\n"},
		{"unknown mode", "ledger:\n  append_mode: yolo\n"},
		{"unknown backend", "store:\n  backend: redis\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := config.Load(config.New(writeConfig(t, tt.body)))
			assert.Error(t, err)
		})
	}
}
