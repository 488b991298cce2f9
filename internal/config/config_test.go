package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	// Test binaries run from the package dir, where no config/ exists.
	t.Setenv("CONFIG_ENV", "nonexistent")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "release", cfg.Mode)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, int64(32768), cfg.ReadLimit)
	require.Equal(t, 54*time.Second, cfg.PingPeriod)
	require.Equal(t, "memory", cfg.Storage)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Equal(t, 9, cfg.SeatCount)
	require.Equal(t, 5*time.Second, cfg.ClaimTimeout)
	require.Equal(t, 3, cfg.VoiceResetAttempts)
	require.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.StunServers)
}

func TestLoadRejectsUnparsableConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	// Valid YAML, wrong shape: port cannot unmarshal into an int.
	bad := "port: [1, 2]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.bad.yaml"), []byte(bad), 0o644))
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "bad")

	_, err := Load()
	require.Error(t, err)
}
