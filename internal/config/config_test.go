package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClientDefaults(t *testing.T) {
	t.Setenv("MESSENGER_USER_ID", "7")

	cfg, err := LoadClient(nil, "")
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.UserID)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.WSURL)
	assert.Equal(t, 150*time.Millisecond, cfg.SettleDelay)
	assert.Equal(t, time.Second, cfg.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxDelay)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, "default", cfg.Notifications)
	assert.False(t, cfg.Elevated)
}

func TestLoadClientEnvironmentOverrides(t *testing.T) {
	t.Setenv("MESSENGER_USER_ID", "3")
	t.Setenv("MESSENGER_WS_URL", "wss://relay.example.com/ws")
	t.Setenv("MESSENGER_SETTLE_DELAY", "300ms")
	t.Setenv("MESSENGER_ELEVATED", "true")
	t.Setenv("MESSENGER_NOTIFICATIONS", "GRANTED")

	cfg, err := LoadClient(nil, "")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com/ws", cfg.WSURL)
	assert.Equal(t, 300*time.Millisecond, cfg.SettleDelay)
	assert.True(t, cfg.Elevated)
	assert.Equal(t, "granted", cfg.Notifications)
}

func TestLoadClientFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messenger.yaml")
	require.NoError(t, os.WriteFile(path, []byte("user_id: 11\napi_url: http://relay:8080\nmax_attempts: 3\n"), 0o600))

	cfg, err := LoadClient(nil, path)
	require.NoError(t, err)
	assert.Equal(t, int64(11), cfg.UserID)
	assert.Equal(t, "http://relay:8080", cfg.APIURL)
	assert.Equal(t, 3, cfg.MaxAttempts)
}

func TestLoadClientFlagBinding(t *testing.T) {
	v := NewClientViper()
	v.Set(KeyUserID, 21)

	cfg, err := LoadClient(v, "")
	require.NoError(t, err)
	assert.Equal(t, int64(21), cfg.UserID)
}

func TestLoadClientValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want error
	}{
		{"missing user", map[string]string{}, ErrMissingUser},
		{"bad notifications", map[string]string{"MESSENGER_USER_ID": "1", "MESSENGER_NOTIFICATIONS": "maybe"}, ErrInvalidPermission},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MESSENGER_USER_ID", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadClient(nil, "")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadClientMissingExplicitFile(t *testing.T) {
	_, err := LoadClient(nil, filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadRelayEnvironment(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("WORKER_POOL_SIZE", "64")
	t.Setenv("READ_TIMEOUT", "5s")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("SERVER_NAME", "relay-b")
	t.Setenv("MODERATION_TIMEOUT", "750ms")

	cfg, err := LoadRelay(nil, "")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 64, cfg.WorkerPoolSize)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, "nats://nats:4222", cfg.NATSURL)
	assert.Equal(t, "relay-b", cfg.ServerName)
	assert.Equal(t, 750*time.Millisecond, cfg.ModerationTimeout)
	assert.Equal(t, 100000, cfg.MaxConnections)
}

func TestLoadRelayInvalidSizesFallBack(t *testing.T) {
	t.Setenv("WORKER_POOL_SIZE", "-3")
	t.Setenv("MAX_CONNECTIONS", "0")

	cfg, err := LoadRelay(nil, "")
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.WorkerPoolSize)
	assert.Equal(t, 100000, cfg.MaxConnections)
}

func TestLoadEnvFile(t *testing.T) {
	require.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("MESSENGER_TEST_ONLY_KEY=from-file\n"), 0o600))
	t.Setenv("MESSENGER_TEST_ONLY_KEY", "")
	os.Unsetenv("MESSENGER_TEST_ONLY_KEY")

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "from-file", os.Getenv("MESSENGER_TEST_ONLY_KEY"))
}
