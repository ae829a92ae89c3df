package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE", "memory")
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 30*time.Second, cfg.Sweep.Interval)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 5, cfg.Clock.MaxRetries)
	assert.Equal(t, "Keyholder", cfg.Clock.DefaultOwner)
	assert.Equal(t, "https://api.pushover.net", cfg.Pushover.BaseURL)
	assert.False(t, cfg.PushoverEnabled())
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("STORE", "mysql")
	t.Setenv("MYSQL_DSN", "u:p@tcp(db:3306)/clocks?parseTime=true")
	t.Setenv("SWEEP_INTERVAL", "5s")
	t.Setenv("MAX_RETRIES", "9")
	t.Setenv("DEFAULT_OWNER", "Mistress")
	t.Setenv("PUSHOVER_API_TOKEN", "tok")
	t.Setenv("PUSHOVER_USER_KEY", "usr")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, StoreMySQL, cfg.Store)
	assert.Equal(t, "u:p@tcp(db:3306)/clocks?parseTime=true", cfg.MySQL.DSN)
	assert.Equal(t, 5*time.Second, cfg.Sweep.Interval)
	assert.Equal(t, 9, cfg.Clock.MaxRetries)
	assert.Equal(t, "Mistress", cfg.Clock.DefaultOwner)
	assert.True(t, cfg.PushoverEnabled())
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("STORE", "mysql")
	t.Setenv("SWEEP_INTERVAL", "5s")

	fs := Flags("test")
	require.NoError(t, fs.Parse([]string{"--store=memory", "--interval=1m", "--http-addr="}))
	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, "", cfg.HTTP.Addr)
}

func TestLoad_UnsetFlagsKeepEnv(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("SWEEP_INTERVAL", "5s")

	fs := Flags("test")
	require.NoError(t, fs.Parse(nil))
	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Sweep.Interval)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clock.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: memory\nsweep_interval: 10s\ndefault_owner: Warden\n"), 0o600))

	fs := Flags("test")
	require.NoError(t, fs.Parse([]string{"--config", path}))
	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 10*time.Second, cfg.Sweep.Interval)
	assert.Equal(t, "Warden", cfg.Clock.DefaultOwner)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"mysql without dsn", map[string]string{"STORE": "mysql", "MYSQL_DSN": ""}, "MYSQL_DSN is required"},
		{"unknown store", map[string]string{"STORE": "redis"}, "STORE must be"},
		{"zero interval", map[string]string{"STORE": "memory", "SWEEP_INTERVAL": "0s"}, "SWEEP_INTERVAL must be positive"},
		{"bad interval", map[string]string{"STORE": "memory", "SWEEP_INTERVAL": "soon"}, "SWEEP_INTERVAL"},
		{"zero retries", map[string]string{"STORE": "memory", "MAX_RETRIES": "0"}, "MAX_RETRIES must be positive"},
		{"half pushover", map[string]string{"STORE": "memory", "PUSHOVER_API_TOKEN": "tok"}, "must be set together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
