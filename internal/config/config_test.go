package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_WritesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err, "defaults should be written to disk")

	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadConfig_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[emulator]
firmware = "fw.wasm"

[watchdog]
reset_after = "1s"
interrupt_after = "2.5s"

[api]
enabled = true
port = 9000
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "fw.wasm", cfg.Emulator.Firmware)
	assert.Equal(t, time.Second, cfg.Watchdog.ResetAfter.Duration)
	assert.Equal(t, 2500*time.Millisecond, cfg.Watchdog.InterruptAfter.Duration)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, 9000, cfg.API.Port)
	assert.Equal(t, 40, cfg.Emulator.BatchSize, "unset keys keep their defaults")
}

func TestLoadConfig_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
apps:
  dir: ./apps
  watch: true
ui:
  button_release: 250ms
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "./apps", cfg.Apps.Dir)
	assert.True(t, cfg.Apps.Watch)
	assert.Equal(t, 250*time.Millisecond, cfg.UI.ButtonRelease.Duration)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	for _, name := range []string{"config.toml", "config.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := DefaultConfig()
			cfg.Watchdog.ResetAfter = Duration{1200 * time.Millisecond}
			cfg.Log.Level = "debug"

			require.NoError(t, SaveConfig(path, cfg))
			got, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, got)
		})
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("unknown extension", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "config.ini"))
		assert.ErrorIs(t, err, ErrUnknownFormat)
	})

	t.Run("bad duration", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, os.WriteFile(path, []byte("[watchdog]\nreset_after = \"soon\"\n"), 0644))
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})

	t.Run("port out of range", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, os.WriteFile(path, []byte("[api]\nport = 70000\n"), 0644))
		_, err := LoadConfig(path)
		assert.ErrorContains(t, err, "api port")
	})
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvFirmware, "/tmp/fw.wasm")
	t.Setenv(EnvApps, "/tmp/apps")
	t.Setenv(EnvAPIPort, "9123")
	t.Setenv(EnvLogLevel, "debug")

	cfg := DefaultConfig()
	require.NoError(t, ApplyEnv(cfg))
	assert.Equal(t, "/tmp/fw.wasm", cfg.Emulator.Firmware)
	assert.Equal(t, "/tmp/apps", cfg.Apps.Dir)
	assert.Equal(t, 9123, cfg.API.Port)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestApplyEnv_BadPort(t *testing.T) {
	t.Setenv(EnvAPIPort, "http")
	assert.Error(t, ApplyEnv(DefaultConfig()))
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("BANGLE_LOG_LEVEL=warn\n"), 0644))

	t.Setenv(EnvLogLevel, "")
	os.Unsetenv(EnvLogLevel)

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "warn", os.Getenv(EnvLogLevel))

	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveConfig(path, DefaultConfig()))

	changed := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cfg := DefaultConfig()
	cfg.Log.Level = "trace"
	require.NoError(t, SaveConfig(path, cfg))

	select {
	case got := <-changed:
		assert.Equal(t, "trace", got.Log.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the change")
	}

	cancel()
	require.NoError(t, <-done)
}
