package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, Default(), *c)
	assert.Equal(t, 3000, c.Port)
	assert.Equal(t, Restart, c.Restart)
	assert.Equal(t, "127.0.0.1:3000", c.Addr())
	assert.Equal(t, runtime.NumCPU(), c.EffectiveWorkers())
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("HELLO_SERVER_PORT", "4000")
	t.Setenv("HELLO_SERVER_MODE", "thread")
	t.Setenv("HELLO_SERVER_MIN_UPTIME", "250ms")

	c, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 4000, c.Port)
	assert.Equal(t, ModeThread, c.Mode)
	assert.Equal(t, 250*time.Millisecond, c.MinUptime)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("HELLO_SERVER_PORT", "4000")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-p", "5000", "-w", "3", "--restart=no-restart", "--pid-file", ""}))

	v := viper.New()
	require.NoError(t, BindFlags(v, fs))

	c, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, 5000, c.Port)
	assert.Equal(t, 3, c.EffectiveWorkers())
	assert.Equal(t, NoRestart, c.Restart)
	assert.Empty(t, c.PIDFile)
}

func TestLoadUnsetFlagsKeepEnv(t *testing.T) {
	t.Setenv("HELLO_SERVER_PORT", "4000")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))

	v := viper.New()
	require.NoError(t, BindFlags(v, fs))

	c, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, 4000, c.Port)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 8080
workers: 2
transport: std
h2c: true
shutdown_timeout: 1s
admin_addr: 127.0.0.1:9090
`), 0o644))

	c, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, 2, c.Workers)
	assert.Equal(t, TransportStd, c.Transport)
	assert.True(t, c.H2C)
	assert.Equal(t, time.Second, c.ShutdownTimeout)
	assert.Equal(t, "127.0.0.1:9090", c.AdminAddr)

	_, err = Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"negative port", func(c *Config) { c.Port = -1 }},
		{"negative workers", func(c *Config) { c.Workers = -2 }},
		{"unknown mode", func(c *Config) { c.Mode = "fork" }},
		{"unknown transport", func(c *Config) { c.Transport = "uring" }},
		{"h2c on epoll", func(c *Config) { c.H2C = true }},
		{"unknown restart", func(c *Config) { c.Restart = "always" }},
		{"tiny header limit", func(c *Config) { c.MaxHeaderBytes = 16 }},
		{"backoff inverted", func(c *Config) { c.MaxBackoff = time.Millisecond }},
		{"negative timeout", func(c *Config) { c.IdleTimeout = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}

	c := Default()
	assert.NoError(t, c.Validate())
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	t.Setenv("HELLO_SERVER_RESTART", "sometimes")
	_, err := Load(viper.New(), "")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEncodeDecode(t *testing.T) {
	c := Default()
	c.Port = 0
	c.Workers = 4
	c.Mode = ModeThread
	c.StatsInterval = 0

	s, err := c.Encode()
	require.NoError(t, err)

	got, err := Decode(s)
	require.NoError(t, err)
	assert.Equal(t, c, *got)

	_, err = Decode("{not json")
	assert.Error(t, err)

	_, err = Decode(`{"mode":"fork"}`)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
