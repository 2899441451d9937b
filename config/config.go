// Package config holds the resolved server configuration shared by the
// supervisor, its workers and their transports.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"time"
)

// EnvWorkerConfig carries the supervisor's resolved Config to process workers
const EnvWorkerConfig = "HELLO_SERVER_WORKER_CONFIG"

// ErrInvalidConfig is wrapped by every Validate failure
var ErrInvalidConfig = errors.New("invalid config")

// Mode selects how workers are run
type Mode string

const (
	ModeProcess Mode = "process"
	ModeThread  Mode = "thread"
)

// Transport selects the per-worker accept loop
type Transport string

const (
	TransportEpoll Transport = "epoll"
	TransportStd   Transport = "std"
)

// RestartPolicy decides what happens when a worker exits
type RestartPolicy string

const (
	Restart   RestartPolicy = "restart"
	NoRestart RestartPolicy = "no-restart"
)

// Config holds all application configuration.
type Config struct {
	Host    string `mapstructure:"host" json:"host"`
	Port    int    `mapstructure:"port" json:"port"`
	Workers int    `mapstructure:"workers" json:"workers"`

	Mode      Mode      `mapstructure:"mode" json:"mode"`
	Transport Transport `mapstructure:"transport" json:"transport"`
	H2C       bool      `mapstructure:"h2c" json:"h2c"`

	Restart         RestartPolicy `mapstructure:"restart" json:"restart"`
	RestartBackoff  time.Duration `mapstructure:"restart_backoff" json:"restart_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff" json:"max_backoff"`
	MinUptime       time.Duration `mapstructure:"min_uptime" json:"min_uptime"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	ReadTimeout    time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes" json:"max_header_bytes"`

	GCPercent     int           `mapstructure:"gc_percent" json:"gc_percent"`
	StatsInterval time.Duration `mapstructure:"stats_interval" json:"stats_interval"`
	PIDFile       string        `mapstructure:"pid_file" json:"pid_file"`
	AdminAddr     string        `mapstructure:"admin_addr" json:"admin_addr"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            3000,
		Mode:            ModeProcess,
		Transport:       TransportEpoll,
		Restart:         Restart,
		RestartBackoff:  100 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		MinUptime:       time.Second,
		ShutdownTimeout: 5 * time.Second,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     5 * time.Second,
		MaxHeaderBytes:  8192,
		StatsInterval:   30 * time.Second,
		PIDFile:         ".pid",
	}
}

// Validate rejects values the server cannot run with
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must be >= 0, got %d", ErrInvalidConfig, c.Workers)
	}
	switch c.Mode {
	case ModeProcess, ModeThread:
	default:
		return fmt.Errorf("%w: mode %q (want process or thread)", ErrInvalidConfig, c.Mode)
	}
	switch c.Transport {
	case TransportEpoll, TransportStd:
	default:
		return fmt.Errorf("%w: transport %q (want epoll or std)", ErrInvalidConfig, c.Transport)
	}
	if c.H2C && c.Transport != TransportStd {
		return fmt.Errorf("%w: h2c requires the std transport", ErrInvalidConfig)
	}
	switch c.Restart {
	case Restart, NoRestart:
	default:
		return fmt.Errorf("%w: restart policy %q (want restart or no-restart)", ErrInvalidConfig, c.Restart)
	}
	if c.MaxHeaderBytes < 256 {
		return fmt.Errorf("%w: max_header_bytes must be >= 256, got %d", ErrInvalidConfig, c.MaxHeaderBytes)
	}
	if c.RestartBackoff < 0 || c.MaxBackoff < c.RestartBackoff {
		return fmt.Errorf("%w: need 0 <= restart_backoff <= max_backoff", ErrInvalidConfig)
	}
	for name, d := range map[string]time.Duration{
		"min_uptime":       c.MinUptime,
		"shutdown_timeout": c.ShutdownTimeout,
		"read_timeout":     c.ReadTimeout,
		"write_timeout":    c.WriteTimeout,
		"idle_timeout":     c.IdleTimeout,
		"stats_interval":   c.StatsInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, name)
		}
	}
	return nil
}

// EffectiveWorkers resolves Workers, where 0 means one per CPU
func (c *Config) EffectiveWorkers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// Addr returns host:port
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Encode serializes the config for EnvWorkerConfig
func (c *Config) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return string(b), nil
}

// Decode parses a config produced by Encode and validates it
func Decode(s string) (*Config, error) {
	c := Default()
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
