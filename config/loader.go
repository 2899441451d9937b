package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HELLO_SERVER_PORT
const EnvPrefix = "HELLO_SERVER"

// flagKeys maps command-line flags to config keys
var flagKeys = map[string]string{
	"host":       "host",
	"port":       "port",
	"workers":    "workers",
	"mode":       "mode",
	"transport":  "transport",
	"h2c":        "h2c",
	"restart":    "restart",
	"pid-file":   "pid_file",
	"admin-addr": "admin_addr",
}

// RegisterFlags adds the server flags to fs
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("host", d.Host, "Interface to listen on")
	fs.IntP("port", "p", d.Port, "TCP port to listen on")
	fs.IntP("workers", "w", d.Workers, "Number of workers (0 = one per CPU)")
	fs.String("mode", string(d.Mode), "Worker model: process or thread")
	fs.String("transport", string(d.Transport), "Accept loop: epoll or std")
	fs.Bool("h2c", d.H2C, "Serve HTTP/2 cleartext as well (std transport)")
	fs.String("restart", string(d.Restart), "Worker restart policy: restart or no-restart")
	fs.String("pid-file", d.PIDFile, "Write the supervisor pid here (empty disables)")
	fs.String("admin-addr", d.AdminAddr, "Admin endpoint address (empty disables)")
}

// BindFlags binds the flags registered by RegisterFlags to v
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("mode", string(d.Mode))
	v.SetDefault("transport", string(d.Transport))
	v.SetDefault("h2c", d.H2C)
	v.SetDefault("restart", string(d.Restart))
	v.SetDefault("restart_backoff", d.RestartBackoff)
	v.SetDefault("max_backoff", d.MaxBackoff)
	v.SetDefault("min_uptime", d.MinUptime)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("read_timeout", d.ReadTimeout)
	v.SetDefault("write_timeout", d.WriteTimeout)
	v.SetDefault("idle_timeout", d.IdleTimeout)
	v.SetDefault("max_header_bytes", d.MaxHeaderBytes)
	v.SetDefault("gc_percent", d.GCPercent)
	v.SetDefault("stats_interval", d.StatsInterval)
	v.SetDefault("pid_file", d.PIDFile)
	v.SetDefault("admin_addr", d.AdminAddr)
}

// Load resolves the configuration from, in increasing precedence: defaults,
// the config file, HELLO_SERVER_* environment variables and flags already
// bound to v. cfgFile may be empty.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file %s: %w", cfgFile, err)
			}
			return nil, fmt.Errorf("read config file failed: %w", err)
		}
		log.Printf("📄 Loaded config from: %s", v.ConfigFileUsed())
	}

	c := Default()
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
