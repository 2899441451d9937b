package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/searchktools/hello-server/app"
	"github.com/searchktools/hello-server/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "hello-server",
		Short: "Pre-forked hello world HTTP server",
		Long: `hello-server binds one TCP socket and serves it from a pool of
worker processes or threads:

  GET /                  Hello World!
  GET /greeting/<name>   Hello, <name>

Workers that die are restarted unless --restart=no-restart is given.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, cfgFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.New(cfg).RunSupervisor(ctx)
		},
	}

	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Config file (yaml, json or toml)")
	config.RegisterFlags(cmd.Flags())

	cmd.AddCommand(
		workerCmd(),
		benchCmd(),
		versionCmd(),
	)
	return cmd
}

// loadConfig resolves flags, HELLO_SERVER_* variables and the config file
func loadConfig(cmd *cobra.Command, cfgFile string) (*config.Config, error) {
	v := viper.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	return config.Load(v, cfgFile)
}
