package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/searchktools/hello-server/app"
	"github.com/searchktools/hello-server/config"
)

// workerCmd is what process-mode supervisors execute for each slot
func workerCmd() *cobra.Command {
	var slot int

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one worker on an inherited socket",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := os.Getenv(config.EnvWorkerConfig)
			if raw == "" {
				return fmt.Errorf("%s is not set; workers are started by the supervisor", config.EnvWorkerConfig)
			}
			cfg, err := config.Decode(raw)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.New(cfg).RunWorker(ctx, slot)
		},
	}

	cmd.Flags().IntVar(&slot, "slot", 0, "Worker slot index")
	return cmd
}
