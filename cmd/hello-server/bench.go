package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/searchktools/hello-server/bench"
)

func benchCmd() *cobra.Command {
	var (
		opts   bench.Options
		addr   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "bench [url...]",
		Short: "Load-test a running server",
		Long: `Send a fixed number of requests to each URL and report throughput and
latency quartiles. Without URLs, / and /greeting/hello on --addr are used.
With --pid-file the run waits for the server's pid file first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.URLs = args
			if len(opts.URLs) == 0 {
				opts.URLs = bench.DefaultURLs(addr)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := bench.Run(ctx, opts)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			res.Print(cmd.OutOrStdout())
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&addr, "addr", "127.0.0.1:3000", "Server address used when no URL is given")
	f.IntVarP(&opts.Requests, "requests", "n", 50000, "Requests per URL")
	f.IntVarP(&opts.Concurrency, "concurrency", "c", 256, "Concurrent clients")
	f.DurationVarP(&opts.Timeout, "timeout", "t", 0, "Per-request timeout (default 10s)")
	f.BoolVar(&opts.Warmup, "warmup", false, "Run each URL once unrecorded before measuring")
	f.StringVar(&opts.PidFile, "pid-file", "", "Wait for this pid file before starting")
	f.BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}
