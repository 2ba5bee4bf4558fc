package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yuuki/rdmamsg/internal/pingpong"
	"github.com/yuuki/rdmamsg/internal/rdma"
	"github.com/yuuki/rdmamsg/internal/transport"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run the ping-pong client",
	Long: `Connect to server_addr pingpong.connections times, run
pingpong.round_trips round trips on every connection, print the round-trip
statistics and exit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fabric, err := rdma.Open(cfg.Fabric)
		if err != nil {
			return err
		}
		defer fabric.Close()

		id := uuid.New()
		metrics := newMetrics(ctx, cfg, "client", id)
		defer shutdownMetrics(metrics)

		client := pingpong.NewClient(cfg, fabric, metrics, transport.WithInstanceID(id))
		defer client.Close()

		stats, err := client.Run(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "connections: %d\n", stats.Connections)
		fmt.Fprintf(out, "round trips: %d in %s\n", stats.RoundTrips, stats.Elapsed)
		fmt.Fprintf(out, "rtt min/mean/max: %s / %s / %s\n", stats.MinRTT, stats.MeanRTT, stats.MaxRTT)
		return nil
	},
}
