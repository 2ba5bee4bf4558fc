package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yuuki/rdmamsg/internal/pingpong"
	"github.com/yuuki/rdmamsg/internal/rdma"
	"github.com/yuuki/rdmamsg/internal/transport"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the ping-pong server",
	Long: `Listen on server_addr and answer every received message until
interrupted.`,
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
		metrics := newMetrics(ctx, cfg, "server", id)
		defer shutdownMetrics(metrics)

		server := pingpong.NewServer(cfg, fabric, metrics, transport.WithInstanceID(id))
		if err := server.Start(); err != nil {
			return err
		}
		log.Info().
			Str("addr", cfg.ServerAddr).
			Str("fabric", fabric.Name()).
			Str("instance_id", id.String()).
			Msg("Server started")

		if err := server.Wait(ctx); err != nil && ctx.Err() == nil {
			_ = server.Close()
			return err
		}
		log.Info().Msg("Shutting down server")
		return server.Close()
	},
}
