package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yuuki/rdmamsg/internal/config"
	"github.com/yuuki/rdmamsg/internal/logging"
	"github.com/yuuki/rdmamsg/internal/telemetry"
)

// Version is set at build time
var Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "rmsg",
	Short: "Point-to-point RDMA messaging",
	Long: `rmsg runs the RDMA messaging transport as a ping-pong server or client.

The server answers every message it receives. The client opens
pingpong.connections connections, runs pingpong.round_trips request/response
exchanges on each and reports the round-trip times.`,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	config.SetupFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(serverCmd, clientCmd, configCmd, versionCmd)
}

// loadConfig loads the configuration from the command's flags and sets up
// logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.Init(cfg.LogLevel)
	return cfg, nil
}

// newMetrics returns exporting metrics when enabled, otherwise instruments
// that record nothing.
func newMetrics(ctx context.Context, cfg *config.Config, role string, id uuid.UUID) *telemetry.Metrics {
	if !cfg.MetricsEnabled {
		return telemetry.Noop()
	}
	m, err := telemetry.NewMetrics(ctx, role, id.String(), cfg.OtelCollectorAddr)
	if err != nil {
		log.Warn().Err(err).Str("collector", cfg.OtelCollectorAddr).Msg("Failed to initialize metrics, continuing without them")
		return telemetry.Noop()
	}
	log.Info().Str("collector", cfg.OtelCollectorAddr).Msg("OpenTelemetry metrics enabled")
	return m
}

func shutdownMetrics(m *telemetry.Metrics) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush metrics")
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rmsg v%s\n", Version)
	},
}
