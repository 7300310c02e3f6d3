package cmd

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/tvarr-fleet/internal/config"
	"github.com/jmylchreest/tvarr-fleet/internal/observability"
	"github.com/jmylchreest/tvarr-fleet/internal/version"
	"github.com/jmylchreest/tvarr-fleet/internal/workerclient"
)

var ffmpegPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to a fleet master and process transcode jobs",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&ffmpegPath, "ffmpeg-path", "", "path to the ffmpeg binary (default: resolved from PATH)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWorker(cfgFile)
	if err != nil {
		return fmt.Errorf("loading worker config: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	worker, err := workerclient.NewWorker(*cfg, ffmpegPath, logger)
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("worker starting", slog.String("version", version.Short()), slog.String("master_url", cfg.MasterURL))

	if err := worker.Run(ctx, version.Short()); err != nil {
		return fmt.Errorf("running worker: %w", err)
	}
	return nil
}
