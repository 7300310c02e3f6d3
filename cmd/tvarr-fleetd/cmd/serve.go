package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/tvarr-fleet/internal/assets"
	"github.com/jmylchreest/tvarr-fleet/internal/config"
	"github.com/jmylchreest/tvarr-fleet/internal/database"
	"github.com/jmylchreest/tvarr-fleet/internal/database/migrations"
	"github.com/jmylchreest/tvarr-fleet/internal/eventbus"
	tvarrhttp "github.com/jmylchreest/tvarr-fleet/internal/http"
	"github.com/jmylchreest/tvarr-fleet/internal/http/handlers"
	"github.com/jmylchreest/tvarr-fleet/internal/observability"
	"github.com/jmylchreest/tvarr-fleet/internal/registry"
	"github.com/jmylchreest/tvarr-fleet/internal/scanner"
	"github.com/jmylchreest/tvarr-fleet/internal/scheduler"
	"github.com/jmylchreest/tvarr-fleet/internal/store"
	"github.com/jmylchreest/tvarr-fleet/internal/transfer"
	"github.com/jmylchreest/tvarr-fleet/internal/version"
)

// lookupVersion reports a stamp for the lookup tables served at startup,
// implementing scheduler.LookupVersion.
type lookupVersion struct {
	quality    []byte
	audioCodec []byte
}

func (l lookupVersion) Version() string {
	return fmt.Sprintf("%d-%d", len(l.quality), len(l.audioCodec))
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet master",
	Long:  "Starts the HTTP server, reconciliation monitor, and worker job protocol.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	if err := migrator.Up(cmd.Context()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	fileStore := store.New(db.DB)
	workerRegistry := registry.New()
	bus := eventbus.New(logger)
	transferSvc := transfer.New(fileStore, cfg.PreserveMode, logger)
	jobScanner := scanner.New(fileStore, logger)

	qualityLookup := assets.DefaultQualityLookup()
	audioCodecLookup := assets.DefaultAudioCodecLookup()

	sched := scheduler.New(fileStore, workerRegistry, lookupVersion{qualityLookup, audioCodecLookup})
	jobHandler := handlers.NewJobHandler(fileStore, workerRegistry, sched, transferSvc, bus, jobScanner, cfg.Storage.MediaDirectories, qualityLookup, audioCodecLookup)

	monitor := scheduler.NewMonitor(fileStore, workerRegistry, bus, cfg.Monitor.PollInterval, cfg.Monitor.HeartbeatTimeout, logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("starting monitor: %w", err)
	}
	defer monitor.Stop()

	serverCfg := tvarrhttp.ServerConfig{
		Host:            cfg.Master.Host,
		Port:            cfg.Master.Port,
		ReadTimeout:     cfg.Master.ReadTimeout,
		WriteTimeout:    cfg.Master.WriteTimeout,
		IdleTimeout:     tvarrhttp.DefaultServerConfig().IdleTimeout,
		ShutdownTimeout: cfg.Master.ShutdownTimeout,
	}

	server := tvarrhttp.NewServer(serverCfg, logger, version.Short())

	jobHandler.Register(server.API())
	jobHandler.RegisterChiRoutes(server.Router())
	bus.RegisterSSE(server.Router())

	healthHandler := handlers.NewHealthHandler(version.Short(), db.DB, monitor)
	healthHandler.Register(server.API())

	if len(cfg.Storage.MediaDirectories) > 0 {
		go func() {
			if err := jobScanner.Scan(context.Background(), cfg.Storage.MediaDirectories); err != nil {
				logger.Error("startup scan failed", slog.String("error", err.Error()))
			}
		}()
	}

	if scanCron, err := jobScanner.StartSchedule(ctx, cfg.Storage.ScanSchedule, cfg.Storage.MediaDirectories); err != nil {
		logger.Error("invalid scan schedule", slog.String("error", err.Error()))
	} else if scanCron != nil {
		defer func() { <-scanCron.Stop().Done() }()
	}

	logger.Info("fleet master starting",
		slog.String("version", version.Short()),
		slog.String("address", serverCfg.Host+fmt.Sprintf(":%d", serverCfg.Port)),
	)

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("running server: %w", err)
	}

	return nil
}
