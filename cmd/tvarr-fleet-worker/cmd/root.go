// Package cmd implements the CLI commands for tvarr-fleet-worker.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmylchreest/tvarr-fleet/internal/config"
	"github.com/jmylchreest/tvarr-fleet/internal/observability"
	"github.com/jmylchreest/tvarr-fleet/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "tvarr-fleet-worker",
	Short:   "Distributed AV1 transcoding fleet worker",
	Version: version.Short(),
	Long: `tvarr-fleet-worker registers with a tvarr-fleetd master, accepts file
transcode assignments over plain HTTP, and runs the FFmpeg AV1 pipeline.

Configuration is primarily via a worker config file or environment
variables prefixed TVARR_WORKER_:
  TVARR_WORKER_MASTER_URL           master base URL
  TVARR_WORKER_HEARTBEAT_INTERVAL   heartbeat cadence
  TVARR_WORKER_TEMP_DIRECTORY       scratch directory for downloads/results`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "worker config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")

	mustBindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	viper.SetEnvPrefix("TVARR_WORKER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// initLogging configures the slog default logger, with sensitive-field
// redaction, based on configuration.
func initLogging() error {
	logCfg := config.LoggingConfig{
		Level:  viper.GetString("logging.level"),
		Format: viper.GetString("logging.format"),
	}

	logger := observability.NewLogger(logCfg)
	observability.SetDefault(logger)
	return nil
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
