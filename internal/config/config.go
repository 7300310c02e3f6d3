// Package config provides configuration management for the fleet controller
// using Viper. It supports configuration from files, environment variables,
// and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort           = 8080
	defaultServerTimeout        = 30 * time.Second
	defaultShutdownTimeout      = 10 * time.Second
	defaultMaxOpenConns         = 25
	defaultMaxIdleConns         = 10
	defaultConnMaxIdleTime      = 30 * time.Minute
	defaultHeartbeatTimeout     = 30 * time.Second
	defaultMonitorInterval      = 5 * time.Second
	defaultWorkerHeartbeatEvery = 10 * time.Second
	defaultRegisterTimeout      = 10 * time.Second
	defaultHeartbeatCallTimeout = 5 * time.Second
	defaultTransferTimeout      = 300 * time.Second
	defaultSVTAV1Preset         = 6
	defaultMinSavingsPercent    = 5.0
)

// Config holds all configuration for the master process.
type Config struct {
	Master          MasterConfig          `mapstructure:"master"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Storage         StorageConfig         `mapstructure:"storage"`
	Logging         LoggingConfig         `mapstructure:"logging"`
	Monitor         MonitorConfig         `mapstructure:"monitor"`
	Transcoding     TranscodingConfig     `mapstructure:"transcoding"`
	ProcessPriority ProcessPriorityConfig `mapstructure:"process_priority"`
	Processing      ProcessingConfig      `mapstructure:"processing"`
	PreserveMode    bool                  `mapstructure:"preserve_mode"`
}

// MasterConfig holds HTTP server configuration for the master.
type MasterConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// Address returns the server address in host:port format.
func (c *MasterConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds media library and staging configuration.
type StorageConfig struct {
	MediaDirectories []string `mapstructure:"media_directories"`
	TempDirectory    string   `mapstructure:"temp_directory"`
	PUID             int      `mapstructure:"puid"`
	PGID             int      `mapstructure:"pgid"`
	// ScanSchedule is an optional cron expression (seconds-field parser,
	// same grammar the teacher's relay scheduler uses) that reruns the
	// library scan on a timer in addition to the on-demand /api/scan
	// trigger. Empty disables the periodic scan.
	ScanSchedule string `mapstructure:"scan_schedule"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"` // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// MonitorConfig holds reconciliation loop tuning.
type MonitorConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

// TranscodingConfig holds encoder selection and skip-policy knobs. The master
// never invokes FFmpeg itself and does not send these values to workers; each
// worker reads its own copy from WorkerConfig.Transcoding.
type TranscodingConfig struct {
	SVTAV1Preset       int     `mapstructure:"svt_av1_preset"`
	SkipAudioTranscode bool    `mapstructure:"skip_audio_transcode"`
	SkipAV1Files       bool    `mapstructure:"skip_av1_files"`
	MinSavingsPercent  float64 `mapstructure:"min_savings_percent"`
}

// ProcessPriorityConfig holds the worker-side OS scheduling hints. They are
// not part of the job descriptor; each worker reads its own copy from
// WorkerConfig.ProcessPriority.
type ProcessPriorityConfig struct {
	Nice       int `mapstructure:"nice"`
	IonicClass int `mapstructure:"ionice_class"`
}

// ProcessingConfig controls scan/dispatch ordering preferences.
type ProcessingConfig struct {
	FileOrder string `mapstructure:"file_order"` // oldest, newest, largest, smallest
}

// WorkerConfig holds configuration for the worker process. It is loaded
// independently of Config since a worker never opens its own database or
// binds its own HTTP listener for the job protocol.
type WorkerConfig struct {
	MasterURL         string                `mapstructure:"master_url"`
	HeartbeatInterval time.Duration         `mapstructure:"heartbeat_interval"`
	TempDirectory     string                `mapstructure:"temp_directory"`
	RegisterTimeout   time.Duration         `mapstructure:"register_timeout"`
	Logging           LoggingConfig         `mapstructure:"logging"`
	Transcoding       TranscodingConfig     `mapstructure:"transcoding"`
	ProcessPriority   ProcessPriorityConfig `mapstructure:"process_priority"`
}

// LoadWorker reads worker configuration the same way Load reads master
// configuration: file then environment, with every key (logging included)
// read from the environment under the TVARR_WORKER_ prefix.
func LoadWorker(configPath string) (*WorkerConfig, error) {
	v := viper.New()

	v.SetDefault("master_url", "http://localhost:8080")
	v.SetDefault("heartbeat_interval", defaultWorkerHeartbeatEvery)
	v.SetDefault("temp_directory", "./temp")
	v.SetDefault("register_timeout", defaultRegisterTimeout)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("transcoding.svt_av1_preset", 6)
	v.SetDefault("transcoding.skip_audio_transcode", false)
	v.SetDefault("transcoding.skip_av1_files", true)
	v.SetDefault("transcoding.min_savings_percent", 5.0)
	v.SetDefault("process_priority.nice", 10)
	v.SetDefault("process_priority.ionice_class", 3)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("worker")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tvarr-fleet")
		v.AddConfigPath("$HOME/.tvarr-fleet")
	}

	v.SetEnvPrefix("TVARR_WORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading worker config file: %w", err)
		}
	}

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling worker config: %w", err)
	}

	if cfg.MasterURL == "" {
		return nil, fmt.Errorf("master_url is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("heartbeat_interval must be positive")
	}

	return &cfg, nil
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with TVARR_ and use underscores for nesting.
// Example: TVARR_MASTER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tvarr-fleet")
		v.AddConfigPath("$HOME/.tvarr-fleet")
	}

	v.SetEnvPrefix("TVARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyLegacyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyLegacyEnv recognizes the bare (non-TVARR_-prefixed) environment
// variable names the reference deployment used for a handful of
// commonly-overridden settings. It runs after unmarshalling, so a legacy
// variable set to a parseable value overrides the default, the config file
// and any TVARR_-prefixed variable for the same field; it does not check
// whether the config file or a TVARR_ variable set that field.
func applyLegacyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("MEDIA_DIRS"); ok && v != "" {
		cfg.Storage.MediaDirectories = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv("TEMP_DIR"); ok && v != "" {
		cfg.Storage.TempDirectory = v
	}
	if v, ok := legacyBool("PRESERVE_MODE"); ok {
		cfg.PreserveMode = v
	}
	if v, ok := legacyBool("TESTING_MODE"); ok {
		cfg.PreserveMode = v
	}
	if v, ok := legacyInt("WEB_PORT"); ok {
		cfg.Master.Port = v
	}
	if v, ok := legacyInt("SVT_AV1_PRESET"); ok {
		cfg.Transcoding.SVTAV1Preset = v
	}
	if v, ok := legacyBool("SKIP_AUDIO_TRANSCODE"); ok {
		cfg.Transcoding.SkipAudioTranscode = v
	}
	if v, ok := legacyBool("SKIP_AV1_FILES"); ok {
		cfg.Transcoding.SkipAV1Files = v
	}
	if v, ok := legacyDuration("HEARTBEAT_TIMEOUT"); ok {
		cfg.Monitor.HeartbeatTimeout = v
	}
	if v, ok := legacyDuration("MONITOR_INTERVAL"); ok {
		cfg.Monitor.PollInterval = v
	}
	if v, ok := os.LookupEnv("DATABASE_DSN"); ok && v != "" {
		cfg.Database.DSN = v
	}
}

func legacyBool(name string) (bool, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return false, false
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return parsed, true
}

func legacyInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func legacyDuration(name string) (time.Duration, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("master.host", "0.0.0.0")
	v.SetDefault("master.port", defaultServerPort)
	v.SetDefault("master.read_timeout", defaultServerTimeout)
	v.SetDefault("master.write_timeout", defaultServerTimeout)
	v.SetDefault("master.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("master.cors_origins", []string{"*"})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "fleet.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("storage.media_directories", []string{"/media"})
	v.SetDefault("storage.temp_directory", "./temp")
	v.SetDefault("storage.puid", 0)
	v.SetDefault("storage.pgid", 0)
	v.SetDefault("storage.scan_schedule", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("monitor.poll_interval", defaultMonitorInterval)
	v.SetDefault("monitor.heartbeat_timeout", defaultHeartbeatTimeout)

	v.SetDefault("transcoding.svt_av1_preset", defaultSVTAV1Preset)
	v.SetDefault("transcoding.skip_audio_transcode", false)
	v.SetDefault("transcoding.skip_av1_files", true)
	v.SetDefault("transcoding.min_savings_percent", defaultMinSavingsPercent)

	v.SetDefault("process_priority.nice", 10)
	v.SetDefault("process_priority.ionice_class", 3)

	v.SetDefault("processing.file_order", "oldest")

	v.SetDefault("preserve_mode", true)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Master.Port < 1 || c.Master.Port > maxPort {
		return fmt.Errorf("master.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if len(c.Storage.MediaDirectories) == 0 {
		return fmt.Errorf("storage.media_directories must contain at least one path")
	}
	if c.Storage.TempDirectory == "" {
		return fmt.Errorf("storage.temp_directory is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive")
	}
	if c.Monitor.HeartbeatTimeout <= 0 {
		return fmt.Errorf("monitor.heartbeat_timeout must be positive")
	}

	validOrders := map[string]bool{"oldest": true, "newest": true, "largest": true, "smallest": true}
	if !validOrders[c.Processing.FileOrder] {
		return fmt.Errorf("processing.file_order must be one of: oldest, newest, largest, smallest")
	}

	return nil
}
