package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/ocistash/internal/artifact"
	"github.com/BadgerOps/ocistash/internal/config"
	"github.com/BadgerOps/ocistash/internal/download"
	"github.com/BadgerOps/ocistash/internal/engine"
	"github.com/BadgerOps/ocistash/internal/store"
)

var (
	// Global flags
	cfgPath   string
	dataDir   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore     *store.Store
	globalArtifacts *artifact.Store
	globalEngine    *engine.SyncManager
	globalRegistry  *prometheus.Registry
)

// initializeComponents opens the catalogue and artifact store and wires the sync engine.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	if err := os.MkdirAll(globalCfg.Server.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.New(globalCfg.DatabasePath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	arts, err := artifact.NewStore(globalCfg.ArtifactDir(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}
	globalArtifacts = arts

	globalRegistry = prometheus.NewRegistry()
	globalRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := download.NewMetrics(globalRegistry)

	globalEngine = engine.NewSyncManager(globalStore, globalArtifacts, globalCfg, metrics, logger)

	logger.Debug("components initialized", "db", globalCfg.DatabasePath(), "artifacts", globalCfg.ArtifactDir())
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "config" {
			return true
		}
	}
	switch cmd.Name() {
	case "help", "version":
		return true
	}
	return false
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ocistash",
		Short: "Mirror and catalogue container images from remote registries",
		Long: `ocistash pulls images, manifest lists and signatures from remote OCI/Docker
registries into a local content-addressed store. Every sync produces a new
immutable repository version, so what was mirrored at any point in time can
be inspected later.`,
		Example: `  ocistash sync
  ocistash sync quay --tag v1.2 --dry-run
  ocistash build --file Containerfile --context . --repository team/app --tag dev
  ocistash validate
  ocistash export --to /mnt/usb
  ocistash import --from /mnt/usb
  ocistash push team/app --target disconnected
  ocistash serve --listen 0.0.0.0:8080
  ocistash status --failed`,
		Version:       version,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Warn("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if dataDir != "" {
				globalCfg.Server.DataDir = dataDir
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "data_dir", globalCfg.Server.DataDir)
			}

			if shouldSkipComponentInit(cmd) {
				return nil
			}
			if err := globalCfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if err := initializeComponents(); err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	cmd.AddCommand(
		newSyncCmd(),
		newBuildCmd(),
		newValidateCmd(),
		newExportCmd(),
		newImportCmd(),
		newPushCmd(),
		newServeCmd(),
		newStatusCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelError {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	switch cmdName {
	case "help", "version", "completion":
		return true
	}
	return false
}
