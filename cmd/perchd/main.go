// Package main implements the perchd binary: the local telemetry
// collection daemon. It runs the collectors, batches their events, and
// writes everything to the embedded event store. SIGHUP reloads the
// configuration in place; SIGINT or SIGTERM shuts down cleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/perchlabs/perch/internal/config"
	"github.com/perchlabs/perch/internal/daemon"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		debug       bool
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for the event store and spill files")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Perch - Local Telemetry Collection Daemon\n\n")
		fmt.Fprintf(os.Stderr, "Usage: perchd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  perchd --data-dir ~/.perch\n")
		fmt.Fprintf(os.Stderr, "  perchd --config /etc/perch/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  PERCH_DATA_DIR           Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  PERCH_SHELL_HISTORY      Shell history file to tail\n")
		fmt.Fprintf(os.Stderr, "  PERCH_TRANSCRIPT_DIR     Session transcript directory\n")
		fmt.Fprintf(os.Stderr, "  PERCH_MESSAGES_ARCHIVE   Chat archive to ingest\n")
		fmt.Fprintf(os.Stderr, "\nSignals:\n")
		fmt.Fprintf(os.Stderr, "  SIGHUP   Reload configuration\n")
		fmt.Fprintf(os.Stderr, "  SIGTERM  Flush and shut down\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("perchd version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// Optional .env next to the binary; real environment wins.
	godotenv.Load()

	cfg, err := loadConfig(configFile, dataDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(debug)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting perchd",
		zap.String("version", version),
		zap.String("data_dir", cfg.DataDir))

	d := daemon.New(cfg, logger)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		logger.Fatal("daemon failed to start", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			logger.Info("reload requested")
			fresh, err := loadConfig(configFile, dataDir)
			if err != nil {
				logger.Error("reload aborted, configuration invalid", zap.Error(err))
				continue
			}
			if err := d.Reload(ctx, fresh); err != nil {
				logger.Error("reload failed", zap.Error(err))
			}
		default:
			logger.Info("shutting down", zap.String("signal", sig.String()))
			if err := d.Stop(ctx); err != nil {
				logger.Error("shutdown error", zap.Error(err))
				os.Exit(1)
			}
			return
		}
	}
}

// loadConfig layers defaults, the optional config file, environment
// overrides, and command-line flags, then validates the result.
func loadConfig(configFile, dataDir string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Encoding = "console"
	return zcfg.Build()
}
