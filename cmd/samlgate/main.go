package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/wudi/samlgate/internal/config"
	"github.com/wudi/samlgate/internal/logging"
	"github.com/wudi/samlgate/internal/server"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/samlgate.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("samlgate %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration
	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	// Initialize structured logger
	logOpts := logging.Options{Level: cfg.Logging.Level}
	if out := cfg.Logging.Output; out != "" && out != "stdout" && out != "stderr" {
		logOpts.File = out
		logOpts.MaxSizeMB = cfg.Logging.Rotation.MaxSize
		logOpts.MaxBackups = cfg.Logging.Rotation.MaxBackups
		logOpts.MaxAgeDays = cfg.Logging.Rotation.MaxAge
		logOpts.Compress = cfg.Logging.Rotation.Compress
	}
	logger, err := logging.NewWithOptions(logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	// Print startup banner
	logging.Info("Starting SAML service provider",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("base_url", cfg.SAML.BaseURL),
		zap.String("idp_metadata", cfg.SAML.DefaultIdPMetadata),
		zap.Int("users", len(cfg.Users)),
	)

	// Create and start the server
	srv, err := server.New(cfg, *configPath, nil)
	if err != nil {
		logging.Error("Failed to create server", zap.Error(err))
		os.Exit(1)
	}

	// Watch the config file and apply changes without a restart. SIGHUP and
	// POST /reload on the admin API stay available as explicit triggers.
	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		logging.Warn("Config watcher disabled", zap.Error(err))
	} else {
		watcher.OnChange(func(_ *config.Config) {
			if result := srv.Reload(); !result.Success {
				logging.Error("Automatic reload failed", zap.String("error", result.Error))
			}
		})
		if err := watcher.Start(); err != nil {
			logging.Warn("Config watcher disabled", zap.Error(err))
		}
		defer watcher.Stop()
	}

	// Run the server
	if err := srv.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
