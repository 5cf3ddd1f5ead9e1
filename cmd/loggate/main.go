// Package main is the entry point for loggate.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/loggate/internal/config"
	"github.com/vyrodovalexey/loggate/internal/logging"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const (
	appName         = "loggate"
	shutdownTimeout = 30 * time.Second
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	registry, sink, err := initLogging(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = sink.Sync() }()

	log := registry.Get("LOGGATE")
	log.Infof("Starting %s %s (config: %s)", appName, version, flags.configPath)

	cfg, watch, err := loadAndValidateConfig(flags.configPath, log)
	if err != nil {
		log.Errorf("Invalid configuration: %v", err)
		_ = sink.Sync()
		os.Exit(1)
	}

	configPath := flags.configPath
	if !watch {
		configPath = ""
	}

	app, err := newApplication(cfg, registry, configPath)
	if err != nil {
		log.Errorf("Failed to initialize: %v", err)
		_ = sink.Sync()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app.start(ctx)
	<-ctx.Done()
	log.Infof("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.stop(shutdownCtx)

	log.Infof("%s stopped", appName)
	app.teardown()
}

// parseFlags parses command line flags. Environment variables supply the
// defaults.
func parseFlags(args []string) cliFlags {
	flagSet := flag.NewFlagSet(appName, flag.ExitOnError)
	configPath := flagSet.String("config", getEnvOrDefault("LOGGATE_CONFIG_PATH", "configs/loggate.yaml"),
		"Path to configuration file")
	logLevel := flagSet.String("log-level", getEnvOrDefault("LOGGATE_LOG_LEVEL", "info"),
		"Default logger threshold (debug, info, warning, error, off)")
	logFormat := flagSet.String("log-format", getEnvOrDefault("LOGGATE_LOG_FORMAT", "console"),
		"Log format used until the configuration is loaded (json, console)")
	showVersion := flagSet.Bool("version", false, "Show version information")
	_ = flagSet.Parse(args)

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("%s version %s\n", appName, version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogging builds the process-wide registry. Components created later
// obtain their named loggers from it.
func initLogging(flags cliFlags) (*logging.Registry, *logging.ZapSink, error) {
	level, err := logging.ParseLevel(flags.logLevel)
	if err != nil {
		return nil, nil, err
	}
	if level == logging.LevelUnset {
		level = logging.LevelInfo
	}

	format := logging.Format(flags.logFormat)
	if format != logging.FormatJSON && format != logging.FormatConsole {
		return nil, nil, fmt.Errorf("invalid log format %q", flags.logFormat)
	}

	sinkCfg := logging.DefaultSinkConfig()
	sinkCfg.Format = format
	sink, err := logging.NewZapSink(sinkCfg)
	if err != nil {
		return nil, nil, err
	}

	registry := logging.NewRegistry(appName,
		logging.WithSink(sink),
		logging.WithDefaultLevel(level),
	)
	logging.SetDefault(registry)
	return registry, sink, nil
}

// loadAndValidateConfig loads the settings file. A missing file is not an
// error: defaults are used and the file is not watched.
func loadAndValidateConfig(path string, log *logging.Logger) (cfg *config.Config, watch bool, err error) {
	cfg, err = config.LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warningf("Configuration file %s not found, using defaults", path)
		return config.DefaultConfig(), false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, false, err
	}

	log.Infof("Configuration loaded (json server port: %d, buffer size: %d, metrics: %t)",
		cfg.JSONServer.Port, cfg.Logger.BufferSize, cfg.Metrics.Enabled)
	return cfg, true, nil
}
