// Package main is the entry point of the avatraffic control plane.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	if flags.showVersion {
		printVersion(os.Stdout)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags); err != nil {
		fmt.Fprintf(os.Stderr, "avatraffic: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses command line flags. Environment variables supply the
// defaults.
func parseFlags(args []string, output io.Writer) (cliFlags, error) {
	var f cliFlags
	fs := flag.NewFlagSet("avatraffic", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&f.configPath, "config", getEnvOrDefault("AVATRAFFIC_CONFIG_PATH", "configs/avatraffic.yaml"),
		"Path to configuration file")
	fs.StringVar(&f.logLevel, "log-level", getEnvOrDefault("AVATRAFFIC_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration")
	fs.StringVar(&f.logFormat, "log-format", getEnvOrDefault("AVATRAFFIC_LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information")
	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return f, nil
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "avatraffic version %s\n", version)
	fmt.Fprintf(w, "  Build time: %s\n", buildTime)
	fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
}

// initLogger builds the logger from the configuration, with flags taking
// precedence.
func initLogger(flags cliFlags, cfg config.LoggingConfig) (observability.Logger, error) {
	lc := observability.DefaultLogConfig()
	if cfg.Level != "" {
		lc.Level = cfg.Level
	}
	if cfg.Format != "" {
		lc.Format = cfg.Format
	}
	if flags.logLevel != "" {
		lc.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		lc.Format = flags.logFormat
	}
	return observability.NewLogger(lc)
}

// run starts the control plane and blocks until ctx is cancelled, then
// shuts down gracefully.
func run(ctx context.Context, flags cliFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := initLogger(flags, cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting avatraffic",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.Int("backends", len(cfg.Backends)),
		observability.Int("rules", len(cfg.Rules)),
	)

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := app.start(ctx, flags.configPath); err != nil {
		app.shutdown()
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err = <-app.serveErr:
		logger.Error("admin API failed", observability.Error(err))
	}
	app.shutdown()
	return err
}
