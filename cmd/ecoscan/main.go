// EcoScan server: waste bins, disposals, rewards and the people who run them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marcus-qen/ecoscan/internal/config"
	"github.com/marcus-qen/ecoscan/internal/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("ECOSCAN_CONFIG"), "path to a JSON or YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	writeDefaults := flag.String("write-default-config", "", "write the default config to this path and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ecoscan %s (commit: %s, built: %s)\n", version, commit, date)
		return
	}
	if *writeDefaults != "" {
		if err := config.Default().Save(*writeDefaults); err != nil {
			fmt.Fprintf(os.Stderr, "write config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	server.Version, server.Commit, server.Date = version, commit, date

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build server", zap.Error(err))
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", zap.Error(err))
		srv.Close()
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
