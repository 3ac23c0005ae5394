// Command axd runs a single axmq broker node: it loads a YAML config file,
// wires the broker, and serves until interrupted or told to reload.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/axmq/ax/broker"
	"github.com/axmq/ax/pkg/logger"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitBindError   = 2
	exitStoreError  = 3
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the broker YAML config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	log := logger.NewSlogLogger(parseLevel(*logLevel), os.Stdout)
	slog.SetDefault(log.Slog())

	var cfg *broker.Config
	if *configPath == "" {
		cfg = broker.DefaultConfig()
	} else {
		var err error
		cfg, err = broker.LoadConfig(*configPath)
		if err != nil {
			log.Error("failed to load config", "error", err, "path", *configPath)
			return exitConfigError
		}
	}

	b, err := broker.New(cfg, log.Slog())
	if err != nil {
		log.Error("failed to build broker", "error", err)
		return exitStoreError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		log.Error("failed to start broker", "error", err)
		return exitBindError
	}
	log.Info("axd started", "node_id", cfg.NodeID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			log.Info("reload requested", "signal", sig.String())
			newCfg, err := reload(*configPath)
			if err != nil {
				log.Error("reload failed, keeping running config", "error", err)
				continue
			}
			cfg = newCfg
			log.Info("config reloaded; restart axd to apply listener/store changes")
		case syscall.SIGINT, syscall.SIGTERM:
			log.Info("shutting down", "signal", sig.String())
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := b.Shutdown(shutdownCtx); err != nil {
				log.Error("error during shutdown", "error", err)
			}
			if sig == syscall.SIGINT {
				return exitInterrupted
			}
			return exitOK
		}
	}
	return exitOK
}

func reload(path string) (*broker.Config, error) {
	if path == "" {
		return broker.DefaultConfig(), nil
	}
	return broker.LoadConfig(path)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
