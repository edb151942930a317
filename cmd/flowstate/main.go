// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/google/gopacket"
	"github.com/mbeema/flowstate/pkg/capture"
	"github.com/mbeema/flowstate/pkg/config"
	"github.com/mbeema/flowstate/pkg/engine"
	"github.com/mbeema/flowstate/pkg/health"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		configDir   string
		logLevel    string
		pcapFile    string
		exitOnEOF   bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.StringVar(&configDir, "config-dir", "", "path to config directory (multi-file mode with auto-reload)")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&pcapFile, "read", "", "replay a pcap or pcapng file (overrides capture.file)")
	flag.BoolVar(&exitOnEOF, "exit-on-eof", true, "shut down once the capture file is exhausted")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("flowstate %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	var cfg *config.Config
	var err error
	if configDir != "" {
		cfg, err = config.LoadDir(configDir)
	} else {
		cfg, err = loadConfig(configPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if pcapFile != "" {
		cfg.Capture.Enabled = true
		cfg.Capture.File = pcapFile
	}

	level := zap.NewAtomicLevelAt(parseLevel(cfg.LogLevel))
	logger, err := newLogger(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting flowstate",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	stats := health.NewStats()
	eng := engine.New(cfg, logger, engine.WithStats(stats), engine.WithLevel(level))

	liid := cfg.Capture.LIID
	if cfg.Capture.Trigger.Family != "" {
		fam, raw, err := cfg.Capture.Trigger.Raw()
		if err != nil {
			logger.Fatal("invalid trigger", zap.Error(err))
		}
		eng.Target(liid, fam, raw)
	} else {
		eng.Target(liid, 0, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.Fatal("failed to start engine", zap.Error(err))
	}

	var healthServer *health.Server
	if cfg.Health.Enabled {
		healthServer = health.NewServer(cfg.Health.Port, version, stats, eng, logger)
		if err := healthServer.Start(ctx); err != nil {
			logger.Fatal("failed to start health server", zap.Error(err))
		}
	}

	var (
		capturer capture.Capturer
		capDone  <-chan struct{}
	)
	if cfg.Capture.Enabled {
		capturer = capture.New(&capture.Config{
			File:   cfg.Capture.File,
			Format: cfg.Capture.Format,
			Logger: logger.Named("capture"),
		})
		capturer.OnPacket(func(pkt gopacket.Packet) {
			if err := eng.Submit(liid, pkt); err != nil {
				logger.Debug("packet dropped", zap.Error(err))
			}
		})
		if err := capturer.Start(ctx); err != nil {
			logger.Fatal("failed to start capture", zap.Error(err))
		}
		capDone = capturer.Done()
	}

	var watcher *config.Watcher
	if configDir != "" {
		watcher = config.NewWatcher(configDir, func(newCfg *config.Config, changedFile string) {
			if err := eng.Reload(newCfg); err != nil {
				logger.Error("failed to apply reloaded config",
					zap.String("file", changedFile),
					zap.Error(err),
				)
			}
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Fatal("failed to start config watcher", zap.Error(err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)

	// SIGHUP reloads config, SIGUSR1 dumps the context tree.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, unix.SIGHUP)
	usrCh := make(chan os.Signal, 1)
	signal.Notify(usrCh, unix.SIGUSR1)

	shutdown := func(reason string) {
		logger.Info("shutting down", zap.String("reason", reason))
		if healthServer != nil {
			healthServer.Drain()
		}
		if capturer != nil {
			capturer.Stop()
		}
		if watcher != nil {
			watcher.Stop()
		}

		shutdownDone := make(chan struct{})
		go func() {
			if err := eng.Stop(); err != nil {
				logger.Error("error during shutdown", zap.Error(err))
			}
			close(shutdownDone)
		}()

		select {
		case <-shutdownDone:
		case <-time.After(30 * time.Second):
			logger.Error("shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		}
		cancel()
		if healthServer != nil {
			healthServer.Stop()
		}
		logger.Info("flowstate stopped")
	}

	for {
		select {
		case sig := <-sigCh:
			shutdown(sig.String())
			return

		case <-capDone:
			capDone = nil
			if exitOnEOF {
				shutdown("capture exhausted")
				return
			}

		case <-usrCh:
			if err := eng.Dump(liid, os.Stderr); err != nil {
				logger.Warn("tree dump failed", zap.Error(err))
			}

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			var newCfg *config.Config
			var err error
			if configDir != "" {
				newCfg, err = config.LoadDir(configDir)
			} else {
				newCfg, err = loadConfig(configPath)
			}
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			if logLevel != "" {
				newCfg.LogLevel = logLevel
			}
			if err := eng.Reload(newCfg); err != nil {
				logger.Error("failed to apply new config", zap.Error(err))
			}
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaults := []string{
		"configs/flowstate.yaml",
		"/etc/flowstate/flowstate.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg, cfg.Validate()
}

func parseLevel(level string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func newLogger(level zap.AtomicLevel) (*zap.Logger, error) {
	cfg := zap.Config{
		Level:            level,
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
