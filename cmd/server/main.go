// Command server wires configuration, the engine, and the optional
// replication role together into a long-running process. It has no
// front-end of its own (front-ends are out of scope); it exists so the
// engine can be run standalone for manual testing and operational scripts.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nexuslsm/lsmstore/config"
	"github.com/nexuslsm/lsmstore/engine"
	"github.com/nexuslsm/lsmstore/replication"
	"github.com/nexuslsm/lsmstore/wal"
)

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	if cfg.DataDir == "" {
		logger.Error("data_dir must be set")
		os.Exit(1)
	}

	var primary *replication.Primary
	var backup *replication.Backup
	var replicationListener wal.Listener

	if cfg.Replication.Role == "primary" {
		primary = replication.NewPrimary(replication.PrimaryOptions{
			BackupAddr:        cfg.Replication.BackupAddr,
			ReconnectInterval: time.Duration(cfg.Replication.ReconnectIntervalMs) * time.Millisecond,
			Logger:            logger,
		})
		replicationListener = primary.Listener()
	}

	eng := engine.New(engine.Options{
		DataDir:                 cfg.DataDir,
		MemtableSizeLimit:       cfg.Memtable.SizeLimitBytes,
		SyncMode:                wal.SyncMode(cfg.WAL.SyncPolicy),
		SparseIndexInterval:     cfg.SSTable.SparseIndexInterval,
		BloomFPR:                cfg.SSTable.BloomFPR,
		CompactionThreshold:     cfg.Compaction.Threshold,
		CompactionCheckInterval: time.Duration(cfg.Compaction.CheckIntervalMs) * time.Millisecond,
		SelfMonitoringEnabled:   cfg.SelfMonitoring.Enabled,
		SelfMonitoringInterval:  time.Duration(cfg.SelfMonitoring.IntervalMs) * time.Millisecond,
		Logger:                  logger,
		ReplicationListener:     replicationListener,
	})

	ctx := context.Background()
	if err := eng.Initialize(ctx); err != nil {
		logger.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}

	if cfg.Replication.Role == "backup" {
		backup, err = replication.NewBackup(replication.BackupOptions{
			ListenAddr: cfg.Replication.ListenAddr,
			Logger:     logger,
		}, eng)
		if err != nil {
			logger.Error("failed to start replication backup listener", "error", err)
			eng.Close(ctx)
			os.Exit(1)
		}
	}

	logger.Info("engine running", "data_dir", cfg.DataDir, "replication_role", cfg.Replication.Role)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")
	if primary != nil {
		primary.Close()
	}
	if backup != nil {
		backup.Close()
	}
	if err := eng.Close(ctx); err != nil {
		logger.Error("error closing engine", "error", err)
	}
	logger.Info("shutdown complete")
}
