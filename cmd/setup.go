package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"ciorch/artifacts"
	"ciorch/config"
	"ciorch/events"
	"ciorch/runner"
	"ciorch/runner/storage"
	"ciorch/target"
)

// Env is what every command shares: the loaded config, the run history
// and an engine wired to both.
type Env struct {
	Config config.Config
	Logger *slog.Logger
	Store  *storage.Storage
	Broker *events.Broker
	Engine *runner.Engine
}

// NewLogger returns a text logger on stderr at the configured level.
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// Setup opens storage, connects the optional artifact mirror and Kafka
// sink, and builds the engine. Close releases all of it.
func Setup(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Env, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewStorage(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	broker := events.GetBroker()
	broker.SetLogger(logger)
	if cfg.Kafka.Enabled() {
		sink, err := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			store.Close()
			return nil, err
		}
		broker.AddSink(sink)
		logger.Info("producing events to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	var mirror *artifacts.MinIOMirror
	if cfg.MinIO.Enabled() {
		mirror, err = artifacts.NewMinIOMirror(ctx, cfg.MinIO, "runs")
		if err != nil {
			broker.Close()
			store.Close()
			return nil, err
		}
		logger.Info("mirroring artifacts", "endpoint", cfg.MinIO.Endpoint, "bucket", cfg.MinIO.Bucket)
	}

	artifactDir, err := filepath.Abs(cfg.ArtifactDir())
	if err != nil {
		broker.Close()
		store.Close()
		return nil, err
	}

	engine := &runner.Engine{
		Provisioner: Provisioners(cfg, logger),
		ArtifactDir: artifactDir,
		Mirror:      mirror,
		Storage:     store,
		Broker:      broker,
		Logger:      logger,
		MaxParallel: cfg.Execution.MaxParallel,
		Acquire: target.AcquireOptions{
			Timeout: cfg.Execution.ProvisionTimeout,
			Retries: cfg.Execution.ProvisionRetries,
		},
		StepTimeout: cfg.Execution.StepTimeout,
	}
	return &Env{Config: cfg, Logger: logger, Store: store, Broker: broker, Engine: engine}, nil
}

// Provisioners maps every target kind to its configured provisioner.
func Provisioners(cfg config.Config, logger *slog.Logger) target.Registry {
	return target.Registry{
		target.KindBare: &target.Bare{},
		target.KindContainer: &target.Container{
			Runtime:   cfg.Container.Runtime,
			ExtraArgs: cfg.Container.ExtraArgs,
		},
		target.KindVM: &target.VM{
			Hypervisor: &target.QEMU{
				Binary: cfg.VM.QEMU,
				Memory: cfg.VM.Memory,
				CPUs:   cfg.VM.CPUs,
				Accel:  cfg.VM.Accel,
			},
			User:    cfg.VM.User,
			Workdir: cfg.VM.Workdir,
			Logger:  logger.With("provisioner", "vm"),
		},
	}
}

// Close flushes the event sinks and closes the run database.
func (e *Env) Close() {
	if err := e.Broker.Close(); err != nil {
		e.Logger.Warn("failed to close event sinks", "error", err)
	}
	if err := e.Store.Close(); err != nil {
		e.Logger.Warn("failed to close storage", "error", err)
	}
}
