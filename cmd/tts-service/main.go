// main package for the tts-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/config"
	"github.com/book-expert/tts-studio/internal/export"
	"github.com/book-expert/tts-studio/internal/modelcache"
	"github.com/book-expert/tts-studio/internal/objectstore"
	"github.com/book-expert/tts-studio/internal/profile"
	"github.com/book-expert/tts-studio/internal/tts"
	"github.com/book-expert/tts-studio/internal/tts/audio"
	"github.com/book-expert/tts-studio/internal/worker"
	"github.com/nats-io/nats.go"
)

const (
	serviceName = "tts-studio"
	bytesPerMB  = 1 << 20
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "tts-service-bootstrap.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		// If bootstrap logger fails, we can only print to stderr
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, finalLog)
}

// serve wires the components and blocks until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	runtime := tts.NewHTTPClient(cfg.Models.SidecarURL, cfg.SidecarTimeout())

	cache := modelcache.New(runtime, modelcache.Options{
		Capacity:           cfg.Models.Capacity,
		LoadTimeout:        cfg.LoadTimeout(),
		MinFreeMemoryBytes: cfg.Models.MinFreeMemoryMB * bytesPerMB,
		Probe:              modelcache.SystemMemory{},
		Now:                nil,
	}, log)

	defer func() {
		closeErr := cache.Close()
		if closeErr != nil {
			log.Warn("Failed to close model cache: %v", closeErr)
		}
	}()

	profiles, err := profile.Open(cfg.Profiles.Dir, tts.NewPromptBuilder(cache, cfg.Models.Device), profile.Options{
		CompressionLevel: cfg.Profiles.CompressionLevel,
		Now:              nil,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to open profile store: %w", err)
	}
	defer profiles.Close()

	synthesizer := tts.NewSynthesizer(
		cache, profiles, audio.NewReferenceResolver(nil), runtime, tts.SettingsFromConfig(cfg), log,
	)

	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name(serviceName))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket, objectstore.Options{
		InMemory: false,
		TTL:      0,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}

	natsWorker, err := worker.NewNatsWorker(
		natsConnection, store, synthesizer, profiles, export.New(cfg.Export, log),
		worker.Options{
			SubjectPrefix:            cfg.NATS.SubjectPrefix,
			TextProcessedSubject:     cfg.NATS.TextProcessedSubject,
			AudioChunkCreatedSubject: cfg.NATS.AudioChunkCreatedSubject,
			HandleTimeout:            cfg.RequestTimeout(),
		}, log,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	log.System("TTS-Studio successfully initialized. Listening for jobs on subject prefix: %s", cfg.NATS.SubjectPrefix)

	runErr := natsWorker.Run(ctx)
	if runErr != nil {
		return fmt.Errorf("worker stopped with error: %w", runErr)
	}

	log.System("TTS-Studio shut down cleanly.")

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
