package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"logflume/internal/agent"
	"logflume/internal/batch"
	"logflume/internal/config"
	"logflume/internal/event"
	"logflume/internal/pipeline"
	"logflume/internal/server"
	"logflume/internal/store"
	"logflume/internal/store/azure"
	"logflume/internal/store/gcs"
	"logflume/internal/store/memory"
	s3store "logflume/internal/store/s3"
)

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the pipeline and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg.LogLevel)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, cfg)
		},
	}
	return cmd
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	st, err := buildStore(ctx, logger, cfg)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	codec, err := batch.CodecByName(cfg.Codec)
	if err != nil {
		return err
	}

	// The built-in agent just logs consumed batches; a real deployment
	// points Handler at its own sink or runs an external consumer.
	var handler agent.Handler
	if cfg.AgentEnabled {
		consumed := logger.With("component", "sink")
		handler = agent.HandlerFunc(func(_ context.Context, key string, records []event.Record) error {
			consumed.Info("batch consumed", "key", key, "records", len(records))
			return nil
		})
	}

	pipe, err := pipeline.New(pipeline.Config{
		GroupName:         cfg.GroupName,
		Prefix:            cfg.Prefix,
		Store:             st,
		Codec:             codec,
		FlushBytes:        cfg.FlushBytes,
		FlushInterval:     cfg.FlushInterval,
		QueueName:         cfg.QueueName,
		VisibilityTimeout: cfg.VisibilityTimeout,
		Retention:         cfg.Retention,
		MaxReceiveCount:   cfg.MaxReceiveCount,
		Handler:           handler,
		AgentWorkers:      cfg.AgentWorkers,
		AgentIdentity:     cfg.AgentIdentity,
		AgentHeartbeat:    cfg.AgentHeartbeat,
		SweepInterval:     cfg.SweepInterval,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	if err := pipe.Start(ctx); err != nil {
		return err
	}

	srv := server.New(server.Config{
		Addr:     cfg.HTTPAddr,
		Pipeline: pipe,
		Logger:   logger,
	})
	srvErr := srv.Run(ctx)

	// The server has stopped taking invocations; flush what remains.
	if err := pipe.Stop(); err != nil {
		logger.Error("pipeline stop failed", "error", err)
	}
	return srvErr
}

func buildStore(ctx context.Context, logger *slog.Logger, cfg config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return memory.New(memory.Config{Bucket: cfg.Bucket}), nil
	case config.StoreS3:
		return s3store.New(ctx, s3store.Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Logger:    logger,
		})
	case config.StoreGCS:
		return gcs.New(ctx, gcs.Config{
			Bucket:          cfg.Bucket,
			CredentialsFile: cfg.GCSCredentialsFile,
			Logger:          logger,
		})
	case config.StoreAzure:
		return azure.New(ctx, azure.Config{
			Container:        cfg.Bucket,
			ConnectionString: cfg.AzureConnectionString,
			Logger:           logger,
		})
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.StoreBackend)
	}
}
