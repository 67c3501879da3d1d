// Command consumer reads normalized log records from the log queue, enriches
// them with session metadata and indexes them into OpenSearch.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"logshipper/internal/broker"
	"logshipper/internal/config"
	"logshipper/internal/consumer"
	"logshipper/internal/data"
	"logshipper/internal/logging"
	"logshipper/internal/sink"
)

func main() {
	cfg, err := config.Load()
	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:          "consumer",
		Short:        "Index queued log records into OpenSearch",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, _ := cmd.Flags().GetString("queue")
			cfg.Broker.Queue = queue

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, logger, cfg)
		},
	}

	rootCmd.Flags().String("queue", cfg.Broker.Queue, "queue to consume from")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	sessionID := data.NewSessionID()
	logger.Info("consumer is starting up", "session_id", sessionID, "broker", cfg.Broker.Kind, "queue", cfg.Broker.Queue)

	dial, err := broker.NewDialer(cfg.Broker, logger)
	if err != nil {
		return err
	}

	index, err := sink.NewOpenSearch(sink.Config{
		Addresses: cfg.Index.Addresses,
		Username:  cfg.Index.Username,
		Password:  cfg.Index.Password,
		Insecure:  cfg.Index.Insecure,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	p := consumer.New(consumer.Config{
		Dial:  dial,
		Retry: broker.RetryPolicy{MaxRetries: cfg.Connect.MaxRetries, InitialDelay: cfg.Connect.InitialDelay},
		Queue: cfg.Broker.Queue,
		Sink:  index,
		Enrichment: data.Enrichment{
			SourceType: cfg.Index.SourceType,
			Region:     cfg.Index.Region,
			SessionID:  sessionID,
		},
		Logger: logger,
	})

	stats, err := p.Run(ctx)
	switch {
	case errors.Is(err, broker.ErrRetriesExhausted):
		logger.Warn("consumer did not start due to failed connection")
		return err
	case errors.Is(err, broker.ErrConnectionDropped):
		logger.Error("consumer exiting due to dropped connection", "error", err)
		return err
	case err != nil:
		logger.Error("consumer failed", "error", err)
		return err
	}

	logger.Info("consumer shut down normally",
		"received", stats.Received,
		"indexed", stats.Indexed,
		"index_failures", stats.IndexFailures,
		"invalid", stats.Invalid,
		"acked", stats.Acked,
	)
	return nil
}
