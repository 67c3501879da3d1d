// Command producer fetches nginx JSON access logs, normalizes their
// timestamps and publishes each record to the log queue.
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
	"logshipper/internal/logging"
	"logshipper/internal/producer"
	"logshipper/internal/source"
)

func main() {
	cfg, err := config.Load()
	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:          "producer",
		Short:        "Publish nginx JSON logs to the log queue",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			num, _ := cmd.Flags().GetInt("num")
			ratePerSec, _ := cmd.Flags().GetFloat64("rate")
			url, _ := cmd.Flags().GetString("url")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, logger, cfg, producer.Config{
				SourceURL:     url,
				Limit:         num,
				HasLimit:      cmd.Flags().Changed("num"),
				RatePerSecond: ratePerSec,
			})
		},
	}

	rootCmd.Flags().IntP("num", "n", 0, "number of logs to process (default: all)")
	rootCmd.Flags().Float64("rate", 0, "maximum records published per second (0 = unlimited)")
	rootCmd.Flags().String("url", cfg.Source.URL, "URL of the newline-delimited JSON log feed")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config, pc producer.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Info("producer is starting up", "broker", cfg.Broker.Kind, "addr", cfg.Broker.Addr(), "queue", cfg.Broker.Queue)

	dial, err := broker.NewDialer(cfg.Broker, logger)
	if err != nil {
		return err
	}

	pc.Dial = dial
	pc.Retry = broker.RetryPolicy{MaxRetries: cfg.Connect.MaxRetries, InitialDelay: cfg.Connect.InitialDelay}
	pc.Fetcher = source.New(logger)
	pc.Queue = cfg.Broker.Queue
	pc.Logger = logger

	stats, err := producer.New(pc).Run(ctx)
	switch {
	case errors.Is(err, broker.ErrRetriesExhausted):
		logger.Warn("producer did not start due to failed connection")
		return err
	case err != nil:
		logger.Error("producer run aborted", "published", stats.Published, "error", err)
		return err
	}

	logger.Info("producer finished", "fetched", stats.Fetched, "published", stats.Published)
	return nil
}
