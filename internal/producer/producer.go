// Package producer drives fetch -> normalize -> publish.
package producer

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"logshipper/internal/broker"
	"logshipper/internal/logging"
	"logshipper/internal/normalize"
)

// Fetcher returns the lines of a log feed, or nothing when it is unavailable.
type Fetcher interface {
	Fetch(ctx context.Context, url string) []string
}

// Config wires a Pipeline.
type Config struct {
	Dial      broker.Dialer
	Retry     broker.RetryPolicy
	Fetcher   Fetcher
	Queue     string
	SourceURL string

	// Limit caps the number of records processed when HasLimit is set.
	// A negative limit processes nothing.
	Limit    int
	HasLimit bool

	// RatePerSecond throttles publishing; zero disables throttling.
	RatePerSecond float64

	Logger *slog.Logger
}

// Stats summarises a run.
type Stats struct {
	Fetched   int
	Published int
}

// Pipeline is a single producer run. It owns its broker connection.
type Pipeline struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "producer"),
	}
	if cfg.RatePerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return p
}

// Run connects, declares the queue, fetches the feed and publishes every
// record in feed order until the limit is reached. A record that fails to
// normalize aborts the run; records before it stay published. The broker
// connection is closed exactly once on every return path after it was opened.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	conn, err := broker.Connect(ctx, p.cfg.Dial, p.cfg.Retry, p.cfg.Logger)
	if err != nil {
		return stats, err
	}
	defer func() {
		p.logger.Debug("closing broker connection")
		if err := conn.Close(); err != nil {
			p.logger.Warn("failed to close broker connection", "error", err)
		}
		p.logger.Info("producer shut down", "published", stats.Published)
	}()

	if err := conn.DeclareQueue(ctx, p.cfg.Queue); err != nil {
		return stats, err
	}
	p.logger.Debug("queue declared", "queue", p.cfg.Queue)

	lines := p.cfg.Fetcher.Fetch(ctx, p.cfg.SourceURL)
	stats.Fetched = len(lines)

	for i, line := range lines {
		if p.cfg.HasLimit && i >= p.cfg.Limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		msg, err := normalize.Normalize([]byte(line))
		if err != nil {
			return stats, fmt.Errorf("record %d: %w", i+1, err)
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return stats, err
			}
		}

		if err := conn.Publish(ctx, p.cfg.Queue, msg); err != nil {
			return stats, fmt.Errorf("record %d: %w", i+1, err)
		}
		stats.Published++
		p.logger.Info("sent message", "queue", p.cfg.Queue, "message", string(msg))
	}

	return stats, nil
}
