package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"logshipper/internal/logging"
)

// RetryPolicy bounds startup connection attempts.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
}

// DefaultRetryPolicy makes five attempts, waiting 2s, 4s, 8s and 16s between them.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 5, InitialDelay: 2 * time.Second}

// Connect dials until an attempt succeeds or policy.MaxRetries attempts have
// failed. The wait between attempts starts at InitialDelay and doubles. There
// is no wait after the last attempt. On exhaustion the returned error wraps
// both ErrRetriesExhausted and the last dial error.
func Connect(ctx context.Context, dial Dialer, policy RetryPolicy, logger *slog.Logger) (Conn, error) {
	logger = logging.Default(logger).With("component", "broker")

	attempts := max(policy.MaxRetries, 1)
	delay := policy.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := dial(ctx)
		if err == nil {
			logger.Info("successfully connected to broker", "attempt", attempt)
			return conn, nil
		}
		lastErr = err
		logger.Error("failed to connect to broker", "attempt", attempt, "max_retries", attempts, "error", err)

		if attempt == attempts {
			break
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}

	logger.Error("max retries reached, giving up", "attempts", attempts)
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}
