package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"logshipper/internal/logging"
)

// queuesKey is the set of queues declared through this backend.
const queuesKey = "logshipper:queues"

// redisPollTimeout is the blocking-pop timeout; Next re-checks ctx between polls.
const redisPollTimeout = time.Second

// envelope wraps each message body on the Redis list.
type envelope struct {
	ID          string `msgpack:"id"`
	PublishedAt int64  `msgpack:"published_at_ms"`
	Body        []byte `msgpack:"body"`
}

func processingKey(queue string) string  { return queue + ":processing" }
func redeliveredKey(queue string) string { return queue + ":redelivered" }

// redisConn implements the reliable-queue pattern on Redis lists: producers
// LPUSH, the consumer atomically moves the tail onto a processing list and
// removes it from there on Ack.
type redisConn struct {
	client redis.UniversalClient
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// DialRedis returns a Dialer creating a fresh client from opts per attempt.
func DialRedis(opts *redis.Options, logger *slog.Logger) Dialer {
	return func(ctx context.Context) (Conn, error) {
		client := redis.NewClient(opts)
		conn, err := NewRedis(ctx, client, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return conn, nil
	}
}

// NewRedis wraps an existing client after checking it answers PING.
func NewRedis(ctx context.Context, client redis.UniversalClient, logger *slog.Logger) (Conn, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisConn{
		client: client,
		logger: logging.Default(logger).With("component", "broker", "type", "redis"),
	}, nil
}

func (c *redisConn) DeclareQueue(ctx context.Context, name string) error {
	if err := c.client.SAdd(ctx, queuesKey, name).Err(); err != nil {
		return fmt.Errorf("declare queue %q: %w", name, err)
	}
	c.logger.Debug("queue declared", "queue", name)
	return nil
}

func (c *redisConn) Publish(ctx context.Context, queue string, body []byte) error {
	payload, err := msgpack.Marshal(&envelope{
		ID:          uuid.NewString(),
		PublishedAt: time.Now().UnixMilli(),
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := c.client.LPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("publish to %q: %w", queue, err)
	}
	return nil
}

// Subscribe first moves messages stranded on the processing list by a previous
// consumer back onto the queue, ahead of newer messages, and flags them as
// redelivered.
func (c *redisConn) Subscribe(ctx context.Context, queue string) (Subscription, error) {
	n, err := c.recover(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("recover unacked messages: %w", err)
	}
	if n > 0 {
		c.logger.Warn("requeued unacknowledged messages", "queue", queue, "count", n)
	}
	return &redisSubscription{
		client:     c.client,
		queue:      queue,
		processing: processingKey(queue),
		poll:       redisPollTimeout,
	}, nil
}

func (c *redisConn) recover(ctx context.Context, queue string) (int, error) {
	stranded, err := c.client.LRange(ctx, processingKey(queue), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	if len(stranded) == 0 {
		return 0, nil
	}

	ids := make([]any, 0, len(stranded))
	for _, raw := range stranded {
		var env envelope
		if err := msgpack.Unmarshal([]byte(raw), &env); err == nil && env.ID != "" {
			ids = append(ids, env.ID)
		}
	}
	if len(ids) > 0 {
		if err := c.client.SAdd(ctx, redeliveredKey(queue), ids...).Err(); err != nil {
			return 0, err
		}
	}

	// The newest in-flight entry is at the head of the processing list;
	// moving head-to-tail leaves the oldest at the tail, next to be popped.
	moved := 0
	for {
		err := c.client.LMove(ctx, processingKey(queue), queue, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}

func (c *redisConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.client.Close()
	})
	return c.closeErr
}

type redisSubscription struct {
	client     redis.UniversalClient
	queue      string
	processing string
	poll       time.Duration
}

func (s *redisSubscription) Next(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := s.client.BRPopLPush(ctx, s.queue, s.processing, s.poll).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrConnectionDropped, err)
		}

		return s.delivery(ctx, raw)
	}
}

func (s *redisSubscription) delivery(ctx context.Context, raw string) (*Delivery, error) {
	var env envelope
	if err := msgpack.Unmarshal([]byte(raw), &env); err != nil {
		// Foreign entry pushed without an envelope; hand over the raw bytes.
		env = envelope{Body: []byte(raw)}
	}

	redelivered := false
	if env.ID != "" {
		ok, err := s.client.SIsMember(ctx, redeliveredKey(s.queue), env.ID).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectionDropped, err)
		}
		redelivered = ok
	}

	ack := func() error {
		_, err := s.client.TxPipelined(context.Background(), func(p redis.Pipeliner) error {
			p.LRem(context.Background(), s.processing, 1, raw)
			if env.ID != "" {
				p.SRem(context.Background(), redeliveredKey(s.queue), env.ID)
			}
			return nil
		})
		return err
	}
	return NewDelivery(env.Body, env.ID, redelivered, ack), nil
}
