package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"logshipper/internal/logging"
)

// KafkaConfig addresses a Kafka cluster. The queue name is used as topic.
type KafkaConfig struct {
	Brokers  []string
	Group    string
	User     string // SASL/PLAIN when non-empty
	Password string //nolint:gosec // config field, not a hardcoded credential
}

func (c KafkaConfig) opts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.AllowAutoTopicCreation(),
	}
	if c.User != "" {
		opts = append(opts, kgo.SASL(plain.Auth{User: c.User, Pass: c.Password}.AsMechanism()))
	}
	return opts
}

type kafkaConn struct {
	cfg    KafkaConfig
	client *kgo.Client
	logger *slog.Logger

	mu        sync.Mutex
	consumers []*kgo.Client
	closeOnce sync.Once
}

// DialKafka returns a Dialer that creates a producing client and pings the cluster.
func DialKafka(cfg KafkaConfig, logger *slog.Logger) Dialer {
	logger = logging.Default(logger).With("component", "broker", "type", "kafka")
	return func(ctx context.Context) (Conn, error) {
		client, err := kgo.NewClient(cfg.opts()...)
		if err != nil {
			return nil, fmt.Errorf("kafka client: %w", err)
		}
		if err := client.Ping(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("kafka ping: %w", err)
		}
		return &kafkaConn{cfg: cfg, client: client, logger: logger}, nil
	}
}

// DeclareQueue creates the topic with a single partition so records keep
// their publish order. An existing topic is left as is.
func (c *kafkaConn) DeclareQueue(ctx context.Context, name string) error {
	resp, err := kadm.NewClient(c.client).CreateTopic(ctx, 1, -1, nil, name)
	if err == nil {
		err = resp.Err
	}
	switch {
	case errors.Is(err, kerr.TopicAlreadyExists):
		c.logger.Debug("topic already exists", "topic", name)
	case err != nil:
		return fmt.Errorf("declare topic %q: %w", name, err)
	default:
		c.logger.Info("topic created", "topic", name)
	}
	return nil
}

func (c *kafkaConn) Publish(ctx context.Context, queue string, body []byte) error {
	rec := &kgo.Record{
		Topic:   queue,
		Value:   body,
		Headers: []kgo.RecordHeader{{Key: "content-type", Value: []byte("application/json")}},
	}
	if err := c.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("publish to %q: %w", queue, err)
	}
	return nil
}

// Subscribe opens a group consumer with auto-commit disabled; Ack commits.
func (c *kafkaConn) Subscribe(_ context.Context, queue string) (Subscription, error) {
	opts := append(c.cfg.opts(),
		kgo.ConsumeTopics(queue),
		kgo.ConsumerGroup(c.cfg.Group),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	consumer, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}

	c.mu.Lock()
	c.consumers = append(c.consumers, consumer)
	c.mu.Unlock()

	c.logger.Info("kafka consumer started", "brokers", c.cfg.Brokers, "topic", queue, "group", c.cfg.Group)
	return &kafkaSubscription{client: consumer}, nil
}

func (c *kafkaConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		for _, consumer := range c.consumers {
			consumer.Close()
		}
		c.mu.Unlock()
		c.client.Close()
	})
	return nil
}

type kafkaSubscription struct {
	client  *kgo.Client
	pending []*kgo.Record
}

func (s *kafkaSubscription) Next(ctx context.Context) (*Delivery, error) {
	for len(s.pending) == 0 {
		fetches := s.client.PollRecords(ctx, 1)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if fetches.IsClientClosed() {
			return nil, ErrConnectionDropped
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
				continue
			}
			return nil, fmt.Errorf("%w: topic %s partition %d: %v", ErrConnectionDropped, fe.Topic, fe.Partition, fe.Err)
		}
		s.pending = fetches.Records()
	}

	rec := s.pending[0]
	s.pending = s.pending[1:]

	id := rec.Topic + "/" + strconv.Itoa(int(rec.Partition)) + "/" + strconv.FormatInt(rec.Offset, 10)
	return NewDelivery(rec.Value, id, false, func() error {
		return s.client.CommitRecords(context.Background(), rec)
	}), nil
}
