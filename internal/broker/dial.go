package broker

import (
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"logshipper/internal/config"
)

// NewDialer returns the Dialer for the configured broker kind.
func NewDialer(cfg config.BrokerConfig, logger *slog.Logger) (Dialer, error) {
	switch cfg.Kind {
	case "amqp":
		return DialAMQP(cfg.AMQPURL(), logger), nil
	case "redis":
		return DialRedis(&redis.Options{
			Addr:     cfg.Addr(),
			Username: cfg.User,
			Password: cfg.Password,
		}, logger), nil
	case "kafka":
		kc := KafkaConfig{
			Brokers: []string{cfg.Addr()},
			Group:   cfg.KafkaGroup,
		}
		if cfg.KafkaSASL {
			kc.User = cfg.User
			kc.Password = cfg.Password
		}
		return DialKafka(kc, logger), nil
	default:
		return nil, fmt.Errorf("unsupported broker kind %q", cfg.Kind)
	}
}
