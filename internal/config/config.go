package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultSourceURL is the public nginx JSON access log feed.
const DefaultSourceURL = "https://raw.githubusercontent.com/elastic/examples/master/Common%20Data%20Formats/nginx_json_logs/nginx_json_logs"

// Config holds settings for both the producer and the consumer.
type Config struct {
	Broker  BrokerConfig
	Connect ConnectConfig
	Source  SourceConfig
	Index   IndexConfig
	Log     LogConfig
}

// BrokerConfig selects and addresses the message broker.
type BrokerConfig struct {
	Kind     string // "amqp", "redis" or "kafka"
	Host     string
	Port     int
	User     string
	Password string
	VHost    string
	Queue    string

	KafkaGroup string
	KafkaSASL  bool // send User/Password as SASL/PLAIN to Kafka
}

// ConnectConfig controls startup connection retries.
type ConnectConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
}

// SourceConfig locates the log feed.
type SourceConfig struct {
	URL string
}

// IndexConfig addresses the search engine and holds the enrichment tags.
type IndexConfig struct {
	Addresses  []string
	Username   string
	Password   string
	Insecure   bool
	SourceType string
	Region     string
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string
	Format string // "text" or "json"
}

// Load reads configuration from environment variables with defaults.
// Values that do not parse are reported together in the returned error; the
// Config still carries the defaults for those fields.
func Load() (Config, error) {
	var e env
	kind := strings.ToLower(e.getenv("BROKER_KIND", "amqp"))
	cfg := Config{
		Broker: BrokerConfig{
			Kind:     kind,
			Host:     e.getenv("BROKER_HOST", "rabbitmq"),
			Port:     e.getenvInt("BROKER_PORT", defaultPort(kind)),
			User:     e.getenv("BROKER_USER", "user"),
			Password: e.getenv("BROKER_PASSWORD", "password"),
			VHost:    e.getenv("BROKER_VHOST", "/"),
			Queue:    e.getenv("QUEUE_NAME", "log_queue"),

			KafkaGroup: e.getenv("KAFKA_GROUP", "logshipper"),
			KafkaSASL:  e.getenvBool("KAFKA_SASL", false),
		},
		Connect: ConnectConfig{
			MaxRetries:   e.getenvInt("CONNECT_MAX_RETRIES", 5),
			InitialDelay: e.getenvDuration("CONNECT_RETRY_DELAY", 2*time.Second),
		},
		Source: SourceConfig{
			URL: e.getenv("SOURCE_URL", DefaultSourceURL),
		},
		Index: IndexConfig{
			Addresses:  splitList(e.getenv("OPENSEARCH_ADDRESSES", "http://opensearch-node:9200")),
			Username:   os.Getenv("OPENSEARCH_USERNAME"),
			Password:   os.Getenv("OPENSEARCH_PASSWORD"),
			Insecure:   e.getenvBool("OPENSEARCH_INSECURE", true),
			SourceType: e.getenv("SOURCE_TYPE", "nginx"),
			Region:     e.getenv("REGION", "us-east-1"),
		},
		Log: LogConfig{
			Level:  e.getenv("LOG_LEVEL", "info"),
			Format: e.getenv("LOG_FORMAT", "text"),
		},
	}
	return cfg, errors.Join(e.errs...)
}

// Addr returns host:port of the broker.
func (b BrokerConfig) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// AMQPURL builds the amqp:// URL with the static credentials.
func (b BrokerConfig) AMQPURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(b.User, b.Password),
		Host:   b.Addr(),
		Path:   "/",
	}
	if b.VHost != "" && b.VHost != "/" {
		u.Path = "/" + url.PathEscape(b.VHost)
	}
	return u.String()
}

// Validate reports configuration that cannot work.
func (c Config) Validate() error {
	switch c.Broker.Kind {
	case "amqp", "redis", "kafka":
	default:
		return fmt.Errorf("unsupported BROKER_KIND %q (supported: amqp, redis, kafka)", c.Broker.Kind)
	}
	if c.Broker.Queue == "" {
		return fmt.Errorf("QUEUE_NAME must not be empty")
	}
	if c.Connect.MaxRetries < 1 {
		return fmt.Errorf("CONNECT_MAX_RETRIES must be at least 1, got %d", c.Connect.MaxRetries)
	}
	return nil
}

func defaultPort(kind string) int {
	switch kind {
	case "redis":
		return 6379
	case "kafka":
		return 9092
	default:
		return 5672
	}
}

// env reads typed environment variables and collects the ones that fail to parse.
type env struct {
	errs []error
}

func (e *env) invalid(key, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, v, err))
}

func (e *env) getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (e *env) getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.invalid(key, v, err)
		return fallback
	}
	return n
}

func (e *env) getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.invalid(key, v, err)
		return fallback
	}
	return b
}

func (e *env) getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err == nil && d < 0 {
		err = errors.New("must not be negative")
	}
	if err != nil {
		e.invalid(key, v, err)
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
