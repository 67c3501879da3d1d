package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"logshipper/internal/broker"
	"logshipper/internal/config"
	"logshipper/internal/logging"
	"logshipper/internal/producer"
)

func redisConfig(t *testing.T, mr *miniredis.Miniredis) config.Config {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatal(err)
	}
	return config.Config{
		Broker:  config.BrokerConfig{Kind: "redis", Host: mr.Host(), Port: port, Queue: "log_queue"},
		Connect: config.ConnectConfig{MaxRetries: 1, InitialDelay: time.Millisecond},
	}
}

func TestRunPublishesFeed(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when starting miniredis", err)
	}
	defer mr.Close()

	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"time":"17/May/2015:08:05:32 +0000","request":"GET /downloads/product_1 HTTP/1.1"}` + "\n" +
			`{"time":"17/May/2015:08:05:23 +0000","request":"GET /downloads/product_1 HTTP/1.1"}` + "\n" +
			`{"time":"17/May/2015:08:05:24 +0000","request":"GET /downloads/product_2 HTTP/1.1"}` + "\n"))
	}))
	defer feed.Close()

	err = run(context.Background(), logging.Discard(), redisConfig(t, mr), producer.Config{
		SourceURL: feed.URL,
		Limit:     2,
		HasLimit:  true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	values, err := mr.List("log_queue")
	if err != nil {
		t.Fatalf("failed to get list from miniredis: %v", err)
	}
	if len(values) != 2 {
		t.Errorf("expected list length 2, got %d", len(values))
	}
}

func TestRunFailedFetchPublishesNothing(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when starting miniredis", err)
	}
	defer mr.Close()

	feed := httptest.NewServer(http.NotFoundHandler())
	defer feed.Close()

	if err := run(context.Background(), logging.Discard(), redisConfig(t, mr), producer.Config{SourceURL: feed.URL}); err != nil {
		t.Fatalf("a failed fetch is not an error: %v", err)
	}
	if mr.Exists("log_queue") {
		t.Error("a message was pushed to redis although the feed was unavailable")
	}
}

func TestRunBrokerUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when starting miniredis", err)
	}
	cfg := redisConfig(t, mr)
	mr.Close()

	err = run(context.Background(), logging.Discard(), cfg, producer.Config{SourceURL: "http://127.0.0.1:1/"})
	if !errors.Is(err, broker.ErrRetriesExhausted) {
		t.Errorf("expected ErrRetriesExhausted, got %v", err)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := config.Config{Broker: config.BrokerConfig{Kind: "smtp", Queue: "q"}, Connect: config.ConnectConfig{MaxRetries: 1}}
	if err := run(context.Background(), logging.Discard(), cfg, producer.Config{}); err == nil {
		t.Error("expected validation error")
	}
}
