package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"logshipper/internal/broker"
	"logshipper/internal/config"
	"logshipper/internal/logging"
)

func testConfig(t *testing.T, mr *miniredis.Miniredis, searchURL string) config.Config {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatal(err)
	}
	return config.Config{
		Broker:  config.BrokerConfig{Kind: "redis", Host: mr.Host(), Port: port, Queue: "log_queue"},
		Connect: config.ConnectConfig{MaxRetries: 1, InitialDelay: time.Millisecond},
		Index: config.IndexConfig{
			Addresses:  []string{searchURL},
			SourceType: "nginx",
			Region:     "us-east-1",
		},
	}
}

func TestRunIndexesQueuedMessages(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when starting miniredis", err)
	}
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var bodies [][]byte
	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		n := len(bodies)
		mu.Unlock()
		if r.URL.Path != "/nginx/_doc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"_index":"nginx","_id":"`+strconv.Itoa(n)+`","_version":1,"result":"created"}`)
		if n == 2 {
			cancel()
		}
	}))
	defer search.Close()

	pub, err := broker.DialRedis(&redis.Options{Addr: mr.Addr()}, nil)(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	for _, msg := range []string{`{"time":"2015-05-17T08:05:32+00:00","n":1}`, `{"time":"2015-05-17T08:05:33+00:00","n":2}`} {
		if err := pub.Publish(context.Background(), "log_queue", []byte(msg)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	_ = pub.Close()

	if err := run(ctx, logging.Discard(), testConfig(t, mr, search.URL)); err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("expected 2 indexed documents, got %d", len(bodies))
	}
	var sessions []string
	for _, b := range bodies {
		var doc struct {
			Fields struct {
				SessionID string `json:"sessionid"`
			} `json:"fields"`
		}
		if err := json.Unmarshal(b, &doc); err != nil {
			t.Fatalf("document is not JSON: %v", err)
		}
		sessions = append(sessions, doc.Fields.SessionID)
	}
	if sessions[0] == "" || sessions[0] != sessions[1] {
		t.Errorf("documents of one run should share a session id, got %v", sessions)
	}
}

func TestRunBrokerUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when starting miniredis", err)
	}
	cfg := testConfig(t, mr, "http://127.0.0.1:1")
	mr.Close()

	if err := run(context.Background(), logging.Discard(), cfg); !errors.Is(err, broker.ErrRetriesExhausted) {
		t.Errorf("expected ErrRetriesExhausted, got %v", err)
	}
}
