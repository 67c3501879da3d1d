// Package sink writes enriched documents to OpenSearch.
package sink

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"

	"logshipper/internal/data"
	"logshipper/internal/logging"
)

// Config holds OpenSearch connection settings.
type Config struct {
	Addresses []string
	Username  string
	Password  string //nolint:gosec // config field, not a hardcoded credential

	// Insecure skips TLS certificate verification.
	Insecure bool

	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper

	Logger *slog.Logger
}

// OpenSearch indexes documents into the index named by their sourcetype.
type OpenSearch struct {
	client *opensearchapi.Client
	logger *slog.Logger
}

// NewOpenSearch creates the client. No request is made until the first Write.
func NewOpenSearch(cfg Config) (*OpenSearch, error) {
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.Insecure}, //nolint:gosec // plaintext test cluster
		}
	}

	client, err := opensearchapi.NewClient(opensearchapi.Config{
		Client: opensearch.Config{
			Addresses: cfg.Addresses,
			Username:  cfg.Username,
			Password:  cfg.Password,
			Transport: transport,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opensearch client: %w", err)
	}

	return &OpenSearch{
		client: client,
		logger: logging.Default(cfg.Logger).With("component", "sink", "type", "opensearch"),
	}, nil
}

// Write indexes doc. Failures are logged here; the returned error is for the
// caller's bookkeeping only and must not stop the pipeline.
func (s *OpenSearch) Write(ctx context.Context, doc data.IndexDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		s.logger.Error("error encoding document", "error", err)
		return fmt.Errorf("encode document: %w", err)
	}

	resp, err := s.client.Index(ctx, opensearchapi.IndexReq{
		Index: doc.SourceType,
		Body:  bytes.NewReader(body),
	})
	if err != nil {
		s.logger.Error("error indexing document", "index", doc.SourceType, "error", err)
		return fmt.Errorf("index document into %q: %w", doc.SourceType, err)
	}

	s.logger.Info("document indexed successfully",
		"index", resp.Index,
		"id", resp.ID,
		"result", resp.Result,
	)
	return nil
}
