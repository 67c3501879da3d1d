// Package source fetches newline-delimited log feeds over HTTP.
package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"logshipper/internal/logging"
)

// FetchError describes why a feed could not be read.
type FetchError struct {
	URL        string
	StatusCode int // zero when no response was received
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher reads log feeds. The zero value is not usable; use New.
type Fetcher struct {
	client *http.Client
	logger *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// New creates a Fetcher. The default client has no timeout.
func New(logger *slog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{},
		logger: logging.Default(logger).With("component", "source"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads the feed at rawURL and splits it into lines. Any failure is
// logged and yields an empty result; Fetch never returns an error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) []string {
	lines, err := f.fetch(ctx, rawURL)
	if err != nil {
		f.logger.Error("failed to fetch logs", "url", rawURL, "error", err)
		return nil
	}
	f.logger.Info("fetched logs", "url", rawURL, "lines", len(lines))
	return lines
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := readBody(resp.Body, encodingOf(rawURL, resp))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	return SplitLines(body), nil
}

// encodingOf picks the compression of the feed from the response headers,
// falling back to the URL's file extension.
func encodingOf(rawURL string, resp *http.Response) string {
	if ce := strings.ToLower(resp.Header.Get("Content-Encoding")); ce != "" {
		return ce
	}
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	switch {
	case strings.HasSuffix(path, ".gz"):
		return "gzip"
	case strings.HasSuffix(path, ".zst"):
		return "zstd"
	}
	return ""
}

func readBody(body io.Reader, encoding string) ([]byte, error) {
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("open gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		return io.ReadAll(gz)

	case "zstd":
		dec, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("open zstd reader: %w", err)
		}
		defer dec.Close()
		return io.ReadAll(dec)

	case "", "identity":
		return io.ReadAll(body)

	default:
		return nil, fmt.Errorf("unsupported Content-Encoding: %q", encoding)
	}
}

// SplitLines splits on "\n" and "\r\n". A trailing newline does not produce an
// empty final line; blank lines elsewhere are kept.
func SplitLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	b = bytes.TrimSuffix(b, []byte("\n"))
	parts := strings.Split(string(b), "\n")
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(p, "\r")
	}
	return parts
}
