// Package scrape retrieves a content source and reduces it to readable text.
package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultUserAgent is sent with every fetch unless overridden. Some sites
// refuse requests that do not look like a desktop browser.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/58.0.3029.110 Safari/537.3"

// DefaultMaxBytes caps the body read from a content source.
const DefaultMaxBytes = 2 << 20

// Page is a fetched content source.
type Page struct {
	URL         string
	Status      int
	ContentType string
	Text        string
}

// FetchError reports a failed retrieval: either a transport error or a
// non-success status.
type FetchError struct {
	URL        string
	Status     int
	StatusText string
	Err        error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("failed to fetch the URL: %s", e.StatusText)
	}
	return fmt.Sprintf("failed to fetch the URL: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetcher retrieves a content source.
type Fetcher interface {
	Fetch(ctx context.Context, url string, header http.Header) (*Page, error)
}

// FetcherConfig configures an HTTPFetcher.
type FetcherConfig struct {
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int64
	Client    *http.Client
	Logger    *zap.Logger
}

// HTTPFetcher fetches content sources with a plain GET.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
	logger    *zap.Logger
}

// NewHTTPFetcher creates a fetcher, filling unset fields with defaults.
func NewHTTPFetcher(cfg FetcherConfig) *HTTPFetcher {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPFetcher{
		client:    client,
		userAgent: ua,
		maxBytes:  maxBytes,
		logger:    logger,
	}
}

// Fetch implements Fetcher. Any status outside 2xx is a FetchError.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, header http.Header) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{
			URL:        url,
			Status:     resp.StatusCode,
			StatusText: statusText(resp),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("read body: %w", err)}
	}

	f.logger.Debug("content source fetched",
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", time.Since(start)))

	return &Page{
		URL:         url,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Text:        string(body),
	}, nil
}

func statusText(resp *http.Response) string {
	text := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" ")
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}
