// Package analyzer drives the external ML analysis service: multipart
// upload of the binary, response normalization into the canonical result,
// and a circuit breaker so a dead analyzer fails fast instead of eating
// worker time.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/deepbin/backend/internal/circuitbreaker"
	"github.com/deepbin/backend/internal/config"
	"github.com/deepbin/backend/internal/metrics"
	"github.com/deepbin/backend/internal/models"
)

var (
	// ErrUnavailable reports connection refused, DNS failure, or an open
	// circuit. Retryable by the queue.
	ErrUnavailable = errors.New("analyzer: unavailable")

	// ErrTimeout reports an attempt that outran the configured deadline.
	// Retryable by the queue.
	ErrTimeout = errors.New("analyzer: timed out")
)

const defaultTimeout = 5 * time.Minute

// Client calls the analyzer endpoint.
type Client struct {
	httpClient *http.Client
	url        string
	service    string
	breaker    *circuitbreaker.Breaker
	metrics    *metrics.Metrics
	logger     *log.Logger
}

// NewClient builds a client for the configured endpoint. The metrics
// recorder may be nil.
func NewClient(cfg config.AnalyzerConfig, m *metrics.Metrics) *Client {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		url:        cfg.URL,
		service:    cfg.Service,
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig("analyzer")),
		metrics:    m,
		logger:     log.New(log.Writer(), "[Analyzer] ", log.LstdFlags),
	}
}

// Analyze streams the file at path to the analyzer and returns the
// normalized result.
func (c *Client) Analyze(ctx context.Context, path, filename string) (*models.Result, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.analyze(ctx, path, filename)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyProbes) {
			c.record("unavailable")
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return nil, err
	}
	return res.(*models.Result), nil
}

func (c *Client) analyze(ctx context.Context, path, filename string) (*models.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("analyzer: open artifact: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, pr)
	if err != nil {
		return nil, fmt.Errorf("analyzer: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Service", c.service)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cerr := classify(err)
		if errors.Is(cerr, ErrTimeout) {
			c.record("timeout")
		} else {
			c.record("unavailable")
		}
		return nil, cerr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.record("http")
		return nil, fmt.Errorf("analyzer: unexpected status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.record("decode")
		return nil, fmt.Errorf("analyzer: read response: %w", err)
	}

	result, shape, err := Normalize(raw)
	if err != nil {
		c.record("decode")
		return nil, fmt.Errorf("analyzer: %w", err)
	}

	c.logger.Printf("✅ Normalized %s response for %s (severity %s)",
		shape, filename, result.Vulnerabilities.Severity)
	return result, nil
}

// classify maps transport errors onto the retryable sentinels.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (c *Client) record(kind string) {
	if c.metrics != nil {
		c.metrics.RecordAnalyzerError(kind)
	}
}
