// Package sdk is the Go client for the deepbin analysis backend.
//
// The client uploads binaries, polls for results, and reads the account's
// credit balance. Uploads are deduplicated server-side by content hash:
// re-submitting a binary the account already analyzed returns the stored
// result immediately and charges nothing.
//
// Quick Start:
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL: "https://api.deepbin.io",
//	    APIKey:  os.Getenv("DEEPBIN_API_KEY"),
//	})
//
//	receipt, err := client.AnalyzeFile(ctx, "./firmware.bin")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if receipt.Cached {
//	    // Already analyzed; receipt.Job carries the results.
//	    return
//	}
//	job, err := client.WaitForResults(ctx, receipt.JobID)
package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// sdkVersion is stamped into the X-SDK-Version header; the backend records
// it with every job.
const sdkVersion = "1.2.0"

const (
	defaultTimeout      = 2 * time.Minute
	defaultPollInterval = 2 * time.Second
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the backend endpoint (required)
	// Examples: "https://api.deepbin.io", "http://localhost:8080"
	BaseURL string

	// APIKey authenticates requests (required)
	// Keys look like "db_<id>.<secret>" and are shown once at issue time
	APIKey string

	// Timeout bounds each request including the upload body (default 2m)
	Timeout time.Duration

	// PollInterval is the WaitForResults cadence (default 2s)
	PollInterval time.Duration

	// HTTPClient overrides the default client when set; Timeout is ignored
	// in that case
	HTTPClient *http.Client
}

// Client talks to the deepbin REST API.
type Client struct {
	config     Config
	httpClient *http.Client
	ciProvider string
}

// File is one entry of a batch upload.
type File struct {
	Name string
	Data io.Reader
}

// NewClient creates a client.
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL: "http://localhost:8080",
//	    APIKey:  os.Getenv("DEEPBIN_API_KEY"),
//	})
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		config:     cfg,
		httpClient: httpClient,
		ciProvider: detectCI(),
	}
}

// detectCI names the CI system from its well-known environment markers.
func detectCI() string {
	switch {
	case os.Getenv("GITHUB_ACTIONS") != "":
		return "github-actions"
	case os.Getenv("GITLAB_CI") != "":
		return "gitlab-ci"
	case os.Getenv("CIRCLECI") != "":
		return "circleci"
	case os.Getenv("JENKINS_URL") != "":
		return "jenkins"
	}
	return ""
}

// Analyze uploads one binary for analysis.
//
// The returned receipt either carries the completed job (Cached, when the
// account already analyzed identical bytes) or the job id to poll:
//
//	receipt, err := client.Analyze(ctx, "app.bin", file)
//	if err != nil {
//	    var apiErr *sdk.APIError
//	    if errors.As(err, &apiErr) && apiErr.Code == "INSUFFICIENT_CREDITS" {
//	        // Top up and retry
//	    }
//	    return err
//	}
func (c *Client) Analyze(ctx context.Context, filename string, data io.Reader) (*Receipt, error) {
	resp, err := c.upload(ctx, "/sdk/analyze", []File{{Name: filename, Data: data}})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, parseError(resp)
	}

	var payload struct {
		JobID   string `json:"jobId"`
		Cached  bool   `json:"cached"`
		Status  string `json:"status"`
		Job     *Job   `json:"job"`
		Polling struct {
			URL        string `json:"url"`
			IntervalMS int    `json:"intervalMs"`
		} `json:"polling"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("deepbin-sdk: failed to parse response: %w", err)
	}

	return &Receipt{
		JobID:          payload.JobID,
		Cached:         payload.Cached,
		Status:         payload.Status,
		Job:            payload.Job,
		PollIntervalMS: payload.Polling.IntervalMS,
	}, nil
}

// AnalyzeFile uploads the file at path.
func (c *Client) AnalyzeFile(ctx context.Context, path string) (*Receipt, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("deepbin-sdk: open %s: %w", path, err)
	}
	defer f.Close()
	return c.Analyze(ctx, filepath.Base(path), f)
}

// AnalyzeBatch uploads up to 10 binaries in one request. Per-file failures
// land in the matching entry's Error; the call itself fails only when the
// whole batch is rejected.
func (c *Client) AnalyzeBatch(ctx context.Context, files []File) ([]BatchEntry, error) {
	resp, err := c.upload(ctx, "/sdk/analyze/batch", files)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, parseError(resp)
	}

	var payload struct {
		Results []BatchEntry `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("deepbin-sdk: failed to parse response: %w", err)
	}
	return payload.Results, nil
}

// Results fetches the job's current state.
func (c *Client) Results(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.getJSON(ctx, "/sdk/results/"+jobID, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// WaitForResults polls until the job reaches a terminal state. The context
// bounds the wait:
//
//	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
//	defer cancel()
//	job, err := client.WaitForResults(ctx, receipt.JobID)
func (c *Client) WaitForResults(ctx context.Context, jobID string) (*Job, error) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		job, err := c.Results(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if Terminal(job.Status) {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("deepbin-sdk: wait for job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// CheckHash asks whether the account already analyzed a binary with this
// SHA-256 digest. It returns the completed job on a hit and nil on a miss,
// letting CI pipelines skip the upload entirely.
func (c *Client) CheckHash(ctx context.Context, hash string) (*Job, error) {
	var payload struct {
		Cached bool `json:"cached"`
		Job    *Job `json:"job"`
	}
	if err := c.getJSON(ctx, "/sdk/check-hash?hash="+hash, &payload); err != nil {
		return nil, err
	}
	if !payload.Cached {
		return nil, nil
	}
	return payload.Job, nil
}

// Credits returns the account's balance.
func (c *Client) Credits(ctx context.Context) (*Credits, error) {
	var payload struct {
		Credits Credits `json:"credits"`
	}
	if err := c.getJSON(ctx, "/sdk/credits", &payload); err != nil {
		return nil, err
	}
	return &payload.Credits, nil
}

// upload streams a multipart body so large binaries never sit in memory.
func (c *Client) upload(ctx context.Context, path string, files []File) (*http.Response, error) {
	field, many := "file", false
	if path == "/sdk/analyze/batch" {
		field, many = "files", true
	}
	if !many && len(files) != 1 {
		return nil, fmt.Errorf("deepbin-sdk: exactly one file required")
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		for _, f := range files {
			part, err := mw.CreateFormFile(field, f.Name)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := io.Copy(part, f.Data); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, pr)
	if err != nil {
		return nil, fmt.Errorf("deepbin-sdk: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepbin-sdk: upload failed: %w", err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("deepbin-sdk: failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deepbin-sdk: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("deepbin-sdk: failed to parse response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("X-SDK-Version", sdkVersion)
	if c.ciProvider != "" {
		req.Header.Set("X-CI-Provider", c.ciProvider)
	}
}

// parseError turns a failure envelope into an *APIError. Bodies that are not
// the envelope still produce a usable error with the HTTP status.
func parseError(resp *http.Response) error {
	apiErr := &APIError{HTTPStatus: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err == nil {
		_ = json.Unmarshal(body, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
