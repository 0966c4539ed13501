package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	client := NewClient(Config{
		BaseURL:      srv.URL,
		APIKey:       "db_abc.secret",
		PollInterval: 5 * time.Millisecond,
	})
	return client, srv
}

func TestAnalyzeAccepted(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sdk/analyze", r.URL.Path)
		assert.Equal(t, "Bearer db_abc.secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-SDK-Version"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "app.bin", header.Filename)

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jobId":  "j1",
			"status": "queued",
			"polling": map[string]interface{}{
				"url":        "/sdk/results/j1",
				"intervalMs": 2000,
			},
		})
	})
	defer srv.Close()

	receipt, err := client.Analyze(context.Background(), "app.bin", strings.NewReader("\x7fELF..."))
	require.NoError(t, err)
	assert.Equal(t, "j1", receipt.JobID)
	assert.False(t, receipt.Cached)
	assert.Equal(t, StatusQueued, receipt.Status)
	assert.Equal(t, 2000, receipt.PollIntervalMS)
}

func TestAnalyzeCacheHit(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jobId":  "j1",
			"cached": true,
			"job": map[string]interface{}{
				"id":              "j1",
				"status":          "completed",
				"credits_charged": 5,
			},
		})
	})
	defer srv.Close()

	receipt, err := client.Analyze(context.Background(), "app.bin", strings.NewReader("bytes"))
	require.NoError(t, err)
	assert.True(t, receipt.Cached)
	require.NotNil(t, receipt.Job)
	assert.Equal(t, StatusCompleted, receipt.Job.Status)
	assert.Equal(t, 5, receipt.Job.CreditsCharged)
}

func TestAnalyzeInsufficientCredits(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":   false,
			"code":      "INSUFFICIENT_CREDITS",
			"message":   "insufficient credits",
			"required":  5,
			"available": 2,
			"deficit":   3,
		})
	})
	defer srv.Close()

	_, err := client.Analyze(context.Background(), "app.bin", strings.NewReader("bytes"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusPaymentRequired, apiErr.HTTPStatus)
	assert.Equal(t, "INSUFFICIENT_CREDITS", apiErr.Code)
	assert.Equal(t, 3, apiErr.Deficit)
}

func TestAnalyzeBatch(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sdk/analyze/batch", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Len(t, r.MultipartForm.File["files"], 2)

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"filename": "a.bin", "jobId": "j1"},
				{"filename": "b.bin", "error": map[string]interface{}{
					"code": "FILE_TOO_LARGE", "message": "file exceeds the size limit",
				}},
			},
		})
	})
	defer srv.Close()

	entries, err := client.AnalyzeBatch(context.Background(), []File{
		{Name: "a.bin", Data: strings.NewReader("aa")},
		{Name: "b.bin", Data: strings.NewReader("bb")},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "j1", entries[0].JobID)
	require.NotNil(t, entries[1].Error)
	assert.Equal(t, "FILE_TOO_LARGE", entries[1].Error.Code)
}

func TestWaitForResultsPollsUntilTerminal(t *testing.T) {
	var polls int32
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sdk/results/j1", r.URL.Path)
		n := atomic.AddInt32(&polls, 1)
		status := StatusProcessing
		if n >= 3 {
			status = StatusCompleted
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"id": "j1", "status": status})
	})
	defer srv.Close()

	job, err := client.WaitForResults(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(3))
}

func TestWaitForResultsHonorsContext(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"id": "j1", "status": StatusProcessing})
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.WaitForResults(ctx, "j1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestResultsNotFound(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false, "code": "JOB_NOT_FOUND", "message": "job not found",
		})
	})
	defer srv.Close()

	_, err := client.Results(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "JOB_NOT_FOUND", apiErr.Code)
}

func TestCheckHash(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("hash") == strings.Repeat("a", 64) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"cached": true,
				"job":    map[string]interface{}{"id": "j1", "status": "completed"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"cached": false})
	})
	defer srv.Close()

	job, err := client.CheckHash(context.Background(), strings.Repeat("a", 64))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)

	job, err = client.CheckHash(context.Background(), strings.Repeat("b", 64))
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestCredits(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sdk/credits", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"credits": map[string]interface{}{
				"total": 100, "used": 40, "remaining": 60, "percent": 40.0,
			},
			"tier": "tier2",
		})
	})
	defer srv.Close()

	credits, err := client.Credits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, credits.Total)
	assert.Equal(t, 60, credits.Remaining)
	assert.InDelta(t, 40.0, credits.Percent, 0.01)
}

func TestErrorWithoutEnvelope(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	defer srv.Close()

	_, err := client.Credits(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.HTTPStatus)
	assert.NotEmpty(t, apiErr.Message)
}
