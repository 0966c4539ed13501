package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepbin/backend/internal/alerts"
	"github.com/deepbin/backend/internal/apikeys"
	"github.com/deepbin/backend/internal/blobstore"
	"github.com/deepbin/backend/internal/config"
	"github.com/deepbin/backend/internal/ingest"
	"github.com/deepbin/backend/internal/janitor"
	"github.com/deepbin/backend/internal/jobstore"
	"github.com/deepbin/backend/internal/ledger"
	"github.com/deepbin/backend/internal/models"
	"github.com/deepbin/backend/internal/notify"
	"github.com/deepbin/backend/internal/otp"
	"github.com/deepbin/backend/internal/payments"
	"github.com/deepbin/backend/internal/queue"
	"github.com/deepbin/backend/internal/users"
)

const testWebhookSecret = "whsec-test"

type fixture struct {
	router   *mux.Router
	jobs     *jobstore.MemoryStore
	ledger   *ledger.Service
	keys     *apikeys.Service
	users    *users.MemoryDirectory
	queue    queue.Queue
	registry *notify.Registry
	alerts   *alerts.Recorder
	payments *payments.Service
}

func newFixture(t *testing.T) *fixture {
	return newFixtureEnv(t, config.ServerConfig{Env: "development"})
}

func newFixtureEnv(t *testing.T, cfg config.ServerConfig) *fixture {
	t.Helper()

	blobs, err := blobstore.NewFSStore(t.TempDir(), 1<<20)
	require.NoError(t, err)

	q := queue.NewMemoryQueue(config.QueueConfig{})
	t.Cleanup(func() { q.Close() })

	jobs := jobstore.NewMemoryStore()
	led := ledger.NewService(ledger.NewMemoryStore(), nil)
	dir := users.NewMemoryDirectory()
	keys := apikeys.NewService(apikeys.NewMemoryStore())
	otps := otp.NewService(otp.NewMemoryStore())
	registry := notify.NewRegistry()
	recorder := alerts.NewRecorder()

	payStore, err := payments.NewStore(nil)
	require.NoError(t, err)
	pay := payments.New(config.PaymentsConfig{
		KeyID:         "rzp_test_1",
		WebhookSecret: testWebhookSecret,
	}, payStore, led, nil, nil)

	jan, err := janitor.New(blobs, jobs, otps, config.JanitorConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { jan.Close() })

	srv := NewServer(Deps{
		Config:   cfg,
		Ingest:   ingest.New(jobs, blobs, q, led, dir, nil, 0, 0),
		Jobs:     jobs,
		Ledger:   led,
		Payments: pay,
		Keys:     keys,
		OTPs:     otps,
		Users:    dir,
		Queue:    q,
		Janitor:  jan,
		Alerts:   recorder,
		Registry: registry,
	})

	return &fixture{
		router:   srv.Router(),
		jobs:     jobs,
		ledger:   led,
		keys:     keys,
		users:    dir,
		queue:    q,
		registry: registry,
		alerts:   recorder,
		payments: pay,
	}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) fund(t *testing.T, owner string, credits int) {
	t.Helper()
	_, err := f.ledger.AddCredits(context.Background(), owner, credits, "Test grant", models.TxnCredit)
	require.NoError(t, err)
}

func (f *fixture) issueKey(t *testing.T, owner string, caps ...models.Capability) string {
	t.Helper()
	_, fullKey, err := f.keys.Issue(context.Background(), owner, "test", caps, nil)
	require.NoError(t, err)
	return fullKey
}

// uploadJob seeds a completed job directly in the store, bypassing ingest.
func (f *fixture) uploadJob(t *testing.T, owner, hash string, status models.JobStatus) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:        models.NewID(),
		Owner:     owner,
		Filename:  "seeded.bin",
		SizeBytes: 42,
		Hash:      hash,
		Tier:      models.TierTwo,
		Status:    status,
		QueuedAt:  time.Now().UTC(),
	}
	require.NoError(t, f.jobs.Insert(context.Background(), job))
	return job
}

func jsonReq(t *testing.T, method, path string, v interface{}) *http.Request {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func multipartBody(t *testing.T, field string, files map[string]string, order []string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range order {
		part, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = part.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func analyzeReq(t *testing.T, key, filename, content string) *http.Request {
	t.Helper()
	body, ctype := multipartBody(t, "file", map[string]string{filename: content}, []string{filename})
	req := httptest.NewRequest(http.MethodPost, "/sdk/analyze", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("Authorization", "Bearer "+key)
	return req
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m), "body: %s", rr.Body.String())
	return m
}

func subMap(t *testing.T, m map[string]interface{}, key string) map[string]interface{} {
	t.Helper()
	v, ok := m[key].(map[string]interface{})
	require.True(t, ok, "expected object at %q, got %T", key, m[key])
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rr := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decodeBody(t, rr)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "deepbin-api", resp["service"])
}

func TestAnalyzeQueuesJob(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", 10)
	key := f.issueKey(t, "u1")

	rr := f.do(analyzeReq(t, key, "firmware.bin", "\x7fELF bytes"))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	resp := decodeBody(t, rr)
	jobID, _ := resp["jobId"].(string)
	assert.NotEmpty(t, jobID)
	assert.Equal(t, "queued", resp["status"])

	polling := subMap(t, resp, "polling")
	assert.Equal(t, "/sdk/results/"+jobID, polling["url"])
	assert.EqualValues(t, 2000, polling["intervalMs"])

	counts, err := f.queue.Counts(context.Background(), models.TierTwo)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Waiting)
}

func TestAnalyzeCacheHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", 50)
	key := f.issueKey(t, "u1")

	first := f.do(analyzeReq(t, key, "firmware.bin", "same bytes"))
	require.Equal(t, http.StatusAccepted, first.Code)
	firstID, _ := decodeBody(t, first)["jobId"].(string)

	require.NoError(t, f.jobs.UpdateStatus(ctx, firstID, models.JobProcessing, nil))
	require.NoError(t, f.jobs.UpdateStatus(ctx, firstID, models.JobCompleted, nil))

	second := f.do(analyzeReq(t, key, "renamed.bin", "same bytes"))
	require.Equal(t, http.StatusOK, second.Code, "cache hits answer immediately")

	resp := decodeBody(t, second)
	assert.Equal(t, true, resp["cached"])
	assert.Equal(t, firstID, resp["jobId"])
	assert.NotNil(t, resp["job"])
}

func TestAnalyzeInsufficientCredits(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", 4)
	key := f.issueKey(t, "u1")

	rr := f.do(analyzeReq(t, key, "firmware.bin", "bytes"))
	require.Equal(t, http.StatusPaymentRequired, rr.Code)

	resp := decodeBody(t, rr)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, CodeInsufficientCredits, resp["code"])
	assert.EqualValues(t, 5, resp["required"])
	assert.EqualValues(t, 4, resp["available"])
	assert.EqualValues(t, 1, resp["deficit"])
}

func TestAnalyzeRequiresFileField(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", 10)
	key := f.issueKey(t, "u1")

	body, ctype := multipartBody(t, "document", map[string]string{"x.bin": "bytes"}, []string{"x.bin"})
	req := httptest.NewRequest(http.MethodPost, "/sdk/analyze", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("Authorization", "Bearer "+key)

	rr := f.do(req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, CodeMissingFile, decodeBody(t, rr)["code"])
}

func TestBatchMixedResults(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", 100)
	key := f.issueKey(t, "u1")

	files := map[string]string{
		"ok.bin":   "fine",
		"huge.bin": strings.Repeat("x", 2<<20),
	}
	body, ctype := multipartBody(t, "files", files, []string{"ok.bin", "huge.bin"})
	req := httptest.NewRequest(http.MethodPost, "/sdk/analyze/batch", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("Authorization", "Bearer "+key)

	rr := f.do(req)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	results, ok := decodeBody(t, rr)["results"].([]interface{})
	require.True(t, ok)
	require.Len(t, results, 2)

	okEntry := results[0].(map[string]interface{})
	assert.Equal(t, "ok.bin", okEntry["filename"])
	assert.NotEmpty(t, okEntry["jobId"])
	assert.Equal(t, false, okEntry["cached"])

	failEntry := results[1].(map[string]interface{})
	assert.Equal(t, "huge.bin", failEntry["filename"])
	entryErr, ok := failEntry["error"].(map[string]interface{})
	require.True(t, ok, "oversized sibling carries an inline error")
	assert.Equal(t, CodeFileTooLarge, entryErr["code"])
}

func TestBatchRequiresFilesField(t *testing.T) {
	f := newFixture(t)
	key := f.issueKey(t, "u1")

	body, ctype := multipartBody(t, "file", map[string]string{"x.bin": "bytes"}, []string{"x.bin"})
	req := httptest.NewRequest(http.MethodPost, "/sdk/analyze/batch", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("Authorization", "Bearer "+key)

	rr := f.do(req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, CodeMissingFile, decodeBody(t, rr)["code"])
}

func TestResultsOwnership(t *testing.T) {
	f := newFixture(t)
	theirs := f.uploadJob(t, "u2", strings.Repeat("ab", 32), models.JobCompleted)

	mine := f.issueKey(t, "u1")
	req := httptest.NewRequest(http.MethodGet, "/sdk/results/"+theirs.ID, nil)
	req.Header.Set("Authorization", "Bearer "+mine)

	rr := f.do(req)
	require.Equal(t, http.StatusNotFound, rr.Code, "foreign jobs must be indistinguishable from missing ones")
	assert.Equal(t, CodeJobNotFound, decodeBody(t, rr)["code"])

	owner := f.issueKey(t, "u2")
	req = httptest.NewRequest(http.MethodGet, "/sdk/results/"+theirs.ID, nil)
	req.Header.Set("Authorization", "Bearer "+owner)

	rr = f.do(req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, theirs.ID, decodeBody(t, rr)["id"])
}

func TestResultsUnknownJob(t *testing.T) {
	f := newFixture(t)
	key := f.issueKey(t, "u1")

	req := httptest.NewRequest(http.MethodGet, "/sdk/results/nope", nil)
	req.Header.Set("Authorization", "Bearer "+key)

	rr := f.do(req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCheckHash(t *testing.T) {
	f := newFixture(t)
	key := f.issueKey(t, "u1")
	hash := strings.Repeat("ab", 32)
	f.uploadJob(t, "u1", hash, models.JobCompleted)

	req := httptest.NewRequest(http.MethodGet, "/sdk/check-hash?hash="+hash, nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rr := f.do(req)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decodeBody(t, rr)
	assert.Equal(t, true, resp["cached"])
	assert.NotNil(t, resp["job"])

	miss := strings.Repeat("cd", 32)
	req = httptest.NewRequest(http.MethodGet, "/sdk/check-hash?hash="+miss, nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rr = f.do(req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decodeBody(t, rr)["cached"])
}

func TestCheckHashRejectsMalformed(t *testing.T) {
	f := newFixture(t)
	key := f.issueKey(t, "u1")

	for _, h := range []string{"", "short", strings.Repeat("A", 64), strings.Repeat("zz", 32)} {
		req := httptest.NewRequest(http.MethodGet, "/sdk/check-hash?hash="+h, nil)
		req.Header.Set("Authorization", "Bearer "+key)
		rr := f.do(req)
		require.Equal(t, http.StatusBadRequest, rr.Code, "hash %q", h)
		assert.Equal(t, CodeInvalidHash, decodeBody(t, rr)["code"])
	}
}

func TestCreditsEnvelope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", 100)
	_, err := f.ledger.DeductUsage(ctx, "u1", 30, "job-1", "", "SDK Binary Analysis")
	require.NoError(t, err)

	key := f.issueKey(t, "u1")
	req := httptest.NewRequest(http.MethodGet, "/sdk/credits", nil)
	req.Header.Set("Authorization", "Bearer "+key)

	rr := f.do(req)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decodeBody(t, rr)
	credits := subMap(t, resp, "credits")
	assert.EqualValues(t, 100, credits["total"])
	assert.EqualValues(t, 30, credits["used"])
	assert.EqualValues(t, 70, credits["remaining"])
	assert.EqualValues(t, 70, credits["percent"])
	assert.Equal(t, string(models.TierTwo), resp["tier"], "unknown users report the standard tier")
}

func TestCreditsReportsUserTier(t *testing.T) {
	f := newFixture(t)
	f.users.Put(&models.User{ID: "vip", Email: "vip@example.com", Tier: models.TierOne, Active: true})
	key := f.issueKey(t, "vip")

	req := httptest.NewRequest(http.MethodGet, "/sdk/credits", nil)
	req.Header.Set("Authorization", "Bearer "+key)

	rr := f.do(req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, string(models.TierOne), decodeBody(t, rr)["tier"])
}

func TestHistoryPagination(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.uploadJob(t, "u1", strings.Repeat("ab", 32), models.JobCompleted)
	}
	f.uploadJob(t, "u2", strings.Repeat("cd", 32), models.JobCompleted)

	req := httptest.NewRequest(http.MethodGet, "/user/analyze?page=1&limit=2", nil)
	req.Header.Set("X-User-ID", "u1")

	rr := f.do(req)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decodeBody(t, rr)
	jobs, ok := resp["jobs"].([]interface{})
	require.True(t, ok)
	assert.Len(t, jobs, 2)

	page := subMap(t, resp, "pagination")
	assert.EqualValues(t, 1, page["page"])
	assert.EqualValues(t, 2, page["limit"])
	assert.EqualValues(t, 3, page["total"], "other owners' jobs never leak into the count")
	assert.EqualValues(t, 2, page["totalPages"])
}

func TestHistoryEmptyIsAnArray(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/user/analyze", nil)
	req.Header.Set("X-User-ID", "nobody")

	rr := f.do(req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"jobs":[]`, "empty history must not serialize as null")
}

func TestValidHash(t *testing.T) {
	good := strings.Repeat("0123456789abcdef", 4)
	assert.True(t, validHash(good))
	assert.False(t, validHash(good[:63]))
	assert.False(t, validHash(good+"0"))
	assert.False(t, validHash(strings.ToUpper(good)))
	assert.False(t, validHash(strings.Repeat("g", 64)))
}
