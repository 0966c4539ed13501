package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepbin/backend/internal/models"
	"github.com/deepbin/backend/internal/pricing"
)

func testJob(owner, hash string) *models.Job {
	return &models.Job{
		ID:         models.NewID(),
		Owner:      owner,
		Filename:   "sample.bin",
		SizeBytes:  2048,
		Hash:       hash,
		BlobHandle: "binaries/" + models.NewID() + "_sample.bin",
		Tier:       models.TierOne,
		Priority:   1,
		Source:     models.SourceSDK,
		Status:     models.JobQueued,
		QueuedAt:   time.Now(),
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	job := testJob("user-1", "aabb")
	require.NoError(t, s.Insert(ctx, job))

	require.NoError(t, s.UpdateStatus(ctx, job.ID, models.JobProcessing, nil))
	require.NoError(t, s.UpdateProgress(ctx, job.ID, 40))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status)
	assert.Equal(t, 40, got.Progress)
	require.NotNil(t, got.StartedAt)

	results := &models.Result{
		FileInfo: models.FileInfo{FileType: "ELF", SizeBytes: 2048, SHA256: "aabb"},
		Vulnerabilities: models.VulnerabilityAssessment{
			Severity: models.SeverityNone,
		},
	}
	require.NoError(t, s.AttachResults(ctx, job.ID, results))
	require.NoError(t, s.SetCreditCharge(ctx, job.ID, 2, pricing.Price(2048, 3), 3.1))
	require.NoError(t, s.UpdateStatus(ctx, job.ID, models.JobCompleted, nil))

	got, err = s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 2, got.CreditsCharged)
	assert.InDelta(t, 3.1, got.ProcessingSeconds, 0.001)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Results)
	assert.True(t, got.Charged())
}

func TestTerminalRowsAreImmutable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	job := testJob("user-1", "ccdd")
	require.NoError(t, s.Insert(ctx, job))
	require.NoError(t, s.UpdateStatus(ctx, job.ID, models.JobFailed, &models.JobError{
		Message: "analyzer rejected file",
		Code:    "ANALYZER_ERROR",
	}))

	assert.ErrorIs(t, s.UpdateStatus(ctx, job.ID, models.JobProcessing, nil), ErrTerminal)
	assert.ErrorIs(t, s.UpdateProgress(ctx, job.ID, 50), ErrTerminal)
	assert.ErrorIs(t, s.AttachResults(ctx, job.ID, &models.Result{}), ErrTerminal)
	assert.ErrorIs(t, s.SetCreditCharge(ctx, job.ID, 5, pricing.Breakdown{}, 1), ErrTerminal)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "analyzer rejected file", got.Error.Message)
}

func TestFindByOwnerAndHash(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.FindByOwnerAndHash(ctx, "user-1", "feed")
	assert.ErrorIs(t, err, ErrNotFound)

	// A queued job with the right hash is not a cache hit.
	queued := testJob("user-1", "feed")
	require.NoError(t, s.Insert(ctx, queued))
	_, err = s.FindByOwnerAndHash(ctx, "user-1", "feed")
	assert.ErrorIs(t, err, ErrNotFound)

	first := testJob("user-1", "feed")
	require.NoError(t, s.Insert(ctx, first))
	require.NoError(t, s.UpdateStatus(ctx, first.ID, models.JobCompleted, nil))

	time.Sleep(5 * time.Millisecond)

	second := testJob("user-1", "feed")
	require.NoError(t, s.Insert(ctx, second))
	require.NoError(t, s.UpdateStatus(ctx, second.ID, models.JobCompleted, nil))

	got, err := s.FindByOwnerAndHash(ctx, "user-1", "feed")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID, "latest completed job wins")

	// Other owners never see it.
	_, err = s.FindByOwnerAndHash(ctx, "user-2", "feed")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListByOwnerPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 25; i++ {
		job := testJob("user-1", "h")
		job.QueuedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Insert(ctx, job))
	}
	require.NoError(t, s.Insert(ctx, testJob("user-2", "h")))

	page1, total, err := s.ListByOwner(ctx, "user-1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	require.Len(t, page1, 10)

	// Newest first.
	assert.True(t, page1[0].QueuedAt.After(page1[9].QueuedAt))

	page3, _, err := s.ListByOwner(ctx, "user-1", 3, 10)
	require.NoError(t, err)
	assert.Len(t, page3, 5)

	empty, _, err := s.ListByOwner(ctx, "user-1", 4, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDeleteTerminalOlderThan(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	oldJob := testJob("user-1", "h1")
	require.NoError(t, s.Insert(ctx, oldJob))
	require.NoError(t, s.UpdateStatus(ctx, oldJob.ID, models.JobCompleted, nil))

	// Backdate the completion.
	s.mu.Lock()
	past := time.Now().Add(-8 * 24 * time.Hour)
	s.jobs[oldJob.ID].CompletedAt = &past
	s.mu.Unlock()

	freshJob := testJob("user-1", "h2")
	require.NoError(t, s.Insert(ctx, freshJob))
	require.NoError(t, s.UpdateStatus(ctx, freshJob.ID, models.JobCompleted, nil))

	running := testJob("user-1", "h3")
	require.NoError(t, s.Insert(ctx, running))

	n, err := s.DeleteTerminalOlderThan(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, oldJob.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, freshJob.ID)
	assert.NoError(t, err)
	_, err = s.Get(ctx, running.ID)
	assert.NoError(t, err)
}
