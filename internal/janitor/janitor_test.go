package janitor

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepbin/backend/internal/blobstore"
	"github.com/deepbin/backend/internal/config"
	"github.com/deepbin/backend/internal/jobstore"
	"github.com/deepbin/backend/internal/models"
	"github.com/deepbin/backend/internal/otp"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in        string
		hour, min int
		wantErr   bool
	}{
		{"", 2, 0, false},
		{"02:00", 2, 0, false},
		{"23:59", 23, 59, false},
		{"0:5", 0, 5, false},
		{"2", 0, 0, true},
		{"25:00", 0, 0, true},
		{"02:xx", 0, 0, true},
		{"-1:30", 0, 0, true},
	}

	for _, tt := range tests {
		hour, min, err := parseSchedule(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "schedule %q", tt.in)
			continue
		}
		require.NoError(t, err, "schedule %q", tt.in)
		assert.Equal(t, tt.hour, hour)
		assert.Equal(t, tt.min, min)
	}
}

func TestNextRun(t *testing.T) {
	base := time.Date(2025, 6, 1, 1, 0, 0, 0, time.UTC)

	next := nextRun(base, 2, 0)
	assert.Equal(t, time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC), next)

	// Exactly on the mark waits for tomorrow.
	next = nextRun(time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC), 2, 0)
	assert.Equal(t, time.Date(2025, 6, 2, 2, 0, 0, 0, time.UTC), next)

	next = nextRun(time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC), 2, 0)
	assert.Equal(t, time.Date(2025, 6, 2, 2, 0, 0, 0, time.UTC), next)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	blobs, err := blobstore.NewFSStore(t.TempDir(), 1<<20)
	require.NoError(t, err)

	_, err = New(blobs, jobstore.NewMemoryStore(), nil, config.JanitorConfig{Schedule: "nope"})
	assert.Error(t, err)
}

// ageFiles pushes every file under root into the past so retention windows
// in the test can be tiny.
func ageFiles(t *testing.T, root string, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		return os.Chtimes(path, old, old)
	})
	require.NoError(t, err)
}

func newTestJanitor(t *testing.T) (*Janitor, string, *jobstore.MemoryStore, *otp.MemoryStore) {
	t.Helper()
	root := t.TempDir()

	blobs, err := blobstore.NewFSStore(root, 1<<20)
	require.NoError(t, err)

	jobs := jobstore.NewMemoryStore()
	otpStore := otp.NewMemoryStore()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	j := &Janitor{
		blobs:         blobs,
		jobs:          jobs,
		otps:          otp.NewService(otpStore),
		blobRetention: time.Millisecond,
		jobRetention:  time.Millisecond,
		hour:          2,
		baseCtx:       ctx,
		cancel:        cancel,
		logger:        log.New(log.Writer(), "[Janitor] ", log.LstdFlags),
	}
	return j, root, jobs, otpStore
}

func TestRunOnceSweeps(t *testing.T) {
	j, root, jobs, otpStore := newTestJanitor(t)
	ctx := context.Background()

	_, _, _, err := j.blobs.Put(ctx, "u1", "a.bin", strings.NewReader("aaa"), 3)
	require.NoError(t, err)
	_, _, _, err = j.blobs.Put(ctx, "u1", "b.bin", strings.NewReader("bbb"), 3)
	require.NoError(t, err)
	ageFiles(t, root, time.Hour)

	done := &models.Job{
		ID: models.NewID(), Owner: "u1", Filename: "a.bin", SizeBytes: 3,
		Hash: "h1", Tier: models.TierTwo, Priority: 2, Source: models.SourceSDK,
		Status: models.JobQueued, QueuedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, jobs.Insert(ctx, done))
	require.NoError(t, jobs.UpdateStatus(ctx, done.ID, models.JobProcessing, nil))
	require.NoError(t, jobs.UpdateStatus(ctx, done.ID, models.JobCompleted, nil))

	fresh := &models.Job{
		ID: models.NewID(), Owner: "u1", Filename: "b.bin", SizeBytes: 3,
		Hash: "h2", Tier: models.TierTwo, Priority: 2, Source: models.SourceSDK,
		Status: models.JobQueued, QueuedAt: time.Now(),
	}
	require.NoError(t, jobs.Insert(ctx, fresh))

	require.NoError(t, otpStore.Insert(ctx, &models.OTP{
		ID: models.NewID(), Owner: "u1", Code: "123456", Purpose: "login",
		ExpiresAt: time.Now().Add(-time.Hour), CreatedAt: time.Now().Add(-2 * time.Hour),
	}))

	time.Sleep(5 * time.Millisecond)

	report, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.BlobsDeleted)
	assert.Equal(t, 1, report.JobsDeleted)
	assert.Equal(t, 1, report.OTPsDeleted)

	handles, err := j.blobs.ListOlderThan(ctx, 0, blobstore.HandlePrefix)
	require.NoError(t, err)
	assert.Empty(t, handles)

	_, err = jobs.Get(ctx, done.ID)
	assert.ErrorIs(t, err, jobstore.ErrNotFound, "terminal rows past retention are pruned")
	_, err = jobs.Get(ctx, fresh.ID)
	assert.NoError(t, err, "live rows survive")
}

func TestRunOnceIsGuarded(t *testing.T) {
	j, _, _, _ := newTestJanitor(t)

	j.running.Store(true)
	_, err := j.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.False(t, j.TriggerNow(), "manual trigger also respects the guard")

	j.running.Store(false)
	_, err = j.RunOnce(context.Background())
	assert.NoError(t, err)
}

func TestTriggerNowSweepsInBackground(t *testing.T) {
	j, root, _, _ := newTestJanitor(t)
	ctx := context.Background()

	_, _, _, err := j.blobs.Put(ctx, "u1", "old.bin", strings.NewReader("zzz"), 3)
	require.NoError(t, err)
	ageFiles(t, root, time.Hour)

	require.True(t, j.TriggerNow())

	assert.Eventually(t, func() bool {
		handles, err := j.blobs.ListOlderThan(ctx, 0, blobstore.HandlePrefix)
		return err == nil && len(handles) == 0
	}, time.Second, 10*time.Millisecond)
}
