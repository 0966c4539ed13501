// Package blobstore persists uploaded binaries to an external object store
// and hands them back to workers. Handles are opaque object paths under
// "binaries/"; the SHA-256 digest of every upload is computed in transit so
// ingestion can dedup without re-reading the artifact.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deepbin/backend/internal/alerts"
	"github.com/deepbin/backend/internal/config"
)

// HandlePrefix is where artifacts live inside the bucket. The janitor sweeps
// only under this prefix.
const HandlePrefix = "binaries/"

var (
	// ErrTooLarge rejects uploads and downloads over the configured cap.
	ErrTooLarge = errors.New("blobstore: artifact too large")

	// ErrNotFound reports a handle with no object behind it.
	ErrNotFound = errors.New("blobstore: object not found")

	// ErrQuota means the bucket is full. Fatal, never retried.
	ErrQuota = errors.New("blobstore: storage quota exceeded")

	// ErrAuth means the store rejected our credentials. Fatal, never retried.
	ErrAuth = errors.New("blobstore: storage auth rejected")
)

// Store is the object-store adapter used by ingestion, the worker, and the
// janitor.
type Store interface {
	// Put streams r into the store and returns the new handle, a URL hint
	// for operators, and the SHA-256 hex digest of the bytes written.
	// Repeated puts of the same content yield distinct handles.
	Put(ctx context.Context, owner, filename string, r io.Reader, size int64) (handle, urlHint, digest string, err error)

	// Get returns the full object. Transient failures are retried.
	Get(ctx context.Context, handle string) ([]byte, error)

	// GetToTempFile downloads the object into a temp file and returns its
	// path. The caller owns the file.
	GetToTempFile(ctx context.Context, handle, name string) (string, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, handle string) error

	// ListOlderThan returns handles under prefix whose objects are older
	// than age. Paged internally.
	ListOlderThan(ctx context.Context, age time.Duration, prefix string) ([]string, error)
}

// NewStore selects a backend from config.
func NewStore(cfg config.BlobConfig, rec *alerts.Recorder) (Store, error) {
	switch cfg.Backend {
	case "supabase":
		if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
			return nil, fmt.Errorf("blobstore: supabase configuration incomplete")
		}
		return NewSupabaseStore(cfg, rec), nil

	case "fs", "":
		return NewFSStore(cfg.FSRoot, cfg.MaxSizeBytes())

	default:
		return nil, fmt.Errorf("blobstore: unknown backend %q", cfg.Backend)
	}
}

// Retry policy for transient store failures.
var (
	retryAttempts = 3
	retryBase     = time.Second
	retryCap      = 8 * time.Second
)

// retryTransient runs fn up to retryAttempts times with doubling backoff.
// Fatal classifications (not-found, auth, quota, size) return immediately.
func retryTransient(ctx context.Context, fn func() error) error {
	backoff := retryBase
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !transient(err) || attempt == retryAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > retryCap {
			backoff = retryCap
		}
	}
}

func transient(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAuth),
		errors.Is(err, ErrQuota), errors.Is(err, ErrTooLarge):
		return false
	}
	return true
}

// newHandle builds the object path for one upload. Handles are flat under
// the prefix so a single-level listing covers them all.
func newHandle(filename string) string {
	return HandlePrefix + uuid.NewString() + "_" + sanitizeName(filename)
}

func sanitizeName(name string) string {
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	if name == "" || name == "." || name == ".." {
		name = "artifact.bin"
	}
	return name
}

// hashingReader tees the upload into SHA-256 and enforces the size cap in
// transit, whatever the declared size said.
type hashingReader struct {
	r        io.Reader
	h        hash.Hash
	n        int64
	max      int64
	exceeded bool
}

func newHashingReader(r io.Reader, max int64) *hashingReader {
	return &hashingReader{r: r, h: sha256.New(), max: max}
}

func (hr *hashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
		if hr.max > 0 && hr.n > hr.max {
			hr.exceeded = true
			return n, ErrTooLarge
		}
	}
	return n, err
}

func (hr *hashingReader) digest() string {
	return hex.EncodeToString(hr.h.Sum(nil))
}

// getToTempFile is the shared GetToTempFile implementation.
func getToTempFile(ctx context.Context, s Store, handle, name string) (string, error) {
	data, err := s.Get(ctx, handle)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp("", "analysis_*_"+sanitizeName(name))
	if err != nil {
		return "", fmt.Errorf("blobstore: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("blobstore: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("blobstore: close temp file: %w", err)
	}
	return f.Name(), nil
}
