package blobstore

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	storage_go "github.com/supabase-community/storage-go"

	"github.com/deepbin/backend/internal/alerts"
	"github.com/deepbin/backend/internal/config"
)

// SupabaseStore keeps artifacts in a Supabase Storage bucket.
type SupabaseStore struct {
	client  *storage_go.Client
	bucket  string
	maxSize int64
	alerts  *alerts.Recorder
	logger  *log.Logger
}

var _ Store = (*SupabaseStore)(nil)

// NewSupabaseStore connects to the project's storage API. rec may be nil.
func NewSupabaseStore(cfg config.BlobConfig, rec *alerts.Recorder) *SupabaseStore {
	base := strings.TrimRight(cfg.SupabaseURL, "/") + "/storage/v1"
	return &SupabaseStore{
		client:  storage_go.NewClient(base, cfg.SupabaseKey, nil),
		bucket:  cfg.Bucket,
		maxSize: cfg.MaxSizeBytes(),
		alerts:  rec,
		logger:  log.New(log.Writer(), "[BlobStore] ", log.LstdFlags),
	}
}

func (s *SupabaseStore) Put(ctx context.Context, owner, filename string, r io.Reader, size int64) (string, string, string, error) {
	if s.maxSize > 0 && size > s.maxSize {
		return "", "", "", fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, size, s.maxSize)
	}

	handle := newHandle(filename)
	hr := newHashingReader(r, s.maxSize)
	contentType := "application/octet-stream"

	_, err := s.client.UploadFile(s.bucket, handle, hr, storage_go.FileOptions{ContentType: &contentType})
	if err != nil {
		if hr.exceeded {
			return "", "", "", fmt.Errorf("%w: stream exceeded %d bytes", ErrTooLarge, s.maxSize)
		}
		return "", "", "", s.classify("upload", err)
	}

	s.logger.Printf("📤 Uploaded %s (%d bytes, owner=%s)", handle, hr.n, owner)
	return handle, s.urlHint(handle), hr.digest(), nil
}

func (s *SupabaseStore) Get(ctx context.Context, handle string) ([]byte, error) {
	var data []byte
	err := retryTransient(ctx, func() error {
		b, err := s.client.DownloadFile(s.bucket, handle)
		if err != nil {
			return s.classify("download", err)
		}
		if s.maxSize > 0 && int64(len(b)) > s.maxSize {
			return fmt.Errorf("%w: object is %d bytes", ErrTooLarge, len(b))
		}
		data = b
		return nil
	})
	return data, err
}

func (s *SupabaseStore) GetToTempFile(ctx context.Context, handle, name string) (string, error) {
	return getToTempFile(ctx, s, handle, name)
}

func (s *SupabaseStore) Delete(ctx context.Context, handle string) error {
	_, err := s.client.RemoveFile(s.bucket, []string{handle})
	if err != nil {
		err = s.classify("delete", err)
		if strings.Contains(err.Error(), ErrNotFound.Error()) {
			return nil
		}
		return err
	}
	return nil
}

func (s *SupabaseStore) ListOlderThan(ctx context.Context, age time.Duration, prefix string) ([]string, error) {
	cutoff := time.Now().Add(-age)
	folder := strings.TrimSuffix(prefix, "/")

	const pageSize = 100
	var out []string
	for offset := 0; ; offset += pageSize {
		var files []storage_go.FileObject
		err := retryTransient(ctx, func() error {
			fs, err := s.client.ListFiles(s.bucket, folder, storage_go.FileSearchOptions{
				Limit:         pageSize,
				Offset:        offset,
				SortByOptions: storage_go.SortBy{Column: "created_at", Order: "asc"},
			})
			if err != nil {
				return s.classify("list", err)
			}
			files = fs
			return nil
		})
		if err != nil {
			return out, err
		}

		for _, f := range files {
			created, perr := time.Parse(time.RFC3339, f.CreatedAt)
			if perr != nil || !created.Before(cutoff) {
				continue
			}
			out = append(out, folder+"/"+f.Name)
		}
		if len(files) < pageSize {
			return out, nil
		}
	}
}

func (s *SupabaseStore) urlHint(handle string) string {
	return s.client.GetPublicUrl(s.bucket, handle).SignedURL
}

// classify maps storage API failures onto the package sentinels. Auth and
// quota failures are recorded on the operator alert log.
func (s *SupabaseStore) classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not_found"), strings.Contains(msg, "not found"), strings.Contains(msg, "404"):
		return fmt.Errorf("%w: %v", ErrNotFound, err)

	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid signature"),
		strings.Contains(msg, "jwt"), strings.Contains(msg, "403"), strings.Contains(msg, "401"):
		if s.alerts != nil {
			s.alerts.Record(alerts.KindBlobAuth, err.Error(), op, alerts.SeverityCritical)
		}
		s.logger.Printf("❌ Storage auth failure on %s: %v", op, err)
		return fmt.Errorf("%w: %v", ErrAuth, err)

	case strings.Contains(msg, "quota"), strings.Contains(msg, "insufficient storage"), strings.Contains(msg, "507"):
		if s.alerts != nil {
			s.alerts.Record(alerts.KindBlobQuota, err.Error(), op, alerts.SeverityHigh)
		}
		s.logger.Printf("🚨 Storage quota exceeded on %s: %v", op, err)
		return fmt.Errorf("%w: %v", ErrQuota, err)

	case strings.Contains(msg, "payload too large"), strings.Contains(msg, "entity too large"), strings.Contains(msg, "413"):
		return fmt.Errorf("%w: %v", ErrTooLarge, err)
	}
	return fmt.Errorf("blobstore: %s: %w", op, err)
}
