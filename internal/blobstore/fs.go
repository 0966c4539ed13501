package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"
)

// FSStore keeps artifacts under a local directory, mirroring the bucket
// layout. Development and test backend.
type FSStore struct {
	root    string
	maxSize int64
	logger  *log.Logger
}

var _ Store = (*FSStore)(nil)

func NewFSStore(root string, maxSize int64) (*FSStore, error) {
	if root == "" {
		root = "./data/blobs"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	return &FSStore{
		root:    root,
		maxSize: maxSize,
		logger:  log.New(log.Writer(), "[BlobStore] ", log.LstdFlags),
	}, nil
}

func (s *FSStore) path(handle string) string {
	return filepath.Join(s.root, filepath.FromSlash(handle))
}

func (s *FSStore) Put(ctx context.Context, owner, filename string, r io.Reader, size int64) (string, string, string, error) {
	if s.maxSize > 0 && size > s.maxSize {
		return "", "", "", fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, size, s.maxSize)
	}

	handle := newHandle(filename)
	dst := s.path(handle)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", "", "", fmt.Errorf("blobstore: prepare dir: %w", err)
	}

	f, err := os.Create(dst)
	if err != nil {
		return "", "", "", fmt.Errorf("blobstore: create object: %w", err)
	}

	hr := newHashingReader(r, s.maxSize)
	if _, err := io.Copy(f, hr); err != nil {
		f.Close()
		os.Remove(dst)
		if hr.exceeded {
			return "", "", "", fmt.Errorf("%w: stream exceeded %d bytes", ErrTooLarge, s.maxSize)
		}
		return "", "", "", fmt.Errorf("blobstore: write object: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dst)
		return "", "", "", fmt.Errorf("blobstore: close object: %w", err)
	}

	return handle, "file://" + dst, hr.digest(), nil
}

func (s *FSStore) Get(ctx context.Context, handle string) ([]byte, error) {
	p := s.path(handle)

	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
		}
		return nil, fmt.Errorf("blobstore: stat object: %w", err)
	}
	if s.maxSize > 0 && info.Size() > s.maxSize {
		return nil, fmt.Errorf("%w: object is %d bytes", ErrTooLarge, info.Size())
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read object: %w", err)
	}
	return data, nil
}

func (s *FSStore) GetToTempFile(ctx context.Context, handle, name string) (string, error) {
	return getToTempFile(ctx, s, handle, name)
}

func (s *FSStore) Delete(ctx context.Context, handle string) error {
	err := os.Remove(s.path(handle))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blobstore: delete object: %w", err)
	}
	return nil
}

func (s *FSStore) ListOlderThan(ctx context.Context, age time.Duration, prefix string) ([]string, error) {
	cutoff := time.Now().Add(-age)
	base := s.path(prefix)

	var out []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			rel, rerr := filepath.Rel(s.root, p)
			if rerr != nil {
				return nil
			}
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("blobstore: list objects: %w", err)
	}
	return out, nil
}
