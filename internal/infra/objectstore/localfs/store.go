// Package localfs provides an object store backed by a local directory tree,
// for development and single-node deployments. Buckets map to directories and
// keys to file paths beneath them.
package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
)

// Store implements batch.ObjectStore on the local filesystem.
type Store struct {
	root string
}

var _ batch.ObjectStore = (*Store)(nil)

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve object store root: %w", err)
	}
	return &Store{root: abs}, nil
}

// GetObject opens the object for reading. The caller closes the reader.
func (s *Store) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := s.resolve(bucket, key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: object %s/%s not found", batch.ErrMalformedInput, bucket, key)
		}
		return nil, fmt.Errorf("open object %s/%s: %w", bucket, key, err)
	}
	return f, nil
}

// PutObject writes an object atomically: the body lands in a temp file that
// is renamed into place, so readers never observe a partial write.
func (s *Store) PutObject(ctx context.Context, bucket, key string, body io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.resolve(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("write object %s/%s: %w", bucket, key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp object: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("finalize object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// HeadObject reports the object's size without opening it.
func (s *Store) HeadObject(ctx context.Context, bucket, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	path, err := s.resolve(bucket, key)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: object %s/%s not found", batch.ErrMalformedInput, bucket, key)
		}
		return 0, fmt.Errorf("stat object %s/%s: %w", bucket, key, err)
	}
	return info.Size(), nil
}

// resolve maps (bucket, key) to an absolute path confined to the store root.
func (s *Store) resolve(bucket, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", fmt.Errorf("%w: empty bucket or key", batch.ErrMalformedInput)
	}

	path := filepath.Join(s.root, bucket, filepath.FromSlash(key))
	path = filepath.Clean(path)
	if !strings.HasPrefix(path, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: object path escapes store root", batch.ErrMalformedInput)
	}
	return path, nil
}
