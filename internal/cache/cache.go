// Package cache stores raw repository metadata on disk, keyed by the
// host-and-path key produced by client.RelativePath.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrMissing is returned when a key has never been stored.
var ErrMissing = errors.New("cache entry missing")

// StorageError wraps a filesystem failure with the operation and path that
// produced it.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Info describes a cached entry.
type Info struct {
	Key     string
	Path    string
	Size    int64
	ModTime time.Time
}

// Cache is a durable byte store.
type Cache interface {
	Store(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Stat(ctx context.Context, key string) (Info, error)
	SetModTime(ctx context.Context, key string, t time.Time) error
	Path(key string) (string, error)
}

// FS is a Cache rooted at a directory. Writes are atomic: readers see either
// the previous content or the new content, never a partial file.
type FS struct {
	root string
}

// NewFS returns a filesystem cache under root. The directory is created on
// first write.
func NewFS(root string) *FS {
	return &FS{root: root}
}

// Root returns the cache root directory.
func (c *FS) Root() string {
	return c.root
}

// Path resolves key to its location on disk. Keys that would escape the root
// are rejected.
func (c *FS) Path(key string) (string, error) {
	rel := filepath.FromSlash(key)
	if key == "" || !filepath.IsLocal(rel) {
		return "", &StorageError{Op: "resolve", Path: key, Err: fs.ErrInvalid}
	}
	return filepath.Join(c.root, rel), nil
}

// Store writes data under key, replacing any previous content.
func (c *FS) Store(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := c.Path(key)
	if err != nil {
		return err
	}
	if err := writeAtomic(dest, data); err != nil {
		return &StorageError{Op: "store", Path: dest, Err: err}
	}
	return nil
}

// Load returns the bytes stored under key, or ErrMissing.
func (c *FS) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := c.Path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, key)
		}
		return nil, &StorageError{Op: "load", Path: src, Err: err}
	}
	return data, nil
}

// Stat reports size and modification time for key, or ErrMissing.
func (c *FS) Stat(ctx context.Context, key string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	p, err := c.Path(key)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, fmt.Errorf("%w: %s", ErrMissing, key)
		}
		return Info{}, &StorageError{Op: "stat", Path: p, Err: err}
	}
	if fi.IsDir() {
		return Info{}, &StorageError{Op: "stat", Path: p, Err: errors.New("is a directory")}
	}
	return Info{Key: key, Path: p, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// SetModTime sets the access and modification time of key to t, so a later
// conditional request can use the upstream Last-Modified value.
func (c *FS) SetModTime(ctx context.Context, key string, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := c.Path(key)
	if err != nil {
		return err
	}
	if err := os.Chtimes(p, t, t); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMissing, key)
		}
		return &StorageError{Op: "chtimes", Path: p, Err: err}
	}
	return nil
}

func writeAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}
