// Package artifact captures, stores and retrieves backup artifacts.
//
// A Store turns a Source (the data being protected) into an artifact on a
// Backend (local disk or S3). Full artifacts are gzip-compressed tarballs,
// snapshots are zstd-compressed tarballs, and incremental artifacts are
// manifests of content-defined chunks so that unchanged data is uploaded
// only once. Every artifact is self-contained on Fetch.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
)

// Backend defines the interface for artifact object storage.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any existing object.
	Write(ctx context.Context, key string, data []byte) error

	// Read retrieves the object at key. A missing object is ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object at key. Deleting a missing object succeeds.
	Delete(ctx context.Context, key string) error

	// List returns all keys under the given prefix, sorted alphabetically.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks whether an object exists at key.
	Exists(ctx context.Context, key string) (bool, error)
}

// LocalBackend implements Backend on the local filesystem.
// All keys are resolved relative to the configured root directory.
type LocalBackend struct {
	rootDir string
	mu      sync.RWMutex
}

// NewLocalBackend creates a LocalBackend rooted at rootDir, creating the
// directory if needed.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to resolve root directory %q: %w", rootDir, err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("storage: failed to create root directory %q: %w", absRoot, err)
	}
	return &LocalBackend{rootDir: absRoot}, nil
}

// resolvePath joins the root directory with key and rejects keys that
// would escape it.
func (s *LocalBackend) resolvePath(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", errs.Validation("storage: invalid key %q: must be relative and not escape root", key)
	}

	fullPath := filepath.Join(s.rootDir, cleaned)
	if fullPath != s.rootDir && !strings.HasPrefix(fullPath, s.rootDir+string(filepath.Separator)) {
		return "", errs.Validation("storage: key %q resolves outside root directory", key)
	}
	return fullPath, nil
}

// Write stores data atomically: it writes a temp file and renames it over
// the destination.
func (s *LocalBackend) Write(ctx context.Context, key string, data []byte) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := s.resolvePath(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: failed to create directory %q: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, ".phoenix-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	_, writeErr := io.Copy(tmpFile, bytes.NewReader(data))
	if writeErr == nil {
		writeErr = tmpFile.Sync()
	}
	closeErr := tmpFile.Close()
	if writeErr != nil {
		return fmt.Errorf("storage: failed to write %q: %w", key, writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("storage: failed to close temp file: %w", closeErr)
	}

	if err = os.Rename(tmpPath, fullPath); err != nil {
		return fmt.Errorf("storage: failed to rename temp file: %w", err)
	}
	return nil
}

// Read returns the object stored at key.
func (s *LocalBackend) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullPath, err := s.resolvePath(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("storage: object %q", key)
		}
		return nil, fmt.Errorf("storage: failed to read %q: %w", key, err)
	}
	return data, nil
}

// Delete removes the object at key.
func (s *LocalBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := s.resolvePath(key)
	if err != nil {
		return err
	}
	if fullPath == s.rootDir {
		return errs.Validation("storage: refusing to delete the storage root")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(fullPath); err != nil {
		return fmt.Errorf("storage: failed to delete %q: %w", key, err)
	}
	return nil
}

// List returns all object keys under prefix using forward slashes.
func (s *LocalBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullPrefix, err := s.resolvePath(prefix)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	err = filepath.WalkDir(fullPrefix, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return filepath.SkipAll
			}
			return walkErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".phoenix-tmp-") {
			return nil
		}
		rel, relErr := filepath.Rel(s.rootDir, path)
		if relErr != nil {
			return relErr
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list prefix %q: %w", prefix, err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Exists checks whether an object exists at key.
func (s *LocalBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	fullPath, err := s.resolvePath(key)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage: failed to stat %q: %w", key, err)
	}
	return true, nil
}
