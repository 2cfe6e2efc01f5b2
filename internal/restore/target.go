package restore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Target performs the filesystem steps of a staged restore. Staging and
// preserved directories are siblings of the live path so every move is a
// same-filesystem rename.
type Target interface {
	// Stage creates an empty staging directory for restoring into path.
	Stage(ctx context.Context, path, id string) (string, error)
	// Preserve moves the live path aside. existed is false when there was
	// nothing to preserve.
	Preserve(path, id string) (saved string, existed bool, err error)
	// Promote moves the staged tree into place.
	Promote(staged, path string) error
	// Rollback puts the preserved tree back at path.
	Rollback(saved, path string, existed bool) error
	// Discard removes leftover staging or preserved trees.
	Discard(paths ...string) error
}

// DirTarget restores into directories on the local filesystem.
type DirTarget struct{}

func siblings(path, id string) (stage, saved string) {
	dir, base := filepath.Split(filepath.Clean(path))
	return filepath.Join(dir, "."+base+".stage-"+id), filepath.Join(dir, "."+base+".bak-"+id)
}

func (DirTarget) Stage(ctx context.Context, path, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	stage, _ := siblings(path, id)
	if err := os.MkdirAll(filepath.Dir(stage), 0o755); err != nil {
		return "", fmt.Errorf("restore: create parent of %s: %w", path, err)
	}
	if err := os.RemoveAll(stage); err != nil {
		return "", fmt.Errorf("restore: clear stale staging dir: %w", err)
	}
	if err := os.Mkdir(stage, 0o755); err != nil {
		return "", fmt.Errorf("restore: create staging dir: %w", err)
	}
	return stage, nil
}

func (DirTarget) Preserve(path, id string) (string, bool, error) {
	_, saved := siblings(path, id)
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return saved, false, nil
		}
		return "", false, fmt.Errorf("restore: stat %s: %w", path, err)
	}
	if err := os.RemoveAll(saved); err != nil {
		return "", false, fmt.Errorf("restore: clear stale backup dir: %w", err)
	}
	if err := os.Rename(path, saved); err != nil {
		return "", false, fmt.Errorf("restore: move live tree aside: %w", err)
	}
	return saved, true, nil
}

func (DirTarget) Promote(staged, path string) error {
	if err := os.Rename(staged, path); err != nil {
		return fmt.Errorf("restore: promote staged tree: %w", err)
	}
	return nil
}

func (DirTarget) Rollback(saved, path string, existed bool) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("restore: remove partial tree: %w", err)
	}
	if !existed {
		return nil
	}
	if err := os.Rename(saved, path); err != nil {
		return fmt.Errorf("restore: reinstate live tree: %w", err)
	}
	return nil
}

func (DirTarget) Discard(paths ...string) error {
	var errList []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}
