package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// WriteAtomic persists data under path so that a crash at any point
// leaves either the complete file or nothing with that name: the data
// goes to a temp file in the same directory, is synced, and is then
// renamed into place.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to commit %s: %w", filepath.Base(path), err)
	}
	return nil
}

// IsDiskFull reports whether the error means the filesystem is out of
// space. Once that happens every later write will fail too, so the run
// should stop instead of grinding through the rest of the catalog.
func IsDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
