// Package platform isolates OS-specific file handling: atomic replacement,
// directory syncs and the advisory lock guarding a cache directory.
package platform

import (
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to a temp file next to target, syncs it and
// renames it over target. The parent directory is synced afterwards so the
// rename itself is durable.
func WriteFileAtomic(target string, data []byte) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, ".gamecache-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return SyncDir(dir)
}

// RenameDurable renames from to to and syncs the parent directory.
func RenameDurable(from, to string) error {
	if err := os.Rename(from, to); err != nil {
		return err
	}
	return SyncDir(filepath.Dir(to))
}
