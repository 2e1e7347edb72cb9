//go:build !unix

package platform

import (
	"errors"
	"os"
)

// ErrLocked is returned when another process holds the cache directory lock.
var ErrLocked = errors.New("cache directory is locked by another process")

// Lock holds the lock file open. Without flock the lock is advisory only
// within this process.
type Lock struct {
	f *os.File
}

// AcquireLock opens path as the lock file.
func AcquireLock(path string, _ bool) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644) //nolint:gosec // path is derived from the cache directory
	if err != nil {
		return nil, err
	}
	return &Lock{f: f}, nil
}

// Release closes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// SyncDir is a no-op where directories cannot be synced.
func SyncDir(string) error {
	return nil
}
