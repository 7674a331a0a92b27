// Package lockfile guards a database file against concurrent server
// processes with an advisory exclusive lock.
package lockfile

import (
	"fmt"
	"os"
)

// Lock is a held exclusive file lock. The OS releases it on process exit
// even if Release is never called, so a crashed server never wedges the
// next start.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive non-blocking lock on path, creating the file
// if needed. It fails immediately when another process holds the lock.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryLock(f.Fd()); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w (is another tamed using this database?)", path, err)
	}

	// Record the holder's PID for humans inspecting the lock.
	if err := f.Truncate(0); err == nil {
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	}
	return &Lock{path: path, f: f}, nil
}

// Release unlocks, closes, and removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlock(l.f.Fd())
	closeErr := l.f.Close()
	_ = os.Remove(l.path)
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
