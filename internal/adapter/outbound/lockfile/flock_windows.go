//go:build windows

package lockfile

import "golang.org/x/sys/windows"

// tryLock acquires an exclusive lock without blocking on Windows.
// LOCKFILE_FAIL_IMMEDIATELY matches the Unix LOCK_NB behavior.
func tryLock(fd uintptr) error {
	var ol windows.Overlapped
	return windows.LockFileEx(windows.Handle(fd),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &ol)
}

// unlock releases the file lock on Windows.
func unlock(fd uintptr) error {
	var ol windows.Overlapped
	return windows.UnlockFileEx(windows.Handle(fd), 0, 1, 0, &ol)
}
