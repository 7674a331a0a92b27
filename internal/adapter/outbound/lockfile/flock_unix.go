//go:build !windows

package lockfile

import "syscall"

// tryLock acquires an exclusive lock without blocking. EWOULDBLOCK means
// another process holds it.
func tryLock(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_EX|syscall.LOCK_NB)
}

// unlock releases the file lock.
func unlock(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_UN)
}
