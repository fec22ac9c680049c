//go:build windows

package storage

import (
	"os"
	"path/filepath"
	"syscall"
	"unsafe"
)

var (
	modkernel32      = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = modkernel32.NewProc("LockFileEx")
	procUnlockFileEx = modkernel32.NewProc("UnlockFileEx")
)

const (
	lockfileExclusiveLock = 0x00000002
	lockfileFailImmediate = 0x00000001
)

// fileLock is the OS-level advisory lock (LockFileEx) that enforces at
// most one writer per resource directory across process boundaries, one
// level above concurrency.WriteAdmissionLock's in-process SessionLimit.
type fileLock struct {
	file *os.File
}

// lockFile takes an exclusive, non-blocking lock on a sentinel file
// inside the resource directory dir. The sentinel outlives the lock
// (removed on unlock only on a best-effort basis) so a crashed writer's
// stale lock file doesn't itself block recovery; the OS lock, not the
// file's existence, is what another process checks.
func lockFile(dir string) (*fileLock, error) {
	lockPath := filepath.Join(dir, "LOCK")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, newErr("lockFile", KindIO, err)
	}

	ol := new(syscall.Overlapped)
	r1, _, _ := procLockFileEx.Call(
		f.Fd(),
		uintptr(lockfileExclusiveLock|lockfileFailImmediate),
		0,
		1, 0,
		uintptr(unsafe.Pointer(ol)),
	)
	if r1 == 0 {
		f.Close()
		return nil, newErr("lockFile", KindSessionLimit, ErrSessionLimit)
	}

	return &fileLock{file: f}, nil
}

// unlock releases the lock and removes the sentinel file.
func (fl *fileLock) unlock() error {
	if fl.file == nil {
		return nil
	}
	ol := new(syscall.Overlapped)
	procUnlockFileEx.Call(
		fl.file.Fd(),
		0,
		1, 0,
		uintptr(unsafe.Pointer(ol)),
	)
	name := fl.file.Name()
	err := fl.file.Close()
	os.Remove(name)
	if err != nil {
		return newErr("unlock", KindIO, err)
	}
	return nil
}
