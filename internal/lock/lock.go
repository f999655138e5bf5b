// Package lock provides flock-based cross-process locks and keyed in-process
// mutexes. The queue file's read-modify-write cycle and the server's
// single-instance guarantee both rest on FileLock.
package lock

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// MutexMap hands out one mutex per key, created on demand.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.getMutex(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.getMutex(key).Unlock()
}

func (m *MutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}

// FileLock is an exclusive advisory lock on a path, holding the owner's PID.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock acquires the lock without blocking. Failure usually means another
// server instance owns the queue directory.
func (fl *FileLock) TryLock() error {
	return fl.acquire(syscall.LOCK_EX | syscall.LOCK_NB)
}

// Lock blocks until the lock is acquired.
func (fl *FileLock) Lock() error {
	return fl.acquire(syscall.LOCK_EX)
}

func (fl *FileLock) acquire(how int) error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another server may be running): %w", err)
	}

	if err := writePID(f); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return err
	}

	fl.file = f
	return nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}

	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}

// WithLock runs fn while holding a blocking exclusive lock on path. Used for
// the queue file's atomic read-modify-write from producers and the server.
func WithLock(path string, fn func() error) error {
	fl := NewFileLock(path)
	if err := fl.Lock(); err != nil {
		return err
	}
	defer fl.Unlock()
	return fn()
}
