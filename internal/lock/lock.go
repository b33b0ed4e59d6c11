// Package lock implements PID-stamped lock files.
//
// The supervisor holds one to guarantee a single instance per machine, and
// reads the worker's own lock file to learn its PID. A lock whose PID is no
// longer alive is stale and may be reclaimed.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrHeld is returned by Acquire when a live process already owns the lock.
var ErrHeld = errors.New("lock held by a live process")

// Info is the on-disk content of a lock file.
type Info struct {
	PID       int   `json:"pid"`
	Timestamp int64 `json:"timestamp"` // Unix milliseconds
}

// File is an acquired lock.
type File struct {
	path string
	pid  int
}

// Acquire writes a lock stamped with the current PID. An existing lock is
// reclaimed when its PID is dead, unreadable, or our own.
func Acquire(path string) (*File, error) {
	self := os.Getpid()

	if info, err := Read(path); err == nil {
		if info.PID != self && PIDAlive(info.PID) {
			return nil, fmt.Errorf("%w: pid %d (%s)", ErrHeld, info.PID, path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	b, _ := json.Marshal(Info{PID: self, Timestamp: time.Now().UnixMilli()})
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return nil, fmt.Errorf("write lock: %w", err)
	}
	return &File{path: path, pid: self}, nil
}

// Release removes the lock if it still carries our PID.
func (f *File) Release() error {
	if f == nil {
		return nil
	}
	info, err := Read(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.PID != f.pid {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Read parses a lock file.
func Read(path string) (Info, error) {
	var info Info
	b, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(b, &info); err != nil {
		return info, fmt.Errorf("decode lock %s: %w", path, err)
	}
	return info, nil
}

// RemoveStale deletes the lock at path when its owner is gone. It reports
// whether a file was removed. A missing file is not an error.
func RemoveStale(path string) (bool, error) {
	info, err := Read(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err == nil && PIDAlive(info.PID) {
		return false, nil
	}
	// Unreadable or dead-owner lock.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}

// PIDAlive reports whether a process with the given PID exists.
// EPERM means it exists but belongs to someone else.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
