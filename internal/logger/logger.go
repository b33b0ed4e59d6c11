package logger

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Rotator implements io.Writer over an append-only file capped at MaxSize bytes.
// When a write would exceed the cap, the file is rewritten to keep only its most
// recent KeepBytes, trimmed forward to the next newline so no line is cut in half.
type Rotator struct {
	Filename  string
	MaxSize   int64 // Bytes
	KeepBytes int64 // Bytes retained after rotation; defaults to MaxSize/2
	file      *os.File
	size      int64
	mu        sync.Mutex
}

// NewRotator opens (or creates) filename and returns a Rotator capped at maxBytes.
func NewRotator(filename string, maxBytes int64) (*Rotator, error) {
	r := &Rotator{
		Filename:  filename,
		MaxSize:   maxBytes,
		KeepBytes: maxBytes / 2,
	}
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := r.openExistingOrNew(); err != nil {
		return nil, err
	}
	return r, nil
}

// Setup initializes the standard logger to write to both stdout and a rotating file.
// If the file cannot be opened, logging continues on stdout only.
func Setup(filename string, maxBytes int64) *Rotator {
	rotator, err := NewRotator(filename, maxBytes)
	if err != nil {
		log.Printf("Failed to open log file, using stdout only: %v", err)
		return nil
	}

	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	return rotator
}

func (r *Rotator) openExistingOrNew() error {
	f, err := os.OpenFile(r.Filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	r.file = f
	r.size = info.Size()
	return nil
}

// Write satisfies the io.Writer interface. It checks size and rotates if needed.
func (r *Rotator) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err = r.openExistingOrNew(); err != nil {
			return 0, err
		}
	}

	if r.MaxSize > 0 && r.size+int64(len(p)) > r.MaxSize {
		if err := r.rotate(); err != nil {
			// Losing the tail is worse than overshooting the cap once.
			fmt.Fprintf(os.Stderr, "Log rotation failed: %v\n", err)
		}
	}

	n, err = r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Close closes the underlying file.
func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// rotate replaces the file content with its newline-aligned tail.
func (r *Rotator) rotate() error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}

	data, err := os.ReadFile(r.Filename)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	tail := Tail(data, r.keep())

	tmp := r.Filename + ".tmp"
	if err := os.WriteFile(tmp, tail, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, r.Filename); err != nil {
		return err
	}
	return r.openExistingOrNew()
}

func (r *Rotator) keep() int64 {
	if r.KeepBytes > 0 && (r.MaxSize <= 0 || r.KeepBytes < r.MaxSize) {
		return r.KeepBytes
	}
	return r.MaxSize / 2
}

// Tail returns at most keep trailing bytes of data, advanced past the first
// newline so the result starts on a line boundary. If the kept window has no
// newline at all, nothing is kept.
func Tail(data []byte, keep int64) []byte {
	if int64(len(data)) <= keep {
		return data
	}
	if keep <= 0 {
		return nil
	}
	window := data[int64(len(data))-keep:]
	// A window that already starts right after a newline is aligned.
	if data[int64(len(data))-keep-1] == '\n' {
		return window
	}
	idx := bytes.IndexByte(window, '\n')
	if idx < 0 {
		return nil
	}
	return window[idx+1:]
}
