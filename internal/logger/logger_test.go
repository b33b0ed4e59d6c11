package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTail_TrimsToLineBoundary(t *testing.T) {
	data := []byte("line-one\nline-two\nline-three\n")

	// Last 14 bytes are "wo\nline-three\n"; the cut lands mid-line.
	got := string(Tail(data, 14))
	if got != "line-three\n" {
		t.Errorf("Expected 'line-three\\n', got %q", got)
	}

	// Window beginning exactly after a newline is kept whole.
	got = string(Tail(data, int64(len("line-three\n"))))
	if got != "line-three\n" {
		t.Errorf("Expected aligned window kept, got %q", got)
	}

	if got := Tail(data, 1000); string(got) != string(data) {
		t.Errorf("Expected short input returned unchanged, got %q", got)
	}
}

func TestRotator_KeepsTailUnderCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "supervisor.log")

	r, err := NewRotator(path, 200)
	if err != nil {
		t.Fatalf("NewRotator failed: %v", err)
	}
	defer r.Close()

	for i := 0; i < 50; i++ {
		if _, err := fmt.Fprintf(r, "entry %02d xxxxxxxxxx\n", i); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(b) > 200 {
		t.Errorf("Expected file capped at 200 bytes, got %d", len(b))
	}
	content := string(b)
	if !strings.HasSuffix(content, "entry 49 xxxxxxxxxx\n") {
		t.Errorf("Expected newest entry retained, got %q", content)
	}
	if strings.Contains(content, "entry 00") {
		t.Errorf("Expected oldest entry rotated out")
	}
	for _, line := range strings.Split(strings.TrimSuffix(content, "\n"), "\n") {
		if !strings.HasPrefix(line, "entry ") {
			t.Errorf("Found truncated line after rotation: %q", line)
		}
	}
}

func TestRotator_AppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")
	if err := os.WriteFile(path, []byte("previous run\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	r, err := NewRotator(path, 1024)
	if err != nil {
		t.Fatalf("NewRotator failed: %v", err)
	}
	r.Write([]byte("this run\n"))
	r.Close()

	b, _ := os.ReadFile(path)
	if string(b) != "previous run\nthis run\n" {
		t.Errorf("Unexpected content: %q", b)
	}
}
