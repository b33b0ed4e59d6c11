package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type sample struct {
	Name  string         `json:"name"`
	Count int            `json:"count"`
	Tags  map[string]int `json:"tags"`
}

func TestSaveAndLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	in := sample{Name: "heartbeat", Count: 3, Tags: map[string]int{"a": 1}}
	if err := SaveJSON(path, in); err != nil {
		t.Fatalf("SaveJSON failed: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("Expected temp file to be renamed away, stat err: %v", err)
	}

	var out sample
	if err := LoadJSON(path, &out); err != nil {
		t.Fatalf("LoadJSON failed: %v", err)
	}
	if out.Name != "heartbeat" || out.Count != 3 || out.Tags["a"] != 1 {
		t.Errorf("Round trip mismatch: %+v", out)
	}
}

func TestLoadJSON_Missing(t *testing.T) {
	var out sample
	err := LoadJSON(filepath.Join(t.TempDir(), "absent.json"), &out)
	if !errors.Is(err, ErrNotExist) {
		t.Errorf("Expected ErrNotExist, got %v", err)
	}
}

func TestLoadJSON_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	var out sample
	err := LoadJSON(path, &out)
	if err == nil || errors.Is(err, ErrNotExist) {
		t.Errorf("Expected decode error, got %v", err)
	}
}
