package telemetry

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sampleRecord(id, program string, started time.Time) *Record {
	code := 0
	return &Record{
		RunID:      id,
		PID:        1234,
		Program:    program,
		Profile:    "STRICT",
		Isolation:  "full",
		StartedAt:  started,
		RuntimeMS:  250,
		ExitCode:   &code,
		ExitReason: ExitedReason(0),
		Samples:    []Sample{{TimeMS: 100, CPUPercent: 12.5, MemoryKB: 2048}},
	}
}

func TestStoreSaveAndLoadPlain(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "runs"), false)
	started := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	rec := sampleRecord("0f1e2d3c-aaaa-bbbb-cccc-000000000001", "my prog", started)

	path, err := store.Save(rec)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Base(path) != "20260304-050607_my_prog_0f1e2d3c.json" {
		t.Fatalf("unexpected file name %s", filepath.Base(path))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	for _, key := range []string{"run_id", "runtime_ms", "cpu_usage_percent", "memory_peak_kb", "exit_reason", "samples", "termination_signal", "blocked_syscall"} {
		if _, ok := generic[key]; !ok {
			t.Fatalf("missing key %q in %s", key, raw)
		}
	}
	if _, ok := generic["oom_killed"]; ok {
		t.Fatal("oom_killed must be omitted when unknown")
	}

	loaded, err := store.Load("0f1e2d3c")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Program != "my prog" || loaded.Samples[0].MemoryKB != 2048 || *loaded.ExitCode != 0 {
		t.Fatalf("loaded record mismatch: %+v", loaded)
	}
}

func TestStoreCompressedAndOrdering(t *testing.T) {
	dir := t.TempDir()
	plain := NewStore(dir, false)
	packed := NewStore(dir, true)

	older := sampleRecord("11111111-0000-0000-0000-000000000000", "old", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	newer := sampleRecord("22222222-0000-0000-0000-000000000000", "new", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	if _, err := plain.Save(older); err != nil {
		t.Fatalf("Save older: %v", err)
	}
	path, err := packed.Save(newer)
	if err != nil {
		t.Fatalf("Save newer: %v", err)
	}
	if !strings.HasSuffix(path, ".json.zst") {
		t.Fatalf("compressed record saved as %s", path)
	}

	records, err := plain.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(records) != 2 || records[0].Program != "new" || records[1].Program != "old" {
		t.Fatalf("unexpected order: %+v", records)
	}
}

func TestStoreLoadAllSkipsCorrupt(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, false)
	if _, err := store.Save(sampleRecord("33333333-0000-0000-0000-000000000000", "ok", time.Now())); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	records, err := store.LoadAll()
	if err == nil {
		t.Fatal("expected error for corrupt file")
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
}

func TestStoreMissingDirAndLookupErrors(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent"), false)
	records, err := store.LoadAll()
	if err != nil || len(records) != 0 {
		t.Fatalf("LoadAll on missing dir = (%v, %v)", records, err)
	}
	if _, err := store.Load("abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	dir := t.TempDir()
	store = NewStore(dir, false)
	for _, id := range []string{"abcd0001-0000-0000-0000-000000000000", "abcd0002-0000-0000-0000-000000000000"} {
		if _, err := store.Save(sampleRecord(id, "p", time.Now())); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if _, err := store.Load("abcd"); !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}
}
