package spool

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/op"
)

// fakeSink records ingested operations.
type fakeSink struct {
	mu  sync.Mutex
	ops []*op.Operation
	err error
}

func (s *fakeSink) Enqueue(ctx context.Context, o *op.Operation) (*op.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.ops = append(s.ops, o)
	return o, nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

func testConfig() *Config {
	return &Config{
		DebounceInterval: 20 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[test] ", 0),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writeOp(t *testing.T, dir, entityID string) *op.Operation {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"title": "t-" + entityID})
	o := op.New(op.EntityTask, entityID, op.KindCreate, payload)
	if err := op.WriteOperationFile(dir, o); err != nil {
		t.Fatalf("writing operation file: %v", err)
	}
	return o
}

func TestSweepIngestsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	writeOp(t, dir, "task-1")
	writeOp(t, dir, "task-2")

	sink := &fakeSink{}
	ing, err := NewIngestor(dir, sink, testConfig())
	if err != nil {
		t.Fatalf("creating ingestor: %v", err)
	}
	if err := ing.Start(); err != nil {
		t.Fatalf("starting ingestor: %v", err)
	}
	defer ing.Stop()

	if got := sink.count(); got != 2 {
		t.Errorf("expected 2 operations from sweep, got %d", got)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("ingested files should be removed, %d remain", len(entries))
	}
}

func TestWatcherIngestsNewFile(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeSink{}
	ing, err := NewIngestor(dir, sink, testConfig())
	if err != nil {
		t.Fatalf("creating ingestor: %v", err)
	}
	if err := ing.Start(); err != nil {
		t.Fatalf("starting ingestor: %v", err)
	}
	defer ing.Stop()

	o := writeOp(t, dir, "task-1")

	waitFor(t, "operation to be ingested", func() bool {
		return sink.count() == 1
	})
	waitFor(t, "spool file to be removed", func() bool {
		_, err := os.Stat(filepath.Join(dir, o.Filename()))
		return os.IsNotExist(err)
	})
}

func TestQuarantineUnparseable(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeSink{}
	ing, err := NewIngestor(dir, sink, testConfig())
	if err != nil {
		t.Fatalf("creating ingestor: %v", err)
	}
	if err := ing.Start(); err != nil {
		t.Fatalf("starting ingestor: %v", err)
	}
	defer ing.Stop()

	bad := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("writing bad file: %v", err)
	}

	waitFor(t, "bad file to be quarantined", func() bool {
		_, err := os.Stat(filepath.Join(dir, "broken.rejected"))
		return err == nil
	})
	if got := sink.count(); got != 0 {
		t.Errorf("unparseable file must not reach the sink, got %d operations", got)
	}
}

func TestEnqueueFailureLeavesFile(t *testing.T) {
	dir := t.TempDir()
	o := writeOp(t, dir, "task-1")

	sink := &fakeSink{err: errors.New("queue unavailable")}
	ing, err := NewIngestor(dir, sink, testConfig())
	if err != nil {
		t.Fatalf("creating ingestor: %v", err)
	}
	if err := ing.Start(); err != nil {
		t.Fatalf("starting ingestor: %v", err)
	}
	defer ing.Stop()

	// The sweep logged a warning but must not delete the file; the
	// operation survives for the next attempt.
	if _, err := os.Stat(filepath.Join(dir, o.Filename())); err != nil {
		t.Errorf("file should survive a failed enqueue: %v", err)
	}
}

func TestNonJSONIgnored(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeSink{}
	ing, err := NewIngestor(dir, sink, testConfig())
	if err != nil {
		t.Fatalf("creating ingestor: %v", err)
	}
	if err := ing.Start(); err != nil {
		t.Fatalf("starting ingestor: %v", err)
	}
	defer ing.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := sink.count(); got != 0 {
		t.Errorf("non-json files must be ignored, got %d operations", got)
	}
}
