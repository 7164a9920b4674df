// Package spool ingests operation files dropped into a spool directory.
//
// The app process and the sync daemon are separate programs; the spool
// directory is how mutations cross that boundary. The app writes one
// JSON file per operation, the ingestor watches the directory, enqueues
// each file's operation into the durable queue, and removes the file
// once the queue owns it. Files that do not parse are quarantined with a
// .rejected suffix so a corrupt entry cannot wedge ingestion.
package spool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/op"
)

// Sink receives ingested operations. The engine satisfies this.
type Sink interface {
	Enqueue(ctx context.Context, o *op.Operation) (*op.Operation, error)
}

// Config holds configuration for the ingestor.
type Config struct {
	// DebounceInterval is how long to wait after the last write to a
	// file before ingesting it, so partially written files settle.
	DebounceInterval time.Duration

	// Logger for ingestor activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[spool] ", log.LstdFlags),
	}
}

// Ingestor watches a spool directory and feeds operation files into the
// sink.
type Ingestor struct {
	dir     string
	sink    Sink
	config  *Config
	watcher *fsnotify.Watcher

	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex

	mu      sync.Mutex
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewIngestor creates an ingestor for the given spool directory. The
// directory is created if missing.
func NewIngestor(dir string, sink Sink, config *Config) (*Ingestor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 100 * time.Millisecond
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Ingestor{
		dir:         dir,
		sink:        sink,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start sweeps files already in the spool, then begins watching for new
// ones. Operations written while the daemon was not running are picked
// up by the sweep; nothing is lost across restarts.
func (i *Ingestor) Start() error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return fmt.Errorf("ingestor already running")
	}
	i.running = true
	i.mu.Unlock()

	if err := i.sweep(); err != nil {
		return fmt.Errorf("initial spool sweep: %w", err)
	}

	if err := i.watcher.Add(i.dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", i.dir, err)
	}

	i.wg.Add(1)
	go i.watchFileEvents()

	i.wg.Add(1)
	go i.processChangeQueue()

	return nil
}

// Stop stops watching and blocks until the goroutines exit.
func (i *Ingestor) Stop() error {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return nil
	}
	i.running = false
	i.mu.Unlock()

	i.cancel()
	if err := i.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	i.wg.Wait()
	return nil
}

// sweep ingests every operation file currently in the spool, oldest
// first so per-entity causal order survives the queue's sequencing.
func (i *Ingestor) sweep() error {
	ops, err := op.ReadAllOperationFiles(i.dir)
	if err != nil {
		return err
	}
	sort.Slice(ops, func(a, b int) bool {
		return ops[a].CreatedAt.Before(ops[b].CreatedAt)
	})
	if len(ops) > 0 {
		i.config.Logger.Printf("Sweeping %d spooled operation(s)", len(ops))
	}
	for _, o := range ops {
		path := filepath.Join(i.dir, o.Filename())
		if err := i.ingestParsed(path, o); err != nil {
			i.config.Logger.Printf("Warning: cannot ingest %s: %v", path, err)
		}
	}
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (i *Ingestor) watchFileEvents() {
	defer i.wg.Done()

	for {
		select {
		case <-i.ctx.Done():
			return

		case event, ok := <-i.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			i.queueChange(event.Name)

		case err, ok := <-i.watcher.Errors:
			if !ok {
				return
			}
			i.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing. A later
// write to the same file pushes its deadline out.
func (i *Ingestor) queueChange(path string) {
	i.changeQueueMu.Lock()
	defer i.changeQueueMu.Unlock()

	i.changeQueue[path] = time.Now()
}

// processChangeQueue ingests queued files once their debounce window has
// passed.
func (i *Ingestor) processChangeQueue() {
	defer i.wg.Done()

	ticker := time.NewTicker(i.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return

		case <-ticker.C:
			i.processPendingChanges()
		}
	}
}

// processPendingChanges ingests files that have been quiet long enough.
func (i *Ingestor) processPendingChanges() {
	i.changeQueueMu.Lock()
	defer i.changeQueueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range i.changeQueue {
		if now.Sub(queuedAt) < i.config.DebounceInterval {
			continue
		}
		delete(i.changeQueue, path)

		if err := i.ingest(path); err != nil {
			i.config.Logger.Printf("Warning: cannot ingest %s: %v", path, err)
		}
	}
}

// ingest parses a single spool file and hands it to the sink. Files that
// vanished (already ingested, or removed by the writer) are ignored;
// files that do not parse are quarantined.
func (i *Ingestor) ingest(path string) error {
	o, err := op.ReadOperationFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		i.quarantine(path)
		return err
	}
	return i.ingestParsed(path, o)
}

// ingestParsed enqueues a parsed operation and removes its spool file.
// The enqueue happens first: losing the file after the queue owns the
// operation is harmless (at most a duplicate collapse on re-ingest),
// while removing first could lose the operation.
func (i *Ingestor) ingestParsed(path string, o *op.Operation) error {
	if _, err := i.sink.Enqueue(i.ctx, o); err != nil {
		return fmt.Errorf("enqueueing %s: %w", o.ID, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing ingested file: %w", err)
	}
	i.config.Logger.Printf("Ingested %s %s (%s)", o.Kind, o.EntityKey(), o.ID)
	return nil
}

// quarantine renames an unparseable file out of the watch set.
func (i *Ingestor) quarantine(path string) {
	rejected := strings.TrimSuffix(path, ".json") + ".rejected"
	if err := os.Rename(path, rejected); err != nil {
		i.config.Logger.Printf("Warning: cannot quarantine %s: %v", path, err)
		return
	}
	i.config.Logger.Printf("Quarantined unparseable spool file as %s", rejected)
}
