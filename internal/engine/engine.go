// Package engine drains the pending-operation queue against the remote
// store and projects the result as a single observable SyncState.
//
// The engine guarantees at most one drain runs at a time. Triggers
// (connectivity coming back, manual sync, new enqueues, the retry tick)
// all funnel through a singleflight group, so a trigger that arrives
// while a drain is running coalesces into it instead of starting a
// second one. Operations enqueued mid-drain are picked up by the running
// drain, which expands its progress denominator rather than resetting.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/connectivity"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/op"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/queue"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/remote"
)

// ErrOffline is returned when a sync is requested while the service is
// unreachable. The queue keeps accumulating; nothing is lost.
var ErrOffline = errors.New("sync unavailable while offline")

// Config holds configuration for the engine.
type Config struct {
	// SuccessDisplayWindow is how long the success state stays visible
	// before the engine clears back to idle.
	SuccessDisplayWindow time.Duration

	// RetryCheckInterval is how often the engine checks for operations
	// whose backoff deadline has passed while online and idle.
	RetryCheckInterval time.Duration

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SuccessDisplayWindow: 3 * time.Second,
		RetryCheckInterval:   15 * time.Second,
		Logger:               log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine coordinates queue drains against the remote store, driven by
// connectivity changes, manual triggers, and retry deadlines.
type Engine struct {
	queue   *queue.Queue
	store   remote.Store
	monitor *connectivity.Monitor
	config  *Config

	mu           sync.Mutex
	state        SyncState
	subscribers  map[chan SyncState]bool
	lastSync     *time.Time
	drainCancel  context.CancelFunc
	successTimer *time.Timer
	running      bool

	group    singleflight.Group
	draining atomic.Bool

	events chan connectivity.State
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. Use Start() to begin reacting to connectivity.
func New(q *queue.Queue, store remote.Store, monitor *connectivity.Monitor, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if config.SuccessDisplayWindow <= 0 {
		config.SuccessDisplayWindow = 3 * time.Second
	}
	if config.RetryCheckInterval <= 0 {
		config.RetryCheckInterval = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		queue:       q,
		store:       store,
		monitor:     monitor,
		config:      config,
		state:       Idle(),
		subscribers: make(map[chan SyncState]bool),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start subscribes to connectivity changes and begins the retry loop.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	if last, err := e.queue.LastFullDrain(e.ctx); err == nil && last != nil {
		e.mu.Lock()
		e.lastSync = last
		e.mu.Unlock()
	}

	e.events = e.monitor.Subscribe()
	e.wg.Add(1)
	go e.run()
}

// Stop shuts down the engine, cancelling any running drain. In-flight
// operations return to the queue via crash recovery on the next Open.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	if e.successTimer != nil {
		e.successTimer.Stop()
		e.successTimer = nil
	}
	e.mu.Unlock()

	e.cancel()
	e.monitor.Unsubscribe(e.events)
	e.wg.Wait()

	e.mu.Lock()
	for ch := range e.subscribers {
		close(ch)
		delete(e.subscribers, ch)
	}
	e.mu.Unlock()
}

// State returns the current sync state.
func (e *Engine) State() SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastSuccessfulSync returns when the queue last drained completely, or
// nil if it never has.
func (e *Engine) LastSuccessfulSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastSync == nil {
		return nil
	}
	t := *e.lastSync
	return &t
}

// Subscribe returns a channel that receives the new state on every state
// change. Buffered; a slow subscriber drops events rather than blocking
// the engine. Call Unsubscribe when done.
func (e *Engine) Subscribe() chan SyncState {
	ch := make(chan SyncState, 16)
	e.mu.Lock()
	e.subscribers[ch] = true
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (e *Engine) Unsubscribe(ch chan SyncState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subscribers[ch] {
		delete(e.subscribers, ch)
		close(ch)
	}
}

// Enqueue records an operation and, when online, triggers a drain. While
// offline the operation just waits in the queue. If a drain is already
// running the new operation joins it.
func (e *Engine) Enqueue(ctx context.Context, o *op.Operation) (*op.Operation, error) {
	stored, err := e.queue.Enqueue(ctx, o)
	if err != nil {
		return nil, err
	}
	if e.monitor.IsOnline() {
		e.triggerDrain()
	}
	return stored, nil
}

// PerformFullSync runs a drain immediately, even if the queue is empty
// (an empty drain still refreshes the last-sync timestamp). Returns
// ErrOffline when the service is unreachable.
func (e *Engine) PerformFullSync(ctx context.Context) error {
	if !e.monitor.IsOnline() {
		e.setState(Offline())
		return ErrOffline
	}
	return e.sync(ctx)
}

// ProcessPendingQueue drains whatever is eligible right now. Operations
// that exhausted their retry budget stay in the failed bucket; use
// RetryFailedOperations to resurrect them. A no-op when nothing is
// eligible or while offline.
func (e *Engine) ProcessPendingQueue(ctx context.Context) error {
	if !e.monitor.IsOnline() {
		return ErrOffline
	}
	n, err := e.queue.EligibleCount(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("counting eligible operations: %w", err)
	}
	if n == 0 {
		return nil
	}
	return e.sync(ctx)
}

// RetryFailedOperations moves every permanently failed operation back to
// queued with a fresh retry budget, then drains. This backs the explicit
// "retry" affordance; the engine never resurrects failed operations on
// its own.
func (e *Engine) RetryFailedOperations(ctx context.Context) error {
	n, err := e.queue.RetryFailed(ctx)
	if err != nil {
		return fmt.Errorf("requeueing failed operations: %w", err)
	}
	if n > 0 {
		e.config.Logger.Printf("Requeued %d failed operation(s) for retry", n)
	}
	if !e.monitor.IsOnline() {
		return ErrOffline
	}
	return e.sync(ctx)
}

// sync funnels every drain trigger through the singleflight group so
// concurrent triggers coalesce into the running drain. The coalesced
// callers share the leader's context.
func (e *Engine) sync(ctx context.Context) error {
	_, err, _ := e.group.Do("drain", func() (interface{}, error) {
		return nil, e.drain(ctx)
	})
	return err
}

// triggerDrain starts a drain in the background, coalescing with any
// drain already in progress.
func (e *Engine) triggerDrain() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sync(e.ctx); err != nil && !errors.Is(err, ErrOffline) && !errors.Is(err, context.Canceled) {
			e.config.Logger.Printf("Drain finished with error: %v", err)
		}
	}()
}

// run reacts to connectivity changes and fires the periodic retry check.
func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.RetryCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case s, ok := <-e.events:
			if !ok {
				return
			}
			e.handleConnectionChange(s)
		case <-ticker.C:
			e.maybeDrain()
		}
	}
}

// handleConnectionChange cancels any running drain when connectivity is
// lost and kicks off a drain when it comes back with work pending.
func (e *Engine) handleConnectionChange(s connectivity.State) {
	if s != connectivity.StateOnline {
		e.mu.Lock()
		cancel := e.drainCancel
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		e.setState(Offline())
		return
	}

	n, err := e.queue.EligibleCount(e.ctx, time.Now())
	if err != nil {
		e.config.Logger.Printf("Cannot inspect queue after reconnect: %v", err)
		return
	}
	if n > 0 {
		e.config.Logger.Printf("Back online with %d pending operation(s), draining", n)
		e.triggerDrain()
	} else {
		e.setState(Idle())
	}
}

// maybeDrain starts a drain if any operation's backoff deadline has
// passed. Runs on the retry tick; never touches the failed bucket.
func (e *Engine) maybeDrain() {
	if !e.monitor.IsOnline() || e.draining.Load() {
		return
	}
	n, err := e.queue.EligibleCount(e.ctx, time.Now())
	if err != nil || n == 0 {
		return
	}
	e.triggerDrain()
}

// drain processes eligible operations in order until none remain. It
// re-reads the queue after each pass so operations enqueued mid-drain
// are included; the progress denominator grows to match. A failure on
// an entity blocks that entity's later operations for the rest of the
// drain so causal order is preserved.
func (e *Engine) drain(ctx context.Context) error {
	e.draining.Store(true)
	defer e.draining.Store(false)

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.drainCancel = cancel
	if e.successTimer != nil {
		e.successTimer.Stop()
		e.successTimer = nil
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.drainCancel = nil
		e.mu.Unlock()
	}()

	var total, done int
	var synced, transient, permanent int
	blocked := make(map[string]bool)
	attempted := make(map[string]bool)

	e.setState(Syncing(0))

	for {
		batch, err := e.queue.DrainBatch(dctx, time.Now())
		if err != nil {
			if dctx.Err() != nil {
				return e.abortDrain()
			}
			e.setState(Failed("cannot read pending queue"))
			return fmt.Errorf("reading drain batch: %w", err)
		}

		var work []*op.Operation
		for _, o := range batch {
			if attempted[o.ID] || blocked[o.EntityKey()] {
				continue
			}
			work = append(work, o)
		}
		if len(work) == 0 {
			break
		}
		total += len(work)
		e.setState(Syncing(progress(done, total)))

		for _, o := range work {
			if dctx.Err() != nil {
				return e.abortDrain()
			}
			if blocked[o.EntityKey()] {
				total--
				continue
			}
			attempted[o.ID] = true

			if err := e.queue.MarkInFlight(dctx, o.ID); err != nil {
				// Collapsed away or already picked up; not ours anymore.
				total--
				continue
			}

			err := e.store.Apply(dctx, o)
			if dctx.Err() != nil {
				// Connectivity dropped mid-request. Put the operation
				// back without consuming its retry budget.
				if _, rqErr := e.queue.RequeueInFlight(context.Background()); rqErr != nil {
					e.config.Logger.Printf("Requeue after cancellation failed: %v", rqErr)
				}
				return e.abortDrain()
			}

			switch {
			case err == nil:
				if err := e.queue.MarkSucceeded(dctx, o.ID); err != nil {
					e.config.Logger.Printf("Cannot mark %s succeeded: %v", o.ID, err)
				}
				synced++
				done++

			case remote.IsPermanent(err):
				e.config.Logger.Printf("Operation %s (%s %s) rejected: %v", o.ID, o.Kind, o.EntityKey(), err)
				if _, mfErr := e.queue.MarkFailed(dctx, o.ID, err.Error(), true); mfErr != nil {
					e.config.Logger.Printf("Cannot mark %s failed: %v", o.ID, mfErr)
				}
				blocked[o.EntityKey()] = true
				permanent++
				done++

			default:
				status, mfErr := e.queue.MarkFailed(dctx, o.ID, err.Error(), false)
				if mfErr != nil {
					e.config.Logger.Printf("Cannot record failure for %s: %v", o.ID, mfErr)
				}
				blocked[o.EntityKey()] = true
				if status == op.StatusFailed {
					e.config.Logger.Printf("Operation %s exhausted its retry budget: %v", o.ID, err)
					permanent++
				} else {
					transient++
				}
				done++

				if remote.IsNetwork(err) {
					e.monitor.ReportNetworkError()
					return e.abortDrain()
				}
			}

			e.setState(Syncing(progress(done, total)))
		}
	}

	switch {
	case permanent > 0:
		msg := fmt.Sprintf("%d operation(s) failed", permanent)
		e.setState(Failed(msg))
		return errors.New(msg)

	case transient > 0:
		e.setState(Failed(fmt.Sprintf("%d operation(s) deferred for retry", transient)))
		return nil

	default:
		now := time.Now()
		pending, err := e.queue.PendingCountContext(dctx)
		if err == nil && pending == 0 {
			if err := e.queue.SetLastFullDrain(dctx, now); err != nil {
				e.config.Logger.Printf("Cannot persist last sync time: %v", err)
			}
			e.mu.Lock()
			e.lastSync = &now
			e.mu.Unlock()
		}
		e.config.Logger.Printf("Drain complete, %d operation(s) applied", synced)
		e.setState(Success(synced))
		e.scheduleSuccessClear()
		return nil
	}
}

// abortDrain records that the drain stopped early because connectivity
// went away. Whatever was not attempted stays queued untouched.
func (e *Engine) abortDrain() error {
	e.setState(Offline())
	return ErrOffline
}

// scheduleSuccessClear arms the timer that moves success back to idle
// after the display window. A new drain starting first disarms it.
func (e *Engine) scheduleSuccessClear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.successTimer != nil {
		e.successTimer.Stop()
	}
	e.successTimer = time.AfterFunc(e.config.SuccessDisplayWindow, e.clearSuccess)
}

// clearSuccess transitions success to idle, unless something else
// already changed the state.
func (e *Engine) clearSuccess() {
	e.mu.Lock()
	if e.state.Phase != PhaseSuccess {
		e.mu.Unlock()
		return
	}
	e.state = Idle()
	subs := e.snapshotSubscribersLocked()
	e.mu.Unlock()

	e.broadcast(Idle(), subs)
}

// setState transitions to the new state, notifying subscribers only on
// an actual change.
func (e *Engine) setState(s SyncState) {
	e.mu.Lock()
	if e.state.Equal(s) {
		e.mu.Unlock()
		return
	}
	prev := e.state
	e.state = s
	subs := e.snapshotSubscribersLocked()
	e.mu.Unlock()

	if prev.Phase != s.Phase {
		e.config.Logger.Printf("Sync state: %s -> %s", prev, s)
	}
	e.broadcast(s, subs)
}

func (e *Engine) snapshotSubscribersLocked() []chan SyncState {
	subs := make([]chan SyncState, 0, len(e.subscribers))
	for ch := range e.subscribers {
		subs = append(subs, ch)
	}
	return subs
}

func (e *Engine) broadcast(s SyncState, subs []chan SyncState) {
	for _, ch := range subs {
		select {
		case ch <- s:
		default:
			// Slow subscriber; it will catch up via State().
		}
	}
}

func progress(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) / float64(total)
}
