// Package connectivity tracks network reachability for the sync engine.
//
// The monitor owns the three-state connection model:
//
//	offline -> connecting -> online
//
// There is no direct offline -> online transition: every reconnection
// passes through connecting, so the engine (and through it the UI) always
// observes an intermediate "attempting" state before success is declared.
// Online is only declared after a control-plane round trip confirms the
// sync service answers, not just that the link is up.
//
// State change events are emitted exactly when the state differs from the
// previous observation; repeated identical reports produce no events, so
// listeners can recompute banners and toasts on every event without churn.
package connectivity

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// State represents network reachability as seen by the sync subsystem.
type State int

const (
	// StateOffline means the sync service is unreachable.
	StateOffline State = iota
	// StateConnecting means a reachability probe is in progress.
	StateConnecting
	// StateOnline means a control-plane round trip has confirmed service
	// availability.
	StateOnline
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	default:
		return "unknown"
	}
}

// Prober performs the control-plane round trip that decides whether the
// service is reachable. The remote store's Ping satisfies this.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Config holds configuration for the monitor.
type Config struct {
	// ProbeInterval is how often to attempt reconnection while offline.
	ProbeInterval time.Duration

	// HeartbeatInterval is how often to re-confirm reachability while
	// online.
	HeartbeatInterval time.Duration

	// ProbeTimeout bounds a single probe round trip.
	ProbeTimeout time.Duration

	// Logger for monitor activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval:     10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ProbeTimeout:      5 * time.Second,
		Logger:            log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// Monitor observes reachability and publishes state changes.
type Monitor struct {
	prober Prober
	config *Config

	mu           sync.Mutex
	state        State
	offlineSince time.Time
	subscribers  map[chan State]bool
	running      bool

	probeNow chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a monitor in the offline state. Use Start() to begin probing.
func New(prober Prober, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		prober:       prober,
		config:       config,
		state:        StateOffline,
		offlineSince: time.Now(),
		subscribers:  make(map[chan State]bool),
		probeNow:     make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins the probe loop. An initial probe fires immediately so a
// reachable service is discovered without waiting a full interval.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
	m.RequestProbe()
}

// Stop shuts down the probe loop and closes all subscriber channels.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	for ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, ch)
	}
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOnline reports whether the service is currently reachable.
func (m *Monitor) IsOnline() bool {
	return m.State() == StateOnline
}

// OfflineDuration returns how long the monitor has been away from online.
// Zero while online.
func (m *Monitor) OfflineDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateOnline {
		return 0
	}
	return time.Since(m.offlineSince)
}

// Subscribe returns a channel that receives the new state on every state
// change. The channel is buffered; a slow subscriber drops events rather
// than blocking the monitor. Call Unsubscribe when done.
func (m *Monitor) Subscribe() chan State {
	ch := make(chan State, 8)
	m.mu.Lock()
	m.subscribers[ch] = true
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Monitor) Unsubscribe(ch chan State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribers[ch] {
		delete(m.subscribers, ch)
		close(ch)
	}
}

// ReportNetworkError tells the monitor a request failed at the network
// level (not an application-level rejection). If currently online this
// drops the state to offline immediately instead of waiting for the next
// heartbeat to notice.
func (m *Monitor) ReportNetworkError() {
	m.setState(StateOffline)
	m.RequestProbe()
}

// RequestProbe asks the loop to probe as soon as possible. No-op if a
// probe request is already pending.
func (m *Monitor) RequestProbe() {
	select {
	case m.probeNow <- struct{}{}:
	default:
	}
}

// run is the probe loop. The wait between probes depends on the current
// state: short reconnect attempts while offline, slower heartbeats while
// online.
func (m *Monitor) run() {
	defer m.wg.Done()

	for {
		var wait time.Duration
		if m.State() == StateOnline {
			wait = m.config.HeartbeatInterval
		} else {
			wait = m.config.ProbeInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.probe()
		case <-m.probeNow:
			timer.Stop()
			m.probe()
		}
	}
}

// probe performs one reachability check. From offline the state passes
// through connecting first; from online a failed heartbeat drops straight
// to offline.
func (m *Monitor) probe() {
	wasOnline := m.State() == StateOnline
	if !wasOnline {
		m.setState(StateConnecting)
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.config.ProbeTimeout)
	err := m.prober.Probe(ctx)
	cancel()

	if err != nil {
		if m.ctx.Err() != nil {
			return // shutting down, not a reachability verdict
		}
		if wasOnline {
			m.config.Logger.Printf("Heartbeat failed, going offline: %v", err)
		}
		m.setState(StateOffline)
		return
	}

	m.setState(StateOnline)
}

// setState transitions to the new state, notifying subscribers only on an
// actual change.
func (m *Monitor) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}

	prev := m.state
	m.state = s
	if prev == StateOnline && s != StateOnline {
		m.offlineSince = time.Now()
	}

	subs := make([]chan State, 0, len(m.subscribers))
	for ch := range m.subscribers {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	m.config.Logger.Printf("Connection state: %s -> %s", prev, s)

	for _, ch := range subs {
		select {
		case ch <- s:
		default:
			// Slow subscriber; it will catch up via State().
		}
	}
}
