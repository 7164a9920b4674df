package connectivity

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"testing"
	"time"
)

// fakeProber is a controllable prober for tests.
type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProber) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProber) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func testConfig() *Config {
	return &Config{
		ProbeInterval:     10 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		ProbeTimeout:      time.Second,
		Logger:            log.New(os.Stderr, "[test] ", 0),
	}
}

// waitForState blocks until the subscriber channel delivers the wanted
// state or the timeout elapses.
func waitForState(t *testing.T, ch chan State, want State) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case got, ok := <-ch:
			if !ok {
				t.Fatalf("subscriber channel closed while waiting for %s", want)
			}
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestStartsOffline(t *testing.T) {
	m := New(&fakeProber{err: errors.New("no network")}, testConfig())
	if m.State() != StateOffline {
		t.Errorf("expected initial state offline, got %s", m.State())
	}
	if m.IsOnline() {
		t.Error("IsOnline should be false before any successful probe")
	}
}

func TestOfflineToOnlinePassesThroughConnecting(t *testing.T) {
	prober := &fakeProber{}
	m := New(prober, testConfig())
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	m.Start()
	defer m.Stop()

	// The first two events must be connecting then online, in order.
	select {
	case got := <-ch:
		if got != StateConnecting {
			t.Fatalf("first event should be connecting, got %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connecting")
	}

	waitForState(t, ch, StateOnline)
}

func TestProbeFailureReturnsToOffline(t *testing.T) {
	prober := &fakeProber{err: errors.New("refused")}
	m := New(prober, testConfig())
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	m.Start()
	defer m.Stop()

	waitForState(t, ch, StateConnecting)
	waitForState(t, ch, StateOffline)
}

func TestHeartbeatFailureDropsOnline(t *testing.T) {
	prober := &fakeProber{}
	m := New(prober, testConfig())
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	m.Start()
	defer m.Stop()

	waitForState(t, ch, StateOnline)

	prober.setErr(errors.New("link lost"))
	waitForState(t, ch, StateOffline)

	if d := m.OfflineDuration(); d <= 0 {
		t.Errorf("offline duration should be positive after dropping, got %v", d)
	}
}

func TestNoDuplicateEvents(t *testing.T) {
	prober := &fakeProber{err: errors.New("down")}
	m := New(prober, testConfig())
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	m.Start()
	defer m.Stop()

	waitForState(t, ch, StateOffline)

	// Several failed probe cycles later, repeated offline reports must not
	// produce repeated offline events (only connecting<->offline cycling).
	timeout := time.After(100 * time.Millisecond)
	var prev = StateOffline
	for {
		select {
		case got := <-ch:
			if got == prev {
				t.Fatalf("duplicate consecutive event: %s", got)
			}
			prev = got
		case <-timeout:
			return
		}
	}
}

func TestReportNetworkError(t *testing.T) {
	prober := &fakeProber{}
	m := New(prober, testConfig())
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	m.Start()
	defer m.Stop()

	waitForState(t, ch, StateOnline)

	// Engine observed a network-level send failure: drop immediately.
	prober.setErr(errors.New("reset by peer"))
	m.ReportNetworkError()

	if m.State() != StateOffline && m.State() != StateConnecting {
		t.Errorf("expected offline (or reprobing) after network error, got %s", m.State())
	}
	waitForState(t, ch, StateOffline)
}

func TestStopClosesSubscribers(t *testing.T) {
	m := New(&fakeProber{err: errors.New("down")}, testConfig())
	ch := m.Subscribe()

	m.Start()
	m.Stop()

	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed after Stop")
	}
}
