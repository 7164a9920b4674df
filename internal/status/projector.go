// Package status projects the sync subsystem's internals into the
// read-only snapshot the UI renders: connection state, sync state, queue
// depth, failure count, and the last successful sync time.
//
// The projector never mutates anything. Individual operation details
// stay out of the snapshot; only the aggregate counts are user-visible.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/connectivity"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/engine"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/queue"
)

// Snapshot is a point-in-time view of the sync subsystem.
type Snapshot struct {
	ConnectionState string `json:"connection_state"`
	IsOnline        bool   `json:"is_online"`

	// OfflineDuration is how long the service has been unreachable.
	// Zero while online.
	OfflineDuration time.Duration `json:"offline_duration,omitempty"`

	// OfflineFor is OfflineDuration humanized ("5m", "2h"), empty while
	// online.
	OfflineFor string `json:"offline_for,omitempty"`

	SyncState engine.SyncState `json:"sync_state"`

	// PendingCount is queued plus in-flight operations.
	PendingCount int `json:"pending_count"`

	// FailedCount is operations waiting on an explicit retry.
	FailedCount int `json:"failed_count"`

	LastSuccessfulSync *time.Time `json:"last_successful_sync,omitempty"`
	CapturedAt         time.Time  `json:"captured_at"`
}

// Projector assembles snapshots from the live components.
type Projector struct {
	monitor *connectivity.Monitor
	engine  *engine.Engine
	queue   *queue.Queue
}

// NewProjector creates a projector over the given components.
func NewProjector(monitor *connectivity.Monitor, eng *engine.Engine, q *queue.Queue) *Projector {
	return &Projector{monitor: monitor, engine: eng, queue: q}
}

// Snapshot captures the current state of the sync subsystem.
func (p *Projector) Snapshot(ctx context.Context) (*Snapshot, error) {
	pending, err := p.queue.PendingCountContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting pending operations: %w", err)
	}
	failed, err := p.queue.FailedCountContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting failed operations: %w", err)
	}

	state := p.monitor.State()
	s := &Snapshot{
		ConnectionState:    state.String(),
		IsOnline:           state == connectivity.StateOnline,
		SyncState:          p.engine.State(),
		PendingCount:       pending,
		FailedCount:        failed,
		LastSuccessfulSync: p.engine.LastSuccessfulSync(),
		CapturedAt:         time.Now().UTC(),
	}
	if !s.IsOnline {
		s.OfflineDuration = p.monitor.OfflineDuration()
		s.OfflineFor = humanizeDuration(s.OfflineDuration)
	}
	return s, nil
}

// humanizeDuration renders a duration the way the banner shows it:
// coarse, single-unit, never fractional.
func humanizeDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
