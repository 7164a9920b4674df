package engine

import (
	"fmt"
)

// Phase discriminates the SyncState variants.
type Phase int

const (
	// PhaseIdle means no drain is running and nothing is wrong.
	PhaseIdle Phase = iota
	// PhaseSyncing means a drain is in progress.
	PhaseSyncing
	// PhaseSuccess means the last drain completed with zero failures. The
	// engine self-clears back to idle after a display window.
	PhaseSuccess
	// PhaseError means the last drain left failures behind. Sticky until a
	// manual retry or the next automatic trigger.
	PhaseError
	// PhaseOffline preempts every other phase whenever connectivity is not
	// online, regardless of queue contents.
	PhaseOffline
)

// String returns a human-readable representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSyncing:
		return "syncing"
	case PhaseSuccess:
		return "success"
	case PhaseError:
		return "error"
	case PhaseOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// SyncState is the engine's externally visible state. It is a tagged
// union: Phase selects the variant and the remaining fields carry that
// variant's associated data. Consumers should switch on Phase
// exhaustively.
type SyncState struct {
	Phase Phase `json:"phase"`

	// Progress is completed/total for the current drain, 0.0-1.0.
	// Meaningful only while syncing.
	Progress float64 `json:"progress,omitempty"`

	// SyncedCount is how many operations the drain applied.
	// Meaningful only in success.
	SyncedCount int `json:"synced_count,omitempty"`

	// Message describes what went wrong. Meaningful only in error.
	Message string `json:"message,omitempty"`
}

// Idle returns the idle state.
func Idle() SyncState { return SyncState{Phase: PhaseIdle} }

// Syncing returns a syncing state with the given progress.
func Syncing(progress float64) SyncState {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	return SyncState{Phase: PhaseSyncing, Progress: progress}
}

// Success returns a success state with the number of applied operations.
func Success(syncedCount int) SyncState {
	return SyncState{Phase: PhaseSuccess, SyncedCount: syncedCount}
}

// Failed returns an error state with a user-facing message.
func Failed(message string) SyncState {
	return SyncState{Phase: PhaseError, Message: message}
}

// Offline returns the offline state.
func Offline() SyncState { return SyncState{Phase: PhaseOffline} }

// Equal reports whether two states are indistinguishable to a consumer.
func (s SyncState) Equal(other SyncState) bool {
	return s == other
}

// String returns a human-readable representation of the state.
func (s SyncState) String() string {
	switch s.Phase {
	case PhaseSyncing:
		return fmt.Sprintf("syncing (%.0f%%)", s.Progress*100)
	case PhaseSuccess:
		return fmt.Sprintf("success (%d synced)", s.SyncedCount)
	case PhaseError:
		return fmt.Sprintf("error: %s", s.Message)
	default:
		return s.Phase.String()
	}
}
