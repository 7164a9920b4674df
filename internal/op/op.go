// Package op provides the data model for pending sync operations.
//
// A pending operation is a single mutation (create/update/delete of one
// entity) recorded while the device is offline or while a sync attempt is
// in flight. Operations are owned by the queue until they reach a terminal
// state: succeeded operations are purged, operations that exhaust their
// retry budget move to the failed bucket for manual handling.
package op

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityType identifies which kind of entity an operation mutates.
type EntityType string

const (
	EntityTask       EntityType = "task"
	EntityFriendship EntityType = "friendship"
	EntityCircle     EntityType = "circle"
	EntityChallenge  EntityType = "challenge"
	EntityPact       EntityType = "pact"
)

// Valid reports whether the entity type is one of the known types.
func (e EntityType) Valid() bool {
	switch e {
	case EntityTask, EntityFriendship, EntityCircle, EntityChallenge, EntityPact:
		return true
	}
	return false
}

// Kind identifies the mutation an operation performs.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Valid reports whether the kind is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

// Status is the lifecycle state of a pending operation.
type Status string

const (
	// StatusQueued means the operation is waiting to be sent.
	StatusQueued Status = "queued"
	// StatusInFlight means a drain is currently sending the operation.
	StatusInFlight Status = "in_flight"
	// StatusFailed means the operation failed permanently (rejected by the
	// remote, or transient retry budget exhausted) and needs user attention.
	StatusFailed Status = "failed"
	// StatusSucceeded is transient: succeeded operations are purged from
	// the queue immediately after being marked.
	StatusSucceeded Status = "succeeded"
)

// Operation represents a single queued mutation.
//
// The structure is flat and JSON-friendly so it can round-trip through both
// the SQLite queue and the spool directory without translation.
type Operation struct {
	// ===== Identity =====
	ID  string `json:"id"`
	Seq int64  `json:"seq,omitempty"` // assigned by the queue at enqueue time

	// ===== Payload =====
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"` // serialized change data

	// ===== Status =====
	Status Status `json:"status"`

	// ===== Retry metadata =====
	Attempts    int        `json:"attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`

	// ===== Timestamps =====
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a queued operation for the given mutation with a fresh ID.
func New(entityType EntityType, entityID string, kind Kind, payload json.RawMessage) *Operation {
	now := time.Now().UTC()
	return &Operation{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Kind:       kind,
		Payload:    payload,
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Validate checks that the operation has valid field values.
func (o *Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !o.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", o.EntityType)
	}
	if o.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if !o.Kind.Valid() {
		return fmt.Errorf("unknown operation kind %q", o.Kind)
	}
	if o.Status == "" {
		return fmt.Errorf("status is required")
	}
	if o.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// DedupKey returns the logical-change key used for latest-wins collapse.
// Two queued operations with the same key describe the same logical change
// and only the newest needs to be sent.
func (o *Operation) DedupKey() string {
	return fmt.Sprintf("%s/%s/%s", o.EntityType, o.EntityID, o.Kind)
}

// EntityKey returns the per-entity key used for causal ordering. Operations
// sharing an entity key must be sent in sequence order.
func (o *Operation) EntityKey() string {
	return fmt.Sprintf("%s/%s", o.EntityType, o.EntityID)
}

// Terminal reports whether the operation has reached a terminal status.
func (o *Operation) Terminal() bool {
	return o.Status == StatusFailed || o.Status == StatusSucceeded
}

// RetryEligible reports whether a queued operation may be sent at the given
// time, honoring its backoff deadline.
func (o *Operation) RetryEligible(now time.Time) bool {
	if o.Status != StatusQueued {
		return false
	}
	return o.NextRetryAt == nil || !now.Before(*o.NextRetryAt)
}

// Touch sets UpdatedAt to the current time. Call whenever a field changes.
func (o *Operation) Touch() {
	o.UpdatedAt = time.Now().UTC()
}

// SetDefaults applies defaults for optional fields. Used when operations
// arrive from the spool directory with minimal fields filled in.
func (o *Operation) SetDefaults() {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = StatusQueued
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
}
