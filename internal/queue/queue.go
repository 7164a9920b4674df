// Package queue provides the durable pending-operation queue backed by
// embedded SQLite.
//
// The queue is the single piece of mutable shared state in the sync
// subsystem. All mutation (enqueue, mark succeeded/failed, requeue) is
// linearized through one internal lock so that a UI-triggered enqueue and
// an in-progress drain's completion callback can never lose updates to
// each other. The database runs in WAL mode so status reads never block
// behind writes.
//
// Durability: mutations made offline survive process restart. Any
// operation left in_flight by a crash or a cancelled drain is returned to
// queued when the queue is reopened, never silently lost and never
// double-applied (the remote apply is idempotent per operation ID).
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/backoff"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/op"
)

const metaLastFullDrain = "last_full_drain"

// Queue is the durable, ordered list of pending operations.
type Queue struct {
	conn   *sql.DB
	path   string
	policy backoff.Policy

	mu sync.Mutex // linearizes all mutations
}

// Open creates or opens the queue database at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads,
// the schema is created if missing, and any operations stranded in_flight
// by a previous process are returned to queued.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	q, err := queue.Open(".mytasks/queue.db", backoff.DefaultPolicy())
//	if err != nil {
//	    return err
//	}
//	defer q.Close()
func Open(path string, policy backoff.Policy) (*Queue, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping queue database: %w", err)
	}

	q := &Queue{
		conn:   conn,
		path:   path,
		policy: policy,
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := q.conn.Exec(pragma); err != nil {
			_ = q.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := q.initSchema(context.Background()); err != nil {
		_ = q.Close()
		return nil, err
	}

	// Crash recovery: anything in_flight did not complete.
	if _, err := q.RequeueInFlight(context.Background()); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("failed to recover in-flight operations: %w", err)
	}

	return q, nil
}

// Close closes the queue database, checkpointing the WAL first.
func (q *Queue) Close() error {
	if q.conn == nil {
		return nil
	}

	if _, err := q.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := q.conn.Close(); err != nil {
		return fmt.Errorf("failed to close queue database: %w", err)
	}

	q.conn = nil
	return nil
}

// initSchema creates the queue schema if it doesn't exist. Idempotent.
func (q *Queue) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT,
		status TEXT NOT NULL DEFAULT 'queued',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at TEXT,
		last_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
	CREATE INDEX IF NOT EXISTS idx_operations_entity ON operations(entity_type, entity_id);
	CREATE INDEX IF NOT EXISTS idx_operations_dedup
	    ON operations(entity_type, entity_id, kind, status);

	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := q.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize queue schema: %w", err)
	}

	return nil
}

// Enqueue appends an operation with the next sequence number, applying the
// latest-wins collapse rules:
//
//   - a queued operation with the same (entity, kind) is replaced in place:
//     the new payload wins, the original sequence number is kept so replay
//     order is preserved, and retry metadata resets to the base interval;
//   - an update targeting an entity whose create is still queued is merged
//     into the create (the remote never sees the entity, so it should see
//     the latest state in one operation).
//
// In-flight operations are never collapsed into; once a send has started
// the newer change must become its own operation.
//
// Enqueue never blocks on network activity and is safe to call from many
// concurrent callers.
func (q *Queue) Enqueue(ctx context.Context, o *op.Operation) (*op.Operation, error) {
	o.SetDefaults()
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("invalid operation: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Same logical change already queued: latest wins.
	existing, err := findQueuedTx(ctx, tx, o.EntityType, o.EntityID, o.Kind)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		merged, err := collapseTx(ctx, tx, existing, o.Payload, false)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit enqueue: %w", err)
		}
		return merged, nil
	}

	// Update onto a still-queued create: fold the update into the create.
	if o.Kind == op.KindUpdate {
		create, err := findQueuedTx(ctx, tx, o.EntityType, o.EntityID, op.KindCreate)
		if err != nil {
			return nil, err
		}
		if create != nil {
			merged, err := collapseTx(ctx, tx, create, o.Payload, true)
			if err != nil {
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit enqueue: %w", err)
			}
			return merged, nil
		}
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO operations (
			id, entity_type, entity_id, kind, payload,
			status, attempts, next_retry_at, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, NULL, '', ?, ?)`,
		o.ID, o.EntityType, o.EntityID, o.Kind, string(o.Payload),
		op.StatusQueued, o.CreatedAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert operation: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read sequence number: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}

	o.Seq = seq
	o.Status = op.StatusQueued
	o.UpdatedAt = now
	return o, nil
}

// findQueuedTx returns the queued operation matching the dedup key, or nil.
func findQueuedTx(ctx context.Context, tx *sql.Tx, et op.EntityType, eid string, kind op.Kind) (*op.Operation, error) {
	row := tx.QueryRowContext(ctx, selectColumns+`
		FROM operations
		WHERE entity_type = ? AND entity_id = ? AND kind = ? AND status = ?
		ORDER BY seq ASC LIMIT 1`,
		et, eid, kind, op.StatusQueued,
	)

	o, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query queued operation: %w", err)
	}
	return o, nil
}

// collapseTx folds a newer payload into an existing queued operation.
// Retry metadata resets: the collapsed operation is a fresh logical change.
func collapseTx(ctx context.Context, tx *sql.Tx, existing *op.Operation, payload json.RawMessage, merge bool) (*op.Operation, error) {
	newPayload := payload
	if merge {
		newPayload = mergePayloads(existing.Payload, payload)
	}

	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		UPDATE operations
		SET payload = ?, attempts = 0, next_retry_at = NULL, last_error = '', updated_at = ?
		WHERE seq = ?`,
		string(newPayload), now.Format(time.RFC3339Nano), existing.Seq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to collapse operation: %w", err)
	}

	existing.Payload = newPayload
	existing.Attempts = 0
	existing.NextRetryAt = nil
	existing.LastError = ""
	existing.UpdatedAt = now
	return existing, nil
}

// mergePayloads overlays the top-level keys of patch onto base. If either
// side is not a JSON object the patch wins wholesale.
func mergePayloads(base, patch json.RawMessage) json.RawMessage {
	var baseMap, patchMap map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseMap); err != nil || baseMap == nil {
		return patch
	}
	if err := json.Unmarshal(patch, &patchMap); err != nil || patchMap == nil {
		return patch
	}

	for k, v := range patchMap {
		baseMap[k] = v
	}

	merged, err := json.Marshal(baseMap)
	if err != nil {
		return patch
	}
	return merged
}

// DrainBatch returns the operations eligible to send right now, in
// sequence order.
//
// Per-entity causal ordering: an entity whose earliest non-terminal
// operation is failed, or still waiting out its backoff, contributes
// nothing to the batch, since later operations on that entity may depend
// on the earlier one succeeding. Unrelated entities are unaffected, so
// one bad entity never blocks the whole queue.
func (q *Queue) DrainBatch(ctx context.Context, now time.Time) ([]*op.Operation, error) {
	rows, err := q.conn.QueryContext(ctx, selectColumns+`
		FROM operations
		WHERE status IN (?, ?)
		ORDER BY seq ASC`,
		op.StatusQueued, op.StatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query drain batch: %w", err)
	}
	defer rows.Close()

	all, err := scanOperations(rows)
	if err != nil {
		return nil, err
	}

	var batch []*op.Operation
	blocked := make(map[string]bool)
	for _, o := range all {
		key := o.EntityKey()
		if blocked[key] {
			continue
		}
		if o.Status == op.StatusFailed || !o.RetryEligible(now) {
			// Everything later on this entity must wait.
			blocked[key] = true
			continue
		}
		batch = append(batch, o)
	}

	return batch, nil
}

// EligibleCount returns how many operations DrainBatch would currently
// return. Cheap enough for the engine's periodic retry check.
func (q *Queue) EligibleCount(ctx context.Context, now time.Time) (int, error) {
	batch, err := q.DrainBatch(ctx, now)
	if err != nil {
		return 0, err
	}
	return len(batch), nil
}

// MarkInFlight transitions a queued operation to in_flight before its
// network send begins.
func (q *Queue) MarkInFlight(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.conn.ExecContext(ctx, `
		UPDATE operations SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		op.StatusInFlight, time.Now().UTC().Format(time.RFC3339Nano), id, op.StatusQueued,
	)
	if err != nil {
		return fmt.Errorf("failed to mark operation %s in flight: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("operation %s is not queued", id)
	}
	return nil
}

// MarkSucceeded purges a successfully applied operation from the queue.
// Returns nil if the operation doesn't exist (idempotent).
func (q *Queue) MarkSucceeded(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.conn.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to purge operation %s: %w", id, err)
	}
	return nil
}

// MarkFailed records a failure for an operation.
//
// Permanent failures move directly to the failed bucket. Transient
// failures consume one unit of retry budget: the operation returns to
// queued with a backoff deadline, unless the budget is exhausted, in which
// case it converts to a permanent failure.
//
// Returns the operation's resulting status.
func (q *Queue) MarkFailed(ctx context.Context, id, reason string, permanent bool) (op.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT attempts FROM operations WHERE id = ?`, id)
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		return "", fmt.Errorf("failed to load operation %s: %w", id, err)
	}

	now := time.Now().UTC()
	var status op.Status
	var nextRetry sql.NullString

	if permanent {
		status = op.StatusFailed
	} else {
		attempts++
		if q.policy.Exhausted(attempts) {
			status = op.StatusFailed
		} else {
			status = op.StatusQueued
			nextRetry = sql.NullString{
				String: q.policy.NextRetryAt(now, attempts).Format(time.RFC3339Nano),
				Valid:  true,
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE operations
		SET status = ?, attempts = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		status, attempts, nextRetry, reason, now.Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return "", fmt.Errorf("failed to mark operation %s failed: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit failure: %w", err)
	}
	return status, nil
}

// RequeueInFlight returns all in_flight operations to queued. Called on
// open (crash recovery) and when a drain is cancelled by connectivity
// loss. Returns the number of operations requeued.
func (q *Queue) RequeueInFlight(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.conn.ExecContext(ctx, `
		UPDATE operations SET status = ?, updated_at = ?
		WHERE status = ?`,
		op.StatusQueued, time.Now().UTC().Format(time.RFC3339Nano), op.StatusInFlight,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue in-flight operations: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(n), nil
}

// RetryFailed moves the entire failed bucket back to queued with fresh
// retry budgets. This backs the user-facing "Retry Sync" affordance; it is
// never triggered automatically.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.conn.ExecContext(ctx, `
		UPDATE operations
		SET status = ?, attempts = 0, next_retry_at = NULL, updated_at = ?
		WHERE status = ?`,
		op.StatusQueued, time.Now().UTC().Format(time.RFC3339Nano), op.StatusFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed operations: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(n), nil
}

// DiscardFailed removes a permanently failed operation without applying
// it. Returns nil if the operation is not in the failed bucket.
func (q *Queue) DiscardFailed(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.conn.ExecContext(ctx, `
		DELETE FROM operations WHERE id = ? AND status = ?`,
		id, op.StatusFailed,
	); err != nil {
		return fmt.Errorf("failed to discard operation %s: %w", id, err)
	}
	return nil
}

// PendingCount returns the number of operations waiting to sync
// (queued plus in_flight).
func (q *Queue) PendingCount() (int, error) {
	return q.PendingCountContext(context.Background())
}

// PendingCountContext returns the pending count with context support.
func (q *Queue) PendingCountContext(ctx context.Context) (int, error) {
	var count int
	err := q.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM operations WHERE status IN (?, ?)`,
		op.StatusQueued, op.StatusInFlight,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return count, nil
}

// FailedCount returns the number of operations needing user attention.
func (q *Queue) FailedCount() (int, error) {
	return q.FailedCountContext(context.Background())
}

// FailedCountContext returns the failed count with context support.
func (q *Queue) FailedCountContext(ctx context.Context) (int, error) {
	var count int
	err := q.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM operations WHERE status = ?`,
		op.StatusFailed,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed operations: %w", err)
	}
	return count, nil
}

// FailedOperations returns the failed bucket in sequence order.
func (q *Queue) FailedOperations(ctx context.Context) ([]*op.Operation, error) {
	rows, err := q.conn.QueryContext(ctx, selectColumns+`
		FROM operations WHERE status = ? ORDER BY seq ASC`,
		op.StatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed operations: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// Get retrieves a single operation by ID.
// Returns sql.ErrNoRows if the operation is not found.
func (q *Queue) Get(ctx context.Context, id string) (*op.Operation, error) {
	row := q.conn.QueryRowContext(ctx, selectColumns+`
		FROM operations WHERE id = ?`, id)
	return scanOperation(row)
}

// LastFullDrain returns the timestamp of the most recent fully drained
// queue, or nil if the queue has never fully drained.
func (q *Queue) LastFullDrain(ctx context.Context) (*time.Time, error) {
	row := q.conn.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, metaLastFullDrain)

	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last full drain: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last full drain: %w", err)
	}
	return &t, nil
}

// SetLastFullDrain records the timestamp of a fully drained queue.
func (q *Queue) SetLastFullDrain(ctx context.Context, t time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.conn.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaLastFullDrain, t.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record last full drain: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT seq, id, entity_type, entity_id, kind, payload,
	       status, attempts, next_retry_at, last_error, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanOperation scans a single operation from a query result.
func scanOperation(row rowScanner) (*op.Operation, error) {
	var o op.Operation
	var payload string
	var nextRetry sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&o.Seq,
		&o.ID,
		&o.EntityType,
		&o.EntityID,
		&o.Kind,
		&payload,
		&o.Status,
		&o.Attempts,
		&nextRetry,
		&o.LastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload != "" {
		o.Payload = json.RawMessage(payload)
	}
	if nextRetry.Valid {
		t, err := time.Parse(time.RFC3339Nano, nextRetry.String)
		if err != nil {
			return nil, fmt.Errorf("operation %s has corrupt next_retry_at: %w", o.ID, err)
		}
		o.NextRetryAt = &t
	}
	if o.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("operation %s has corrupt created_at: %w", o.ID, err)
	}
	if o.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("operation %s has corrupt updated_at: %w", o.ID, err)
	}

	return &o, nil
}

// scanOperations scans multiple operations from query results.
func scanOperations(rows *sql.Rows) ([]*op.Operation, error) {
	var ops []*op.Operation
	for rows.Next() {
		o, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}
	return ops, nil
}
