package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/backoff"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/op"
)

// setupTestQueue creates a temporary queue database for testing.
func setupTestQueue(t *testing.T) *Queue {
	t.Helper()

	q, err := Open(filepath.Join(t.TempDir(), "queue.db"), testPolicy())
	if err != nil {
		t.Fatalf("failed to open test queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func testPolicy() backoff.Policy {
	return backoff.Policy{Base: time.Second, Max: time.Minute, Multiplier: 2, MaxAttempts: 3}
}

func enqueue(t *testing.T, q *Queue, et op.EntityType, eid string, kind op.Kind, payload string) *op.Operation {
	t.Helper()

	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	o, err := q.Enqueue(context.Background(), op.New(et, eid, kind, raw))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return o
}

func TestEnqueueAssignsIncreasingSequence(t *testing.T) {
	q := setupTestQueue(t)

	a := enqueue(t, q, op.EntityTask, "task-1", op.KindCreate, `{"title":"a"}`)
	b := enqueue(t, q, op.EntityCircle, "circle-1", op.KindCreate, `{"name":"b"}`)
	c := enqueue(t, q, op.EntityPact, "pact-1", op.KindCreate, `{"goal":"c"}`)

	if !(a.Seq < b.Seq && b.Seq < c.Seq) {
		t.Errorf("expected strictly increasing sequence, got %d, %d, %d", a.Seq, b.Seq, c.Seq)
	}
}

func TestEnqueueCollapsesSameLogicalChange(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	first := enqueue(t, q, op.EntityTask, "task-1", op.KindUpdate, `{"title":"old"}`)
	second := enqueue(t, q, op.EntityTask, "task-1", op.KindUpdate, `{"title":"new"}`)

	if second.Seq != first.Seq {
		t.Errorf("collapsed op should keep original seq %d, got %d", first.Seq, second.Seq)
	}

	count, err := q.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("superseded update must not double-count: expected 1 pending, got %d", count)
	}

	got, err := q.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Payload) != `{"title":"new"}` {
		t.Errorf("latest payload should win, got %s", got.Payload)
	}
}

func TestEnqueueCollapseResetsRetryMetadata(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	first := enqueue(t, q, op.EntityTask, "task-1", op.KindUpdate, `{"title":"old"}`)

	// Simulate a transient failure so retry metadata is populated.
	if err := q.MarkInFlight(ctx, first.ID); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}
	status, err := q.MarkFailed(ctx, first.ID, "timeout", false)
	if err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if status != op.StatusQueued {
		t.Fatalf("transient failure should requeue, got %s", status)
	}

	enqueue(t, q, op.EntityTask, "task-1", op.KindUpdate, `{"title":"new"}`)

	got, err := q.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Attempts != 0 || got.NextRetryAt != nil || got.LastError != "" {
		t.Errorf("collapse should reset retry metadata, got attempts=%d next=%v err=%q",
			got.Attempts, got.NextRetryAt, got.LastError)
	}
}

func TestEnqueueMergesUpdateIntoQueuedCreate(t *testing.T) {
	// Spec scenario: create task A, update task A's title, delete task B
	// collapses to two operations.
	q := setupTestQueue(t)
	ctx := context.Background()

	create := enqueue(t, q, op.EntityTask, "task-a", op.KindCreate, `{"title":"draft","done":false}`)
	enqueue(t, q, op.EntityTask, "task-a", op.KindUpdate, `{"title":"final"}`)
	enqueue(t, q, op.EntityTask, "task-b", op.KindDelete, "")

	count, err := q.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected queue to collapse to 2 operations, got %d", count)
	}

	got, err := q.Get(ctx, create.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Kind != op.KindCreate {
		t.Errorf("merged op should stay a create, got %s", got.Kind)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("merged payload is not valid JSON: %v", err)
	}
	if payload["title"] != "final" {
		t.Errorf("update field should win in merge, got title=%v", payload["title"])
	}
	if payload["done"] != false {
		t.Errorf("untouched create field should survive merge, got done=%v", payload["done"])
	}
}

func TestEnqueueDoesNotCollapseIntoInFlight(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	first := enqueue(t, q, op.EntityTask, "task-1", op.KindUpdate, `{"title":"sending"}`)
	if err := q.MarkInFlight(ctx, first.ID); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}

	second := enqueue(t, q, op.EntityTask, "task-1", op.KindUpdate, `{"title":"newer"}`)
	if second.ID == first.ID {
		t.Error("an in-flight operation must not absorb newer changes")
	}

	count, _ := q.PendingCount()
	if count != 2 {
		t.Errorf("expected 2 pending (1 in flight + 1 queued), got %d", count)
	}
}

func TestDrainBatchFIFOOrder(t *testing.T) {
	q := setupTestQueue(t)

	enqueue(t, q, op.EntityTask, "task-1", op.KindCreate, `{}`)
	enqueue(t, q, op.EntityCircle, "circle-1", op.KindCreate, `{}`)
	enqueue(t, q, op.EntityTask, "task-1", op.KindUpdate, `{}`)

	batch, err := q.DrainBatch(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("DrainBatch failed: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(batch))
	}
	for i := 1; i < len(batch); i++ {
		if batch[i].Seq <= batch[i-1].Seq {
			t.Errorf("batch out of order at %d: seq %d after %d", i, batch[i].Seq, batch[i-1].Seq)
		}
	}
}

func TestDrainBatchBlocksEntityBehindFailure(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	bad := enqueue(t, q, op.EntityTask, "task-1", op.KindCreate, `{}`)
	enqueue(t, q, op.EntityTask, "task-1", op.KindUpdate, `{}`)
	other := enqueue(t, q, op.EntityCircle, "circle-1", op.KindCreate, `{}`)

	if _, err := q.MarkFailed(ctx, bad.ID, "conflict", true); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	batch, err := q.DrainBatch(ctx, time.Now())
	if err != nil {
		t.Fatalf("DrainBatch failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected only the unrelated entity's op, got %d ops", len(batch))
	}
	if batch[0].ID != other.ID {
		t.Errorf("expected op %s, got %s", other.ID, batch[0].ID)
	}
}

func TestDrainBatchHonorsBackoffDeadline(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	o := enqueue(t, q, op.EntityTask, "task-1", op.KindCreate, `{}`)
	if err := q.MarkInFlight(ctx, o.ID); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}
	if _, err := q.MarkFailed(ctx, o.ID, "timeout", false); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	now := time.Now()
	batch, err := q.DrainBatch(ctx, now)
	if err != nil {
		t.Fatalf("DrainBatch failed: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("op inside its backoff window should not drain, got %d ops", len(batch))
	}

	batch, err = q.DrainBatch(ctx, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("DrainBatch failed: %v", err)
	}
	if len(batch) != 1 {
		t.Errorf("op past its backoff deadline should drain, got %d ops", len(batch))
	}
}

func TestMarkFailedTransientConvertsAtBudget(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	o := enqueue(t, q, op.EntityTask, "task-1", op.KindCreate, `{}`)

	// Budget is 3: two failures requeue, the third converts to permanent.
	for i := 1; i <= 2; i++ {
		status, err := q.MarkFailed(ctx, o.ID, "timeout", false)
		if err != nil {
			t.Fatalf("MarkFailed %d failed: %v", i, err)
		}
		if status != op.StatusQueued {
			t.Fatalf("failure %d should requeue, got %s", i, status)
		}

		got, _ := q.Get(ctx, o.ID)
		if got.Attempts != i {
			t.Errorf("expected %d attempts, got %d", i, got.Attempts)
		}
		if got.NextRetryAt == nil {
			t.Error("requeued op should have a retry deadline")
		}
	}

	status, err := q.MarkFailed(ctx, o.ID, "timeout", false)
	if err != nil {
		t.Fatalf("final MarkFailed failed: %v", err)
	}
	if status != op.StatusFailed {
		t.Errorf("exhausted budget should convert to failed, got %s", status)
	}

	failed, _ := q.FailedCount()
	if failed != 1 {
		t.Errorf("expected 1 failed operation, got %d", failed)
	}
}

func TestBackoffDelayGrowsBetweenAttempts(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	o := enqueue(t, q, op.EntityTask, "task-1", op.KindCreate, `{}`)

	var prev time.Duration
	for i := 1; i <= 2; i++ {
		before := time.Now()
		if _, err := q.MarkFailed(ctx, o.ID, "timeout", false); err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
		got, _ := q.Get(ctx, o.ID)
		delay := got.NextRetryAt.Sub(before)
		if delay <= prev {
			t.Errorf("attempt %d: delay %v should exceed previous %v", i, delay, prev)
		}
		prev = delay
	}
}

func TestMarkSucceededPurges(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	o := enqueue(t, q, op.EntityTask, "task-1", op.KindCreate, `{}`)
	if err := q.MarkInFlight(ctx, o.ID); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}
	if err := q.MarkSucceeded(ctx, o.ID); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}

	count, _ := q.PendingCount()
	if count != 0 {
		t.Errorf("succeeded op should be purged, got %d pending", count)
	}

	// Idempotent on missing operations.
	if err := q.MarkSucceeded(ctx, "no-such-op"); err != nil {
		t.Errorf("MarkSucceeded on missing op should be nil, got %v", err)
	}
}

func TestInFlightRecoveredOnReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	ctx := context.Background()

	q, err := Open(path, testPolicy())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	o, err := q.Enqueue(ctx, op.New(op.EntityTask, "task-1", op.KindCreate, json.RawMessage(`{}`)))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.MarkInFlight(ctx, o.ID); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen simulates process restart mid-drain.
	q2, err := Open(path, testPolicy())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer q2.Close()

	got, err := q2.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got.Status != op.StatusQueued {
		t.Errorf("in-flight op should be requeued on reopen, got %s", got.Status)
	}
}

func TestRetryFailedAndDiscard(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	a := enqueue(t, q, op.EntityTask, "task-1", op.KindCreate, `{}`)
	b := enqueue(t, q, op.EntityCircle, "circle-1", op.KindCreate, `{}`)
	if _, err := q.MarkFailed(ctx, a.ID, "conflict", true); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if _, err := q.MarkFailed(ctx, b.ID, "rejected", true); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	failed, err := q.FailedOperations(ctx)
	if err != nil {
		t.Fatalf("FailedOperations failed: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("expected 2 failed operations, got %d", len(failed))
	}

	if err := q.DiscardFailed(ctx, a.ID); err != nil {
		t.Fatalf("DiscardFailed failed: %v", err)
	}

	n, err := q.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 operation retried, got %d", n)
	}

	got, err := q.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != op.StatusQueued || got.Attempts != 0 {
		t.Errorf("retried op should be queued with fresh budget, got %s attempts=%d", got.Status, got.Attempts)
	}
}

func TestLastFullDrainRoundTrip(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	got, err := q.LastFullDrain(ctx)
	if err != nil {
		t.Fatalf("LastFullDrain failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil before any full drain, got %v", got)
	}

	want := time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC)
	if err := q.SetLastFullDrain(ctx, want); err != nil {
		t.Fatalf("SetLastFullDrain failed: %v", err)
	}

	got, err = q.LastFullDrain(ctx)
	if err != nil {
		t.Fatalf("LastFullDrain failed: %v", err)
	}
	if got == nil || !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestConcurrentEnqueueKeepsOrderingIntact(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	const n = 20
	errChan := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			o := op.New(op.EntityTask, entityID(i), op.KindCreate, json.RawMessage(`{}`))
			_, err := q.Enqueue(ctx, o)
			errChan <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errChan; err != nil {
			t.Fatalf("concurrent enqueue failed: %v", err)
		}
	}

	batch, err := q.DrainBatch(ctx, time.Now())
	if err != nil {
		t.Fatalf("DrainBatch failed: %v", err)
	}
	if len(batch) != n {
		t.Fatalf("expected %d operations, got %d", n, len(batch))
	}

	seen := make(map[int64]bool)
	for _, o := range batch {
		if seen[o.Seq] {
			t.Errorf("duplicate sequence number %d", o.Seq)
		}
		seen[o.Seq] = true
	}
}

func entityID(i int) string {
	return "task-" + string(rune('a'+i%26)) + "-" + string(rune('0'+i/26))
}

func TestGetRejectsCorruptTimestamp(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	o := enqueue(t, q, op.EntityTask, "task-1", op.KindCreate, `{"title":"a"}`)

	if _, err := q.conn.ExecContext(ctx,
		`UPDATE operations SET created_at = 'not-a-timestamp' WHERE id = ?`, o.ID); err != nil {
		t.Fatalf("corrupting row failed: %v", err)
	}

	if _, err := q.Get(ctx, o.ID); err == nil {
		t.Fatal("expected Get to report the corrupt created_at, got nil error")
	}

	if _, err := q.conn.ExecContext(ctx,
		`UPDATE operations SET created_at = ?, next_retry_at = 'soon' WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), o.ID); err != nil {
		t.Fatalf("corrupting next_retry_at failed: %v", err)
	}

	if _, err := q.DrainBatch(ctx, time.Now()); err == nil {
		t.Fatal("expected DrainBatch to report the corrupt next_retry_at, got nil error")
	}
}
