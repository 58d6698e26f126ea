package storage

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), RedisOptions{Addr: mr.Addr()}, slog.Default())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStoreContract(t *testing.T) {
	runStoreContract(t, newTestRedisStore(t))
}

func TestRedisStoreRetryOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)

	base := time.Now().UTC()
	for _, rec := range []RetryRecord{
		{WorkflowID: "wf1", TaskID: "late", Attempt: 2, FireAt: base.Add(30 * time.Second)},
		{WorkflowID: "wf1", TaskID: "early", Attempt: 2, FireAt: base.Add(5 * time.Second)},
		{WorkflowID: "wf2", TaskID: "future", Attempt: 2, FireAt: base.Add(time.Hour)},
	} {
		if err := store.UpsertRetry(ctx, rec); err != nil {
			t.Fatalf("UpsertRetry %s: %v", rec.TaskID, err)
		}
	}

	due, err := store.PopDueRetries(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("PopDueRetries: %v", err)
	}
	if len(due) != 2 || due[0].TaskID != "early" || due[1].TaskID != "late" {
		t.Fatalf("due = %+v, want [early late]", due)
	}

	// The future entry survives the pop.
	pending, err := store.EnumeratePending(ctx)
	if err != nil {
		t.Fatalf("EnumeratePending: %v", err)
	}
	if len(pending.Retries) != 1 || pending.Retries[0].TaskID != "future" {
		t.Fatalf("remaining retries = %+v", pending.Retries)
	}
}
