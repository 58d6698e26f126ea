package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/gleitzeit/gleitzeit/storage"
)

func newTestScheduler(t *testing.T) (*Scheduler, *storage.MemStore) {
	t.Helper()
	store := storage.NewMemStore()
	s := New(store, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	s.Start(ctx)
	return s, store
}

func waitDue(t *testing.T, s *Scheduler, within time.Duration) storage.RetryRecord {
	t.Helper()
	select {
	case rec := <-s.Due():
		return rec
	case <-time.After(within):
		t.Fatal("retry did not fire in time")
		return storage.RetryRecord{}
	}
}

func TestSchedulerFiresAtOrAfterFireAt(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	fireAt := time.Now().UTC().Add(50 * time.Millisecond)
	if err := s.Schedule(ctx, storage.RetryRecord{
		WorkflowID: "wf1", TaskID: "t1", Attempt: 2, FireAt: fireAt,
	}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	rec := waitDue(t, s, 2*time.Second)
	if rec.TaskID != "t1" || rec.Attempt != 2 {
		t.Fatalf("fired %+v", rec)
	}
	if now := time.Now().UTC(); now.Before(fireAt) {
		t.Errorf("fired %s before fire_at %s", now, fireAt)
	}
	if s.Len() != 0 {
		t.Errorf("entry still pending after firing")
	}
}

func TestSchedulerPersistsBeforeArming(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx := context.Background()

	fireAt := time.Now().UTC().Add(time.Hour)
	if err := s.Schedule(ctx, storage.RetryRecord{
		WorkflowID: "wf1", TaskID: "t1", Attempt: 2, FireAt: fireAt,
	}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	pending, err := store.EnumeratePending(ctx)
	if err != nil {
		t.Fatalf("EnumeratePending: %v", err)
	}
	if len(pending.Retries) != 1 || pending.Retries[0].TaskID != "t1" {
		t.Fatalf("retry not persisted: %+v", pending.Retries)
	}
}

func TestSchedulerFiresInOrder(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	base := time.Now().UTC()
	// Scheduled out of order; must fire by fire_at order.
	for _, rec := range []storage.RetryRecord{
		{WorkflowID: "wf1", TaskID: "second", Attempt: 2, FireAt: base.Add(80 * time.Millisecond)},
		{WorkflowID: "wf1", TaskID: "first", Attempt: 2, FireAt: base.Add(30 * time.Millisecond)},
	} {
		if err := s.Schedule(ctx, rec); err != nil {
			t.Fatalf("Schedule %s: %v", rec.TaskID, err)
		}
	}

	if rec := waitDue(t, s, 2*time.Second); rec.TaskID != "first" {
		t.Fatalf("first fired = %s", rec.TaskID)
	}
	if rec := waitDue(t, s, 2*time.Second); rec.TaskID != "second" {
		t.Fatalf("second fired = %s", rec.TaskID)
	}
}

func TestSchedulerCancelSuppressesFiring(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx := context.Background()

	if err := s.Schedule(ctx, storage.RetryRecord{
		WorkflowID: "wf1", TaskID: "t1", Attempt: 2,
		FireAt: time.Now().UTC().Add(60 * time.Millisecond),
	}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := s.Cancel(ctx, "wf1", "t1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case rec := <-s.Due():
		t.Fatalf("cancelled retry fired: %+v", rec)
	case <-time.After(200 * time.Millisecond):
	}

	pending, _ := store.EnumeratePending(ctx)
	if len(pending.Retries) != 0 {
		t.Errorf("cancelled retry still persisted: %+v", pending.Retries)
	}
}

func TestSchedulerCancelWorkflow(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	for _, taskID := range []string{"t1", "t2"} {
		if err := s.Schedule(ctx, storage.RetryRecord{
			WorkflowID: "wf1", TaskID: taskID, Attempt: 2, FireAt: future,
		}); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	if err := s.Schedule(ctx, storage.RetryRecord{
		WorkflowID: "wf2", TaskID: "t1", Attempt: 2, FireAt: future,
	}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if err := s.CancelWorkflow(ctx, "wf1"); err != nil {
		t.Fatalf("CancelWorkflow: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("pending = %d, want only wf2's entry", s.Len())
	}
}

func TestSchedulerRestoreFiresPastDueImmediately(t *testing.T) {
	s, _ := newTestScheduler(t)

	// A retry whose fire_at passed while the process was down.
	s.Restore([]storage.RetryRecord{{
		WorkflowID: "wf1", TaskID: "t1", Attempt: 3,
		FireAt: time.Now().UTC().Add(-time.Minute),
	}})

	rec := waitDue(t, s, 2*time.Second)
	if rec.TaskID != "t1" || rec.Attempt != 3 {
		t.Fatalf("restored retry fired as %+v", rec)
	}
}

func TestSchedulerRescheduleReplacesEntry(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	if err := s.Schedule(ctx, storage.RetryRecord{
		WorkflowID: "wf1", TaskID: "t1", Attempt: 2,
		FireAt: time.Now().UTC().Add(time.Hour),
	}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	// Replacing with a sooner time must fire once, with the new attempt.
	if err := s.Schedule(ctx, storage.RetryRecord{
		WorkflowID: "wf1", TaskID: "t1", Attempt: 3,
		FireAt: time.Now().UTC().Add(30 * time.Millisecond),
	}); err != nil {
		t.Fatalf("Schedule replace: %v", err)
	}

	rec := waitDue(t, s, 2*time.Second)
	if rec.Attempt != 3 {
		t.Fatalf("fired attempt %d, want 3", rec.Attempt)
	}
	select {
	case rec := <-s.Due():
		t.Fatalf("replaced entry fired twice: %+v", rec)
	case <-time.After(150 * time.Millisecond):
	}
}
