package storage

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/gleitzeit/gleitzeit/workflow"
)

func TestFileStoreContract(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer store.Close()
	runStoreContract(t, store)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir, slog.Default())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.PutWorkflow(ctx, testWorkflow("wf1")); err != nil {
		t.Fatalf("PutWorkflow: %v", err)
	}
	if err := store.PutTask(ctx, testTask("wf1", "t1")); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	fireAt := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
	if err := store.UpsertRetry(ctx, RetryRecord{WorkflowID: "wf1", TaskID: "t1", Attempt: 2, FireAt: fireAt}); err != nil {
		t.Fatalf("UpsertRetry: %v", err)
	}
	store.Close()

	// A fresh store over the same directory sees everything.
	reopened, err := NewFileStore(dir, slog.Default())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	pending, err := reopened.EnumeratePending(ctx)
	if err != nil {
		t.Fatalf("EnumeratePending: %v", err)
	}
	if len(pending.Workflows) != 1 || pending.Workflows[0].ID != "wf1" {
		t.Fatalf("workflows = %+v", pending.Workflows)
	}
	if len(pending.Tasks["wf1"]) != 1 || pending.Tasks["wf1"][0].ID != "t1" {
		t.Fatalf("tasks = %+v", pending.Tasks)
	}
	if len(pending.Retries) != 1 {
		t.Fatalf("retries = %+v", pending.Retries)
	}
	if !pending.Retries[0].FireAt.Equal(fireAt) {
		t.Errorf("fire_at changed across restart: %s != %s", pending.Retries[0].FireAt, fireAt)
	}

	task, err := reopened.GetTask(ctx, "wf1", "t1")
	if err != nil {
		t.Fatalf("GetTask after reopen: %v", err)
	}
	if task.Status != workflow.TaskStatusQueued {
		t.Errorf("status = %s, want queued", task.Status)
	}
}

func TestFileStoreSkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir, slog.Default())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer store.Close()

	if err := store.PutWorkflow(ctx, testWorkflow("wf1")); err != nil {
		t.Fatalf("PutWorkflow: %v", err)
	}
	if err := store.PutTask(ctx, testTask("wf1", "t1")); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	// Hand-corrupt a retry record.
	if err := os.WriteFile(store.retryPath("wf1", "t9"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt record: %v", err)
	}

	pending, err := store.EnumeratePending(ctx)
	if err != nil {
		t.Fatalf("EnumeratePending: %v", err)
	}
	if pending.Corrupt != 1 {
		t.Errorf("corrupt count = %d, want 1", pending.Corrupt)
	}
	if len(pending.Workflows) != 1 {
		t.Errorf("corrupt record hid the workflow: %+v", pending.Workflows)
	}
}
