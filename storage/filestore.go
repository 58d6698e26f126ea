package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gleitzeit/gleitzeit/workflow"
)

// FileStore is the embedded backend: one JSON file per entity under a root
// directory. Writes go to a temp file in the same directory, are fsynced and
// renamed into place, so a successful write survives a crash. A single
// process owns the root; the mutex serializes read-modify-write sequences.
type FileStore struct {
	mu     sync.Mutex
	root   string
	logger *slog.Logger
}

// Directory layout under the root.
const (
	dirWorkflows = "workflows"
	dirTasks     = "tasks"
	dirResults   = "results"
	dirRetries   = "retries"
)

// NewFileStore opens (creating if needed) a file store rooted at dir.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, sub := range []string{dirWorkflows, dirTasks, dirResults, dirRetries} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return &FileStore{root: dir, logger: logger}, nil
}

func (s *FileStore) workflowPath(id string) string {
	return filepath.Join(s.root, dirWorkflows, id+".json")
}

func (s *FileStore) taskPath(workflowID, taskID string) string {
	return filepath.Join(s.root, dirTasks, workflowID, taskID+".json")
}

func (s *FileStore) resultPath(workflowID, taskID string) string {
	return filepath.Join(s.root, dirResults, workflowID, taskID+".json")
}

func (s *FileStore) retryPath(workflowID, taskID string) string {
	return filepath.Join(s.root, dirRetries, workflowID+":"+taskID+".json")
}

// writeJSON atomically replaces path with the JSON encoding of v.
func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// readJSON loads path into v, mapping missing files to ErrNotFound.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// PutTask writes a task unconditionally.
func (s *FileStore) PutTask(_ context.Context, task *workflow.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.taskPath(task.WorkflowID, task.ID), task)
}

// GetTask loads one task or ErrNotFound.
func (s *FileStore) GetTask(_ context.Context, workflowID, taskID string) (*workflow.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadTask(workflowID, taskID)
}

func (s *FileStore) loadTask(workflowID, taskID string) (*workflow.Task, error) {
	var task workflow.Task
	if err := readJSON(s.taskPath(workflowID, taskID), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTaskStatus transitions a task and applies mutate.
func (s *FileStore) UpdateTaskStatus(_ context.Context, workflowID, taskID string, status workflow.TaskStatus, mutate func(*workflow.Task)) (*workflow.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.loadTask(workflowID, taskID)
	if err != nil {
		return nil, err
	}
	if err := applyStatus(task, status, time.Now().UTC()); err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(task)
	}
	if err := writeJSON(s.taskPath(workflowID, taskID), task); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// ListTasksByWorkflow returns every task of a workflow in task-id order.
func (s *FileStore) ListTasksByWorkflow(_ context.Context, workflowID string) ([]*workflow.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.root, dirTasks, workflowID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	var tasks []*workflow.Task
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var task workflow.Task
		if err := readJSON(filepath.Join(s.root, dirTasks, workflowID, entry.Name()), &task); err != nil {
			s.logger.Warn("skipping unreadable task record",
				"workflow_id", workflowID, "file", entry.Name(), "error", err)
			continue
		}
		tasks = append(tasks, &task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// ListTasksByStatus scans every workflow directory. The file store is an
// embedded backend for modest workloads; the scan is acceptable there.
func (s *FileStore) ListTasksByStatus(ctx context.Context, status workflow.TaskStatus, limit int) ([]*workflow.Task, error) {
	workflowIDs, err := s.workflowDirs()
	if err != nil {
		return nil, err
	}

	var tasks []*workflow.Task
	for _, wfID := range workflowIDs {
		wfTasks, err := s.ListTasksByWorkflow(ctx, wfID)
		if err != nil {
			return nil, err
		}
		for _, t := range wfTasks {
			if t.Status == status {
				tasks = append(tasks, t)
				if limit > 0 && len(tasks) >= limit {
					return tasks, nil
				}
			}
		}
	}
	return tasks, nil
}

func (s *FileStore) workflowDirs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dirTasks))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list task directories: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// PutResult writes a task's canonical terminal result.
func (s *FileStore) PutResult(_ context.Context, result *workflow.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.resultPath(result.WorkflowID, result.TaskID), result)
}

// GetResult loads a task's result or ErrNotFound.
func (s *FileStore) GetResult(_ context.Context, workflowID, taskID string) (*workflow.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result workflow.TaskResult
	if err := readJSON(s.resultPath(workflowID, taskID), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PutWorkflow writes a workflow unconditionally.
func (s *FileStore) PutWorkflow(_ context.Context, wf *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.workflowPath(wf.ID), wf)
}

// GetWorkflow loads one workflow or ErrNotFound.
func (s *FileStore) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadWorkflow(id)
}

func (s *FileStore) loadWorkflow(id string) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	if err := readJSON(s.workflowPath(id), &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// UpdateWorkflow applies mutate and persists the result.
func (s *FileStore) UpdateWorkflow(_ context.Context, id string, mutate func(*workflow.Workflow) error) (*workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, err := s.loadWorkflow(id)
	if err != nil {
		return nil, err
	}
	if err := mutate(wf); err != nil {
		return nil, err
	}
	if err := writeJSON(s.workflowPath(id), wf); err != nil {
		return nil, err
	}
	return wf.Clone(), nil
}

// ListWorkflows returns up to limit workflows, filtered by status.
func (s *FileStore) ListWorkflows(_ context.Context, status workflow.WorkflowStatus, limit int) ([]*workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.root, dirWorkflows))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	var wfs []*workflow.Workflow
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var wf workflow.Workflow
		if err := readJSON(filepath.Join(s.root, dirWorkflows, entry.Name()), &wf); err != nil {
			s.logger.Warn("skipping unreadable workflow record", "file", entry.Name(), "error", err)
			continue
		}
		if status != "" && wf.Status != status {
			continue
		}
		wfs = append(wfs, &wf)
	}
	sort.Slice(wfs, func(i, j int) bool { return wfs[i].ID < wfs[j].ID })
	if limit > 0 && len(wfs) > limit {
		wfs = wfs[:limit]
	}
	return wfs, nil
}

// UpsertRetry persists a scheduled retry, replacing any previous entry.
func (s *FileStore) UpsertRetry(_ context.Context, rec RetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.retryPath(rec.WorkflowID, rec.TaskID), rec)
}

// DeleteRetry removes a task's scheduled retry.
func (s *FileStore) DeleteRetry(_ context.Context, workflowID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.retryPath(workflowID, taskID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete retry: %w", err)
	}
	return nil
}

// PopDueRetries atomically removes and returns every due retry.
func (s *FileStore) PopDueRetries(_ context.Context, now time.Time) ([]RetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, _, err := s.loadRetries()
	if err != nil {
		return nil, err
	}
	var due []RetryRecord
	for _, rec := range recs {
		if rec.FireAt.After(now) {
			continue
		}
		if err := os.Remove(s.retryPath(rec.WorkflowID, rec.TaskID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("pop retry: %w", err)
		}
		due = append(due, rec)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	return due, nil
}

func (s *FileStore) loadRetries() ([]RetryRecord, int, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dirRetries))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("list retries: %w", err)
	}
	var recs []RetryRecord
	corrupt := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var rec RetryRecord
		if err := readJSON(filepath.Join(s.root, dirRetries, entry.Name()), &rec); err != nil {
			s.logger.Warn("skipping unreadable retry record", "file", entry.Name(), "error", err)
			corrupt++
			continue
		}
		recs = append(recs, rec)
	}
	return recs, corrupt, nil
}

// EnumeratePending loads the full recovery state by walking the directories.
func (s *FileStore) EnumeratePending(ctx context.Context) (*PendingState, error) {
	wfs, err := s.ListWorkflows(ctx, "", 0)
	if err != nil {
		return nil, err
	}

	pending := &PendingState{Tasks: make(map[string][]*workflow.Task)}
	for _, wf := range wfs {
		if wf.Status.IsTerminal() {
			continue
		}
		pending.Workflows = append(pending.Workflows, wf)
		tasks, err := s.ListTasksByWorkflow(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		pending.Tasks[wf.ID] = tasks
	}

	s.mu.Lock()
	recs, corrupt, err := s.loadRetries()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].FireAt.Before(recs[j].FireAt) })
	pending.Retries = recs
	pending.Corrupt = corrupt
	return pending, nil
}

// Ping verifies the root directory is accessible.
func (s *FileStore) Ping(context.Context) error {
	_, err := os.Stat(s.root)
	return err
}

// Close releases nothing; file handles are not held between calls.
func (s *FileStore) Close() error { return nil }
