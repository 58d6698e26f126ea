package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gleitzeit/gleitzeit/storage"
)

// RetryStore is the slice of the persistence contract the scheduler needs.
type RetryStore interface {
	UpsertRetry(ctx context.Context, rec storage.RetryRecord) error
	DeleteRetry(ctx context.Context, workflowID, taskID string) error
}

type entryKey struct {
	workflowID string
	taskID     string
}

type entry struct {
	rec   storage.RetryRecord
	index int // heap position, -1 when removed
}

// retryHeap is a min-heap ordered by fire time.
type retryHeap []*entry

func (h retryHeap) Len() int            { return len(h) }
func (h retryHeap) Less(i, j int) bool  { return h[i].rec.FireAt.Before(h[j].rec.FireAt) }
func (h retryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *retryHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler owns the retry heap and a single timer goroutine that delivers
// due records on the output channel. It never touches task state; the engine
// makes every status transition.
type Scheduler struct {
	store  RetryStore
	logger *slog.Logger
	clock  func() time.Time

	mu    sync.Mutex
	heap  retryHeap
	index map[entryKey]*entry

	out  chan storage.RetryRecord
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// New creates a scheduler writing through to store.
func New(store RetryStore, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  store,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
		index:  make(map[entryKey]*entry),
		out:    make(chan storage.RetryRecord, 64),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Due is the stream of fired retries, consumed by the engine loop.
func (s *Scheduler) Due() <-chan storage.RetryRecord {
	return s.out
}

// Start runs the timer goroutine until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.once.Do(func() {
		go s.run(ctx)
	})
}

// Done is closed when the timer goroutine has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Schedule persists the retry, then arms it in memory. The write-through
// order means a crash after Schedule returns still fires the retry at
// recovery.
func (s *Scheduler) Schedule(ctx context.Context, rec storage.RetryRecord) error {
	if err := s.store.UpsertRetry(ctx, rec); err != nil {
		return fmt.Errorf("persist retry %s/%s: %w", rec.WorkflowID, rec.TaskID, err)
	}
	s.arm(rec)
	return nil
}

// Restore re-arms persisted entries at recovery without re-writing them.
// Original fire times are preserved; past-due entries fire immediately.
func (s *Scheduler) Restore(recs []storage.RetryRecord) {
	for _, rec := range recs {
		s.arm(rec)
	}
}

// Cancel removes a task's pending retry from the heap and the store.
func (s *Scheduler) Cancel(ctx context.Context, workflowID, taskID string) error {
	s.mu.Lock()
	k := entryKey{workflowID, taskID}
	if e, ok := s.index[k]; ok {
		delete(s.index, k)
		if e.index >= 0 {
			heap.Remove(&s.heap, e.index)
		}
	}
	s.mu.Unlock()
	s.kick()
	return s.store.DeleteRetry(ctx, workflowID, taskID)
}

// CancelWorkflow removes every pending retry of a workflow.
func (s *Scheduler) CancelWorkflow(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	var cancelled []entryKey
	for k, e := range s.index {
		if k.workflowID != workflowID {
			continue
		}
		cancelled = append(cancelled, k)
		delete(s.index, k)
		if e.index >= 0 {
			heap.Remove(&s.heap, e.index)
		}
	}
	s.mu.Unlock()
	s.kick()

	var firstErr error
	for _, k := range cancelled {
		if err := s.store.DeleteRetry(ctx, k.workflowID, k.taskID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len returns the number of pending retries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// arm inserts or replaces the in-memory entry and pokes the timer.
func (s *Scheduler) arm(rec storage.RetryRecord) {
	s.mu.Lock()
	k := entryKey{rec.WorkflowID, rec.TaskID}
	if old, ok := s.index[k]; ok && old.index >= 0 {
		heap.Remove(&s.heap, old.index)
	}
	e := &entry{rec: rec}
	s.index[k] = e
	heap.Push(&s.heap, e)
	s.mu.Unlock()
	s.kick()
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run waits for the earliest entry to come due and drains everything due in
// one pass. One timer serves the whole heap.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		if len(s.heap) == 0 {
			wait = time.Hour
		} else {
			wait = s.heap[0].rec.FireAt.Sub(s.clock())
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			// Head changed; recompute the wait.
		case <-timer.C:
			for _, rec := range s.popDue() {
				if err := s.store.DeleteRetry(ctx, rec.WorkflowID, rec.TaskID); err != nil {
					s.logger.Warn("failed to clear fired retry",
						"workflow_id", rec.WorkflowID, "task_id", rec.TaskID, "error", err)
				}
				select {
				case s.out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// popDue removes every entry with fire_at <= now from the heap.
func (s *Scheduler) popDue() []storage.RetryRecord {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []storage.RetryRecord
	for len(s.heap) > 0 && !s.heap[0].rec.FireAt.After(now) {
		e := heap.Pop(&s.heap).(*entry)
		delete(s.index, entryKey{e.rec.WorkflowID, e.rec.TaskID})
		due = append(due, e.rec)
	}
	return due
}
