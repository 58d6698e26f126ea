// Package queue implements the ready queue: four priority FIFOs with
// secondary indices for O(1) removal by task and by workflow. Only tasks
// whose dependencies have all completed are enqueued; dispatch order is
// strict priority first, FIFO within a priority.
package queue

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/gleitzeit/gleitzeit/workflow"
)

// ErrQueueFull is returned when the queue is at capacity. Submitters treat
// it as retryable backpressure; the engine never blocks on it.
var ErrQueueFull = errors.New("ready queue at capacity")

// DefaultCapacity bounds the queue when the configuration does not.
const DefaultCapacity = 10_000

// Entry is one ready task waiting for dispatch.
type Entry struct {
	// WorkflowID and TaskID identify the task.
	WorkflowID string
	TaskID     string

	// Priority is the effective dispatch priority. Aging may raise it above
	// the task's declared priority.
	Priority workflow.Priority

	// EnqueuedAt is when the entry first became ready. Promotion preserves
	// it so a starved task keeps climbing.
	EnqueuedAt time.Time

	// Promoted counts aging promotions applied to this entry.
	Promoted int
}

type entryKey struct {
	workflowID string
	taskID     string
}

// Queue is the four-level priority FIFO of ready tasks. Safe for concurrent
// use; the engine loop is the only consumer but observability reads come
// from elsewhere.
type Queue struct {
	mu         sync.Mutex
	capacity   int
	levels     [4]*list.List // indexed by Priority.Rank()
	byTask     map[entryKey]*list.Element
	byWorkflow map[string]map[string]struct{}
}

// New creates a queue bounded at capacity entries. Zero or negative means
// DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		capacity:   capacity,
		byTask:     make(map[entryKey]*list.Element),
		byWorkflow: make(map[string]map[string]struct{}),
	}
	for i := range q.levels {
		q.levels[i] = list.New()
	}
	return q
}

// Enqueue adds a ready task. Returns false without error when the task is
// already queued (idempotent re-enqueue), and ErrQueueFull at capacity.
func (q *Queue) Enqueue(e Entry) (bool, error) {
	rank := e.Priority.Rank()
	if rank < 0 {
		e.Priority = workflow.PriorityNormal
		rank = e.Priority.Rank()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	k := entryKey{e.WorkflowID, e.TaskID}
	if _, exists := q.byTask[k]; exists {
		return false, nil
	}
	if len(q.byTask) >= q.capacity {
		return false, ErrQueueFull
	}

	elem := q.levels[rank].PushBack(&e)
	q.byTask[k] = elem
	members, ok := q.byWorkflow[e.WorkflowID]
	if !ok {
		members = make(map[string]struct{})
		q.byWorkflow[e.WorkflowID] = members
	}
	members[e.TaskID] = struct{}{}
	return true, nil
}

// Next pops the head of the highest non-empty priority level.
func (q *Queue) Next() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for rank := len(q.levels) - 1; rank >= 0; rank-- {
		front := q.levels[rank].Front()
		if front == nil {
			continue
		}
		e := front.Value.(*Entry)
		q.levels[rank].Remove(front)
		q.drop(entryKey{e.WorkflowID, e.TaskID})
		return *e, true
	}
	return Entry{}, false
}

// Remove deletes one task's entry. Returns false when the task is not queued.
func (q *Queue) Remove(workflowID, taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	k := entryKey{workflowID, taskID}
	elem, ok := q.byTask[k]
	if !ok {
		return false
	}
	e := elem.Value.(*Entry)
	q.levels[e.Priority.Rank()].Remove(elem)
	q.drop(k)
	return true
}

// RemoveWorkflow deletes every queued entry of a workflow and returns the
// removed task ids.
func (q *Queue) RemoveWorkflow(workflowID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	members := q.byWorkflow[workflowID]
	if len(members) == 0 {
		return nil
	}
	removed := make([]string, 0, len(members))
	for taskID := range members {
		k := entryKey{workflowID, taskID}
		if elem, ok := q.byTask[k]; ok {
			e := elem.Value.(*Entry)
			q.levels[e.Priority.Rank()].Remove(elem)
			delete(q.byTask, k)
		}
		removed = append(removed, taskID)
	}
	delete(q.byWorkflow, workflowID)
	return removed
}

// Contains reports whether a task is currently queued.
func (q *Queue) Contains(workflowID, taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byTask[entryKey{workflowID, taskID}]
	return ok
}

// Len returns the total number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byTask)
}

// LenByPriority returns the queue depth per priority level.
func (q *Queue) LenByPriority() map[workflow.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	depths := make(map[workflow.Priority]int, len(q.levels))
	for _, p := range workflow.Priorities() {
		depths[p] = q.levels[p.Rank()].Len()
	}
	return depths
}

// Snapshot returns up to limit entries in dispatch order. Zero means all.
func (q *Queue) Snapshot(limit int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 || limit > len(q.byTask) {
		limit = len(q.byTask)
	}
	entries := make([]Entry, 0, limit)
	for rank := len(q.levels) - 1; rank >= 0 && len(entries) < limit; rank-- {
		for elem := q.levels[rank].Front(); elem != nil && len(entries) < limit; elem = elem.Next() {
			entries = append(entries, *elem.Value.(*Entry))
		}
	}
	return entries
}

// PromoteAged raises every entry that has waited at least threshold by one
// priority level and returns how many moved. Promotion keeps the original
// enqueue time, so an entry crosses the next threshold from where it
// started waiting, and appends at the tail of the higher level preserving
// relative order. Deterministic: no randomness, strictly threshold-based.
func (q *Queue) PromoteAged(now time.Time, threshold time.Duration) int {
	if threshold <= 0 {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	promoted := 0
	// Highest levels first so one call moves an entry at most one step.
	for rank := len(q.levels) - 2; rank >= 0; rank-- {
		elem := q.levels[rank].Front()
		for elem != nil {
			next := elem.Next()
			e := elem.Value.(*Entry)
			if now.Sub(e.EnqueuedAt) >= threshold*time.Duration(e.Promoted+1) {
				q.levels[rank].Remove(elem)
				e.Priority = priorityAtRank(rank + 1)
				e.Promoted++
				q.byTask[entryKey{e.WorkflowID, e.TaskID}] = q.levels[rank+1].PushBack(e)
				promoted++
			}
			elem = next
		}
	}
	return promoted
}

// drop removes index entries. Callers hold the lock.
func (q *Queue) drop(k entryKey) {
	delete(q.byTask, k)
	if members, ok := q.byWorkflow[k.workflowID]; ok {
		delete(members, k.taskID)
		if len(members) == 0 {
			delete(q.byWorkflow, k.workflowID)
		}
	}
}

func priorityAtRank(rank int) workflow.Priority {
	for _, p := range workflow.Priorities() {
		if p.Rank() == rank {
			return p
		}
	}
	return workflow.PriorityNormal
}
