package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/gleitzeit/gleitzeit/workflow"
)

func entry(wf, task string, p workflow.Priority) Entry {
	return Entry{WorkflowID: wf, TaskID: task, Priority: p}
}

func TestPriorityOrdering(t *testing.T) {
	q := New(0)

	// S6: {A:low, B:urgent, C:normal} dispatches B, C, A.
	for _, e := range []Entry{
		entry("wf", "A", workflow.PriorityLow),
		entry("wf", "B", workflow.PriorityUrgent),
		entry("wf", "C", workflow.PriorityNormal),
	} {
		if ok, err := q.Enqueue(e); !ok || err != nil {
			t.Fatalf("Enqueue(%s) = %v, %v", e.TaskID, ok, err)
		}
	}

	want := []string{"B", "C", "A"}
	for _, id := range want {
		e, ok := q.Next()
		if !ok {
			t.Fatalf("queue exhausted before %s", id)
		}
		if e.TaskID != id {
			t.Errorf("Next() = %s, want %s", e.TaskID, id)
		}
	}
	if _, ok := q.Next(); ok {
		t.Error("queue should be empty")
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New(0)
	for i := 0; i < 5; i++ {
		q.Enqueue(entry("wf", fmt.Sprintf("t%d", i), workflow.PriorityNormal))
	}
	for i := 0; i < 5; i++ {
		e, ok := q.Next()
		if !ok || e.TaskID != fmt.Sprintf("t%d", i) {
			t.Fatalf("dequeue %d: got %q", i, e.TaskID)
		}
	}
}

func TestDuplicateEnqueueIsNoop(t *testing.T) {
	q := New(0)
	if ok, _ := q.Enqueue(entry("wf", "t1", workflow.PriorityNormal)); !ok {
		t.Fatal("first enqueue should succeed")
	}
	if ok, err := q.Enqueue(entry("wf", "t1", workflow.PriorityUrgent)); ok || err != nil {
		t.Fatalf("duplicate enqueue = %v, %v; want false, nil", ok, err)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestCapacityRejection(t *testing.T) {
	q := New(2)
	q.Enqueue(entry("wf", "t1", workflow.PriorityNormal))
	q.Enqueue(entry("wf", "t2", workflow.PriorityNormal))

	_, err := q.Enqueue(entry("wf", "t3", workflow.PriorityNormal))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("over-capacity enqueue = %v, want ErrQueueFull", err)
	}
	// No partial state: t3 is absent everywhere.
	if q.Contains("wf", "t3") {
		t.Error("rejected entry must not be indexed")
	}

	// Draining frees capacity.
	q.Next()
	if ok, err := q.Enqueue(entry("wf", "t3", workflow.PriorityNormal)); !ok || err != nil {
		t.Fatalf("enqueue after drain = %v, %v", ok, err)
	}
}

func TestRemove(t *testing.T) {
	q := New(0)
	q.Enqueue(entry("wf", "t1", workflow.PriorityHigh))
	q.Enqueue(entry("wf", "t2", workflow.PriorityHigh))

	if !q.Remove("wf", "t1") {
		t.Fatal("Remove should find t1")
	}
	if q.Remove("wf", "t1") {
		t.Error("second Remove should report missing")
	}
	e, ok := q.Next()
	if !ok || e.TaskID != "t2" {
		t.Fatalf("Next() = %q, want t2", e.TaskID)
	}
}

func TestRemoveWorkflow(t *testing.T) {
	q := New(0)
	q.Enqueue(entry("wf1", "t1", workflow.PriorityNormal))
	q.Enqueue(entry("wf1", "t2", workflow.PriorityUrgent))
	q.Enqueue(entry("wf2", "t1", workflow.PriorityNormal))

	removed := q.RemoveWorkflow("wf1")
	if len(removed) != 2 {
		t.Fatalf("RemoveWorkflow removed %v, want 2 tasks", removed)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
	e, _ := q.Next()
	if e.WorkflowID != "wf2" {
		t.Errorf("surviving entry = %s/%s", e.WorkflowID, e.TaskID)
	}
}

func TestPromoteAged(t *testing.T) {
	q := New(0)
	now := time.Now().UTC()

	old := Entry{WorkflowID: "wf", TaskID: "old", Priority: workflow.PriorityLow, EnqueuedAt: now.Add(-2 * time.Minute)}
	fresh := Entry{WorkflowID: "wf", TaskID: "fresh", Priority: workflow.PriorityLow, EnqueuedAt: now}
	q.Enqueue(old)
	q.Enqueue(fresh)

	if n := q.PromoteAged(now, time.Minute); n != 1 {
		t.Fatalf("PromoteAged = %d, want 1", n)
	}
	e, _ := q.Next()
	if e.TaskID != "old" || e.Priority != workflow.PriorityNormal {
		t.Errorf("promoted entry = %s at %s, want old at normal", e.TaskID, e.Priority)
	}

	// One promotion per threshold crossed: the same wait does not promote
	// again until another full threshold passes.
	q.Enqueue(e)
	if n := q.PromoteAged(now, time.Minute); n != 0 {
		t.Errorf("immediate re-promotion = %d, want 0", n)
	}
	if n := q.PromoteAged(now.Add(time.Minute), time.Minute); n != 1 {
		t.Errorf("promotion after second threshold = %d, want 1", n)
	}
}

func TestPromoteAgedStopsAtUrgent(t *testing.T) {
	q := New(0)
	q.Enqueue(Entry{
		WorkflowID: "wf", TaskID: "t", Priority: workflow.PriorityUrgent,
		EnqueuedAt: time.Now().Add(-time.Hour),
	})
	if n := q.PromoteAged(time.Now(), time.Minute); n != 0 {
		t.Errorf("urgent entries must not promote, got %d", n)
	}
}

func TestSnapshotOrder(t *testing.T) {
	q := New(0)
	q.Enqueue(entry("wf", "low", workflow.PriorityLow))
	q.Enqueue(entry("wf", "urgent", workflow.PriorityUrgent))
	q.Enqueue(entry("wf", "normal", workflow.PriorityNormal))

	snap := q.Snapshot(2)
	if len(snap) != 2 || snap[0].TaskID != "urgent" || snap[1].TaskID != "normal" {
		t.Fatalf("Snapshot(2) = %+v", snap)
	}
	if q.Len() != 3 {
		t.Error("Snapshot must not consume entries")
	}
}

// Dequeue order is a stable sort of enqueue order by priority rank:
// priorities strictly descend, and within a priority the original order is
// preserved, for any interleaving.
func TestDequeueOrderProperty(t *testing.T) {
	priorities := workflow.Priorities()

	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("strict priority then FIFO", prop.ForAll(
		func(ranks []int) bool {
			q := New(0)
			seq := make(map[string]int, len(ranks))
			for i, r := range ranks {
				id := fmt.Sprintf("t%d", i)
				seq[id] = i
				if ok, err := q.Enqueue(entry("wf", id, priorities[r%len(priorities)])); !ok || err != nil {
					return false
				}
			}
			prevRank := 1 << 10
			lastSeq := make(map[int]int)
			for {
				e, ok := q.Next()
				if !ok {
					break
				}
				rank := e.Priority.Rank()
				if rank > prevRank {
					return false
				}
				if last, seen := lastSeq[rank]; seen && seq[e.TaskID] < last {
					return false
				}
				lastSeq[rank] = seq[e.TaskID]
				prevRank = rank
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(priorities)-1)),
	))
	properties.TestingRun(t)
}
