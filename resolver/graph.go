// Package resolver tracks dependencies between the tasks of a workflow:
// cycle detection at ingestion, readiness propagation as tasks complete,
// and parameter substitution against completed dependency results.
package resolver

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gleitzeit/gleitzeit/workflow"
)

// Graph is the dependency graph of one workflow. It holds a read-only view
// of the task topology plus the terminal states observed so far; it never
// mutates tasks. Safe for concurrent use.
type Graph struct {
	mu         sync.Mutex
	workflowID string
	deps       map[string][]string
	dependents map[string][]string
	unmet      map[string]int
	terminal   map[string]workflow.TaskStatus
	readied    map[string]bool
}

// NewGraph builds the graph for a workflow's tasks, validates that every
// dependency resolves within the workflow, and rejects cycles naming the
// offending path. Tasks already terminal (recovery) seed the terminal set
// so readiness is computed against the surviving topology.
func NewGraph(workflowID string, tasks []*workflow.Task) (*Graph, error) {
	g := &Graph{
		workflowID: workflowID,
		deps:       make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
		unmet:      make(map[string]int, len(tasks)),
		terminal:   make(map[string]workflow.TaskStatus),
		readied:    make(map[string]bool),
	}

	for _, t := range tasks {
		if _, dup := g.deps[t.ID]; dup {
			return nil, workflow.Errorf(workflow.CodeInvalidWorkflow,
				"duplicate task id %q in workflow %s", t.ID, workflowID)
		}
		g.deps[t.ID] = append([]string(nil), t.DependsOn...)
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, exists := g.deps[dep]; !exists {
				return nil, workflow.Errorf(workflow.CodeInvalidWorkflow,
					"task %q depends on unknown task %q", t.ID, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
	}

	if err := g.detectCycle(); err != nil {
		return nil, err
	}

	for _, t := range tasks {
		if t.Status.IsTerminal() {
			g.terminal[t.ID] = t.Status
		}
	}
	for _, t := range tasks {
		unmet := 0
		for _, dep := range t.DependsOn {
			if g.terminal[dep] != workflow.TaskStatusCompleted {
				unmet++
			}
		}
		g.unmet[t.ID] = unmet
	}
	return g, nil
}

// detectCycle runs a three-color depth-first traversal. Hitting an open
// node closes a cycle; the error names the full path, e.g. "t1 -> t2 -> t1".
func (g *Graph) detectCycle() error {
	const (
		white = iota // unvisited
		grey         // open
		black        // closed
	)
	color := make(map[string]int, len(g.deps))
	path := make([]string, 0, len(g.deps))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		path = append(path, id)
		for _, dep := range g.deps[id] {
			switch color[dep] {
			case grey:
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), path[start:]...), dep)
				return workflow.Errorf(workflow.CodeCircularDependency,
					"circular dependency: %s", strings.Join(cycle, " -> "))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	ids := g.sortedIDs()
	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Ready returns every task whose dependencies are all completed and that has
// not been reported ready before. Each task is reported exactly once per
// graph lifetime; re-enqueue after a retry bypasses the graph.
func (g *Graph) Ready() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []string
	for _, id := range g.sortedIDs() {
		if g.unmet[id] == 0 && !g.readied[id] && !g.isTerminal(id) {
			g.readied[id] = true
			ready = append(ready, id)
		}
	}
	return ready
}

// MarkCompleted records a task's successful completion and returns the
// dependents that just became ready.
func (g *Graph) MarkCompleted(taskID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.isTerminal(taskID) {
		return nil
	}
	g.terminal[taskID] = workflow.TaskStatusCompleted

	var ready []string
	for _, dep := range g.dependents[taskID] {
		g.unmet[dep]--
		if g.unmet[dep] == 0 && !g.readied[dep] && !g.isTerminal(dep) {
			g.readied[dep] = true
			ready = append(ready, dep)
		}
	}
	return ready
}

// MarkTerminal records a failed or cancelled task. Dependents keep their
// unmet counts, so they can never become ready; the engine cancels them via
// the Downstream closure.
func (g *Graph) MarkTerminal(taskID string, status workflow.TaskStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if status.IsTerminal() && !g.isTerminal(taskID) {
		g.terminal[taskID] = status
	}
}

// Downstream returns the transitive dependents of a task that are not yet
// terminal, in breadth-first order. These are the tasks that can never run
// once taskID fails.
func (g *Graph) Downstream(taskID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	seen := map[string]bool{taskID: true}
	var closure []string
	frontier := []string{taskID}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		deps := append([]string(nil), g.dependents[next]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if !g.isTerminal(dep) {
				closure = append(closure, dep)
			}
			frontier = append(frontier, dep)
		}
	}
	return closure
}

// Closure returns the transitive dependency closure of a task: the set of
// tasks its params may legally reference in substitution tokens.
func (g *Graph) Closure(taskID string) map[string]bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	closure := make(map[string]bool)
	frontier := append([]string(nil), g.deps[taskID]...)
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		if closure[next] {
			continue
		}
		closure[next] = true
		frontier = append(frontier, g.deps[next]...)
	}
	return closure
}

// Levels returns Kahn topological levels: every task at level k depends only
// on tasks at levels below k. An execution hint for display, not a barrier.
func (g *Graph) Levels() [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()

	degree := make(map[string]int, len(g.deps))
	for id, deps := range g.deps {
		degree[id] = len(deps)
	}

	var levels [][]string
	current := make([]string, 0)
	for id, d := range degree {
		if d == 0 {
			current = append(current, id)
		}
	}
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		var next []string
		for _, id := range current {
			for _, dep := range g.dependents[id] {
				degree[dep]--
				if degree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}
	return levels
}

// Contains reports whether the task belongs to this workflow.
func (g *Graph) Contains(taskID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.deps[taskID]
	return ok
}

// AllTerminal reports whether every task has reached a terminal state.
func (g *Graph) AllTerminal() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.terminal) == len(g.deps)
}

// Size returns the number of tasks in the graph.
func (g *Graph) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.deps)
}

// isTerminal reports a recorded terminal state. Callers hold the lock.
func (g *Graph) isTerminal(taskID string) bool {
	_, ok := g.terminal[taskID]
	return ok
}

// sortedIDs returns task ids in stable order for deterministic traversal.
func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.deps))
	for id := range g.deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// String describes the graph for logs.
func (g *Graph) String() string {
	return fmt.Sprintf("graph(%s, %d tasks)", g.workflowID, g.Size())
}
