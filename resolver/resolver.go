package resolver

import (
	"sync"

	"github.com/gleitzeit/gleitzeit/workflow"
)

// ResultLookup fetches the result payload of a completed dependency.
type ResultLookup func(taskID string) (map[string]any, bool)

// Resolver owns the dependency graphs of every live workflow and performs
// parameter substitution at dispatch time.
type Resolver struct {
	mu     sync.Mutex
	graphs map[string]*Graph
}

// New creates an empty resolver.
func New() *Resolver {
	return &Resolver{graphs: make(map[string]*Graph)}
}

// AddWorkflow builds and registers the graph for a workflow's tasks.
// Cycles and dangling dependency references reject the whole workflow.
func (r *Resolver) AddWorkflow(workflowID string, tasks []*workflow.Task) (*Graph, error) {
	g, err := NewGraph(workflowID, tasks)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.graphs[workflowID] = g
	r.mu.Unlock()
	return g, nil
}

// Graph returns a workflow's graph, if registered.
func (r *Resolver) Graph(workflowID string) (*Graph, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.graphs[workflowID]
	return g, ok
}

// Drop forgets a workflow's graph once the workflow is terminal.
func (r *Resolver) Drop(workflowID string) {
	r.mu.Lock()
	delete(r.graphs, workflowID)
	r.mu.Unlock()
}

// Workflows returns the ids of all registered graphs.
func (r *Resolver) Workflows() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.graphs))
	for id := range r.graphs {
		ids = append(ids, id)
	}
	return ids
}

// Substitute evaluates every ${task.path} token in the task's params against
// its dependencies' results and returns the resolved tree. The stored params
// are never modified; substitution operates on a deep copy.
//
// Failure modes, both non-retryable: a token naming a task outside the
// dependency closure (or whose result is absent) is unresolved_reference; a
// token whose path does not exist in the referenced result is
// field_not_found.
func (r *Resolver) Substitute(task *workflow.Task, lookup ResultLookup) (workflow.Params, error) {
	g, ok := r.Graph(task.WorkflowID)
	if !ok {
		return nil, workflow.Errorf(workflow.CodeInternal,
			"no dependency graph for workflow %s", task.WorkflowID)
	}
	closure := g.Closure(task.ID)

	eval := func(tok workflow.Token) (any, error) {
		if !closure[tok.TaskID] {
			return nil, workflow.Errorf(workflow.CodeUnresolvedReference,
				"%s: task %q is not a dependency of %q", tok.Raw, tok.TaskID, task.ID)
		}
		result, ok := lookup(tok.TaskID)
		if !ok {
			return nil, workflow.Errorf(workflow.CodeUnresolvedReference,
				"%s: no result recorded for dependency %q", tok.Raw, tok.TaskID)
		}
		return workflow.EvalPath(tok, map[string]any(result))
	}

	resolved, err := substituteValue(map[string]any(workflow.CloneParams(task.Params)), eval)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, nil
	}
	return workflow.Params(resolved.(map[string]any)), nil
}

// substituteValue walks the params tree, splicing tokens into string leaves.
func substituteValue(v any, eval func(workflow.Token) (any, error)) (any, error) {
	switch val := v.(type) {
	case string:
		if !workflow.HasTokens(val) {
			return val, nil
		}
		return workflow.SpliceTokens(val, eval)
	case map[string]any:
		for k, item := range val {
			resolved, err := substituteValue(item, eval)
			if err != nil {
				return nil, err
			}
			val[k] = resolved
		}
		return val, nil
	case []any:
		for i, item := range val {
			resolved, err := substituteValue(item, eval)
			if err != nil {
				return nil, err
			}
			val[i] = resolved
		}
		return val, nil
	default:
		return val, nil
	}
}
