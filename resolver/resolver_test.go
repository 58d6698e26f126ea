package resolver

import (
	"errors"
	"reflect"
	"testing"

	"github.com/gleitzeit/gleitzeit/workflow"
)

func addWorkflow(t *testing.T, r *Resolver, tasks ...*workflow.Task) *Graph {
	t.Helper()
	g, err := r.AddWorkflow("wf", tasks)
	if err != nil {
		t.Fatalf("add workflow: %v", err)
	}
	return g
}

func lookupFor(results map[string]map[string]any) ResultLookup {
	return func(taskID string) (map[string]any, bool) {
		res, ok := results[taskID]
		return res, ok
	}
}

func TestResolverLifecycle(t *testing.T) {
	r := New()
	addWorkflow(t, r, task("a"))

	if _, ok := r.Graph("wf"); !ok {
		t.Fatal("graph not registered")
	}
	if got := r.Workflows(); !reflect.DeepEqual(got, []string{"wf"}) {
		t.Errorf("workflows = %v", got)
	}

	r.Drop("wf")
	if _, ok := r.Graph("wf"); ok {
		t.Error("graph survived Drop")
	}
}

func TestSubstituteSplicesIntoText(t *testing.T) {
	r := New()
	b := task("b", "a")
	b.Params = workflow.Params{"text": "${a.text} world"}
	addWorkflow(t, r, task("a"), b)

	resolved, err := r.Substitute(b, lookupFor(map[string]map[string]any{
		"a": {"text": "hello"},
	}))
	if err != nil {
		t.Fatalf("substitute: %v", err)
	}
	if resolved["text"] != "hello world" {
		t.Errorf("text = %v", resolved["text"])
	}
	// The stored params are untouched.
	if b.Params["text"] != "${a.text} world" {
		t.Errorf("stored params mutated: %v", b.Params)
	}
}

func TestSubstitutePreservesTypeForWholeToken(t *testing.T) {
	r := New()
	b := task("b", "a")
	b.Params = workflow.Params{
		"count": "${a.count}",
		"items": "${a.items}",
	}
	addWorkflow(t, r, task("a"), b)

	resolved, err := r.Substitute(b, lookupFor(map[string]map[string]any{
		"a": {"count": 3, "items": []any{"x", "y"}},
	}))
	if err != nil {
		t.Fatalf("substitute: %v", err)
	}
	if resolved["count"] != 3 {
		t.Errorf("count = %v (%T), want untouched int", resolved["count"], resolved["count"])
	}
	if !reflect.DeepEqual(resolved["items"], []any{"x", "y"}) {
		t.Errorf("items = %v", resolved["items"])
	}
}

func TestSubstituteWalksNestedStructures(t *testing.T) {
	r := New()
	b := task("b", "a")
	b.Params = workflow.Params{
		"messages": []any{
			map[string]any{"role": "user", "content": "summarize: ${a.text}"},
		},
	}
	addWorkflow(t, r, task("a"), b)

	resolved, err := r.Substitute(b, lookupFor(map[string]map[string]any{
		"a": {"text": "doc body"},
	}))
	if err != nil {
		t.Fatalf("substitute: %v", err)
	}
	msg := resolved["messages"].([]any)[0].(map[string]any)
	if msg["content"] != "summarize: doc body" {
		t.Errorf("content = %v", msg["content"])
	}
}

func TestSubstituteTransitiveDependencyAllowed(t *testing.T) {
	r := New()
	c := task("c", "b")
	c.Params = workflow.Params{"v": "${a.text}"}
	addWorkflow(t, r, task("a"), task("b", "a"), c)

	resolved, err := r.Substitute(c, lookupFor(map[string]map[string]any{
		"a": {"text": "root"},
	}))
	if err != nil {
		t.Fatalf("substitute: %v", err)
	}
	if resolved["v"] != "root" {
		t.Errorf("v = %v", resolved["v"])
	}
}

func TestSubstituteRejectsNonDependency(t *testing.T) {
	r := New()
	b := task("b", "a")
	b.Params = workflow.Params{"v": "${x.text}"}
	addWorkflow(t, r, task("a"), task("x"), b)

	_, err := r.Substitute(b, lookupFor(map[string]map[string]any{
		"x": {"text": "leak"},
	}))
	var werr *workflow.Error
	if err == nil || !errors.As(err, &werr) || werr.Code != workflow.CodeUnresolvedReference {
		t.Fatalf("error = %v, want unresolved_reference", err)
	}
}

func TestSubstituteMissingResult(t *testing.T) {
	r := New()
	b := task("b", "a")
	b.Params = workflow.Params{"v": "${a.text}"}
	addWorkflow(t, r, task("a"), b)

	_, err := r.Substitute(b, lookupFor(nil))
	var werr *workflow.Error
	if err == nil || !errors.As(err, &werr) || werr.Code != workflow.CodeUnresolvedReference {
		t.Fatalf("error = %v, want unresolved_reference", err)
	}
}

func TestSubstituteMissingField(t *testing.T) {
	r := New()
	b := task("b", "a")
	b.Params = workflow.Params{"v": "${a.missing.deep}"}
	addWorkflow(t, r, task("a"), b)

	_, err := r.Substitute(b, lookupFor(map[string]map[string]any{
		"a": {"text": "hello"},
	}))
	var werr *workflow.Error
	if err == nil || !errors.As(err, &werr) || werr.Code != workflow.CodeFieldNotFound {
		t.Fatalf("error = %v, want field_not_found", err)
	}
}

func TestSubstituteUnknownWorkflow(t *testing.T) {
	r := New()
	b := task("b")
	_, err := r.Substitute(b, lookupFor(nil))
	var werr *workflow.Error
	if err == nil || !errors.As(err, &werr) || werr.Code != workflow.CodeInternal {
		t.Fatalf("error = %v, want internal_error", err)
	}
}
