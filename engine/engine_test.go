package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gleitzeit/gleitzeit/registry"
	"github.com/gleitzeit/gleitzeit/storage"
	"github.com/gleitzeit/gleitzeit/transport"
	"github.com/gleitzeit/gleitzeit/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		MaxConcurrentTasks:   4,
		NoProviderRetryDelay: 30 * time.Millisecond,
		DispatchTimeout:      2 * time.Second,
		MaintenanceInterval:  20 * time.Millisecond,
	}
}

type rig struct {
	t     *testing.T
	store storage.Store
	bus   *transport.Inmem
	reg   *registry.Registry
	eng   *Engine
}

func newRig(t *testing.T, cfg Config, store storage.Store) *rig {
	t.Helper()
	if store == nil {
		store = storage.NewMemStore()
	}
	logger := testLogger()
	reg := registry.New(registry.Config{HeartbeatInterval: time.Minute}, logger)
	for _, p := range registry.BuiltinProtocols() {
		if err := reg.RegisterProtocol(p); err != nil {
			t.Fatalf("register protocol: %v", err)
		}
	}
	bus := transport.NewInmem()
	eng := New(cfg, Deps{Store: store, Bus: bus, Registry: reg, Logger: logger})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := eng.Stop(ctx); err != nil {
			t.Errorf("stop engine: %v", err)
		}
		bus.Close()
	})
	return &rig{t: t, store: store, bus: bus, reg: reg, eng: eng}
}

// echoProvider answers every request by calling handle; nil handle echoes
// the params back.
func (r *rig) startProvider(id string, handle func(transport.TaskRequest) transport.TaskResponse) transport.ProviderBus {
	r.t.Helper()
	pb := r.bus.ProviderSide()
	err := pb.Register(context.Background(), transport.RegisterProvider{
		ProviderID: id,
		Capabilities: []registry.Capability{
			{Protocol: "echo/v1", Methods: []string{"echo"}},
			{Protocol: "llm/v1", Methods: []string{"chat", "generate"}},
		},
	})
	if err != nil {
		r.t.Fatalf("register provider %s: %v", id, err)
	}
	go func() {
		for req := range pb.Requests() {
			var resp transport.TaskResponse
			if handle != nil {
				resp = handle(req)
			} else {
				resp = transport.TaskResponse{
					Status: transport.StatusOK,
					Result: map[string]any(req.Params),
				}
			}
			resp.CorrelationID = req.CorrelationID
			resp.ProviderID = id
			_ = pb.Respond(context.Background(), resp)
		}
	}()
	r.t.Cleanup(func() { pb.Close() })
	return pb
}

func (r *rig) submit(doc string) transport.SubmitReply {
	r.t.Helper()
	reply := r.eng.Submit(context.Background(), transport.SubmitRequest{Source: []byte(doc)})
	return reply
}

func (r *rig) mustSubmit(doc string) string {
	r.t.Helper()
	reply := r.submit(doc)
	if reply.Error != nil {
		r.t.Fatalf("submit: %v", reply.Error)
	}
	return reply.WorkflowID
}

func (r *rig) waitWorkflow(id string, status workflow.WorkflowStatus) *workflow.Workflow {
	r.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		wf, err := r.store.GetWorkflow(context.Background(), id)
		if err == nil && wf.Status == status {
			return wf
		}
		if err == nil && wf.Status.IsTerminal() && wf.Status != status {
			r.t.Fatalf("workflow %s finished %s, want %s", id, wf.Status, status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	wf, err := r.store.GetWorkflow(context.Background(), id)
	r.t.Fatalf("workflow %s never reached %s (last: %+v, err %v)", id, status, wf, err)
	return nil
}

func (r *rig) task(wfID, taskID string) *workflow.Task {
	r.t.Helper()
	task, err := r.store.GetTask(context.Background(), wfID, taskID)
	if err != nil {
		r.t.Fatalf("get task %s: %v", taskID, err)
	}
	return task
}

const chainDoc = `
name: chain
tasks:
  - id: a
    protocol: echo/v1
    method: echo
    params:
      text: hello
  - id: b
    protocol: echo/v1
    method: echo
    params:
      text: "${a.text} world"
    dependencies: [a]
`

func TestChainSubstitution(t *testing.T) {
	r := newRig(t, testConfig(), nil)
	r.startProvider("p1", nil)

	wfID := r.mustSubmit(chainDoc)
	wf := r.waitWorkflow(wfID, workflow.WorkflowStatusCompleted)
	if wf.Counts.Completed != 2 {
		t.Errorf("completed = %d, want 2", wf.Counts.Completed)
	}

	res, err := r.store.GetResult(context.Background(), wfID, "b")
	if err != nil {
		t.Fatalf("result b: %v", err)
	}
	if got := res.Result["text"]; got != "hello world" {
		t.Errorf("b result text = %v, want %q", got, "hello world")
	}
}

func TestDiamondRunsInDependencyOrder(t *testing.T) {
	r := newRig(t, testConfig(), nil)

	var mu sync.Mutex
	var order []string
	r.startProvider("p1", func(req transport.TaskRequest) transport.TaskResponse {
		mu.Lock()
		order = append(order, req.TaskID)
		mu.Unlock()
		return transport.TaskResponse{Status: transport.StatusOK, Result: map[string]any{"ok": true}}
	})

	wfID := r.mustSubmit(`
name: diamond
tasks:
  - {id: a, protocol: echo/v1, method: echo}
  - {id: b, protocol: echo/v1, method: echo, dependencies: [a]}
  - {id: c, protocol: echo/v1, method: echo, dependencies: [a]}
  - {id: d, protocol: echo/v1, method: echo, dependencies: [b, c]}
`)
	r.waitWorkflow(wfID, workflow.WorkflowStatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 {
		t.Fatalf("ran %d tasks, want 4: %v", len(order), order)
	}
	if order[0] != "a" || order[3] != "d" {
		t.Errorf("order = %v, want a first and d last", order)
	}
}

func TestCycleRejectedAtSubmission(t *testing.T) {
	r := newRig(t, testConfig(), nil)

	reply := r.submit(`
name: cyclic
tasks:
  - {id: a, protocol: echo/v1, method: echo, dependencies: [b]}
  - {id: b, protocol: echo/v1, method: echo, dependencies: [a]}
`)
	if reply.Error == nil {
		t.Fatal("cyclic workflow was accepted")
	}
	if reply.Error.Code != workflow.CodeCircularDependency {
		t.Errorf("code = %s, want %s", reply.Error.Code, workflow.CodeCircularDependency)
	}
	// Nothing persisted.
	wfs, err := r.store.ListWorkflows(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("list workflows: %v", err)
	}
	if len(wfs) != 0 {
		t.Errorf("found %d workflows after rejected submit", len(wfs))
	}
}

func TestRetryThenSuccess(t *testing.T) {
	r := newRig(t, testConfig(), nil)

	var mu sync.Mutex
	calls := 0
	r.startProvider("flaky", func(req transport.TaskRequest) transport.TaskResponse {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return transport.TaskResponse{
				Status: transport.StatusError,
				Error:  workflow.NewError(workflow.CodeProviderOverloaded, "busy"),
			}
		}
		return transport.TaskResponse{Status: transport.StatusOK, Result: map[string]any{"ok": true}}
	})

	wfID := r.mustSubmit(`
name: retry
tasks:
  - id: only
    protocol: echo/v1
    method: echo
    retry: {max_attempts: 3, base_delay: 0.01, jitter: false}
`)
	r.waitWorkflow(wfID, workflow.WorkflowStatusCompleted)

	task := r.task(wfID, "only")
	if task.AttemptCount != 3 {
		t.Errorf("attempt count = %d, want 3", task.AttemptCount)
	}
	if len(task.Attempts) != 3 {
		t.Errorf("attempt records = %d, want 3", len(task.Attempts))
	}
	if task.LastError != nil {
		t.Errorf("completed task kept last error %v", task.LastError)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	r := newRig(t, testConfig(), nil)
	r.startProvider("down", func(req transport.TaskRequest) transport.TaskResponse {
		return transport.TaskResponse{
			Status: transport.StatusError,
			Error:  workflow.NewError(workflow.CodeProviderOverloaded, "always busy"),
		}
	})

	wfID := r.mustSubmit(`
name: exhaust
tasks:
  - id: only
    protocol: echo/v1
    method: echo
    retry: {max_attempts: 2, base_delay: 0.01, jitter: false}
`)
	wf := r.waitWorkflow(wfID, workflow.WorkflowStatusFailed)

	if wf.FirstError == nil || wf.FirstError.Code != workflow.CodeProviderOverloaded {
		t.Errorf("first error = %+v, want provider_overloaded", wf.FirstError)
	}
	task := r.task(wfID, "only")
	if task.Status != workflow.TaskStatusFailed {
		t.Errorf("task status = %s, want failed", task.Status)
	}
	if task.AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2", task.AttemptCount)
	}
	res, err := r.store.GetResult(context.Background(), wfID, "only")
	if err != nil {
		t.Fatalf("failed task has no result: %v", err)
	}
	if res.Status != workflow.TaskStatusFailed || res.Error == nil {
		t.Errorf("result = %+v, want failed with error", res)
	}
}

func TestNonRetryableFailureIsFinal(t *testing.T) {
	r := newRig(t, testConfig(), nil)
	r.startProvider("strict", func(req transport.TaskRequest) transport.TaskResponse {
		return transport.TaskResponse{
			Status: transport.StatusError,
			Error:  workflow.NewError(workflow.CodeTaskFailed, "business rule violated"),
		}
	})

	wfID := r.mustSubmit(`
name: nonretryable
tasks:
  - id: only
    protocol: echo/v1
    method: echo
    retry: {max_attempts: 5, base_delay: 0.01}
`)
	r.waitWorkflow(wfID, workflow.WorkflowStatusFailed)

	task := r.task(wfID, "only")
	if task.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1 (no retries for non-retryable code)", task.AttemptCount)
	}
}

func TestFailFastCancelsRemainingTasks(t *testing.T) {
	r := newRig(t, testConfig(), nil)
	r.startProvider("mixed", func(req transport.TaskRequest) transport.TaskResponse {
		if req.TaskID == "bad" {
			return transport.TaskResponse{
				Status: transport.StatusError,
				Error:  workflow.NewError(workflow.CodeTaskFailed, "boom"),
			}
		}
		time.Sleep(300 * time.Millisecond)
		return transport.TaskResponse{Status: transport.StatusOK, Result: map[string]any{"ok": true}}
	})

	wfID := r.mustSubmit(`
name: failfast
strategy: fail_fast
tasks:
  - {id: bad, protocol: echo/v1, method: echo}
  - {id: slow, protocol: echo/v1, method: echo}
  - {id: never, protocol: echo/v1, method: echo, dependencies: [slow]}
`)
	wf := r.waitWorkflow(wfID, workflow.WorkflowStatusFailed)

	if wf.Counts.Failed != 1 {
		t.Errorf("failed = %d, want 1", wf.Counts.Failed)
	}
	if wf.Counts.Cancelled != 2 {
		t.Errorf("cancelled = %d, want 2", wf.Counts.Cancelled)
	}
	never := r.task(wfID, "never")
	if never.Status != workflow.TaskStatusCancelled {
		t.Errorf("dependent task status = %s, want cancelled", never.Status)
	}
	if never.AttemptCount != 0 {
		t.Errorf("dependent task was dispatched %d times", never.AttemptCount)
	}
}

func TestContinueStrategyRunsIndependentTasks(t *testing.T) {
	r := newRig(t, testConfig(), nil)
	r.startProvider("mixed", func(req transport.TaskRequest) transport.TaskResponse {
		if req.TaskID == "bad" {
			return transport.TaskResponse{
				Status: transport.StatusError,
				Error:  workflow.NewError(workflow.CodeTaskFailed, "boom"),
			}
		}
		return transport.TaskResponse{Status: transport.StatusOK, Result: map[string]any{"ok": true}}
	})

	wfID := r.mustSubmit(`
name: continue
strategy: continue
tasks:
  - {id: bad, protocol: echo/v1, method: echo}
  - {id: child, protocol: echo/v1, method: echo, dependencies: [bad]}
  - {id: independent, protocol: echo/v1, method: echo}
`)
	wf := r.waitWorkflow(wfID, workflow.WorkflowStatusCompleted)

	if wf.Counts.Completed != 1 || wf.Counts.Failed != 1 || wf.Counts.Cancelled != 1 {
		t.Errorf("counts = %+v, want 1 completed / 1 failed / 1 cancelled", wf.Counts)
	}
	child := r.task(wfID, "child")
	if child.LastError == nil || child.LastError.Code != workflow.CodeUpstreamFailed {
		t.Errorf("child error = %+v, want upstream_failed", child.LastError)
	}
	if wf.FirstError == nil || wf.FirstError.Code != workflow.CodeTaskFailed {
		t.Errorf("first error = %+v, want task_execution_failed", wf.FirstError)
	}
}

func TestWorkflowCancel(t *testing.T) {
	r := newRig(t, testConfig(), nil)
	release := make(chan struct{})
	r.startProvider("slow", func(req transport.TaskRequest) transport.TaskResponse {
		<-release
		return transport.TaskResponse{Status: transport.StatusOK, Result: map[string]any{"ok": true}}
	})
	defer close(release)

	wfID := r.mustSubmit(`
name: cancelme
tasks:
  - {id: a, protocol: echo/v1, method: echo}
  - {id: b, protocol: echo/v1, method: echo, dependencies: [a]}
`)

	// Wait for the first task to be in flight.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.task(wfID, "a").Status == workflow.TaskStatusRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	client := r.bus.ClientSide()
	reply, err := client.Cancel(context.Background(), transport.CancelCommand{WorkflowID: wfID})
	if err != nil || reply.Error != nil {
		t.Fatalf("cancel: %v / %v", err, reply.Error)
	}
	if reply.AlreadyTerminal {
		t.Error("first cancel reported already terminal")
	}

	wf := r.waitWorkflow(wfID, workflow.WorkflowStatusCancelled)
	if wf.Counts.Cancelled != 2 {
		t.Errorf("cancelled = %d, want 2", wf.Counts.Cancelled)
	}

	reply, err = client.Cancel(context.Background(), transport.CancelCommand{WorkflowID: wfID})
	if err != nil || reply.Error != nil {
		t.Fatalf("second cancel: %v / %v", err, reply.Error)
	}
	if !reply.AlreadyTerminal {
		t.Error("second cancel should report already terminal")
	}
}

func TestTaskCancelCascadesToDependents(t *testing.T) {
	r := newRig(t, testConfig(), nil)
	release := make(chan struct{})
	r.startProvider("slow", func(req transport.TaskRequest) transport.TaskResponse {
		if req.TaskID == "a" {
			<-release
		}
		return transport.TaskResponse{Status: transport.StatusOK, Result: map[string]any{"ok": true}}
	})
	defer close(release)

	wfID := r.mustSubmit(`
name: taskcancel
strategy: continue
tasks:
  - {id: a, protocol: echo/v1, method: echo}
  - {id: b, protocol: echo/v1, method: echo, dependencies: [a]}
  - {id: free, protocol: echo/v1, method: echo}
`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.task(wfID, "a").Status == workflow.TaskStatusRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	client := r.bus.ClientSide()
	reply, err := client.Cancel(context.Background(), transport.CancelCommand{WorkflowID: wfID, TaskID: "a"})
	if err != nil || reply.Error != nil {
		t.Fatalf("cancel task: %v / %v", err, reply.Error)
	}

	wf := r.waitWorkflow(wfID, workflow.WorkflowStatusCompleted)
	if wf.Counts.Cancelled != 2 || wf.Counts.Completed != 1 {
		t.Errorf("counts = %+v, want 2 cancelled / 1 completed", wf.Counts)
	}
	b := r.task(wfID, "b")
	if b.Status != workflow.TaskStatusCancelled {
		t.Errorf("dependent status = %s, want cancelled", b.Status)
	}
}

func TestNoProviderParksUntilOneArrives(t *testing.T) {
	r := newRig(t, testConfig(), nil)

	wfID := r.mustSubmit(`
name: parked
tasks:
  - {id: only, protocol: echo/v1, method: echo}
`)

	// No provider yet: the task must stay ready, never failed.
	time.Sleep(150 * time.Millisecond)
	task := r.task(wfID, "only")
	if task.Status != workflow.TaskStatusReady {
		t.Fatalf("task status = %s, want ready while no provider is up", task.Status)
	}
	if task.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0 (parking must not consume attempts)", task.AttemptCount)
	}

	r.startProvider("late", nil)
	r.waitWorkflow(wfID, workflow.WorkflowStatusCompleted)
}

func TestDispatchTimeoutFailsAttempt(t *testing.T) {
	r := newRig(t, testConfig(), nil)
	r.startProvider("mute", func(req transport.TaskRequest) transport.TaskResponse {
		select {} // never answers
	})

	wfID := r.mustSubmit(`
name: timeout
tasks:
  - id: only
    protocol: echo/v1
    method: echo
    timeout: 0.05
`)
	wf := r.waitWorkflow(wfID, workflow.WorkflowStatusFailed)
	if wf.FirstError == nil || wf.FirstError.Code != workflow.CodeProviderTimeout {
		t.Errorf("first error = %+v, want provider_timeout", wf.FirstError)
	}
}

func TestProviderDisconnectFailsInFlightTask(t *testing.T) {
	r := newRig(t, testConfig(), nil)

	pb := r.bus.ProviderSide()
	err := pb.Register(context.Background(), transport.RegisterProvider{
		ProviderID:   "vanishing",
		Capabilities: []registry.Capability{{Protocol: "echo/v1", Methods: []string{"echo"}}},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	received := make(chan struct{})
	go func() {
		for range pb.Requests() {
			close(received)
			return
		}
	}()

	wfID := r.mustSubmit(`
name: disconnect
tasks:
  - {id: only, protocol: echo/v1, method: echo}
`)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("provider never received the request")
	}
	if err := pb.Close(); err != nil {
		t.Fatalf("close provider: %v", err)
	}

	wf := r.waitWorkflow(wfID, workflow.WorkflowStatusFailed)
	if wf.FirstError == nil || wf.FirstError.Code != workflow.CodeProviderDisconnected {
		t.Errorf("first error = %+v, want provider_disconnected", wf.FirstError)
	}
}

func TestDuplicateResponseDropped(t *testing.T) {
	r := newRig(t, testConfig(), nil)

	pb := r.bus.ProviderSide()
	err := pb.Register(context.Background(), transport.RegisterProvider{
		ProviderID:   "chatty",
		Capabilities: []registry.Capability{{Protocol: "echo/v1", Methods: []string{"echo"}}},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	go func() {
		for req := range pb.Requests() {
			resp := transport.TaskResponse{
				CorrelationID: req.CorrelationID,
				ProviderID:    "chatty",
				Status:        transport.StatusOK,
				Result:        map[string]any{"n": 1},
			}
			_ = pb.Respond(context.Background(), resp)
			_ = pb.Respond(context.Background(), resp) // duplicate
		}
	}()
	t.Cleanup(func() { pb.Close() })

	wfID := r.mustSubmit(`
name: dup
tasks:
  - {id: only, protocol: echo/v1, method: echo}
`)
	wf := r.waitWorkflow(wfID, workflow.WorkflowStatusCompleted)
	if wf.Counts.Completed != 1 {
		t.Errorf("completed = %d, want 1", wf.Counts.Completed)
	}
	task := r.task(wfID, "only")
	if task.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", task.AttemptCount)
	}
}

func TestSchemaValidationFailsBeforeDispatch(t *testing.T) {
	r := newRig(t, testConfig(), nil)

	var mu sync.Mutex
	dispatched := 0
	r.startProvider("p1", func(req transport.TaskRequest) transport.TaskResponse {
		mu.Lock()
		dispatched++
		mu.Unlock()
		return transport.TaskResponse{Status: transport.StatusOK, Result: map[string]any{"response": "x"}}
	})

	wfID := r.mustSubmit(`
name: badparams
tasks:
  - id: only
    protocol: llm/v1
    method: chat
    params:
      temperature: 0.5
`)
	wf := r.waitWorkflow(wfID, workflow.WorkflowStatusFailed)
	if wf.FirstError == nil || wf.FirstError.Code != workflow.CodeInvalidParams {
		t.Errorf("first error = %+v, want invalid_params", wf.FirstError)
	}
	mu.Lock()
	defer mu.Unlock()
	if dispatched != 0 {
		t.Errorf("invalid params reached a provider %d times", dispatched)
	}
}

func TestUnknownMethodFailsTask(t *testing.T) {
	r := newRig(t, testConfig(), nil)
	r.startProvider("p1", nil)

	wfID := r.mustSubmit(`
name: nomethod
tasks:
  - {id: only, protocol: llm/v1, method: summon}
`)
	wf := r.waitWorkflow(wfID, workflow.WorkflowStatusFailed)
	if wf.FirstError == nil || wf.FirstError.Code != workflow.CodeUnknownMethod {
		t.Errorf("first error = %+v, want unknown_method", wf.FirstError)
	}
}

func TestUnresolvedReferenceFailsTask(t *testing.T) {
	r := newRig(t, testConfig(), nil)
	r.startProvider("p1", nil)

	wfID := r.mustSubmit(`
name: badref
tasks:
  - {id: a, protocol: echo/v1, method: echo}
  - id: b
    protocol: echo/v1
    method: echo
    params:
      text: "${a.missing.field}"
    dependencies: [a]
`)
	wf := r.waitWorkflow(wfID, workflow.WorkflowStatusFailed)
	if wf.FirstError == nil || wf.FirstError.Code != workflow.CodeFieldNotFound {
		t.Errorf("first error = %+v, want field_not_found", wf.FirstError)
	}
}

func TestStatusAndResultsSurface(t *testing.T) {
	r := newRig(t, testConfig(), nil)
	r.startProvider("p1", nil)

	wfID := r.mustSubmit(chainDoc)
	r.waitWorkflow(wfID, workflow.WorkflowStatusCompleted)

	client := r.bus.ClientSide()
	status, err := client.Status(context.Background(), transport.StatusRequest{WorkflowID: wfID})
	if err != nil || status.Error != nil {
		t.Fatalf("status: %v / %v", err, status.Error)
	}
	if status.Report.Status != workflow.WorkflowStatusCompleted {
		t.Errorf("reported status = %s", status.Report.Status)
	}
	if len(status.Report.Tasks) != 2 {
		t.Errorf("reported %d tasks, want 2", len(status.Report.Tasks))
	}
	// Document order is preserved.
	if status.Report.Tasks[0].TaskID != "a" || status.Report.Tasks[1].TaskID != "b" {
		t.Errorf("task order = %v", status.Report.Tasks)
	}

	results, err := client.Results(context.Background(), transport.ResultsRequest{WorkflowID: wfID})
	if err != nil || results.Error != nil {
		t.Fatalf("results: %v / %v", err, results.Error)
	}
	if len(results.Results) != 2 {
		t.Errorf("got %d results, want 2", len(results.Results))
	}

	status, err = client.Status(context.Background(), transport.StatusRequest{WorkflowID: "nope"})
	if err != nil {
		t.Fatalf("status unknown: %v", err)
	}
	if status.Error == nil || status.Error.Code != workflow.CodeInvalidWorkflow {
		t.Errorf("unknown workflow error = %+v", status.Error)
	}
}

func TestBatchDocumentExpansion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"one.txt", "two.txt", "skip.csv"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("data"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	r := newRig(t, testConfig(), nil)
	r.startProvider("p1", nil)

	reply := r.submit(fmt.Sprintf(`
name: batch-run
type: batch
batch:
  directory: %q
  pattern: "*.txt"
template:
  id: proc
  protocol: echo/v1
  method: echo
`, dir))
	if reply.Error != nil {
		t.Fatalf("submit: %v", reply.Error)
	}
	if reply.TaskCount != 2 {
		t.Errorf("task count = %d, want 2", reply.TaskCount)
	}
	wf := r.waitWorkflow(reply.WorkflowID, workflow.WorkflowStatusCompleted)
	if wf.Counts.Completed != 2 {
		t.Errorf("completed = %d, want 2", wf.Counts.Completed)
	}
}

func TestRecoveryResumesPersistedState(t *testing.T) {
	store := storage.NewMemStore()

	// First engine: accept a workflow with no provider connected, then stop.
	r1 := newRig(t, testConfig(), store)
	wfID := r1.mustSubmit(`
name: survivor
tasks:
  - {id: a, protocol: echo/v1, method: echo}
  - {id: b, protocol: echo/v1, method: echo, dependencies: [a]}
`)
	time.Sleep(100 * time.Millisecond) // let the first dispatch attempt park
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := r1.eng.Stop(ctx); err != nil {
		t.Fatalf("stop first engine: %v", err)
	}
	cancel()

	// Second engine over the same store picks the workflow back up.
	r2 := newRig(t, testConfig(), store)
	r2.startProvider("p1", nil)
	wf := r2.waitWorkflow(wfID, workflow.WorkflowStatusCompleted)
	if wf.Counts.Completed != 2 {
		t.Errorf("completed = %d, want 2", wf.Counts.Completed)
	}
}

func TestWatcherSubmitsPerFile(t *testing.T) {
	watchDir := t.TempDir()
	template := filepath.Join(t.TempDir(), "template.yaml")
	if err := os.WriteFile(template, []byte(`
name: ingest
tasks:
  - id: process
    protocol: echo/v1
    method: echo
`), 0o644); err != nil {
		t.Fatal(err)
	}

	r := newRig(t, testConfig(), nil)
	r.startProvider("p1", nil)

	_, err := r.eng.Watch(WatchSpec{
		Directory: watchDir,
		Pattern:   "*.txt",
		Template:  template,
		Settle:    20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	path := filepath.Join(watchDir, "incoming.txt")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		wfs, err := r.store.ListWorkflows(context.Background(), workflow.WorkflowStatusCompleted, 10)
		if err == nil && len(wfs) == 1 {
			res, err := r.store.GetResult(context.Background(), wfs[0].ID, "process")
			if err != nil {
				t.Fatalf("result: %v", err)
			}
			if got := res.Result["file"]; got != path {
				t.Errorf("injected file param = %v, want %q", got, path)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watcher never produced a completed workflow")
}

func TestSubmitDuplicateWorkflowID(t *testing.T) {
	r := newRig(t, testConfig(), nil)
	r.startProvider("p1", nil)

	reply := r.eng.Submit(context.Background(), transport.SubmitRequest{
		Source:     []byte(`{name: fixed, tasks: [{id: a, protocol: echo/v1, method: echo}]}`),
		WorkflowID: "wf-fixed",
	})
	if reply.Error != nil {
		t.Fatalf("submit: %v", reply.Error)
	}
	r.waitWorkflow("wf-fixed", workflow.WorkflowStatusCompleted)

	reply = r.eng.Submit(context.Background(), transport.SubmitRequest{
		Source:     []byte(`{name: fixed, tasks: [{id: a, protocol: echo/v1, method: echo}]}`),
		WorkflowID: "wf-fixed",
	})
	if reply.Error == nil || reply.Error.Code != workflow.CodeInvalidWorkflow {
		t.Errorf("duplicate submit error = %+v, want invalid_workflow", reply.Error)
	}
}
