package natsbus

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/gleitzeit/gleitzeit/registry"
	"github.com/gleitzeit/gleitzeit/transport"
	"github.com/gleitzeit/gleitzeit/workflow"
)

// startServer runs an in-process NATS server with JetStream enabled and
// returns a connected client.
func startServer(t *testing.T) *nats.Conn {
	t.Helper()

	srv, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		t.Fatal("nats server did not start")
	}
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestRequestResponseOverJetStream(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded NATS server")
	}
	ctx := context.Background()
	nc := startServer(t)

	responses := make(chan transport.TaskResponse, 1)
	engine := NewEngineBus(nc, Options{})
	err := engine.Start(ctx, transport.EngineHandlers{
		OnRegister: func(_ context.Context, reg transport.RegisterProvider) transport.RegisterAck {
			return transport.RegisterAck{OK: true}
		},
		OnResponse: func(_ context.Context, resp transport.TaskResponse) {
			responses <- resp
		},
	})
	if err != nil {
		t.Fatalf("engine Start: %v", err)
	}
	defer engine.Close()

	prov := NewProviderBus(nc, Options{})
	err = prov.Register(ctx, transport.RegisterProvider{
		ProviderID:   "echo-1",
		Capabilities: []registry.Capability{{Protocol: "echo/v1", Methods: []string{"echo"}}},
	})
	if err != nil {
		t.Fatalf("provider Register: %v", err)
	}
	defer prov.Close()

	req := transport.TaskRequest{
		CorrelationID: "c1",
		WorkflowID:    "wf1",
		TaskID:        "t1",
		Attempt:       1,
		Protocol:      "echo/v1",
		Method:        "echo",
		Params:        workflow.Params{"message": "hello"},
	}
	if err := engine.SendRequest(ctx, "echo-1", req); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	var got transport.TaskRequest
	select {
	case got = <-prov.Requests():
	case <-time.After(10 * time.Second):
		t.Fatal("request not delivered")
	}
	if got.CorrelationID != "c1" || got.Params["message"] != "hello" {
		t.Fatalf("request = %+v", got)
	}

	err = prov.Respond(ctx, transport.TaskResponse{
		CorrelationID: "c1",
		ProviderID:    "echo-1",
		Status:        transport.StatusOK,
		Result:        map[string]any{"response": "hello"},
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}

	select {
	case resp := <-responses:
		if resp.CorrelationID != "c1" || resp.Status != transport.StatusOK {
			t.Fatalf("response = %+v", resp)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("response not delivered")
	}
}

func TestRegistrationRejectionPropagates(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded NATS server")
	}
	ctx := context.Background()
	nc := startServer(t)

	engine := NewEngineBus(nc, Options{})
	err := engine.Start(ctx, transport.EngineHandlers{
		OnRegister: func(_ context.Context, reg transport.RegisterProvider) transport.RegisterAck {
			return transport.RegisterAck{Error: "unknown protocol " + reg.Capabilities[0].Protocol}
		},
	})
	if err != nil {
		t.Fatalf("engine Start: %v", err)
	}
	defer engine.Close()

	prov := NewProviderBus(nc, Options{})
	err = prov.Register(ctx, transport.RegisterProvider{
		ProviderID:   "bad",
		Capabilities: []registry.Capability{{Protocol: "nope/v1", Methods: []string{"x"}}},
	})
	if err == nil {
		t.Fatal("rejected registration returned nil error")
	}
}

func TestClientAPIAndEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded NATS server")
	}
	ctx := context.Background()
	nc := startServer(t)

	engine := NewEngineBus(nc, Options{})
	err := engine.Start(ctx, transport.EngineHandlers{
		OnSubmit: func(_ context.Context, req transport.SubmitRequest) transport.SubmitReply {
			if len(req.Source) == 0 {
				return transport.SubmitReply{Error: workflow.NewError(workflow.CodeInvalidWorkflow, "empty document")}
			}
			return transport.SubmitReply{WorkflowID: "wf-42", TaskCount: 1}
		},
		OnStatus: func(_ context.Context, req transport.StatusRequest) transport.StatusReply {
			return transport.StatusReply{Report: &transport.StatusReport{
				WorkflowID: req.WorkflowID,
				Status:     workflow.WorkflowStatusCompleted,
			}}
		},
	})
	if err != nil {
		t.Fatalf("engine Start: %v", err)
	}
	defer engine.Close()

	cli := NewClientBus(nc, Options{})
	defer cli.Close()

	events, stop, err := cli.SubscribeEvents(ctx, "wf-42")
	if err != nil {
		t.Fatalf("SubscribeEvents: %v", err)
	}
	defer stop()

	reply, err := cli.Submit(ctx, transport.SubmitRequest{Source: []byte("name: demo")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if reply.WorkflowID != "wf-42" {
		t.Fatalf("Submit reply = %+v", reply)
	}

	bad, err := cli.Submit(ctx, transport.SubmitRequest{})
	if err != nil {
		t.Fatalf("Submit empty: %v", err)
	}
	if bad.Error == nil || bad.Error.Code != workflow.CodeInvalidWorkflow {
		t.Fatalf("Submit empty reply = %+v", bad)
	}

	st, err := cli.Status(ctx, transport.StatusRequest{WorkflowID: "wf-42"})
	if err != nil || st.Report == nil || st.Report.Status != workflow.WorkflowStatusCompleted {
		t.Fatalf("Status = %+v, %v", st, err)
	}

	ev := transport.WorkflowEvent{WorkflowID: "wf-42", Type: transport.EventWorkflowCompleted, At: time.Now().UTC()}
	if err := engine.PublishEvent(ctx, ev); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	select {
	case got := <-events:
		if got.Type != transport.EventWorkflowCompleted {
			t.Fatalf("event = %+v", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("event not delivered")
	}
}
