package storage

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// startJetStream runs an in-process NATS server with JetStream enabled.
func startJetStream(t *testing.T) jetstream.JetStream {
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

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	return js
}

func TestNATSStoreContract(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded NATS server")
	}
	js := startJetStream(t)
	store, err := NewNATSStore(context.Background(), js, slog.Default())
	if err != nil {
		t.Fatalf("NewNATSStore: %v", err)
	}
	defer store.Close()
	runStoreContract(t, store)
}

func TestNATSStoreBucketReuse(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded NATS server")
	}
	ctx := context.Background()
	js := startJetStream(t)

	first, err := NewNATSStore(ctx, js, slog.Default())
	if err != nil {
		t.Fatalf("NewNATSStore: %v", err)
	}
	if err := first.PutWorkflow(ctx, testWorkflow("wf1")); err != nil {
		t.Fatalf("PutWorkflow: %v", err)
	}
	first.Close()

	// A second store over the same JetStream reuses the buckets and sees
	// the data, which is what engine restart relies on.
	second, err := NewNATSStore(ctx, js, slog.Default())
	if err != nil {
		t.Fatalf("NewNATSStore reuse: %v", err)
	}
	defer second.Close()
	wf, err := second.GetWorkflow(ctx, "wf1")
	if err != nil {
		t.Fatalf("GetWorkflow after reopen: %v", err)
	}
	if wf.Name != "test" {
		t.Errorf("workflow = %+v", wf)
	}
}
