package engine

import (
	"time"

	"github.com/gleitzeit/gleitzeit/storage"
	"github.com/gleitzeit/gleitzeit/transport"
)

// Every external stimulus becomes one of these events on the loop channel.
// Command events carry a reply channel; the loop always answers exactly
// once.

type evSubmit struct {
	req   transport.SubmitRequest
	reply chan transport.SubmitReply
}

type evResponse struct {
	resp transport.TaskResponse
}

type evRetryDue struct {
	rec storage.RetryRecord
}

type evRegister struct {
	reg   transport.RegisterProvider
	reply chan transport.RegisterAck
}

type evDeregister struct {
	providerID string
}

type evHeartbeat struct {
	hb transport.Heartbeat
}

type evCancel struct {
	cmd   transport.CancelCommand
	reply chan transport.CancelReply
}

type evStatus struct {
	req   transport.StatusRequest
	reply chan transport.StatusReply
}

type evResults struct {
	req   transport.ResultsRequest
	reply chan transport.ResultsReply
}

type evTimeout struct {
	correlationID string
}

type evTick struct {
	now time.Time
}
