package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/issuepilot/internal/job"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSPublisher_Publish(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("issuepilot.jobs.>")
	require.NoError(t, err)

	p := NewNATSPublisher(nc, "issuepilot.jobs")
	j := &job.Job{ID: 4, ExternalID: 17, Repo: job.RepoRef{Owner: "acme", Name: "api"}, Status: job.StatusFailed}
	e := NewEvent(EventEscalated, j, time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC))
	e.Reason = "implementation_budget_exhausted"

	require.NoError(t, p.Publish(context.Background(), e))
	require.NoError(t, nc.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "issuepilot.jobs.escalated", msg.Subject)

	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, int64(4), got.JobID)
	assert.Equal(t, "acme/api", got.Repo)
	assert.Equal(t, 17, got.Issue)
	assert.Equal(t, "FAILED", got.Status)
	assert.Equal(t, "implementation_budget_exhausted", got.Reason)
}

func TestNATSPublisher_ClosedConnection(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	nc.Close()

	err = NewNATSPublisher(nc, "x").Publish(context.Background(), Event{Type: EventCompleted})
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}
