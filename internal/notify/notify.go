// Package notify publishes job lifecycle events to NATS.
//
// Events are published as JSON to:
//
//	{prefix}.{event}
//
// e.g. issuepilot.jobs.escalated. Subscribers (chat bridges, dashboards) are
// outside issuepilot.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/issuepilot/internal/job"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventEscalated        EventType = "escalated"
	EventCompleted        EventType = "completed"
	EventAwaitingApproval EventType = "awaiting_approval"
	EventBlocked          EventType = "blocked"
	EventDispatched       EventType = "dispatched"
)

// Event is the published payload.
type Event struct {
	Type       EventType `json:"type"`
	JobID      int64     `json:"job_id"`
	Repo       string    `json:"repo"`
	Issue      int       `json:"issue"`
	Status     string    `json:"status"`
	ArtifactID int       `json:"artifact_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// NewEvent fills the job fields of an event.
func NewEvent(t EventType, j *job.Job, at time.Time) Event {
	return Event{
		Type:       t,
		JobID:      j.ID,
		Repo:       j.Repo.String(),
		Issue:      j.ExternalID,
		Status:     string(j.Status),
		ArtifactID: j.ArtifactID,
		At:         at,
	}
}

// Publisher delivers lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// NATSPublisher publishes events on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher wraps an open connection.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Connect dials url with reconnect options suitable for a long-running
// daemon.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("issuepilot"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(t EventType) string {
	return p.prefix + "." + string(t)
}

func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(e.Type), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}
