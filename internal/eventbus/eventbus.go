// Package eventbus publishes TrakBridge lifecycle notifications to NATS
// so external admin/audit tooling can react to stream and server state
// transitions without polling the repository. Envelopes go to plain NATS
// core, not JetStream: these are ephemeral signals, not events needing
// at-least-once delivery.
package eventbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	subjectStreamStarted      = "SYSTEM_EVENTS.trakbridge.stream.started"
	subjectStreamStopped      = "SYSTEM_EVENTS.trakbridge.stream.stopped"
	subjectStreamFailed       = "SYSTEM_EVENTS.trakbridge.stream.failed"
	subjectServerConnected    = "SYSTEM_EVENTS.trakbridge.server.connected"
	subjectServerDisconnected = "SYSTEM_EVENTS.trakbridge.server.disconnected"
)

// Conn is the subset of *nats.Conn the Publisher needs, so tests can
// substitute a recording fake without a running NATS server.
type Conn interface {
	Publish(subject string, data []byte) error
}

// envelope is the JSON payload published for every lifecycle event.
// EventID is unique per publication so consumers can deduplicate across
// reconnects.
type envelope struct {
	EventID   string `json:"event_id"`
	Event     string `json:"event"`
	ID        string `json:"id"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Publisher publishes TrakBridge lifecycle events. Publication is
// best-effort: a NATS outage is logged and never blocks the caller. A nil
// Publisher (no NATS configured) is safe to use; every method becomes a
// no-op.
type Publisher struct {
	conn   Conn
	logger *zap.Logger
}

// New constructs a Publisher. conn may be nil, in which case every publish
// call is a silent no-op (NATS is optional infrastructure for TrakBridge's
// core pipeline, never a dependency of it).
func New(conn Conn, logger *zap.Logger) *Publisher {
	return &Publisher{conn: conn, logger: logger}
}

func (p *Publisher) publish(subject, id, detail string) {
	if p == nil || p.conn == nil {
		return
	}
	env := envelope{
		EventID:   uuid.NewString(),
		Event:     subject,
		ID:        id,
		Detail:    detail,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("eventbus: failed to marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("eventbus: publish failed, dropping", zap.String("subject", subject), zap.Error(err))
		return
	}
}

// StreamStarted reports that a Stream Worker began running for streamID.
func (p *Publisher) StreamStarted(streamID string) { p.publish(subjectStreamStarted, streamID, "") }

// StreamStopped reports that a Stream Worker was stopped for streamID.
func (p *Publisher) StreamStopped(streamID string) { p.publish(subjectStreamStopped, streamID, "") }

// StreamFailed reports that a Stream Worker could not be started, with a
// short human-readable reason.
func (p *Publisher) StreamFailed(streamID, reason string) {
	p.publish(subjectStreamFailed, streamID, reason)
}

// ServerConnected reports a Transmission Worker's Connecting→Connected
// transition for serverID.
func (p *Publisher) ServerConnected(serverID string) {
	p.publish(subjectServerConnected, serverID, "")
}

// ServerDisconnected reports a Transmission Worker's Connected→Disconnected
// transition for serverID, with a short reason.
func (p *Publisher) ServerDisconnected(serverID, reason string) {
	p.publish(subjectServerDisconnected, serverID, reason)
}
