// Package protocol holds the cross-cutting pieces shared by the
// election-creation and tally protocols, currently just the optional
// completion-event publisher.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/sequentech/orchestra/pkg/logger"
)

// CompletionEvent is the payload published once a protocol run
// reaches a terminal state.
type CompletionEvent struct {
	ElectionID int64  `json:"election_id"`
	Status     string `json:"status"`
}

// EventPublisher emits best-effort completion events to a NATS
// subject, for external observers that don't want to poll the
// callback URL themselves. A nil connection makes every publish a
// no-op, so callers can construct one unconditionally and let
// NewEventPublisher decide whether NATS_URL was configured.
type EventPublisher struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewEventPublisher connects to natsURL, or returns a disabled
// publisher if natsURL is empty.
func NewEventPublisher(natsURL string, log *logger.Logger) (*EventPublisher, error) {
	if natsURL == "" {
		return &EventPublisher{log: log}, nil
	}
	conn, err := nats.Connect(natsURL, nats.Name("orchestra"))
	if err != nil {
		return nil, fmt.Errorf("protocol: connect to nats at %s: %w", natsURL, err)
	}
	return &EventPublisher{conn: conn, log: log}, nil
}

// PublishElectionFinished announces that an election-creation run
// reached status (one of "finished" or "error").
func (p *EventPublisher) PublishElectionFinished(electionID int64, status string) {
	p.publish("orchestra.election.finished", CompletionEvent{ElectionID: electionID, Status: status})
}

// PublishTallyFinished announces that a tally run reached status.
func (p *EventPublisher) PublishTallyFinished(electionID int64, status string) {
	p.publish("orchestra.tally.finished", CompletionEvent{ElectionID: electionID, Status: status})
}

func (p *EventPublisher) publish(subject string, event CompletionEvent) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.warn(err, "marshal completion event")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.warn(err, "publish completion event")
	}
}

func (p *EventPublisher) warn(err error, msg string) {
	if p.log != nil {
		p.log.WithField("err", err).Warn(msg)
	}
}

// Close drains and closes the underlying NATS connection, if any.
func (p *EventPublisher) Close() {
	if p != nil && p.conn != nil {
		p.conn.Close()
	}
}
