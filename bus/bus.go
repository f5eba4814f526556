// Package bus implements the request-response negotiation protocol between
// the coordinator and its agents. All agent-facing decisions (capability
// queries, task offers, votes, expert opinions) flow through one Exchange,
// which pairs requests with responses by correlation id and enforces
// per-call timeouts.
package bus

import (
	"context"
	"time"

	"github.com/BaSui01/taskmesh/types"
)

// Envelope is the wire format for coordinator-agent messages.
type Envelope struct {
	CorrelationID string `json:"correlation_id"`
	// Type distinguishes requests, responses, broadcasts and notifications.
	Type types.MessageType `json:"type"`
	// SenderID is nil when the coordinator itself is the sender.
	SenderID   *uint `json:"sender_id,omitempty"`
	ReceiverID uint  `json:"receiver_id"`
	// Subject names the interaction, e.g. "task_offer" or "conflict_vote".
	Subject  string         `json:"subject"`
	Payload  map[string]any `json:"payload,omitempty"`
	Priority int            `json:"priority"`
	SentAt   time.Time      `json:"sent_at"`
}

// Transport moves envelopes between the coordinator and agents. The
// coordinator publishes outbound envelopes per agent and consumes one
// inbound stream of agent responses. No ordering guarantee exists across
// correlation ids.
type Transport interface {
	// Publish delivers an envelope to the given agent.
	Publish(ctx context.Context, agentID uint, env *Envelope) error
	// Inbound returns the stream of envelopes addressed to the coordinator.
	Inbound() <-chan *Envelope
	// Close stops the transport and closes the inbound stream.
	Close() error
}
