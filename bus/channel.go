package bus

import (
	"context"
	"sync"

	"github.com/BaSui01/taskmesh/types"
)

// ChannelTransport moves envelopes over in-process channels. It backs
// single-process deployments and tests, where agents run as goroutines in
// the coordinator's address space.
type ChannelTransport struct {
	mu        sync.RWMutex
	mailboxes map[uint]chan *Envelope
	inbound   chan *Envelope
	closed    bool
}

// NewChannelTransport creates an in-process transport.
func NewChannelTransport() *ChannelTransport {
	return &ChannelTransport{
		mailboxes: make(map[uint]chan *Envelope),
		inbound:   make(chan *Envelope, 64),
	}
}

// Register creates (or returns) the mailbox for an agent. Agents consume
// their mailbox and answer via Deliver.
func (t *ChannelTransport) Register(agentID uint) <-chan *Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	if mb, ok := t.mailboxes[agentID]; ok {
		return mb
	}
	mb := make(chan *Envelope, 16)
	t.mailboxes[agentID] = mb
	return mb
}

// Publish implements Transport.
func (t *ChannelTransport) Publish(ctx context.Context, agentID uint, env *Envelope) error {
	t.mu.RLock()
	mb, ok := t.mailboxes[agentID]
	closed := t.closed
	t.mu.RUnlock()

	if closed {
		return types.NewError(types.ErrTransportClosed, "transport closed")
	}
	if !ok {
		return types.NewError(types.ErrAgentNotFound, "agent has no mailbox")
	}

	select {
	case mb <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver pushes an agent's response onto the coordinator's inbound stream.
func (t *ChannelTransport) Deliver(ctx context.Context, env *Envelope) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return types.NewError(types.ErrTransportClosed, "transport closed")
	}

	select {
	case t.inbound <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbound implements Transport.
func (t *ChannelTransport) Inbound() <-chan *Envelope {
	return t.inbound
}

// Close implements Transport.
func (t *ChannelTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.inbound)
	return nil
}

var _ Transport = (*ChannelTransport)(nil)
