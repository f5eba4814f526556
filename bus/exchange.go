package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/taskmesh/internal/metrics"
	"github.com/BaSui01/taskmesh/store"
	"github.com/BaSui01/taskmesh/types"
)

// BroadcastResponse is one agent's answer (or failure) within a broadcast.
type BroadcastResponse struct {
	AgentID  uint
	Response *Envelope
	Err      error
}

// Exchange multiplexes independent request-response negotiations over one
// transport. At most one waiter exists per correlation id, and the waiter
// entry is removed on success, timeout and cancellation alike. Responses
// for expired correlation ids are discarded, not errors.
type Exchange struct {
	transport Transport
	store     *store.Store
	collector *metrics.Collector
	logger    *zap.Logger

	defaultTimeout time.Duration

	mu      sync.Mutex
	waiters map[string]chan *Envelope

	done chan struct{}
}

// NewExchange wires an exchange over the given transport. The store and
// collector may be nil; message persistence and metrics are then skipped.
func NewExchange(transport Transport, st *store.Store, collector *metrics.Collector, logger *zap.Logger, defaultTimeout time.Duration) *Exchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Exchange{
		transport:      transport,
		store:          st,
		collector:      collector,
		logger:         logger.With(zap.String("component", "bus")),
		defaultTimeout: defaultTimeout,
		waiters:        make(map[string]chan *Envelope),
		done:           make(chan struct{}),
	}
}

// Start consumes the transport's inbound stream until the context is
// cancelled or the transport closes. It must be running for Request and
// Broadcast to complete.
func (e *Exchange) Start(ctx context.Context) {
	go func() {
		defer close(e.done)
		inbound := e.transport.Inbound()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-inbound:
				if !ok {
					return
				}
				e.dispatch(ctx, env)
			}
		}
	}()
}

// Done is closed when the dispatch loop has exited.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

func (e *Exchange) dispatch(ctx context.Context, env *Envelope) {
	if env == nil || env.CorrelationID == "" {
		return
	}

	e.mu.Lock()
	ch, ok := e.waiters[env.CorrelationID]
	if ok {
		delete(e.waiters, env.CorrelationID)
	}
	e.mu.Unlock()

	if !ok {
		// Late response to an expired correlation id.
		e.logger.Debug("discarding unmatched response",
			zap.String("correlation_id", env.CorrelationID),
			zap.String("subject", env.Subject),
		)
		return
	}

	e.persist(ctx, env)
	ch <- env
}

// Request sends a message to one agent and waits for its response. A zero
// timeout uses the exchange default. Timeouts surface as NEGOTIATION_TIMEOUT,
// distinct from a negative answer in the response payload.
func (e *Exchange) Request(ctx context.Context, receiverID uint, subject string, payload map[string]any, timeout time.Duration) (*Envelope, error) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	start := time.Now()

	env := &Envelope{
		CorrelationID: uuid.NewString(),
		Type:          types.MessageRequest,
		ReceiverID:    receiverID,
		Subject:       subject,
		Payload:       payload,
		SentAt:        start.UTC(),
	}

	ch := make(chan *Envelope, 1)
	e.mu.Lock()
	e.waiters[env.CorrelationID] = ch
	e.mu.Unlock()

	remove := func() {
		e.mu.Lock()
		delete(e.waiters, env.CorrelationID)
		e.mu.Unlock()
	}

	e.persist(ctx, env)
	if err := e.transport.Publish(ctx, receiverID, env); err != nil {
		remove()
		e.observe("unreachable", start)
		// The transport's typed error passes through unchanged so callers
		// can tell an unreachable agent from a closed transport.
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		e.observe("accepted", start)
		return resp, nil
	case <-timer.C:
		remove()
		e.observe("timeout", start)
		return nil, types.NewError(types.ErrNegotiationTimeout, "agent did not respond in time").WithRetryable(true)
	case <-ctx.Done():
		remove()
		e.observe("cancelled", start)
		return nil, types.NewError(types.ErrTimeout, "negotiation cancelled").WithCause(ctx.Err())
	}
}

// Broadcast fans a payload out to every recipient with an independent
// correlation id per agent and collects whatever responses arrive within
// the timeout. One agent's failure never blocks or fails the others; its
// entry carries the error instead.
func (e *Exchange) Broadcast(ctx context.Context, recipients []types.Agent, subject string, payload map[string]any, timeout time.Duration) []BroadcastResponse {
	results := make([]BroadcastResponse, len(recipients))

	g, gctx := errgroup.WithContext(ctx)
	for i := range recipients {
		i := i
		agentID := recipients[i].ID
		g.Go(func() error {
			resp, err := e.Request(gctx, agentID, subject, payload, timeout)
			results[i] = BroadcastResponse{AgentID: agentID, Response: resp, Err: err}
			// Errors stay in the slice so one slow or dead agent cannot
			// cancel the rest of the fan-out.
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Notify sends a one-way notification without registering a waiter.
func (e *Exchange) Notify(ctx context.Context, receiverID uint, subject string, payload map[string]any) error {
	env := &Envelope{
		CorrelationID: uuid.NewString(),
		Type:          types.MessageNotification,
		ReceiverID:    receiverID,
		Subject:       subject,
		Payload:       payload,
		SentAt:        time.Now().UTC(),
	}
	e.persist(ctx, env)
	return e.transport.Publish(ctx, receiverID, env)
}

func (e *Exchange) observe(status string, start time.Time) {
	if e.collector != nil {
		e.collector.RecordNegotiation(status, time.Since(start))
	}
}

func (e *Exchange) persist(ctx context.Context, env *Envelope) {
	if e.store == nil {
		return
	}
	msg := &types.Message{
		Type:          env.Type,
		SenderID:      env.SenderID,
		ReceiverID:    env.ReceiverID,
		CorrelationID: env.CorrelationID,
		Subject:       env.Subject,
		Payload:       types.JSONMap(env.Payload),
		Priority:      env.Priority,
	}
	if _, err := e.store.SaveMessage(ctx, msg); err != nil {
		// History is best effort; delivery must not depend on it.
		e.logger.Warn("failed to persist message", zap.Error(err))
	}
}
