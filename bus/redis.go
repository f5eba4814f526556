package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

const (
	// agentChannelPrefix is the per-agent pub/sub channel prefix.
	agentChannelPrefix = "taskmesh:bus:agent:"
	// coordinatorChannel carries every agent response back to the
	// coordinator.
	coordinatorChannel = "taskmesh:bus:coordinator"
)

// AgentChannel returns the pub/sub channel an agent listens on.
func AgentChannel(agentID uint) string {
	return fmt.Sprintf("%s%d", agentChannelPrefix, agentID)
}

// RedisTransport moves envelopes over Redis pub/sub, one channel per agent
// plus one shared response channel for the coordinator. It backs multi
// process deployments where agents run outside the coordinator.
type RedisTransport struct {
	client  *redis.Client
	logger  *zap.Logger
	pubsub  *redis.PubSub
	inbound chan *Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// NewRedisTransport subscribes to the coordinator channel and starts
// decoding inbound envelopes.
func NewRedisTransport(ctx context.Context, client *redis.Client, logger *zap.Logger) (*RedisTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pubsub := client.Subscribe(ctx, coordinatorChannel)
	// Force the subscription to be established before first publish.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", coordinatorChannel, err)
	}

	t := &RedisTransport{
		client:  client,
		logger:  logger.With(zap.String("component", "bus.redis")),
		pubsub:  pubsub,
		inbound: make(chan *Envelope, 64),
		closed:  make(chan struct{}),
	}
	go t.receiveLoop()
	return t, nil
}

func (t *RedisTransport) receiveLoop() {
	defer close(t.inbound)
	for msg := range t.pubsub.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			t.logger.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}
		select {
		case t.inbound <- &env:
		case <-t.closed:
			return
		}
	}
}

// Publish implements Transport.
func (t *RedisTransport) Publish(ctx context.Context, agentID uint, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to marshal envelope").WithCause(err)
	}
	res := t.client.Publish(ctx, AgentChannel(agentID), payload)
	if err := res.Err(); err != nil {
		return types.NewError(types.ErrTransportClosed, "redis publish failed").
			WithCause(err).
			WithRetryable(true)
	}
	if res.Val() == 0 {
		// Nobody subscribed to the agent's channel; the message went nowhere.
		return types.NewError(types.ErrAgentNotFound, "agent not subscribed")
	}
	return nil
}

// Respond publishes an envelope onto the coordinator channel. Agent
// processes use this to answer requests.
func Respond(ctx context.Context, client *redis.Client, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to marshal envelope").WithCause(err)
	}
	return client.Publish(ctx, coordinatorChannel, payload).Err()
}

// Inbound implements Transport.
func (t *RedisTransport) Inbound() <-chan *Envelope {
	return t.inbound
}

// Close implements Transport.
func (t *RedisTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.pubsub.Close()
	})
	return err
}

var _ Transport = (*RedisTransport)(nil)
