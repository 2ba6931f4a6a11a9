package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ayip001/themedraft/id"
)

// RedisBus is a Bus backed by Redis pub/sub, letting workers and API
// frontends run in separate processes. Redis preserves publish order per
// channel, which carries the per-job ordering guarantee across the wire.
type RedisBus struct {
	client redis.UniversalClient
	logger *slog.Logger

	bufferSize int
}

var _ Bus = (*RedisBus)(nil)

// RedisBusOption configures a RedisBus.
type RedisBusOption func(*RedisBus)

// WithRedisBufferSize sets the per-subscription event buffer size.
func WithRedisBufferSize(size int) RedisBusOption {
	return func(b *RedisBus) { b.bufferSize = size }
}

// NewRedisBus creates a Bus over the given Redis client. The caller owns
// the client lifecycle.
func NewRedisBus(client redis.UniversalClient, logger *slog.Logger, opts ...RedisBusOption) *RedisBus {
	b := &RedisBus{
		client:     client,
		logger:     logger,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends the event to the job's Redis channel. Delivery reaches only
// subscribers attached at publish time; Redis pub/sub has no replay.
func (b *RedisBus) Publish(ctx context.Context, jobID id.JobID, evt Event) error {
	payload, err := evt.Encode()
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, ChannelFor(jobID), payload).Err()
}

// Subscribe attaches to the job's Redis channel. The returned subscription
// pumps decoded events until Close is called or the pump context ends.
func (b *RedisBus) Subscribe(ctx context.Context, jobID id.JobID) (Subscription, error) {
	channel := ChannelFor(jobID)

	pubsub := b.client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so no event published
	// after Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSub{
		pubsub: pubsub,
		ch:     make(chan Event, b.bufferSize),
	}

	go sub.pump(b.logger, channel)

	return sub, nil
}

// redisSub adapts a go-redis PubSub to the Subscription contract.
type redisSub struct {
	pubsub *redis.PubSub
	ch     chan Event

	closeOnce sync.Once
}

func (s *redisSub) C() <-chan Event { return s.ch }

// Close unsubscribes and stops the pump. Safe to call multiple times.
func (s *redisSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}

// pump moves messages from the Redis subscription onto the event channel.
// It exits when the PubSub is closed, then closes the event channel.
func (s *redisSub) pump(logger *slog.Logger, channel string) {
	defer close(s.ch)

	for msg := range s.pubsub.Channel() {
		evt, err := DecodeEvent([]byte(msg.Payload))
		if err != nil {
			logger.Warn("discarding malformed progress event",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
			continue
		}

		select {
		case s.ch <- evt:
		default:
			logger.Warn("dropped progress event for slow subscriber",
				slog.String("channel", channel),
				slog.String("status", string(evt.Status)),
			)
		}
	}
}
