package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ayip001/themedraft/id"
)

// DefaultBufferSize is the default per-subscription event buffer.
const DefaultBufferSize = 64

// Broker is an in-process Bus: it fans events out to subscriptions on the
// same job channel. It backs tests and single-process deployments; the
// Redis bus covers multi-process ones.
type Broker struct {
	mu       sync.RWMutex
	channels map[string]map[string]*brokerSub // channel → subscription id → sub

	logger     *slog.Logger
	bufferSize int

	totalPublished atomic.Int64
	totalDropped   atomic.Int64
}

var _ Bus = (*Broker)(nil)

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscription event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// NewBroker creates an in-process broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		channels:   make(map[string]map[string]*brokerSub),
		logger:     logger,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers the event to every subscription on the job's channel.
// Subscriptions with a full buffer are skipped, not blocked on.
func (b *Broker) Publish(_ context.Context, jobID id.JobID, evt Event) error {
	channel := ChannelFor(jobID)

	b.mu.RLock()
	subs := b.channels[channel]
	targets := make([]*brokerSub, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	b.totalPublished.Add(1)

	for _, s := range targets {
		if !s.send(evt) {
			b.totalDropped.Add(1)
			b.logger.Warn("dropped progress event for slow subscriber",
				slog.String("channel", channel),
				slog.String("subscription", s.id),
				slog.String("status", string(evt.Status)),
			)
		}
	}
	return nil
}

// Subscribe attaches a new subscription to the job's channel.
func (b *Broker) Subscribe(_ context.Context, jobID id.JobID) (Subscription, error) {
	channel := ChannelFor(jobID)
	s := &brokerSub{
		id:      uuid.NewString(),
		channel: channel,
		ch:      make(chan Event, b.bufferSize),
		broker:  b,
	}

	b.mu.Lock()
	subs, ok := b.channels[channel]
	if !ok {
		subs = make(map[string]*brokerSub)
		b.channels[channel] = subs
	}
	subs[s.id] = s
	b.mu.Unlock()

	return s, nil
}

// SubscriberCount returns the number of live subscriptions for a job.
func (b *Broker) SubscriberCount(jobID id.JobID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[ChannelFor(jobID)])
}

// Published returns the total number of events published through the broker.
func (b *Broker) Published() int64 { return b.totalPublished.Load() }

// Dropped returns the total number of events dropped on full buffers.
func (b *Broker) Dropped() int64 { return b.totalDropped.Load() }

// remove detaches a subscription and cleans up empty channels.
func (b *Broker) remove(s *brokerSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.channels[s.channel]
	if !ok {
		return
	}
	delete(subs, s.id)
	if len(subs) == 0 {
		delete(b.channels, s.channel)
	}
}

// brokerSub is one observer's subscription on the in-process broker.
type brokerSub struct {
	id      string
	channel string
	ch      chan Event
	broker  *Broker

	// mu serializes send against Close so a late publish can never hit a
	// closed channel.
	mu     sync.RWMutex
	closed bool
}

func (s *brokerSub) C() <-chan Event { return s.ch }

// send attempts a non-blocking delivery. Returns false on a full buffer or
// a closed subscription.
func (s *brokerSub) send(evt Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

// Close detaches the subscription. Safe to call multiple times.
func (s *brokerSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.broker.remove(s)
	close(s.ch)
	return nil
}
