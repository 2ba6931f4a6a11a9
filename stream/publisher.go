package stream

import (
	"context"

	"github.com/ayip001/themedraft/id"
)

// Publisher appends an event to a job's broadcast channel. Publishing never
// blocks on slow observers and never fails a job: event delivery is
// observation, not a side channel the worker depends on.
type Publisher interface {
	Publish(ctx context.Context, jobID id.JobID, evt Event) error
}

// Subscriber attaches to a job's broadcast channel.
type Subscriber interface {
	// Subscribe returns a live subscription for the job. The stream
	// starts at the next published event; callers wanting the current
	// state must read it from the store first.
	Subscribe(ctx context.Context, jobID id.JobID) (Subscription, error)
}

// Bus is a combined publish/subscribe handle over one delivery substrate.
type Bus interface {
	Publisher
	Subscriber
}

// Subscription is one observer's view of a job's event stream. The caller
// closes it after observing a terminal status or when its client goes away.
type Subscription interface {
	// C returns the event channel. It is closed when the subscription is
	// closed; events published with no buffer space are dropped, never
	// delivered late.
	C() <-chan Event

	// Close detaches the subscription and releases its resources.
	// Safe to call multiple times.
	Close() error
}
