// Package stream carries job progress events from the worker to observers.
//
// Delivery is best-effort and at-least-once to currently attached
// subscribers; a subscriber that attaches after an event misses it, which the
// API layer compensates for by sending the persisted status on attach.
// Events for a single job are delivered to a given subscriber in publish
// order; no ordering holds across jobs.
package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ayip001/themedraft/id"
)

// EventStatus is the progress status carried by an event. It mirrors the job
// status vocabulary plus "warning", which signals a retryable failure
// without a status change to a new pipeline stage.
type EventStatus string

const (
	StatusProcessing EventStatus = "processing"
	StatusValidating EventStatus = "validating"
	StatusWriting    EventStatus = "writing"
	StatusCompleted  EventStatus = "completed"
	StatusFailed     EventStatus = "failed"
	StatusCancelled  EventStatus = "cancelled"
	StatusWarning    EventStatus = "warning"
)

// Terminal reports whether a subscriber should detach after observing s.
func (s EventStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Event is one progress notification for a job.
type Event struct {
	ID        id.EventID  `json:"id"`
	Status    EventStatus `json:"status"`
	Message   string      `json:"message,omitempty"`
	// Result carries the artifact payload on completed events only.
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	// RetryCount is set on warning events to the attempt that just failed.
	RetryCount int       `json:"retry_count,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEvent creates an event with a fresh ID and timestamp.
func NewEvent(status EventStatus, message string) Event {
	return Event{
		ID:        id.NewEventID(),
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// ChannelFor returns the broadcast channel name for a job.
func ChannelFor(jobID id.JobID) string {
	return "job:" + jobID.String()
}

// Encode serializes the event for the wire.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("stream: encode event: %w", err)
	}
	return data, nil
}

// DecodeEvent parses a wire payload back into an Event.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("stream: decode event: %w", err)
	}
	return e, nil
}
