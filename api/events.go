package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ayip001/themedraft"
	"github.com/ayip001/themedraft/id"
	"github.com/ayip001/themedraft/job"
	"github.com/ayip001/themedraft/stream"
)

// heartbeatInterval is how often the SSE handler emits a comment line to
// keep intermediaries from closing an idle stream.
const heartbeatInterval = 15 * time.Second

// handleJobEvents serves a job's progress stream over SSE. The subscriber
// attaches to the live channel, then receives a snapshot of the persisted
// status so it never renders stale state. The stream ends at a terminal
// event; a client that disconnects first cancels the job.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobIDParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, themedraft.ErrJobNotFound) {
			writeErr(w, http.StatusNotFound, "job not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Subscribe before the snapshot so no event published in between is
	// lost.
	sub, err := s.bus.Subscribe(ctx, jobID)
	if err != nil {
		s.logger.Error("failed to subscribe to job events",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		writeErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snapshot := snapshotEvent(j)
	if err := writeSSE(w, snapshot); err != nil {
		return
	}
	flusher.Flush()

	// Already-finished job: the snapshot is the whole stream.
	if snapshot.Status.Terminal() {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cancelOnDisconnect(jobID)
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				s.cancelOnDisconnect(jobID)
				return
			}
			flusher.Flush()

		case evt, open := <-sub.C():
			if !open {
				return
			}
			if err := writeSSE(w, evt); err != nil {
				s.cancelOnDisconnect(jobID)
				return
			}
			flusher.Flush()
			if evt.Status.Terminal() {
				return
			}
		}
	}
}

// cancelOnDisconnect applies the guarded cancellation after an observer
// went away mid-stream, and broadcasts the terminal event to any remaining
// observers. Detached from the request context, which is already done.
func (s *Server) cancelOnDisconnect(jobID id.JobID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	applied, err := s.jobs.CancelJob(ctx, jobID)
	if err != nil {
		s.logger.Error("failed to cancel job on disconnect",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !applied {
		return
	}

	s.logger.Info("job cancelled by client disconnect",
		slog.String("job_id", jobID.String()))
	s.publishCancelled(ctx, jobID)
}

// publishCancelled broadcasts the cancelled terminal event.
func (s *Server) publishCancelled(ctx context.Context, jobID id.JobID) {
	evt := stream.NewEvent(stream.StatusCancelled, "Generation cancelled")
	if err := s.bus.Publish(ctx, jobID, evt); err != nil {
		s.logger.Warn("failed to publish cancellation event",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// snapshotEvent renders the persisted job state as the stream's opening
// event.
func snapshotEvent(j *job.Job) stream.Event {
	var status stream.EventStatus
	message := "Connected"

	switch j.Status {
	case job.StatusCompleted:
		status = stream.StatusCompleted
		message = "Template generated successfully"
	case job.StatusFailed:
		status = stream.StatusFailed
		message = "Template generation failed"
	case job.StatusCancelled:
		status = stream.StatusCancelled
		message = "Generation cancelled"
	case job.StatusValidating:
		status = stream.StatusValidating
	case job.StatusWriting:
		status = stream.StatusWriting
	default:
		status = stream.StatusProcessing
	}

	evt := stream.NewEvent(status, message)
	evt.Result = j.Result
	if j.ErrorMessage != "" {
		evt.Error = j.ErrorMessage
	}
	evt.RetryCount = j.RetryCount
	return evt
}

// writeSSE writes one event in wire format: an id line and a JSON data
// line.
func writeSSE(w http.ResponseWriter, evt stream.Event) error {
	data, err := evt.Encode()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\ndata: %s\n\n", evt.ID.String(), data)
	return err
}
