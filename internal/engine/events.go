package engine

import (
	"time"

	"github.com/sirupsen/logrus"
)

// EventType labels one kind of engine progress event.
type EventType string

const (
	// EventJobArmed fires when a schedule request is accepted.
	EventJobArmed EventType = "job_armed"
	// EventJobFired fires when a job's timer goes off.
	EventJobFired EventType = "job_fired"
	// EventRefreshStarted fires before the market snapshot rebuild.
	EventRefreshStarted EventType = "refresh_started"
	// EventSnapshotReady fires once the snapshot has been rebuilt.
	EventSnapshotReady EventType = "snapshot_ready"
	// EventMatchFound fires when both legs matched the target premium.
	EventMatchFound EventType = "match_found"
	// EventNoMatch fires when no pair matched; carries the similarity report.
	EventNoMatch EventType = "no_match"
	// EventOrderPlaced fires per leg on successful submission.
	EventOrderPlaced EventType = "order_placed"
	// EventOrderFailed fires per leg on rejected submission.
	EventOrderFailed EventType = "order_failed"
	// EventJobDone fires when a job reaches its successful terminal state.
	EventJobDone EventType = "job_done"
	// EventJobError fires when a job aborts.
	EventJobError EventType = "job_error"
)

// Event is one entry of the engine's progress stream. Fields carry
// event-specific detail (strikes, premiums, order ids).
type Event struct {
	Type    EventType      `json:"type"`
	JobID   string         `json:"job_id"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	Time    time.Time      `json:"time"`
}

// Sink receives engine events. Implementations must be safe for concurrent
// use; events from different jobs may arrive interleaved.
type Sink interface {
	Publish(Event)
}

// LogSink renders events through a logrus logger.
type LogSink struct {
	Logger logrus.FieldLogger
}

// NewLogSink creates a sink backed by the given logger. A nil logger falls
// back to the standard logrus logger.
func NewLogSink(logger logrus.FieldLogger) *LogSink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogSink{Logger: logger}
}

// Publish logs the event with its fields; failures log at warning level.
func (s *LogSink) Publish(e Event) {
	entry := s.Logger.WithFields(logrus.Fields{
		"event":  string(e.Type),
		"job_id": e.JobID,
	})
	for k, v := range e.Fields {
		entry = entry.WithField(k, v)
	}
	switch e.Type {
	case EventOrderFailed, EventJobError:
		entry.Warn(e.Message)
	default:
		entry.Info(e.Message)
	}
}
