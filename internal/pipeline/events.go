package pipeline

import (
	"time"

	"github.com/calveira/cpspflow/internal/models"
)

// Event types published over a run's lifecycle.
const (
	EventRunStarted     = "run.started"
	EventStageStarted   = "stage.started"
	EventStageCompleted = "stage.completed"
	EventStageFailed    = "stage.failed"
	EventRunCompleted   = "run.completed"
	EventRunFailed      = "run.failed"
)

// Event is one lifecycle notification. Serve mode streams these to
// subscribed clients; everything else drops them.
type Event struct {
	Type      string          `json:"type"`
	RunID     string          `json:"run_id"`
	SubjectID string          `json:"subject_id"`
	State     models.RunState `json:"state,omitempty"`
	Stage     string          `json:"stage,omitempty"`
	Error     string          `json:"error,omitempty"`
	At        time.Time       `json:"at"`
}

// Publisher receives lifecycle events. Publish must not block the
// scheduler; implementations drop rather than queue unboundedly.
type Publisher interface {
	Publish(ev Event)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
