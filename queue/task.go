package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind tags the payload variant a Task carries.
type Kind string

const (
	KindSourceRun     Kind = "source_run"
	KindTrackingCheck Kind = "tracking_check"
)

var ErrInvalidTask = errors.New("invalid task")

// SourceRunPayload asks a worker to execute one queued run.
type SourceRunPayload struct {
	RunID    int64 `json:"run_id"`
	SourceID int64 `json:"source_id"`
}

// TrackingCheckPayload asks a worker to process one claimed tracking row.
type TrackingCheckPayload struct {
	TrackingID int64  `json:"tracking_id"`
	ClaimToken string `json:"claim_token"`
}

// Task is one unit of dispatched work. Exactly one payload matching Kind is set.
type Task struct {
	ID            string                `json:"id"`
	Kind          Kind                  `json:"kind"`
	SourceRun     *SourceRunPayload     `json:"source_run,omitempty"`
	TrackingCheck *TrackingCheckPayload `json:"tracking_check,omitempty"`
	EnqueuedAt    time.Time             `json:"enqueued_at"`
}

// Handle identifies an enqueued task for acknowledgement.
type Handle string

func NewSourceRun(runID, sourceID int64) Task {
	return Task{
		ID:        uuid.NewString(),
		Kind:      KindSourceRun,
		SourceRun: &SourceRunPayload{RunID: runID, SourceID: sourceID},
	}
}

func NewTrackingCheck(trackingID int64, token string) Task {
	return Task{
		ID:            uuid.NewString(),
		Kind:          KindTrackingCheck,
		TrackingCheck: &TrackingCheckPayload{TrackingID: trackingID, ClaimToken: token},
	}
}

func (t Task) Validate() error {
	switch t.Kind {
	case KindSourceRun:
		if t.SourceRun == nil || t.TrackingCheck != nil || t.SourceRun.RunID <= 0 {
			return fmt.Errorf("%w: source_run needs a run id", ErrInvalidTask)
		}
	case KindTrackingCheck:
		if t.TrackingCheck == nil || t.SourceRun != nil || t.TrackingCheck.TrackingID <= 0 || t.TrackingCheck.ClaimToken == "" {
			return fmt.Errorf("%w: tracking_check needs a tracking id and claim token", ErrInvalidTask)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, t.Kind)
	}
	return nil
}

// Queue is an at-least-once, unordered task dispatcher. Handlers must be
// idempotent against redelivery.
type Queue interface {
	Enqueue(ctx context.Context, t Task) (Handle, error)
	// Dequeue returns the next task, or nil when none is ready.
	Dequeue(ctx context.Context) (*Task, error)
	Ack(ctx context.Context, h Handle) error
}

// Reclaimer is implemented by queues whose deliveries expire and must be
// requeued periodically.
type Reclaimer interface {
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
}

func prepare(t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	return t.Validate()
}
