package store

import (
	"context"
	"log/slog"

	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

// recorderBuffer keeps the journal from dropping events during bursts.
const recorderBuffer = 4096

// SnapshotSource yields the current snapshot of a live execution.
type SnapshotSource interface {
	Get(id string) (*ExecutionContext, error)
}

// Recorder journals bus events into an Archive and stores the terminal
// snapshot of every execution.
type Recorder struct {
	archive Archive
	source  SnapshotSource
	logger  *slog.Logger
}

// NewRecorder creates a recorder writing to archive.
func NewRecorder(archive Archive, source SnapshotSource, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{archive: archive, source: source, logger: logger}
}

// Run consumes events from bus until ctx is done.
func (r *Recorder) Run(ctx context.Context, bus streaming.EventBus) error {
	record := func(e schema.Event) { r.Record(ctx, e) }
	return streaming.Consume(ctx, bus, streaming.Filter{Buffer: recorderBuffer}, streaming.Handlers{
		WorkflowStarted:   record,
		StepCompleted:     record,
		StepError:         record,
		WorkflowCompleted: record,
		WorkflowError:     record,
	})
}

// Record journals one event; terminal events also persist the snapshot.
func (r *Recorder) Record(ctx context.Context, e schema.Event) {
	if _, err := r.archive.AppendEvent(ctx, e); err != nil {
		r.logger.ErrorContext(ctx, "archive event failed",
			slog.String("execution_id", e.ExecutionID),
			slog.String("kind", e.Kind.String()),
			slog.String("error", err.Error()))
	}
	if !e.Kind.Terminal() || r.source == nil {
		return
	}
	ec, err := r.source.Get(e.ExecutionID)
	if err != nil {
		r.logger.WarnContext(ctx, "snapshot source missing execution", slog.String("execution_id", e.ExecutionID))
		return
	}
	if err := r.archive.SaveSnapshot(ctx, ec.Snapshot()); err != nil {
		r.logger.ErrorContext(ctx, "archive snapshot failed",
			slog.String("execution_id", e.ExecutionID),
			slog.String("error", err.Error()))
	}
}
