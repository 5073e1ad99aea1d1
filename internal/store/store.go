package store

import (
	"context"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// Archive is durable storage for lifecycle events and terminal snapshots.
// It outlives the in-memory retention window.
type Archive interface {
	// AppendEvent journals an event and returns its per-execution sequence.
	AppendEvent(ctx context.Context, event schema.Event) (int64, error)
	// Events returns the events of an execution with sequence > since.
	Events(ctx context.Context, executionID string, since int64) ([]ArchivedEvent, error)
	// SaveSnapshot upserts the snapshot of an execution.
	SaveSnapshot(ctx context.Context, snap *schema.ExecutionSnapshot) error
	// GetSnapshot returns the stored snapshot, or NOT_FOUND.
	GetSnapshot(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error)
	// ListSnapshots returns snapshots filtered by workflow, newest first.
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*schema.ExecutionSnapshot, error)
	Close() error
}

// ArchivedEvent is a journaled event with its sequence number.
type ArchivedEvent struct {
	Sequence   int64        `json:"sequence"`
	RecordedAt time.Time    `json:"recordedAt"`
	Event      schema.Event `json:"event"`
}

// SnapshotFilter narrows ListSnapshots.
type SnapshotFilter struct {
	WorkflowID string
	State      schema.ExecutionState
	Limit      int
}
