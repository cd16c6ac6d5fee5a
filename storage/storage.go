package storage

import (
	"context"
	"errors"
	"time"

	"github.com/DyNATgIT/ARK/types"
)

// ErrWorkflowNotFound is returned when no record exists for a workflow ID.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrStatusConflict is returned by TransitionRecord when the stored status moved on.
var ErrStatusConflict = errors.New("workflow status conflict")

// Storage persists checkpoints and workflow-level records.
//
// WriteCheckpoint must be idempotent per (workflowID, phase): writing the same phase twice
// overwrites the earlier checkpoint. Every write is independent; a run is never wrapped in a
// single transaction.
type Storage interface {
	// WriteCheckpoint records the phase output and refreshes the workflow record from snapshot.
	WriteCheckpoint(ctx context.Context, workflowID string, phase types.Phase, snapshot types.WorkflowState) error

	// SaveRecord upserts a workflow record as-is.
	SaveRecord(ctx context.Context, rec types.WorkflowRecord) error

	// TransitionRecord saves rec only if the stored record still has status from. It returns
	// ErrStatusConflict when another writer got there first.
	TransitionRecord(ctx context.Context, rec types.WorkflowRecord, from types.Status) error

	// Finalize folds the final state and outcome into the workflow record.
	Finalize(ctx context.Context, workflowID string, final types.WorkflowState, outcome types.Outcome) error

	// GetRecord retrieves a workflow record by ID.
	GetRecord(ctx context.Context, workflowID string) (types.WorkflowRecord, error)

	// ListCheckpoints returns the checkpoints of a workflow in sequence order.
	ListCheckpoints(ctx context.Context, workflowID string) ([]types.Checkpoint, error)

	// ListRecords returns records with the given status, or all records when status is empty,
	// newest first.
	ListRecords(ctx context.Context, status types.Status) ([]types.WorkflowRecord, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// NewCheckpoint derives the checkpoint row for phase from a state snapshot.
func NewCheckpoint(workflowID string, phase types.Phase, snapshot types.WorkflowState, now time.Time) types.Checkpoint {
	seq := len(snapshot.CompletedPhases) + 1
	for i, p := range snapshot.CompletedPhases {
		if p == phase {
			seq = i + 1
			break
		}
	}
	return types.Checkpoint{
		WorkflowID:  workflowID,
		RunID:       snapshot.RunID,
		Phase:       phase,
		Sequence:    seq,
		Output:      types.CloneMap(snapshot.ResultFor(phase)),
		CompletedAt: now,
	}
}

// advanceRecord refreshes a record from an in-flight snapshot. A cancelled record keeps its
// status so a run that is still draining cannot resurrect it.
func advanceRecord(existing *types.WorkflowRecord, workflowID string, snapshot types.WorkflowState, now time.Time) types.WorkflowRecord {
	rec := types.RecordFromState(snapshot, types.StatusInProgress, now)
	rec.WorkflowID = workflowID
	if existing == nil {
		return rec
	}
	rec.StartedAt = existing.StartedAt
	rec.ApprovedAt = existing.ApprovedAt
	rec.ApprovalNotes = existing.ApprovalNotes
	if existing.Status == types.StatusCancelled {
		rec.Status = types.StatusCancelled
	}
	return rec
}

// finalizeRecord applies an outcome, creating the record when the run never checkpointed.
// A cancelled record keeps its status.
func finalizeRecord(existing *types.WorkflowRecord, workflowID string, final types.WorkflowState, outcome types.Outcome) types.WorkflowRecord {
	var rec types.WorkflowRecord
	if existing != nil {
		rec = *existing
	} else {
		rec = types.RecordFromState(final, outcome.Status, outcome.FinishedAt)
	}
	rec.WorkflowID = workflowID
	rec.ApplyOutcome(final, outcome)
	if existing != nil && existing.Status == types.StatusCancelled {
		rec.Status = types.StatusCancelled
	}
	return rec
}
