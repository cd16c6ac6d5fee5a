package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DyNATgIT/ARK/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	records     map[string]types.WorkflowRecord
	checkpoints map[string]map[types.Phase]types.Checkpoint
	mu          sync.RWMutex
	now         func() time.Time
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records:     make(map[string]types.WorkflowRecord),
		checkpoints: make(map[string]map[types.Phase]types.Checkpoint),
		now:         time.Now,
	}
}

// WriteCheckpoint stores the phase checkpoint and refreshes the record under a single lock.
func (s *MemoryStorage) WriteCheckpoint(ctx context.Context, workflowID string, phase types.Phase, snapshot types.WorkflowState) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		now := s.now()

		byPhase, ok := s.checkpoints[workflowID]
		if !ok {
			byPhase = make(map[types.Phase]types.Checkpoint)
			s.checkpoints[workflowID] = byPhase
		}
		byPhase[phase] = NewCheckpoint(workflowID, phase, snapshot, now)

		var existing *types.WorkflowRecord
		if rec, ok := s.records[workflowID]; ok {
			existing = &rec
		}
		s.records[workflowID] = advanceRecord(existing, workflowID, snapshot, now)
		return nil
	})
}

// SaveRecord stores a record to memory.
func (s *MemoryStorage) SaveRecord(ctx context.Context, rec types.WorkflowRecord) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.records[rec.WorkflowID] = rec
		return nil
	})
}

// TransitionRecord stores rec if the current record is in status from.
func (s *MemoryStorage) TransitionRecord(ctx context.Context, rec types.WorkflowRecord, from types.Status) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := s.records[rec.WorkflowID]
		if !ok {
			return fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, rec.WorkflowID)
		}
		if cur.Status != from {
			return fmt.Errorf("%w: id=%s status=%s want=%s", ErrStatusConflict, rec.WorkflowID, cur.Status, from)
		}
		s.records[rec.WorkflowID] = rec
		return nil
	})
}

// Finalize applies the outcome to the stored record.
func (s *MemoryStorage) Finalize(ctx context.Context, workflowID string, final types.WorkflowState, outcome types.Outcome) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		var existing *types.WorkflowRecord
		if rec, ok := s.records[workflowID]; ok {
			existing = &rec
		}
		s.records[workflowID] = finalizeRecord(existing, workflowID, final, outcome)
		return nil
	})
}

// GetRecord retrieves a record from memory.
func (s *MemoryStorage) GetRecord(ctx context.Context, workflowID string) (types.WorkflowRecord, error) {
	return withContext(ctx, func() (types.WorkflowRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		rec, ok := s.records[workflowID]
		if !ok {
			return types.WorkflowRecord{}, fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, workflowID)
		}
		return rec, nil
	})
}

// ListCheckpoints returns the stored checkpoints ordered by sequence.
func (s *MemoryStorage) ListCheckpoints(ctx context.Context, workflowID string) ([]types.Checkpoint, error) {
	return withContext(ctx, func() ([]types.Checkpoint, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Checkpoint, 0, len(s.checkpoints[workflowID]))
		for _, cp := range s.checkpoints[workflowID] {
			out = append(out, cp)
		}
		sortCheckpoints(out)
		return out, nil
	})
}

// ListRecords returns records filtered by status, newest first.
func (s *MemoryStorage) ListRecords(ctx context.Context, status types.Status) ([]types.WorkflowRecord, error) {
	return withContext(ctx, func() ([]types.WorkflowRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.WorkflowRecord, 0, len(s.records))
		for _, rec := range s.records {
			if status == "" || rec.Status == status {
				out = append(out, rec)
			}
		}
		sortRecords(out)
		return out, nil
	})
}

// ClearCompleted removes records in a terminal status together with their checkpoints.
func (s *MemoryStorage) ClearCompleted(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, rec := range s.records {
			if rec.Status.IsTerminal() {
				delete(s.records, id)
				delete(s.checkpoints, id)
			}
		}
		return nil
	})
}

func sortCheckpoints(cps []types.Checkpoint) {
	sort.SliceStable(cps, func(i, j int) bool {
		if cps[i].Sequence != cps[j].Sequence {
			return cps[i].Sequence < cps[j].Sequence
		}
		return cps[i].CompletedAt.Before(cps[j].CompletedAt)
	})
}

func sortRecords(recs []types.WorkflowRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].StartedAt.Equal(recs[j].StartedAt) {
			return recs[i].StartedAt.After(recs[j].StartedAt)
		}
		return recs[i].WorkflowID < recs[j].WorkflowID
	})
}
