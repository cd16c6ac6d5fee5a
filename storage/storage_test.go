package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DyNATgIT/ARK/types"
)

// snapshotAfter returns a state that has completed the given phases.
func snapshotAfter(workflowID string, phases ...types.Phase) types.WorkflowState {
	s := types.NewInitialState("cust-"+workflowID, workflowID, map[string]any{"email": "a@b.c"})
	s.RunID = 42
	for _, p := range phases {
		s.CompletedPhases = append(s.CompletedPhases, p)
		s.CurrentPhase = p
		switch p {
		case types.PhaseIntake:
			s.IntakeResult = map[string]any{"status": "completed"}
		case types.PhaseIdentityVerification:
			s.IdentityResult = map[string]any{"verified": true, "confidence_score": 0.9}
		}
	}
	return s
}

// testStorageContract exercises the behaviour every Storage implementation shares.
func testStorageContract(t *testing.T, store Storage) {
	ctx := context.Background()

	t.Run("CheckpointsAreOrderedAndIdempotent", func(t *testing.T) {
		id := uuid.NewString()

		s1 := snapshotAfter(id, types.PhaseIntake)
		require.NoError(t, store.WriteCheckpoint(ctx, id, types.PhaseIntake, s1))
		s2 := snapshotAfter(id, types.PhaseIntake, types.PhaseIdentityVerification)
		require.NoError(t, store.WriteCheckpoint(ctx, id, types.PhaseIdentityVerification, s2))
		// retry of the same phase overwrites
		require.NoError(t, store.WriteCheckpoint(ctx, id, types.PhaseIdentityVerification, s2))

		cps, err := store.ListCheckpoints(ctx, id)
		require.NoError(t, err)
		require.Len(t, cps, 2)
		assert.Equal(t, types.PhaseIntake, cps[0].Phase)
		assert.Equal(t, 1, cps[0].Sequence)
		assert.Equal(t, types.PhaseIdentityVerification, cps[1].Phase)
		assert.Equal(t, 2, cps[1].Sequence)
		assert.Equal(t, uint64(42), cps[1].RunID)
		assert.Equal(t, true, cps[1].Output["verified"])

		rec, err := store.GetRecord(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusInProgress, rec.Status)
		assert.Equal(t, types.PhaseIdentityVerification, rec.CurrentPhase)
		assert.Equal(t, 33, rec.Progress)
		assert.Nil(t, rec.CompletedAt)
	})

	t.Run("FinalizeCompleted", func(t *testing.T) {
		id := uuid.NewString()
		s := snapshotAfter(id, types.PhaseIntake)
		require.NoError(t, store.WriteCheckpoint(ctx, id, types.PhaseIntake, s))
		first, err := store.GetRecord(ctx, id)
		require.NoError(t, err)

		s.CurrentPhase = types.PhaseCompleted
		finished := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, store.Finalize(ctx, id, s, types.Outcome{Status: types.StatusCompleted, FinishedAt: finished}))

		rec, err := store.GetRecord(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, rec.Status)
		assert.Equal(t, 100, rec.Progress)
		require.NotNil(t, rec.CompletedAt)
		assert.True(t, finished.Equal(*rec.CompletedAt))
		assert.True(t, first.StartedAt.Equal(rec.StartedAt))
	})

	t.Run("FinalizeAwaitingApproval", func(t *testing.T) {
		id := uuid.NewString()
		s := snapshotAfter(id, types.PhaseIntake, types.PhaseIdentityVerification)
		s.CurrentPhase = types.PhaseHaltedForApproval
		s.RequiresHumanReview = true
		s.HumanReviewReason = "Low confidence score"
		require.NoError(t, store.WriteCheckpoint(ctx, id, types.PhaseHumanReviewCheck, s))
		require.NoError(t, store.Finalize(ctx, id, s, types.Outcome{Status: types.StatusAwaitingApproval, FinishedAt: time.Now()}))

		rec, err := store.GetRecord(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusAwaitingApproval, rec.Status)
		assert.True(t, rec.RequiresApproval)
		assert.Equal(t, "Low confidence score", rec.ReviewReason)
		assert.Nil(t, rec.CompletedAt)
	})

	t.Run("FinalizeWithoutCheckpoint", func(t *testing.T) {
		id := uuid.NewString()
		s := snapshotAfter(id, types.PhaseIntake)
		require.NoError(t, store.Finalize(ctx, id, s, types.Outcome{
			Status: types.StatusFailed, Reason: "capability identity not registered", FinishedAt: time.Now(),
		}))

		rec, err := store.GetRecord(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, rec.Status)
		assert.Equal(t, "capability identity not registered", rec.Error)
	})

	t.Run("CancelledRecordStaysCancelled", func(t *testing.T) {
		id := uuid.NewString()
		s := snapshotAfter(id, types.PhaseIntake)
		rec := types.RecordFromState(s, types.StatusCancelled, time.Now())
		require.NoError(t, store.SaveRecord(ctx, rec))
		require.NoError(t, store.WriteCheckpoint(ctx, id, types.PhaseIdentityVerification,
			snapshotAfter(id, types.PhaseIntake, types.PhaseIdentityVerification)))

		got, err := store.GetRecord(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCancelled, got.Status)

		require.NoError(t, store.Finalize(ctx, id, snapshotAfter(id, types.PhaseIntake, types.PhaseIdentityVerification),
			types.Outcome{Status: types.StatusCompleted, FinishedAt: time.Now()}))
		got, err = store.GetRecord(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCancelled, got.Status)
	})

	t.Run("TransitionRecordIsConditional", func(t *testing.T) {
		id := uuid.NewString()
		halted := types.RecordFromState(snapshotAfter(id, types.PhaseIntake), types.StatusAwaitingApproval, time.Now())
		require.NoError(t, store.SaveRecord(ctx, halted))

		approved := halted
		approved.Status = types.StatusApproved

		var (
			wg   sync.WaitGroup
			won  atomic.Int32
			lost atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.TransitionRecord(ctx, approved, types.StatusAwaitingApproval)
				switch {
				case err == nil:
					won.Add(1)
				case errors.Is(err, ErrStatusConflict):
					lost.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), won.Load())
		assert.Equal(t, int32(7), lost.Load())

		got, err := store.GetRecord(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusApproved, got.Status)

		err = store.TransitionRecord(ctx, approved, types.StatusAwaitingApproval)
		assert.ErrorIs(t, err, ErrStatusConflict)

		missing := approved
		missing.WorkflowID = "missing-" + uuid.NewString()
		err = store.TransitionRecord(ctx, missing, types.StatusAwaitingApproval)
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.GetRecord(ctx, "missing-"+uuid.NewString())
		assert.ErrorIs(t, err, ErrWorkflowNotFound)

		cps, err := store.ListCheckpoints(ctx, "missing-"+uuid.NewString())
		assert.NoError(t, err)
		assert.Empty(t, cps)
	})

	t.Run("ListRecordsByStatus", func(t *testing.T) {
		tag := uuid.NewString()
		base := time.Now().UTC().Truncate(time.Millisecond)
		for i, status := range []types.Status{types.StatusPending, types.StatusAwaitingApproval, types.StatusAwaitingApproval} {
			rec := types.RecordFromState(snapshotAfter(fmt.Sprintf("%s-%d", tag, i)), status, base.Add(time.Duration(i)*time.Second))
			require.NoError(t, store.SaveRecord(ctx, rec))
		}

		awaiting, err := store.ListRecords(ctx, types.StatusAwaitingApproval)
		require.NoError(t, err)
		var mine []types.WorkflowRecord
		for _, r := range awaiting {
			if r.CustomerID == "cust-"+tag+"-1" || r.CustomerID == "cust-"+tag+"-2" {
				mine = append(mine, r)
			}
		}
		require.Len(t, mine, 2)
		assert.Equal(t, tag+"-2", mine[0].WorkflowID, "newest first")

		all, err := store.ListRecords(ctx, "")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(all), 3)
	})
}

func TestNewCheckpoint(t *testing.T) {
	now := time.Now()
	s := snapshotAfter("wf", types.PhaseIntake, types.PhaseIdentityVerification)

	cp := NewCheckpoint("wf", types.PhaseIntake, s, now)
	assert.Equal(t, 1, cp.Sequence)
	assert.Equal(t, "completed", cp.Output["status"])

	s.RequiresHumanReview = true
	s.HumanReviewReason = "Low confidence score"
	gate := NewCheckpoint("wf", types.PhaseHumanReviewCheck, s, now)
	assert.Equal(t, 3, gate.Sequence)
	assert.Equal(t, true, gate.Output["requires_human_review"])

	// the checkpoint must not alias the snapshot
	cp.Output["status"] = "mutated"
	assert.Equal(t, "completed", s.IntakeResult["status"])
}

func TestWithContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := withContextError(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)

	err = withContextError(context.Background(), func() error { return fmt.Errorf("fail") })
	assert.EqualError(t, err, "fail")
}
