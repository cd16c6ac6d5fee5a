package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DyNATgIT/ARK/dispatch"
	"github.com/DyNATgIT/ARK/logging"
	"github.com/DyNATgIT/ARK/storage"
	"github.com/DyNATgIT/ARK/types"
	"github.com/DyNATgIT/ARK/worker"
	"github.com/DyNATgIT/ARK/workers"
	"github.com/DyNATgIT/ARK/workflow"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []dispatch.Job
	err  error
}

func (r *recordingDispatcher) Submit(ctx context.Context, job dispatch.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.jobs = append(r.jobs, job)
	return nil
}

var fixedNow = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

func haltedRecord(id string) types.WorkflowRecord {
	s := types.NewInitialState("cust-"+id, id, map[string]any{"email": "x@example.com"})
	s.CompletedPhases = []types.Phase{types.PhaseIntake, types.PhaseIdentityVerification, types.PhaseLegalDocuments, types.PhaseCRMSetup}
	s.CurrentPhase = types.PhaseHaltedForApproval
	s.RequiresHumanReview = true
	s.HumanReviewReason = "Low confidence score"
	rec := types.RecordFromState(s, types.StatusAwaitingApproval, fixedNow.Add(-time.Hour))
	return rec
}

func newService(t *testing.T, d dispatch.Dispatcher) (*Service, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	return NewService(store, d, WithLogger(logging.Discard()), WithClock(func() time.Time { return fixedNow })), store
}

func TestDecide_Approve(t *testing.T) {
	d := &recordingDispatcher{}
	svc, store := newService(t, d)
	ctx := context.Background()
	require.NoError(t, store.SaveRecord(ctx, haltedRecord("wf-1")))

	rec, err := svc.Decide(ctx, "wf-1", Decision{Approved: true, Notes: "docs checked", Approver: "alice"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusApproved, rec.Status)
	require.NotNil(t, rec.ApprovedAt)
	assert.Equal(t, fixedNow, *rec.ApprovedAt)
	assert.Equal(t, "docs checked", rec.ApprovalNotes)

	require.Len(t, d.jobs, 1)
	job := d.jobs[0]
	assert.Equal(t, dispatch.KindResume, job.Kind)
	assert.Equal(t, "wf-1", job.State.WorkflowID)
	assert.Equal(t, map[string]any{"approver": "alice", "notes": "docs checked"}, job.Metadata[workflow.ContextApproval])

	stored, err := store.GetRecord(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusApproved, stored.Status)
}

func TestDecide_Reject(t *testing.T) {
	d := &recordingDispatcher{}
	svc, store := newService(t, d)
	ctx := context.Background()
	require.NoError(t, store.SaveRecord(ctx, haltedRecord("wf-2")))

	rec, err := svc.Decide(ctx, "wf-2", Decision{Approved: false, Notes: "forged passport"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, "Rejected: forged passport", rec.Error)
	assert.Nil(t, rec.ApprovedAt)
	assert.Empty(t, d.jobs)
}

func TestDecide_RequiresAwaitingApproval(t *testing.T) {
	svc, store := newService(t, &recordingDispatcher{})
	ctx := context.Background()

	rec := haltedRecord("wf-3")
	rec.Status = types.StatusInProgress
	require.NoError(t, store.SaveRecord(ctx, rec))

	_, err := svc.Decide(ctx, "wf-3", Decision{Approved: true})
	assert.ErrorIs(t, err, ErrNotAwaitingApproval)

	_, err = svc.Decide(ctx, "missing", Decision{Approved: true})
	assert.ErrorIs(t, err, storage.ErrWorkflowNotFound)
}

func TestDecide_SubmitFailureRestoresRecord(t *testing.T) {
	svc, store := newService(t, &recordingDispatcher{err: errors.New("queue down")})
	ctx := context.Background()
	require.NoError(t, store.SaveRecord(ctx, haltedRecord("wf-4")))

	_, err := svc.Decide(ctx, "wf-4", Decision{Approved: true})
	require.Error(t, err)

	stored, err := store.GetRecord(ctx, "wf-4")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAwaitingApproval, stored.Status)
	assert.Nil(t, stored.ApprovedAt)
}

func TestDecide_ConcurrentApprovalsSubmitOnce(t *testing.T) {
	d := &recordingDispatcher{}
	svc, store := newService(t, d)
	ctx := context.Background()
	require.NoError(t, store.SaveRecord(ctx, haltedRecord("wf-race")))

	const reviewers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		approved  int
		conflicts int
	)
	for i := 0; i < reviewers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Decide(ctx, "wf-race", Decision{Approved: true, Approver: "reviewer"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				approved++
			} else if errors.Is(err, ErrNotAwaitingApproval) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, approved)
	assert.Equal(t, reviewers-1, conflicts)
	assert.Len(t, d.jobs, 1)
}

// cancellingStore cancels the record right after it is read, as a second reviewer would.
type cancellingStore struct {
	*storage.MemoryStorage
}

func (c cancellingStore) GetRecord(ctx context.Context, id string) (types.WorkflowRecord, error) {
	rec, err := c.MemoryStorage.GetRecord(ctx, id)
	if err != nil {
		return rec, err
	}
	moved := rec
	moved.Status = types.StatusCancelled
	if err := c.MemoryStorage.SaveRecord(ctx, moved); err != nil {
		return rec, err
	}
	return rec, nil
}

func TestDecide_LosesToInterleavedCancel(t *testing.T) {
	d := &recordingDispatcher{}
	mem := storage.NewMemoryStorage()
	svc := NewService(cancellingStore{mem}, d, WithLogger(logging.Discard()), WithClock(func() time.Time { return fixedNow }))
	ctx := context.Background()
	require.NoError(t, mem.SaveRecord(ctx, haltedRecord("wf-6")))

	_, err := svc.Decide(ctx, "wf-6", Decision{Approved: true})
	assert.ErrorIs(t, err, ErrNotAwaitingApproval)
	assert.ErrorIs(t, err, storage.ErrStatusConflict)
	assert.Empty(t, d.jobs)

	stored, err := mem.GetRecord(ctx, "wf-6")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, stored.Status)
}

func TestCancel(t *testing.T) {
	svc, store := newService(t, &recordingDispatcher{})
	ctx := context.Background()
	require.NoError(t, store.SaveRecord(ctx, haltedRecord("wf-5")))

	rec, err := svc.Cancel(ctx, "wf-5")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, rec.Status)

	_, err = svc.Cancel(ctx, "wf-5")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestApproveResumesRunToCompletion(t *testing.T) {
	store := storage.NewMemoryStorage()
	reg := worker.NewRegistry()
	workers.RegisterAll(reg)

	engine, err := workflow.NewEngine(generator.NewSnowflake(time.Now().Add(-time.Second), 1), store, nil,
		workflow.WithRegistry(reg), workflow.WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer engine.Close()

	done := make(chan types.WorkflowState, 1)
	d := dispatch.NewLocalDispatcher(engine, 1, 1, dispatch.WithLogger(logging.Discard()),
		dispatch.WithCallback(func(j dispatch.Job, final types.WorkflowState, err error) {
			assert.NoError(t, err)
			done <- final
		}))
	defer d.Close()

	ctx := context.Background()
	initial := types.NewInitialState("cust-e2e", "wf-e2e", map[string]any{
		"first_name": "Test ERROR",
		"last_name":  "Person",
		"email":      "review@example.com",
	})
	halted, err := engine.Execute(ctx, initial, workflow.RunConfig{})
	require.NoError(t, err)
	require.Equal(t, types.PhaseHaltedForApproval, halted.CurrentPhase)

	svc := NewService(store, d, WithLogger(logging.Discard()))
	_, err = svc.Decide(ctx, "wf-e2e", Decision{Approved: true, Approver: "bob"})
	require.NoError(t, err)

	select {
	case final := <-done:
		assert.Equal(t, types.PhaseCompleted, final.CurrentPhase)
	case <-time.After(5 * time.Second):
		t.Fatal("resume job did not finish")
	}

	rec, err := store.GetRecord(ctx, "wf-e2e")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, rec.Status)
	assert.NotNil(t, rec.ApprovedAt)
	assert.Equal(t, 100, rec.Progress)
	approval, ok := rec.State.Context[workflow.ContextApproval].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "bob", approval["approver"])
}
