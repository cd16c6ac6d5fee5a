package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewInitialState(t *testing.T) {
	data := map[string]any{"first_name": "Ada"}
	s := NewInitialState("c-1", "wf-1", data)

	assert.Equal(t, PhaseIntake, s.CurrentPhase)
	assert.Empty(t, s.CompletedPhases)
	assert.NotNil(t, s.Errors)
	assert.NotNil(t, s.Context)
	assert.Nil(t, s.IdentityResult)

	data["first_name"] = "Grace"
	assert.Equal(t, "Ada", s.CustomerData["first_name"], "customer data must be a snapshot")
}

func TestWorkflowState_Progress(t *testing.T) {
	s := NewInitialState("c", "w", nil)
	assert.Equal(t, 0, s.Progress())

	s.CompletedPhases = []Phase{PhaseIntake, PhaseIdentityVerification, PhaseLegalDocuments}
	assert.Equal(t, 50, s.Progress())

	s.CompletedPhases = []Phase{
		PhaseIntake, PhaseIdentityVerification, PhaseLegalDocuments, PhaseCRMSetup,
		PhaseHumanReviewCheck, PhaseProvisioning, PhaseNotification,
	}
	assert.Equal(t, 100, s.Progress(), "progress is capped")
}

func TestWorkflowState_CloneIsDeep(t *testing.T) {
	s := NewInitialState("c", "w", map[string]any{"nested": map[string]any{"k": "v"}})
	s.IdentityResult = map[string]any{"details": map[string]any{"kyc": map[string]any{"status": "verified"}}}
	s.CompletedPhases = append(s.CompletedPhases, PhaseIntake)
	s.Context["terms"] = []any{"net30"}

	c := s.Clone()
	c.CustomerData["nested"].(map[string]any)["k"] = "changed"
	c.IdentityResult["details"].(map[string]any)["kyc"].(map[string]any)["status"] = "failed"
	c.CompletedPhases[0] = PhaseCRMSetup
	c.Context["terms"].([]any)[0] = "net60"

	assert.Equal(t, "v", s.CustomerData["nested"].(map[string]any)["k"])
	assert.Equal(t, "verified", s.IdentityResult["details"].(map[string]any)["kyc"].(map[string]any)["status"])
	assert.Equal(t, PhaseIntake, s.CompletedPhases[0])
	assert.Equal(t, "net30", s.Context["terms"].([]any)[0])
}

func TestWorkflowRecord_ApplyOutcome(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewInitialState("c", "w", nil)
	s.CompletedPhases = []Phase{PhaseIntake}
	rec := RecordFromState(s, StatusInProgress, now)
	assert.Equal(t, 16, rec.Progress)

	s.CurrentPhase = PhaseHaltedForApproval
	s.RequiresHumanReview = true
	s.HumanReviewReason = "Low confidence score"
	rec.ApplyOutcome(s, Outcome{Status: StatusAwaitingApproval, FinishedAt: now})
	assert.Equal(t, StatusAwaitingApproval, rec.Status)
	assert.Nil(t, rec.CompletedAt)
	assert.True(t, rec.RequiresApproval)

	s.CurrentPhase = PhaseCompleted
	rec.ApplyOutcome(s, Outcome{Status: StatusCompleted, FinishedAt: now})
	assert.Equal(t, 100, rec.Progress)
	if assert.NotNil(t, rec.CompletedAt) {
		assert.Equal(t, now, *rec.CompletedAt)
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusAwaitingApproval.IsTerminal())
	assert.True(t, StatusAwaitingApproval.IsActive())
	assert.False(t, StatusFailed.IsActive())
	assert.True(t, PhaseHaltedForApproval.IsTerminal())
	assert.False(t, PhaseProvisioning.IsTerminal())
}

func TestFailedResult(t *testing.T) {
	r := Failed(nil)
	assert.False(t, r.Success)
	assert.Equal(t, 0.0, r.ConfidenceScore)
	assert.Equal(t, 1.0, NewResult(true, nil).ConfidenceScore)
}
