package types

import "time"

// Status is the lifecycle status of a persisted workflow record.
type Status string

const (
	StatusPending          Status = "pending"
	StatusInProgress       Status = "in_progress"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether no further execution can happen for this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the workflow still occupies the customer.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusAwaitingApproval, StatusApproved:
		return true
	}
	return false
}

// Checkpoint is one persisted phase transition. Writes are idempotent per (WorkflowID, Phase).
type Checkpoint struct {
	WorkflowID  string         `json:"workflow_id"`
	RunID       uint64         `json:"run_id"`
	Phase       Phase          `json:"phase"`
	Sequence    int            `json:"sequence"`
	Output      map[string]any `json:"output,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// WorkflowRecord is the workflow-level row read by reporting and approval collaborators.
type WorkflowRecord struct {
	WorkflowID       string        `json:"workflow_id"`
	CustomerID       string        `json:"customer_id"`
	Status           Status        `json:"status"`
	CurrentPhase     Phase         `json:"current_phase"`
	CompletedPhases  []Phase       `json:"completed_phases"`
	Progress         int           `json:"progress_percentage"`
	RequiresApproval bool          `json:"requires_approval"`
	ReviewReason     string        `json:"review_reason,omitempty"`
	Error            string        `json:"error,omitempty"`
	State            WorkflowState `json:"state"`
	StartedAt        time.Time     `json:"started_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	ApprovedAt       *time.Time    `json:"approved_at,omitempty"`
	ApprovalNotes    string        `json:"approval_notes,omitempty"`
}

// Outcome describes how a run ended when the engine finalizes a record.
type Outcome struct {
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// RecordFromState builds an in-progress record reflecting the state so far.
func RecordFromState(state WorkflowState, status Status, now time.Time) WorkflowRecord {
	return WorkflowRecord{
		WorkflowID:       state.WorkflowID,
		CustomerID:       state.CustomerID,
		Status:           status,
		CurrentPhase:     state.CurrentPhase,
		CompletedPhases:  append([]Phase{}, state.CompletedPhases...),
		Progress:         state.Progress(),
		RequiresApproval: state.RequiresHumanReview,
		ReviewReason:     state.HumanReviewReason,
		State:            state.Clone(),
		StartedAt:        now,
		UpdatedAt:        now,
	}
}

// ApplyOutcome folds a final outcome into the record.
func (r *WorkflowRecord) ApplyOutcome(final WorkflowState, outcome Outcome) {
	r.Status = outcome.Status
	r.CurrentPhase = final.CurrentPhase
	r.CompletedPhases = append([]Phase{}, final.CompletedPhases...)
	r.Progress = final.Progress()
	r.RequiresApproval = final.RequiresHumanReview
	r.ReviewReason = final.HumanReviewReason
	r.State = final.Clone()
	r.UpdatedAt = outcome.FinishedAt
	switch outcome.Status {
	case StatusCompleted:
		r.Progress = 100
		finished := outcome.FinishedAt
		r.CompletedAt = &finished
		r.Error = ""
	case StatusFailed:
		r.Error = outcome.Reason
	case StatusAwaitingApproval:
		r.CompletedAt = nil
		if outcome.Reason != "" {
			r.ReviewReason = outcome.Reason
		}
	}
}
