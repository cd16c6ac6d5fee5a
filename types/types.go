package types

import "time"

// Phase names one node of the onboarding state machine.
type Phase string

// Forward phases in topological order, followed by the two terminals.
const (
	PhaseIntake               Phase = "intake"
	PhaseIdentityVerification Phase = "identity_verification"
	PhaseLegalDocuments       Phase = "legal_documents"
	PhaseCRMSetup             Phase = "crm_setup"
	PhaseHumanReviewCheck     Phase = "human_review_check"
	PhaseProvisioning         Phase = "provisioning"
	PhaseNotification         Phase = "notification"

	PhaseCompleted         Phase = "completed"
	PhaseHaltedForApproval Phase = "halted_for_approval"
)

// TotalPhaseCount is the denominator used for progress accounting.
const TotalPhaseCount = 6

// IsTerminal reports whether the phase ends a run.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseHaltedForApproval
}

// ErrorEntry is one business-level failure recorded during a run.
type ErrorEntry struct {
	Phase   Phase     `json:"phase"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// WorkflowState is the single record threaded through every phase of a run.
type WorkflowState struct {
	CustomerID   string         `json:"customer_id"`
	WorkflowID   string         `json:"workflow_id"`
	RunID        uint64         `json:"run_id,omitempty"`
	CustomerData map[string]any `json:"customer_data"`

	CurrentPhase    Phase   `json:"current_phase"`
	CompletedPhases []Phase `json:"completed_phases"`

	IntakeResult       map[string]any `json:"intake_result,omitempty"`
	IdentityResult     map[string]any `json:"identity_result,omitempty"`
	LegalResult        map[string]any `json:"legal_result,omitempty"`
	CRMResult          map[string]any `json:"crm_result,omitempty"`
	TrainingResult     map[string]any `json:"training_result,omitempty"`
	ProvisioningResult map[string]any `json:"provisioning_result,omitempty"`

	Errors              []ErrorEntry `json:"errors"`
	RequiresHumanReview bool         `json:"requires_human_review"`
	HumanReviewReason   string       `json:"human_review_reason,omitempty"`

	Context map[string]any `json:"context"`
}

// NewInitialState returns the state a run starts from.
func NewInitialState(customerID, workflowID string, customerData map[string]any) WorkflowState {
	if customerData == nil {
		customerData = map[string]any{}
	}
	return WorkflowState{
		CustomerID:      customerID,
		WorkflowID:      workflowID,
		CustomerData:    CloneMap(customerData),
		CurrentPhase:    PhaseIntake,
		CompletedPhases: []Phase{},
		Errors:          []ErrorEntry{},
		Context:         map[string]any{},
	}
}

// HasCompleted reports whether the phase is already in CompletedPhases.
func (s WorkflowState) HasCompleted(phase Phase) bool {
	for _, p := range s.CompletedPhases {
		if p == phase {
			return true
		}
	}
	return false
}

// Progress returns the completion percentage, capped at 100.
func (s WorkflowState) Progress() int {
	pct := len(s.CompletedPhases) * 100 / TotalPhaseCount
	if pct > 100 {
		return 100
	}
	return pct
}

// ResultFor returns the result slot written by the given phase.
func (s WorkflowState) ResultFor(phase Phase) map[string]any {
	switch phase {
	case PhaseIntake:
		return s.IntakeResult
	case PhaseIdentityVerification:
		return s.IdentityResult
	case PhaseLegalDocuments:
		return s.LegalResult
	case PhaseCRMSetup:
		return s.CRMResult
	case PhaseProvisioning:
		return s.ProvisioningResult
	case PhaseHumanReviewCheck:
		out := map[string]any{"requires_human_review": s.RequiresHumanReview}
		if s.HumanReviewReason != "" {
			out["human_review_reason"] = s.HumanReviewReason
		}
		return out
	case PhaseNotification:
		if sent, ok := s.Context["notifications_sent"]; ok {
			return map[string]any{"notifications_sent": sent}
		}
	}
	return nil
}

// Clone returns a deep copy so snapshots and worker inputs never alias engine-owned state.
func (s WorkflowState) Clone() WorkflowState {
	out := s
	out.CustomerData = CloneMap(s.CustomerData)
	out.CompletedPhases = append([]Phase{}, s.CompletedPhases...)
	out.IntakeResult = CloneMap(s.IntakeResult)
	out.IdentityResult = CloneMap(s.IdentityResult)
	out.LegalResult = CloneMap(s.LegalResult)
	out.CRMResult = CloneMap(s.CRMResult)
	out.TrainingResult = CloneMap(s.TrainingResult)
	out.ProvisioningResult = CloneMap(s.ProvisioningResult)
	out.Errors = append([]ErrorEntry{}, s.Errors...)
	out.Context = CloneMap(s.Context)
	return out
}

// CloneMap deep-copies nested maps and slices; other values are copied by assignment.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string{}, val...)
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			out[i] = CloneMap(item)
		}
		return out
	default:
		return v
	}
}
