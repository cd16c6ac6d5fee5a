package workflow

import (
	"context"
	"sort"
	"strings"

	"github.com/DyNATgIT/ARK/rules"
	"github.com/DyNATgIT/ARK/types"
	"github.com/DyNATgIT/ARK/worker"
	"github.com/DyNATgIT/ARK/workers"
)

// Result slot status values.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// defaultCourses are assigned to every onboarded customer.
var defaultCourses = []string{"onboarding_101", "security_basics"}

// buildGraph returns the onboarding phase table.
func (e *Engine) buildGraph() (*Graph, error) {
	g := NewGraph(types.PhaseIntake)
	nodes := []Node{
		{
			Phase:   types.PhaseIntake,
			Handler: intakePhase,
			Targets: []types.Phase{types.PhaseIdentityVerification},
		},
		{
			Phase:      types.PhaseIdentityVerification,
			Capability: workers.Identity,
			Handler:    identityPhase,
			Targets:    []types.Phase{types.PhaseLegalDocuments},
		},
		{
			Phase:      types.PhaseLegalDocuments,
			Capability: workers.Legal,
			Handler:    legalPhase,
			Targets:    []types.Phase{types.PhaseCRMSetup},
		},
		{
			Phase:      types.PhaseCRMSetup,
			Capability: workers.CRM,
			Handler:    crmPhase,
			Targets:    []types.Phase{types.PhaseHumanReviewCheck},
		},
		{
			Phase:   types.PhaseHumanReviewCheck,
			Handler: e.reviewPhase,
			Targets: []types.Phase{types.PhaseHaltedForApproval, types.PhaseProvisioning},
			Next: func(s types.WorkflowState) types.Phase {
				if s.RequiresHumanReview {
					return types.PhaseHaltedForApproval
				}
				return types.PhaseProvisioning
			},
		},
		{
			Phase:      types.PhaseProvisioning,
			Capability: workers.IT,
			Handler:    provisioningPhase,
			Targets:    []types.Phase{types.PhaseNotification},
		},
		{
			Phase:      types.PhaseNotification,
			Capability: workers.Communication,
			Handler:    notificationPhase,
			Targets:    []types.Phase{types.PhaseCompleted},
		},
	}

	for _, n := range nodes {
		if n.Next == nil {
			n.Next = always(n.Targets[0])
		}
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
	}
	g.SetParallelGroup(types.PhaseIdentityVerification, types.PhaseLegalDocuments, types.PhaseCRMSetup)
	return g, g.Validate()
}

func always(p types.Phase) func(types.WorkflowState) types.Phase {
	return func(types.WorkflowState) types.Phase { return p }
}

func intakePhase(_ context.Context, in types.WorkflowState, _ worker.Worker) (Update, error) {
	cd := in.CustomerData
	name := strings.TrimSpace(str(cd, "first_name") + " " + str(cd, "last_name"))
	if name == "" {
		name = str(cd, "name")
	}
	customerType := str(cd, "customer_type")
	if customerType == "" {
		customerType = "individual"
	}

	validated := map[string]any{
		"customer_id":         in.CustomerID,
		"email":               str(cd, "email"),
		"name":                name,
		"company":             str(cd, "company_name"),
		"customer_type":       customerType,
		"address":             str(cd, "address"),
		"document_id":         str(cd, "document_id"),
		"dob":                 str(cd, "dob"),
		"registration_number": str(cd, "registration_number"),
	}

	return func(s *types.WorkflowState) {
		s.IntakeResult = map[string]any{
			"status":         statusCompleted,
			"validated_data": validated,
		}
	}, nil
}

func identityPhase(ctx context.Context, in types.WorkflowState, w worker.Worker) (Update, error) {
	res := worker.Run(ctx, w, worker.Task{
		"type":          "verify_identity",
		"customer_data": validatedData(in),
		"workflow_id":   in.WorkflowID,
	}, in)

	return func(s *types.WorkflowState) {
		s.IdentityResult = map[string]any{
			"status":           resultStatus(res),
			"verified":         res.Success,
			"confidence_score": res.ConfidenceScore,
			"details":          res.Data,
			"error":            res.Error,
			"tool_calls":       res.ToolCalls,
		}
	}, nil
}

func legalPhase(ctx context.Context, in types.WorkflowState, w worker.Worker) (Update, error) {
	task := worker.Task{
		"action":        "generate_and_send",
		"customer_data": validatedData(in),
	}
	if terms, ok := in.Context["contract_terms"].(map[string]any); ok {
		task["terms"] = terms
	}
	res := worker.Run(ctx, w, task, in)

	esign := "failed"
	if res.Success {
		esign = "sent"
	}
	var docs []string
	for _, v := range res.Data {
		if m, ok := v.(map[string]any); ok {
			if id, ok := m["document_id"].(string); ok && id != "" {
				docs = append(docs, id)
			}
		}
	}
	sort.Strings(docs)

	return func(s *types.WorkflowState) {
		s.LegalResult = map[string]any{
			"status":             resultStatus(res),
			"contract_generated": res.Success,
			"esign_status":       esign,
			"details":            res.Data,
			"document_ids":       docs,
			"error":              res.Error,
		}
	}, nil
}

func crmPhase(ctx context.Context, in types.WorkflowState, w worker.Worker) (Update, error) {
	res := worker.Run(ctx, w, worker.Task{
		"action":        "create_account",
		"customer_data": validatedData(in),
		"platform":      "salesforce",
	}, in)

	return func(s *types.WorkflowState) {
		s.CRMResult = map[string]any{
			"status":         resultStatus(res),
			"record_created": res.Success,
			"details":        res.Data,
			"error":          res.Error,
		}
	}, nil
}

// reviewPhase evaluates the gate. It never calls a worker.
func (e *Engine) reviewPhase(_ context.Context, in types.WorkflowState, _ worker.Worker) (Update, error) {
	facts := gateFacts(in)
	decision, err := e.policy.Decide(e.evaluator, facts)
	if err != nil {
		e.logger.WithError(err).WithField("workflow_id", in.WorkflowID).
			Warn("review_expression_failed")
	}
	at := e.now()

	return func(s *types.WorkflowState) {
		for _, f := range decision.Failures {
			s.Errors = append(s.Errors, types.ErrorEntry{Phase: types.PhaseHumanReviewCheck, Message: f, At: at})
		}
		s.RequiresHumanReview = decision.RequiresReview
		s.HumanReviewReason = decision.Reason
	}, nil
}

func provisioningPhase(ctx context.Context, in types.WorkflowState, w worker.Worker) (Update, error) {
	res := worker.Run(ctx, w, worker.Task{
		"customer_id":   in.CustomerID,
		"customer_data": validatedData(in),
	}, in)

	return func(s *types.WorkflowState) {
		s.ProvisioningResult = map[string]any{
			"status":         resultStatus(res),
			"details":        res.Data,
			"access_granted": res.Success,
			"error":          res.Error,
		}
		s.TrainingResult = map[string]any{
			"status":           statusCompleted,
			"courses_assigned": append([]string{}, defaultCourses...),
		}
	}, nil
}

func notificationPhase(ctx context.Context, in types.WorkflowState, w worker.Worker) (Update, error) {
	data := validatedData(in)
	name := str(data, "name")
	res := worker.Run(ctx, w, worker.Task{
		"type":      "all",
		"recipient": str(data, "email"),
		"subject":   "Onboarding Complete",
		"message":   "Welcome aboard, " + name + "! Your account setup is complete.",
	}, in)

	return func(s *types.WorkflowState) {
		if s.Context == nil {
			s.Context = map[string]any{}
		}
		s.Context["notifications_sent"] = res.Success
	}, nil
}

// gateFacts reads the gate inputs from the result slots. A missing confidence counts as 1.0.
func gateFacts(s types.WorkflowState) rules.GateFacts {
	facts := rules.GateFacts{IdentityConfidence: 1.0}
	if c, ok := toFloat(s.IdentityResult["confidence_score"]); ok {
		facts.IdentityConfidence = c
	}
	facts.IdentityVerified, _ = s.IdentityResult["verified"].(bool)
	facts.ContractGenerated, _ = s.LegalResult["contract_generated"].(bool)
	facts.CRMRecordCreated, _ = s.CRMResult["record_created"].(bool)
	return facts
}

func validatedData(s types.WorkflowState) map[string]any {
	if v, ok := s.IntakeResult["validated_data"].(map[string]any); ok {
		return types.CloneMap(v)
	}
	return map[string]any{}
}

func resultStatus(res types.WorkerResult) string {
	if res.Success {
		return statusCompleted
	}
	return statusFailed
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
