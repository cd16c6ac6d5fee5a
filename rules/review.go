package rules

import (
	"fmt"
	"strings"
)

// DefaultReviewExpression halts a run on low identity confidence or any failed named check.
const DefaultReviewExpression = "identity_confidence < threshold || !identity_verified || !contract_generated || !crm_record_created"

// DefaultReviewThreshold is the minimum identity confidence that passes the gate.
const DefaultReviewThreshold = 0.8

// GateFacts are the inputs of the human-review gate.
type GateFacts struct {
	IdentityConfidence float64
	IdentityVerified   bool
	ContractGenerated  bool
	CRMRecordCreated   bool
}

// Env renders the facts as an expression environment.
func (f GateFacts) Env(threshold float64) map[string]any {
	return map[string]any{
		"identity_confidence": f.IdentityConfidence,
		"identity_verified":   f.IdentityVerified,
		"contract_generated":  f.ContractGenerated,
		"crm_record_created":  f.CRMRecordCreated,
		"threshold":           threshold,
	}
}

// Failures lists the named checks that did not pass, in a fixed order.
func (f GateFacts) Failures() []string {
	var failures []string
	if !f.IdentityVerified {
		failures = append(failures, "Identity verification failed")
	}
	if !f.ContractGenerated {
		failures = append(failures, "Contract generation failed")
	}
	if !f.CRMRecordCreated {
		failures = append(failures, "CRM setup failed")
	}
	return failures
}

// NewGateEvaluator returns an ExprEvaluator that also exposes failed_checks, the number of
// named gate checks that are false.
func NewGateEvaluator() *ExprEvaluator {
	ev := NewExprEvaluator()
	ev.AddDerivedFact("failed_checks", func(facts map[string]any) any {
		n := 0
		for _, k := range []string{"identity_verified", "contract_generated", "crm_record_created"} {
			if ok, _ := facts[k].(bool); !ok {
				n++
			}
		}
		return n
	})
	return ev
}

// ReviewPolicy decides whether a run must halt for human approval.
type ReviewPolicy struct {
	Threshold  float64
	Expression string
}

// DefaultReviewPolicy returns the built-in gate rule.
func DefaultReviewPolicy() ReviewPolicy {
	return ReviewPolicy{Threshold: DefaultReviewThreshold, Expression: DefaultReviewExpression}
}

// Decision is the outcome of the gate.
type Decision struct {
	RequiresReview bool
	Reason         string
	Failures       []string
}

// Decide evaluates the policy. When the expression cannot be evaluated the built-in
// rule decides and the evaluation error is returned alongside the decision.
func (p ReviewPolicy) Decide(ev Evaluator, facts GateFacts) (Decision, error) {
	d := Decision{Failures: facts.Failures()}

	expression := p.Expression
	if expression == "" {
		expression = DefaultReviewExpression
	}

	var evalErr error
	if ev != nil {
		d.RequiresReview, evalErr = ev.Evaluate(expression, facts.Env(p.Threshold))
	} else {
		evalErr = fmt.Errorf("rules: no evaluator configured")
	}
	if evalErr != nil {
		d.RequiresReview = facts.IdentityConfidence < p.Threshold || len(d.Failures) > 0
	}

	if d.RequiresReview {
		switch {
		case len(d.Failures) > 0:
			d.Reason = "Issues detected: " + strings.Join(d.Failures, ", ")
		case facts.IdentityConfidence < p.Threshold:
			d.Reason = "Low confidence score"
		default:
			d.Reason = "Review policy matched"
		}
	}
	return d, evalErr
}
