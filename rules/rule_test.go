package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		facts      map[string]any
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Valid true expression",
			expression: "identity_confidence >= threshold",
			facts:      map[string]any{"identity_confidence": 0.9, "threshold": 0.8},
			wantResult: true,
		},
		{
			name:       "Valid false expression",
			expression: "!identity_verified",
			facts:      map[string]any{"identity_verified": true},
			wantResult: false,
		},
		{
			name:       "Non-boolean result",
			expression: "identity_confidence + 1",
			facts:      map[string]any{"identity_confidence": 0.9},
			wantErr:    true,
		},
		{
			name:       "Invalid expression",
			expression: "identity_confidence >>> 18",
			facts:      map[string]any{"identity_confidence": 0.9},
			wantErr:    true,
			errMsg:     "unexpected token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.facts)
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				assert.False(t, result)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
		})
	}

	t.Run("Concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		facts := map[string]any{"identity_confidence": 0.95, "threshold": 0.8}

		wg.Add(50)
		for i := 0; i < 50; i++ {
			go func() {
				defer wg.Done()
				result, err := evaluator.Evaluate("identity_confidence > threshold", facts)
				assert.NoError(t, err)
				assert.True(t, result)
			}()
		}
		wg.Wait()
	})

	t.Run("Derived facts do not leak into input", func(t *testing.T) {
		ev := NewExprEvaluator()
		ev.AddDerivedFact("checks_passed", func(f map[string]any) any {
			return f["identity_verified"] == true && f["crm_record_created"] == true
		})
		facts := map[string]any{"identity_verified": true, "crm_record_created": true}

		result, err := ev.Evaluate("checks_passed", facts)
		assert.NoError(t, err)
		assert.True(t, result)
		assert.NotContains(t, facts, "checks_passed")
	})
}

func TestReviewPolicy_Decide(t *testing.T) {
	ev := NewExprEvaluator()
	policy := DefaultReviewPolicy()

	passing := GateFacts{IdentityConfidence: 0.9, IdentityVerified: true, ContractGenerated: true, CRMRecordCreated: true}

	t.Run("all checks pass", func(t *testing.T) {
		d, err := policy.Decide(ev, passing)
		assert.NoError(t, err)
		assert.False(t, d.RequiresReview)
		assert.Empty(t, d.Reason)
		assert.Empty(t, d.Failures)
	})

	t.Run("threshold boundary passes", func(t *testing.T) {
		f := passing
		f.IdentityConfidence = 0.8
		d, err := policy.Decide(ev, f)
		assert.NoError(t, err)
		assert.False(t, d.RequiresReview)
	})

	t.Run("low confidence only", func(t *testing.T) {
		f := passing
		f.IdentityConfidence = 0.5
		d, err := policy.Decide(ev, f)
		assert.NoError(t, err)
		assert.True(t, d.RequiresReview)
		assert.Equal(t, "Low confidence score", d.Reason)
	})

	t.Run("failed identity", func(t *testing.T) {
		f := passing
		f.IdentityConfidence = 0.4
		f.IdentityVerified = false
		d, err := policy.Decide(ev, f)
		assert.NoError(t, err)
		assert.True(t, d.RequiresReview)
		assert.Equal(t, "Issues detected: Identity verification failed", d.Reason)
		assert.Equal(t, []string{"Identity verification failed"}, d.Failures)
	})

	t.Run("every check failed", func(t *testing.T) {
		d, err := policy.Decide(ev, GateFacts{IdentityConfidence: 1})
		assert.NoError(t, err)
		assert.Equal(t, "Issues detected: Identity verification failed, Contract generation failed, CRM setup failed", d.Reason)
	})

	t.Run("broken expression falls back to built-in rule", func(t *testing.T) {
		broken := ReviewPolicy{Threshold: 0.8, Expression: "identity_confidence <"}
		f := passing
		f.IdentityConfidence = 0.3
		d, err := broken.Decide(ev, f)
		assert.Error(t, err)
		assert.True(t, d.RequiresReview)
		assert.Equal(t, "Low confidence score", d.Reason)
	})

	t.Run("custom expression", func(t *testing.T) {
		strict := ReviewPolicy{Threshold: 0.95, Expression: "identity_confidence < threshold"}
		d, err := strict.Decide(ev, passing)
		assert.NoError(t, err)
		assert.True(t, d.RequiresReview)
		assert.Equal(t, "Low confidence score", d.Reason)
	})
}

func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	facts := GateFacts{IdentityConfidence: 0.9, IdentityVerified: true}.Env(0.8)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate(DefaultReviewExpression, facts)
	}
}

func TestGateEvaluator_FailedChecks(t *testing.T) {
	ev := NewGateEvaluator()
	facts := GateFacts{IdentityConfidence: 0.9, IdentityVerified: true}

	got, err := ev.Evaluate("failed_checks == 2", facts.Env(0.8))
	assert.NoError(t, err)
	assert.True(t, got)

	lenient := ReviewPolicy{Threshold: 0.8, Expression: "failed_checks > 2 || identity_confidence < threshold"}
	d, err := lenient.Decide(ev, facts)
	assert.NoError(t, err)
	assert.False(t, d.RequiresReview)

	d, err = lenient.Decide(ev, GateFacts{IdentityConfidence: 0.9})
	assert.NoError(t, err)
	assert.True(t, d.RequiresReview)
	assert.Len(t, d.Failures, 3)
}

func TestGateEvaluator_DerivedFactShadowsCollected(t *testing.T) {
	ev := NewGateEvaluator()
	facts := map[string]any{
		"identity_verified":  true,
		"contract_generated": true,
		"crm_record_created": true,
		"failed_checks":      5,
	}

	got, err := ev.Evaluate("failed_checks == 0", facts)
	assert.NoError(t, err)
	assert.True(t, got)
	assert.Equal(t, 5, facts["failed_checks"])
}
