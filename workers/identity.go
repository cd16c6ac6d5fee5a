package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/DyNATgIT/ARK/types"
	"github.com/DyNATgIT/ARK/worker"
)

// verifyKYC runs Know Your Customer checks for an individual.
func verifyKYC(_ context.Context, args map[string]any) (map[string]any, error) {
	name := stringArg(args, "name", "Unknown")
	if strings.Contains(strings.ToLower(name), "error") {
		return map[string]any{"status": "failed", "reason": "suspected_fraud", "risk_score": 0.9}, nil
	}
	return map[string]any{
		"status":          "verified",
		"risk_score":      0.1,
		"verification_id": fmt.Sprintf("kyc_%s_verified", stringArg(args, "document_id", "123456789")),
		"checks":          []any{"valid_document", "not_on_watchlists", "face_match"},
	}, nil
}

// verifyKYB runs Know Your Business checks for a company.
func verifyKYB(_ context.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{
		"status":              "verified",
		"company_name":        stringArg(args, "company_name", "Unknown Inc"),
		"registration_number": stringArg(args, "registration_number", "000000"),
		"company_type":        "LLC",
		"founded_date":        "2020-01-01",
		"active_status":       true,
		"checks":              []any{"registry_found", "active_filing"},
	}, nil
}

// IdentityWorker verifies the customer through KYC or KYB checks.
type IdentityWorker struct {
	*worker.Base
}

// NewIdentityWorker is the registry factory for the identity capability.
func NewIdentityWorker(cfg worker.Config) worker.Worker {
	return &IdentityWorker{Base: worker.NewBase("identity_agent", "Verifies customer identity (KYC/KYB)", cfg)}
}

func (w *IdentityWorker) Initialize(ctx context.Context) error {
	w.SetTools(
		worker.Tool{Name: "verify_kyc", Description: "Verify an individual's identity", Invoke: verifyKYC},
		worker.Tool{Name: "verify_kyb", Description: "Verify a business registration", Invoke: verifyKYB},
	)
	return nil
}

// Execute runs KYB for businesses and KYC for every other customer type, so at least one
// check always runs. Success requires every invoked check to come back verified.
func (w *IdentityWorker) Execute(ctx context.Context, task worker.Task, state types.WorkflowState) (types.WorkerResult, error) {
	customer := task.Map("customer_data")
	customerType := stringArg(customer, "customer_type", "individual")

	results := map[string]any{}
	var calls []string

	switch customerType {
	case "business":
		out, err := w.Call(ctx, &calls, "verify_kyb", map[string]any{
			"company_name":        stringArg(customer, "company_name", stringArg(customer, "company", "Unknown Inc")),
			"registration_number": stringArg(customer, "registration_number", "000000"),
		})
		if err != nil {
			return types.WorkerResult{}, err
		}
		results["kyb"] = out
	default:
		out, err := w.Call(ctx, &calls, "verify_kyc", map[string]any{
			"name":        stringArg(customer, "name", "Unknown"),
			"dob":         stringArg(customer, "dob", "1990-01-01"),
			"document_id": stringArg(customer, "document_id", "123456789"),
		})
		if err != nil {
			return types.WorkerResult{}, err
		}
		results["kyc"] = out
	}

	success := true
	for _, r := range results {
		if check, ok := r.(map[string]any); !ok || check["status"] != "verified" {
			success = false
		}
	}

	res := types.NewResult(success, results, calls...)
	if success {
		res.ConfidenceScore = 0.9
	} else {
		res.ConfidenceScore = 0.4
	}
	return res, nil
}
