package workers

import (
	"context"
	"fmt"

	"github.com/DyNATgIT/ARK/types"
	"github.com/DyNATgIT/ARK/worker"
)

func createCRMAccount(_ context.Context, args map[string]any) (map[string]any, error) {
	customer, _ := args["customer_data"].(map[string]any)
	platform := stringArg(args, "crm_platform", "salesforce")
	company := stringArg(customer, "company_name", stringArg(customer, "company", "Unknown"))
	crmID := fmt.Sprintf("001%05d", stableHash(company)%100000)
	return map[string]any{
		"status":     "created",
		"crm_id":     crmID,
		"platform":   platform,
		"record_url": fmt.Sprintf("https://%s.com/lightning/r/Account/%s/view", platform, crmID),
	}, nil
}

func updateOpportunityStage(_ context.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{
		"status":      "updated",
		"crm_id":      stringArg(args, "crm_id", "00000"),
		"new_stage":   stringArg(args, "stage", "Onboarding"),
		"probability": args["probability"],
		"timestamp":   "2024-02-01T12:00:00Z",
	}, nil
}

// CRMWorker creates or advances the customer's CRM record. It always reports success.
type CRMWorker struct {
	*worker.Base
}

// NewCRMWorker is the registry factory for the crm capability.
func NewCRMWorker(cfg worker.Config) worker.Worker {
	return &CRMWorker{Base: worker.NewBase("crm_agent", "Manages customer records in CRM", cfg)}
}

func (w *CRMWorker) Initialize(ctx context.Context) error {
	w.SetTools(
		worker.Tool{Name: "create_crm_account", Description: "Create a CRM account", Invoke: createCRMAccount},
		worker.Tool{Name: "update_opportunity_stage", Description: "Move an opportunity to a new stage", Invoke: updateOpportunityStage},
	)
	return nil
}

func (w *CRMWorker) Execute(ctx context.Context, task worker.Task, state types.WorkflowState) (types.WorkerResult, error) {
	results := map[string]any{}
	var calls []string

	switch task.String("action", "create_account") {
	case "create_account":
		out, err := w.Call(ctx, &calls, "create_crm_account", map[string]any{
			"customer_data": task.Map("customer_data"),
			"crm_platform":  task.String("platform", "salesforce"),
		})
		if err != nil {
			return types.WorkerResult{}, err
		}
		results["account"] = out
	case "update_stage":
		out, err := w.Call(ctx, &calls, "update_opportunity_stage", map[string]any{
			"crm_id":      task.String("crm_id", "00000"),
			"stage":       task.String("stage", "Onboarding"),
			"probability": 100,
		})
		if err != nil {
			return types.WorkerResult{}, err
		}
		results["opportunity"] = out
	}

	return types.NewResult(true, results, calls...), nil
}
