package workers

import (
	"context"

	"github.com/DyNATgIT/ARK/types"
	"github.com/DyNATgIT/ARK/worker"
)

func generateContract(_ context.Context, args map[string]any) (map[string]any, error) {
	template := stringArg(args, "template_type", "service_agreement")
	docID := stableID("contract_"+template, stringArg(args, "customer_name", "Unknown"))
	return map[string]any{
		"status":        "generated",
		"document_id":   docID,
		"document_url":  "https://mock-storage.com/" + docID + ".pdf",
		"template_used": template,
		"address":       stringArg(args, "address", "Unknown Address"),
		"metadata":      map[string]any{"page_count": 5, "generated_at": "2024-02-01T12:00:00Z"},
	}, nil
}

func triggerESign(_ context.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{
		"status":      "sent",
		"envelope_id": "env_" + stringArg(args, "document_id", ""),
		"signer":      stringArg(args, "signer_email", ""),
		"provider":    "docusign_mock",
	}, nil
}

// LegalWorker generates the customer contract and optionally sends it for e-signature.
// It always reports success.
type LegalWorker struct {
	*worker.Base
}

// NewLegalWorker is the registry factory for the legal capability.
func NewLegalWorker(cfg worker.Config) worker.Worker {
	return &LegalWorker{Base: worker.NewBase("legal_agent", "Generates contracts and manages e-signatures", cfg)}
}

func (w *LegalWorker) Initialize(ctx context.Context) error {
	w.SetTools(
		worker.Tool{Name: "generate_contract", Description: "Generate a contract from a template", Invoke: generateContract},
		worker.Tool{Name: "trigger_esign", Description: "Send a document for electronic signature", Invoke: triggerESign},
	)
	return nil
}

func (w *LegalWorker) Execute(ctx context.Context, task worker.Task, state types.WorkflowState) (types.WorkerResult, error) {
	action := task.String("action", "generate_and_send")
	customer := task.Map("customer_data")

	results := map[string]any{}
	var calls []string

	if action == "generate" || action == "generate_and_send" {
		template := "service_agreement"
		if customer["customer_type"] == "enterprise" {
			template = "master_service_agreement"
		}
		contract, err := w.Call(ctx, &calls, "generate_contract", map[string]any{
			"template_type":  template,
			"customer_name":  stringArg(customer, "name", "Unknown"),
			"address":        stringArg(customer, "address", "Unknown Address"),
			"contract_terms": task.Map("terms"),
		})
		if err != nil {
			return types.WorkerResult{}, err
		}
		results["contract"] = contract

		if action == "generate_and_send" && contract["status"] == "generated" {
			esign, err := w.Call(ctx, &calls, "trigger_esign", map[string]any{
				"document_id":  contract["document_id"],
				"signer_email": stringArg(customer, "email", ""),
				"signer_name":  stringArg(customer, "name", ""),
			})
			if err != nil {
				return types.WorkerResult{}, err
			}
			results["esign"] = esign
		}
	}

	return types.NewResult(true, results, calls...), nil
}
