package workers

import (
	"context"

	"github.com/DyNATgIT/ARK/types"
	"github.com/DyNATgIT/ARK/worker"
)

func provisionAccount(_ context.Context, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "employee_id", "000")
	suffix := id
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return map[string]any{
		"status":               "provisioned",
		"employee_id":          id,
		"email":                stringArg(args, "email", ""),
		"services_provisioned": args["services"],
		"sso_link":             "https://sso.example.com/setup/" + id,
		"temporary_password":   "Welcome" + suffix + "!",
	}, nil
}

func assignPermissions(_ context.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{
		"status":         "assigned",
		"email":          stringArg(args, "email", ""),
		"role":           stringArg(args, "role", ""),
		"groups_added":   args["groups"],
		"effective_date": "2024-02-01",
	}, nil
}

// ITWorker provisions service accounts and baseline permissions. It always reports success.
type ITWorker struct {
	*worker.Base
}

// NewITWorker is the registry factory for the it capability.
func NewITWorker(cfg worker.Config) worker.Worker {
	return &ITWorker{Base: worker.NewBase("it_agent", "Provisions IT accounts and access", cfg)}
}

func (w *ITWorker) Initialize(ctx context.Context) error {
	w.SetTools(
		worker.Tool{Name: "provision_account", Description: "Provision accounts for a set of services", Invoke: provisionAccount},
		worker.Tool{Name: "assign_permissions", Description: "Assign a role and access groups", Invoke: assignPermissions},
	)
	return nil
}

func (w *ITWorker) Execute(ctx context.Context, task worker.Task, state types.WorkflowState) (types.WorkerResult, error) {
	customer := task.Map("customer_data")
	customerID := task.String("customer_id", "000")

	services := []string{"slack", "email"}
	if customer["customer_type"] == "enterprise" {
		services = append(services, "jira", "confluence")
	}

	var calls []string
	provisioned, err := w.Call(ctx, &calls, "provision_account", map[string]any{
		"employee_id": customerID,
		"email":       stringArg(customer, "email", "user_"+customerID+"@example.com"),
		"services":    services,
	})
	if err != nil {
		return types.WorkerResult{}, err
	}

	permissions, err := w.Call(ctx, &calls, "assign_permissions", map[string]any{
		"email":  provisioned["email"],
		"role":   "customer_admin",
		"groups": []string{"customer_portal_users"},
	})
	if err != nil {
		return types.WorkerResult{}, err
	}

	return types.NewResult(true, map[string]any{
		"provisioning": provisioned,
		"permissions":  permissions,
	}, calls...), nil
}
