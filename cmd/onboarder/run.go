package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/DyNATgIT/ARK/types"
	"github.com/DyNATgIT/ARK/workflow"
)

// customerFile is the on-disk input of the run command.
type customerFile struct {
	CustomerID   string         `yaml:"customer_id"`
	WorkflowID   string         `yaml:"workflow_id"`
	CustomerData map[string]any `yaml:"customer_data"`
	Context      map[string]any `yaml:"context"`
}

var (
	runStartAt    string
	runSequential bool
)

var runCmd = &cobra.Command{
	Use:   "run <customer.yaml>",
	Short: "Run one onboarding in the foreground",
	Long: `Run one onboarding from a YAML or JSON customer file and print the final state.

Example file:
  customer_id: cust-42
  customer_data:
    first_name: Ada
    last_name: Lovelace
    email: ada@example.com
  context:
    contract_terms:
      term_months: 12`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if runSequential {
			cfg.Engine.ParallelVerification = false
		}

		initial, err := loadCustomerFile(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		final, runErr := a.engine.Execute(ctx, initial, workflow.RunConfig{StartAt: types.Phase(runStartAt)})

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(final); err != nil {
			return err
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().StringVar(&runStartAt, "start-at", "", "Phase to start from (defaults to intake)")
	runCmd.Flags().BoolVar(&runSequential, "sequential", false, "Run verification phases one at a time")
}

// loadCustomerFile reads a customer file into an initial state. JSON is valid YAML,
// so both formats go through the same decoder.
func loadCustomerFile(path string) (types.WorkflowState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.WorkflowState{}, fmt.Errorf("failed to read customer file: %w", err)
	}
	var f customerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return types.WorkflowState{}, fmt.Errorf("failed to parse customer file: %w", err)
	}
	if len(f.CustomerData) == 0 {
		return types.WorkflowState{}, fmt.Errorf("customer file %s has no customer_data", path)
	}
	if f.CustomerID == "" {
		f.CustomerID = uuid.NewString()
	}
	if f.WorkflowID == "" {
		f.WorkflowID = uuid.NewString()
	}

	state := types.NewInitialState(f.CustomerID, f.WorkflowID, f.CustomerData)
	for k, v := range f.Context {
		state.Context[k] = v
	}
	return state, nil
}
