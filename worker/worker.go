package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/DyNATgIT/ARK/types"
)

// ErrToolNotRegistered is returned when a worker calls a tool it never registered.
var ErrToolNotRegistered = errors.New("tool not registered")

// Worker is the capability contract every phase delegates to.
type Worker interface {
	// Name returns the worker's display name.
	Name() string

	// Initialize prepares the worker (registers tools). Run calls it lazily, once per instance.
	Initialize(ctx context.Context) error

	// Execute performs the business logic. It must not mutate state.
	Execute(ctx context.Context, task Task, state types.WorkflowState) (types.WorkerResult, error)

	// Tools lists the atomic sub-operations the worker can invoke.
	Tools() []Tool

	// HandleError converts a failure into a result.
	HandleError(ctx context.Context, err error, state types.WorkflowState) types.WorkerResult

	// Cleanup releases resources. Always called after Execute/HandleError.
	Cleanup(ctx context.Context) error
}

// ToolFunc is the implementation of one atomic sub-operation.
type ToolFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Tool is one named sub-operation a worker can invoke.
type Tool struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Invoke      ToolFunc `json:"-"`
}

// Task carries phase-specific parameters.
type Task map[string]any

// String returns the string value for key or def when missing or empty.
func (t Task) String(key, def string) string {
	if v, ok := t[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Map returns the nested map for key, never nil.
func (t Task) Map(key string) map[string]any {
	if v, ok := t[key].(map[string]any); ok && v != nil {
		return v
	}
	return map[string]any{}
}

// Strings returns the string slice for key.
func (t Task) Strings(key string) []string {
	switch v := t[key].(type) {
	case []string:
		return append([]string{}, v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// onceInitializer is satisfied by workers embedding *Base.
type onceInitializer interface {
	initializeOnce(ctx context.Context, init func(context.Context) error) error
}

type loggerProvider interface {
	Logger() logrus.FieldLogger
}

// Run drives one invocation: lazy initialize, execute, route any failure (including a panic)
// to HandleError, and always clean up exactly once. It never returns an error and never
// panics: a panicking HandleError falls back to types.Failed and a panicking Cleanup is logged.
func Run(ctx context.Context, w Worker, task Task, state types.WorkflowState) (result types.WorkerResult) {
	log := loggerFor(w)
	input := state.Clone()

	defer cleanup(ctx, w, log)
	defer func() {
		if r := recover(); r != nil {
			result = handleError(ctx, w, fmt.Errorf("panic: %v", r), input, log)
		}
	}()

	var initErr error
	if oi, ok := w.(onceInitializer); ok {
		initErr = oi.initializeOnce(ctx, w.Initialize)
	} else {
		initErr = w.Initialize(ctx)
	}
	if initErr != nil {
		return handleError(ctx, w, fmt.Errorf("initialize %s: %w", w.Name(), initErr), input, log)
	}

	log.WithFields(logrus.Fields{
		"agent":     w.Name(),
		"task_type": task.String("type", task.String("action", "unknown")),
	}).Info("agent_started")

	res, err := w.Execute(ctx, task, input)
	if err != nil {
		return handleError(ctx, w, err, input, log)
	}

	log.WithFields(logrus.Fields{
		"agent":      w.Name(),
		"success":    res.Success,
		"confidence": res.ConfidenceScore,
	}).Info("agent_completed")
	return res
}

func handleError(ctx context.Context, w Worker, cause error, input types.WorkflowState, log logrus.FieldLogger) (result types.WorkerResult) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("agent", w.Name()).WithField("panic", fmt.Sprint(r)).Error("agent_handle_error_failed")
			result = types.Failed(cause)
		}
	}()
	return w.HandleError(ctx, cause, input)
}

func cleanup(ctx context.Context, w Worker, log logrus.FieldLogger) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("agent", w.Name()).WithField("panic", fmt.Sprint(r)).Warn("agent_cleanup_failed")
		}
	}()
	if err := w.Cleanup(ctx); err != nil {
		log.WithError(err).WithField("agent", w.Name()).Warn("agent_cleanup_failed")
	}
}

func loggerFor(w Worker) logrus.FieldLogger {
	if lp, ok := w.(loggerProvider); ok {
		if l := lp.Logger(); l != nil {
			return l
		}
	}
	return logrus.StandardLogger()
}

// Base provides common plumbing for workers: identity, lazy initialization,
// tool bookkeeping and the default error policy.
type Base struct {
	name        string
	description string

	// MaxRetries and TimeoutSeconds are declared configuration; the engine does not enforce them.
	MaxRetries     int
	TimeoutSeconds int

	logger logrus.FieldLogger

	mu          sync.Mutex
	initialized bool
	tools       []Tool
}

// NewBase seeds the helper from the worker's identity and config.
func NewBase(name, description string, cfg Config) *Base {
	return &Base{
		name:           name,
		description:    description,
		MaxRetries:     cfg.Int("max_retries", 3),
		TimeoutSeconds: cfg.Int("timeout_seconds", 300),
		logger:         cfg.Logger(),
	}
}

// Name implements Worker.Name.
func (b *Base) Name() string { return b.name }

// Description returns the human-readable purpose of the worker.
func (b *Base) Description() string { return b.description }

// Logger returns the worker's logger.
func (b *Base) Logger() logrus.FieldLogger { return b.logger }

// Initialized reports whether initialization has completed successfully.
func (b *Base) Initialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

func (b *Base) initializeOnce(ctx context.Context, init func(context.Context) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}
	if err := init(ctx); err != nil {
		return err
	}
	b.initialized = true
	return nil
}

// SetTools replaces the registered tool set. Meant to be called from Initialize.
func (b *Base) SetTools(tools ...Tool) {
	b.tools = append([]Tool{}, tools...)
}

// Tools implements Worker.Tools.
func (b *Base) Tools() []Tool {
	return append([]Tool{}, b.tools...)
}

// ToolNames returns the names of the registered tools in registration order.
func (b *Base) ToolNames() []string {
	names := make([]string, 0, len(b.tools))
	for _, t := range b.tools {
		names = append(names, t.Name)
	}
	return names
}

// Call invokes a registered tool and appends its name to calls.
func (b *Base) Call(ctx context.Context, calls *[]string, name string, args map[string]any) (map[string]any, error) {
	for _, t := range b.tools {
		if t.Name == name {
			*calls = append(*calls, name)
			return t.Invoke(ctx, args)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotRegistered, name)
}

// HandleError implements the default policy: log the context and report a failed result.
func (b *Base) HandleError(ctx context.Context, err error, state types.WorkflowState) types.WorkerResult {
	b.logger.WithFields(logrus.Fields{
		"agent":         b.name,
		"error":         err.Error(),
		"workflow_id":   state.WorkflowID,
		"current_phase": state.CurrentPhase,
	}).Error("agent_error")
	return types.Failed(err)
}

// Cleanup implements Worker.Cleanup as a no-op.
func (b *Base) Cleanup(ctx context.Context) error { return nil }
