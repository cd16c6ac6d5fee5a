package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/DyNATgIT/ARK/events"
	"github.com/DyNATgIT/ARK/rules"
	"github.com/DyNATgIT/ARK/storage"
	"github.com/DyNATgIT/ARK/types"
	"github.com/DyNATgIT/ARK/worker"
)

const (
	instrumentationName = "github.com/DyNATgIT/ARK/workflow"

	// Context keys written by the engine.
	ContextApproval    = "approval"
	ContextRunMetadata = "run_metadata"

	// streamBuffer holds one snapshot per phase so a slow consumer never stalls a run.
	streamBuffer = 8
)

// RunConfig parameterizes a single execution.
type RunConfig struct {
	// StartAt overrides the phase the run begins with. Empty means the state's current phase.
	StartAt types.Phase
	// Metadata is copied into the state context under ContextRunMetadata. An "approval" map is
	// also recorded by Resume.
	Metadata map[string]any
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry sets the worker registry. Defaults to worker.Default.
func WithRegistry(r *worker.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithParallelVerification toggles the identity/legal/CRM fan-out. On by default.
func WithParallelVerification(on bool) Option {
	return func(e *Engine) { e.parallel = on }
}

// WithEventBus publishes run events on bus instead of an engine-owned one.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.eventBus = bus }
}

// WithReviewPolicy replaces the default gate rule.
func WithReviewPolicy(p rules.ReviewPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithWorkerConfig passes cfg to every worker factory.
func WithWorkerConfig(cfg worker.Config) Option {
	return func(e *Engine) {
		for k, v := range cfg {
			e.workerConfig[k] = v
		}
	}
}

// Engine drives onboarding runs through the phase graph.
type Engine struct {
	generate     generator.Generator
	storage      storage.Storage
	evaluator    rules.Evaluator
	registry     *worker.Registry
	policy       rules.ReviewPolicy
	eventBus     *events.EventBus
	ownsBus      bool
	logger       logrus.FieldLogger
	now          func() time.Time
	parallel     bool
	workerConfig worker.Config

	mu           sync.RWMutex
	errorHandler func(ctx context.Context, state *types.WorkflowState, err error) error

	tracer      trace.Tracer
	phaseRuns   metric.Int64Counter
	halts       metric.Int64Counter
	failures    metric.Int64Counter
	completions metric.Int64Counter

	compileOnce sync.Once
	graph       *Graph
	compileErr  error
}

// NewEngine creates an engine. The generator is required; a nil store falls back to memory
// storage and a nil evaluator to the cached expr evaluator.
func NewEngine(generate generator.Generator, store storage.Storage, evaluator rules.Evaluator, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, ErrGeneratorRequired
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if evaluator == nil {
		evaluator = rules.NewGateEvaluator()
	}

	e := &Engine{
		generate:     generate,
		storage:      store,
		evaluator:    evaluator,
		registry:     worker.Default,
		policy:       rules.DefaultReviewPolicy(),
		logger:       logrus.StandardLogger(),
		now:          time.Now,
		parallel:     true,
		workerConfig: worker.Config{},
		tracer:       otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
		e.ownsBus = true
	}
	if _, ok := e.workerConfig["logger"]; !ok {
		e.workerConfig["logger"] = e.logger
	}

	meter := otel.Meter(instrumentationName)
	e.phaseRuns = e.counter(meter, "onboarding.phase.executions", "Phases executed")
	e.halts = e.counter(meter, "onboarding.workflow.halts", "Runs halted for human approval")
	e.failures = e.counter(meter, "onboarding.workflow.failures", "Runs aborted by a fatal error")
	e.completions = e.counter(meter, "onboarding.workflow.completions", "Runs that reached completed")

	return e, nil
}

func (e *Engine) counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		e.logger.WithError(err).WithField("instrument", name).Warn("metric_registration_failed")
		return noop.Int64Counter{}
	}
	return c
}

// Close stops the engine-owned event bus.
func (e *Engine) Close() {
	if e.ownsBus {
		e.eventBus.Close()
	}
}

// SubscribeEvent subscribes an event handler to a specific event type and returns its
// unsubscribe func.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) func() {
	return e.eventBus.Subscribe(eventType, handler)
}

// SetErrorHandler sets a hook called when a run aborts. A non-nil return replaces the error.
func (e *Engine) SetErrorHandler(handler func(ctx context.Context, state *types.WorkflowState, err error) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorHandler = handler
}

// Registry returns the worker registry the engine resolves capabilities from.
func (e *Engine) Registry() *worker.Registry { return e.registry }

// Storage returns the persistence collaborator.
func (e *Engine) Storage() storage.Storage { return e.storage }

// Compile builds and validates the phase graph. Safe to call repeatedly.
func (e *Engine) Compile() error {
	e.compileOnce.Do(func() {
		e.graph, e.compileErr = e.buildGraph()
	})
	return e.compileErr
}

// Graph returns the compiled phase graph.
func (e *Engine) Graph() (*Graph, error) {
	if err := e.Compile(); err != nil {
		return nil, err
	}
	return e.graph, nil
}

// Execute drives initial to a terminal phase, checkpointing after every phase.
func (e *Engine) Execute(ctx context.Context, initial types.WorkflowState, cfg RunConfig) (types.WorkflowState, error) {
	state, err := e.start(initial, cfg)
	if err != nil {
		return initial, err
	}
	return e.run(ctx, state, runner{persist: true})
}

// Stream runs like Execute without persistence and emits a snapshot after every phase.
// Both channels are closed when the run ends; at most one error is sent.
func (e *Engine) Stream(ctx context.Context, initial types.WorkflowState, cfg RunConfig) (<-chan types.WorkflowState, <-chan error) {
	out := make(chan types.WorkflowState, streamBuffer)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		state, err := e.start(initial, cfg)
		if err != nil {
			errc <- err
			return
		}
		emit := func(s types.WorkflowState) {
			select {
			case out <- s:
			case <-ctx.Done():
			}
		}
		if _, err := e.run(ctx, state, runner{emit: emit}); err != nil {
			errc <- err
		}
	}()

	return out, errc
}

// Resume continues a run halted at the review gate. The approval is recorded in the state
// context and execution continues at provisioning unless cfg.StartAt says otherwise.
func (e *Engine) Resume(ctx context.Context, halted types.WorkflowState, cfg RunConfig) (types.WorkflowState, error) {
	if err := e.Compile(); err != nil {
		return halted, err
	}
	if halted.CurrentPhase != types.PhaseHaltedForApproval || !halted.RequiresHumanReview {
		return halted, fmt.Errorf("%w: current phase %s", ErrInvalidResumeState, halted.CurrentPhase)
	}

	state := normalize(halted.Clone())
	approval := map[string]any{
		"approved":    true,
		"approved_at": e.now().UTC().Format(time.RFC3339),
	}
	if a, ok := cfg.Metadata[ContextApproval].(map[string]any); ok {
		for k, v := range a {
			approval[k] = v
		}
	}
	state.Context[ContextApproval] = approval
	state.RequiresHumanReview = false
	if !state.HasCompleted(types.PhaseHumanReviewCheck) {
		state.CompletedPhases = append(state.CompletedPhases, types.PhaseHumanReviewCheck)
	}

	next := cfg.StartAt
	if next == "" {
		next = types.PhaseProvisioning
	}
	if !e.afterGate(next) {
		return halted, fmt.Errorf("%w: cannot resume at %s", ErrInvalidTransition, next)
	}
	state.CurrentPhase = next
	if err := e.assignRun(&state, cfg); err != nil {
		return halted, err
	}

	r := runner{persist: true}
	e.checkpoint(ctx, state, types.PhaseHumanReviewCheck, r)
	e.publish(ctx, events.Resumed, state, next, map[string]any{"approval": approval})
	e.logger.WithFields(logrus.Fields{
		"workflow_id": state.WorkflowID,
		"run_id":      state.RunID,
		"phase":       next,
	}).Info("workflow_resumed")

	return e.run(ctx, state, r)
}

// runner holds the per-execution sinks.
type runner struct {
	persist bool
	emit    func(types.WorkflowState)
}

// start validates the entry point and prepares a fresh execution of initial.
func (e *Engine) start(initial types.WorkflowState, cfg RunConfig) (types.WorkflowState, error) {
	if err := e.Compile(); err != nil {
		return initial, err
	}

	state := normalize(initial.Clone())
	if cfg.StartAt != "" {
		state.CurrentPhase = cfg.StartAt
	}
	if state.CurrentPhase == "" {
		state.CurrentPhase = e.graph.Entry()
	}
	if state.CurrentPhase.IsTerminal() {
		return initial, fmt.Errorf("%w: run cannot start at terminal %s", ErrInvalidTransition, state.CurrentPhase)
	}
	if _, ok := e.graph.Node(state.CurrentPhase); !ok {
		return initial, fmt.Errorf("%w: %s", ErrUnknownPhase, state.CurrentPhase)
	}
	if e.afterGate(state.CurrentPhase) &&
		(state.RequiresHumanReview || !state.HasCompleted(types.PhaseHumanReviewCheck)) {
		return initial, fmt.Errorf("%w: %s", ErrReviewRequired, state.CurrentPhase)
	}

	if err := e.assignRun(&state, cfg); err != nil {
		return initial, err
	}
	return state, nil
}

func (e *Engine) assignRun(state *types.WorkflowState, cfg RunConfig) error {
	id, err := e.generate.NextID()
	if err != nil {
		return fmt.Errorf("failed to generate run id: %w", err)
	}
	state.RunID = id
	if len(cfg.Metadata) > 0 {
		state.Context[ContextRunMetadata] = types.CloneMap(cfg.Metadata)
	}
	return nil
}

// afterGate reports whether p comes after the review gate in topological order.
func (e *Engine) afterGate(p types.Phase) bool {
	gate, idx := -1, -1
	for i, o := range e.graph.Order() {
		switch o {
		case types.PhaseHumanReviewCheck:
			gate = i
		case p:
			idx = i
		}
	}
	return gate >= 0 && idx > gate
}

func normalize(s types.WorkflowState) types.WorkflowState {
	if s.CustomerData == nil {
		s.CustomerData = map[string]any{}
	}
	if s.CompletedPhases == nil {
		s.CompletedPhases = []types.Phase{}
	}
	if s.Errors == nil {
		s.Errors = []types.ErrorEntry{}
	}
	if s.Context == nil {
		s.Context = map[string]any{}
	}
	return s
}

func (e *Engine) run(ctx context.Context, state types.WorkflowState, r runner) (types.WorkflowState, error) {
	ctx, span := e.tracer.Start(ctx, "onboarding.run", trace.WithAttributes(
		attribute.String("workflow_id", state.WorkflowID),
		attribute.String("customer_id", state.CustomerID),
		attribute.Int64("run_id", int64(state.RunID)),
	))
	defer span.End()

	group := e.graph.ParallelGroup()
	for !state.CurrentPhase.IsTerminal() {
		if err := ctx.Err(); err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"workflow_id": state.WorkflowID,
				"phase":       state.CurrentPhase,
			}).Warn("workflow_interrupted")
			span.RecordError(err)
			return state, err
		}

		var err error
		if e.parallel && len(group) > 1 && state.CurrentPhase == group[0] {
			err = e.runParallel(ctx, &state, group, r)
		} else {
			err = e.runPhase(ctx, &state, state.CurrentPhase, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return e.fail(ctx, state, err, r)
		}
	}

	e.finish(ctx, state, r)
	return state, nil
}

func (e *Engine) runPhase(ctx context.Context, state *types.WorkflowState, phase types.Phase, r runner) error {
	node, ok := e.graph.Node(phase)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPhase, phase)
	}
	w, err := e.resolve(node)
	if err != nil {
		return err
	}
	upd, err := e.execute(ctx, node, state.Clone(), w)
	if err != nil {
		return err
	}
	return e.commit(ctx, state, node, upd, r)
}

// runParallel resolves every worker of the group, runs the handlers concurrently against the
// same input snapshot, then commits the updates in graph order.
func (e *Engine) runParallel(ctx context.Context, state *types.WorkflowState, group []types.Phase, r runner) error {
	nodes := make([]*Node, len(group))
	ws := make([]worker.Worker, len(group))
	for i, p := range group {
		node, ok := e.graph.Node(p)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPhase, p)
		}
		w, err := e.resolve(node)
		if err != nil {
			return err
		}
		nodes[i], ws[i] = node, w
	}

	in := state.Clone()
	updates := make([]Update, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i := range nodes {
		g.Go(func() error {
			upd, err := e.execute(gctx, nodes[i], in.Clone(), ws[i])
			updates[i] = upd
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, node := range nodes {
		if err := e.commit(ctx, state, node, updates[i], r); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resolve(node *Node) (worker.Worker, error) {
	if node.Capability == "" {
		return nil, nil
	}
	w, ok := e.registry.Create(node.Capability, e.workerConfig)
	if !ok {
		return nil, &MissingCapabilityError{Phase: node.Phase, Capability: node.Capability}
	}
	return w, nil
}

// execute runs one handler inside a phase span.
func (e *Engine) execute(ctx context.Context, node *Node, in types.WorkflowState, w worker.Worker) (Update, error) {
	ctx, span := e.tracer.Start(ctx, "onboarding.phase", trace.WithAttributes(
		attribute.String("phase", string(node.Phase)),
		attribute.String("workflow_id", in.WorkflowID),
	))
	defer span.End()

	e.logger.WithFields(logrus.Fields{
		"workflow_id": in.WorkflowID,
		"phase":       node.Phase,
		"worker":      node.Capability,
	}).Info("phase_started")
	e.publish(ctx, events.PhaseStarted, in, node.Phase, nil)

	upd, err := node.Handler(ctx, in, w)
	e.phaseRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", string(node.Phase))))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("phase %s: %w", node.Phase, err)
	}
	return upd, nil
}

// commit applies an update, routes to the next phase, and writes the checkpoint.
func (e *Engine) commit(ctx context.Context, state *types.WorkflowState, node *Node, upd Update, r runner) error {
	if upd != nil {
		upd(state)
	}
	if msg, _ := state.ResultFor(node.Phase)["error"].(string); msg != "" {
		state.Errors = append(state.Errors, types.ErrorEntry{Phase: node.Phase, Message: msg, At: e.now()})
	}

	next, err := node.transition(*state)
	if err != nil {
		return err
	}
	// A phase that halts the run is not completed until it is approved.
	if next != types.PhaseHaltedForApproval && !state.HasCompleted(node.Phase) {
		state.CompletedPhases = append(state.CompletedPhases, node.Phase)
	}
	state.CurrentPhase = next

	e.checkpoint(ctx, *state, node.Phase, r)
	if r.emit != nil {
		r.emit(state.Clone())
	}

	e.logger.WithFields(logrus.Fields{
		"workflow_id": state.WorkflowID,
		"phase":       node.Phase,
		"next_phase":  next,
		"progress":    state.Progress(),
	}).Info("phase_completed")
	e.publish(ctx, events.PhaseCompleted, *state, node.Phase, map[string]any{
		"next_phase": string(next),
		"progress":   state.Progress(),
	})
	return nil
}

func (e *Engine) checkpoint(ctx context.Context, state types.WorkflowState, phase types.Phase, r runner) {
	if !r.persist {
		return
	}
	if err := e.storage.WriteCheckpoint(ctx, state.WorkflowID, phase, state.Clone()); err != nil {
		e.persistenceFailed(ctx, state, phase, err)
	}
}

func (e *Engine) persistenceFailed(ctx context.Context, state types.WorkflowState, phase types.Phase, err error) {
	e.logger.WithError(err).WithFields(logrus.Fields{
		"workflow_id": state.WorkflowID,
		"phase":       phase,
	}).Error("checkpoint_failed")
	e.publish(ctx, events.CheckpointFailed, state, phase, map[string]any{"error": err.Error()})
}

func (e *Engine) finish(ctx context.Context, state types.WorkflowState, r runner) {
	log := e.logger.WithFields(logrus.Fields{
		"workflow_id": state.WorkflowID,
		"run_id":      state.RunID,
		"progress":    state.Progress(),
	})

	outcome := types.Outcome{FinishedAt: e.now()}
	switch state.CurrentPhase {
	case types.PhaseCompleted:
		outcome.Status = types.StatusCompleted
		e.completions.Add(ctx, 1)
		log.Info("workflow_completed")
		e.publish(ctx, events.WorkflowCompleted, state, state.CurrentPhase, nil)
	case types.PhaseHaltedForApproval:
		outcome.Status = types.StatusAwaitingApproval
		outcome.Reason = state.HumanReviewReason
		e.halts.Add(ctx, 1)
		log.WithField("reason", state.HumanReviewReason).Warn("workflow_awaiting_approval")
		e.publish(ctx, events.AwaitingApproval, state, types.PhaseHumanReviewCheck, map[string]any{
			"reason": state.HumanReviewReason,
		})
	}

	if r.persist {
		if err := e.storage.Finalize(ctx, state.WorkflowID, state.Clone(), outcome); err != nil {
			e.persistenceFailed(ctx, state, state.CurrentPhase, err)
		}
	}
}

// fail handles a fatal error: the record is finalized as failed on a best-effort basis.
func (e *Engine) fail(ctx context.Context, state types.WorkflowState, err error, r runner) (types.WorkflowState, error) {
	e.mu.RLock()
	handler := e.errorHandler
	e.mu.RUnlock()
	if handler != nil {
		if herr := handler(ctx, &state, err); herr != nil {
			err = herr
		}
	}

	e.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", string(state.CurrentPhase))))
	e.logger.WithError(err).WithFields(logrus.Fields{
		"workflow_id": state.WorkflowID,
		"phase":       state.CurrentPhase,
	}).Error("workflow_failed")
	e.publish(ctx, events.WorkflowFailed, state, state.CurrentPhase, map[string]any{"error": err.Error()})

	if r.persist {
		outcome := types.Outcome{Status: types.StatusFailed, Reason: err.Error(), FinishedAt: e.now()}
		if ferr := e.storage.Finalize(context.WithoutCancel(ctx), state.WorkflowID, state.Clone(), outcome); ferr != nil {
			e.persistenceFailed(ctx, state, state.CurrentPhase, ferr)
		}
	}
	return state, err
}

func (e *Engine) publish(ctx context.Context, eventType string, state types.WorkflowState, phase types.Phase, data map[string]any) {
	if e.eventBus == nil {
		return
	}
	err := e.eventBus.Publish(ctx, events.Event{
		Type:       eventType,
		WorkflowID: state.WorkflowID,
		RunID:      state.RunID,
		Phase:      phase,
		Data:       data,
		At:         e.now(),
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.WithError(err).WithField("event", eventType).Debug("event_publish_failed")
	}
}
