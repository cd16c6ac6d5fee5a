// Package dispatch hands onboarding runs to background executors.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/DyNATgIT/ARK/types"
	"github.com/DyNATgIT/ARK/workflow"
)

var (
	ErrDispatcherClosed = errors.New("dispatcher is closed")
	ErrUnknownJobKind   = errors.New("unknown job kind")
	ErrNoJob            = errors.New("no job available")
)

// Kind selects the engine entry point for a job.
type Kind string

const (
	KindStart  Kind = "start"
	KindResume Kind = "resume"
)

// Job is one unit of background work.
type Job struct {
	Kind     Kind                `json:"kind"`
	State    types.WorkflowState `json:"state"`
	Metadata map[string]any      `json:"metadata,omitempty"`
}

// Runner is the engine surface a dispatcher drives.
type Runner interface {
	Execute(ctx context.Context, initial types.WorkflowState, cfg workflow.RunConfig) (types.WorkflowState, error)
	Resume(ctx context.Context, halted types.WorkflowState, cfg workflow.RunConfig) (types.WorkflowState, error)
}

// Dispatcher accepts jobs for asynchronous execution.
type Dispatcher interface {
	Submit(ctx context.Context, job Job) error
}

// Callback observes the outcome of a processed job.
type Callback func(job Job, final types.WorkflowState, err error)

// Process runs a job to completion on runner.
func Process(ctx context.Context, runner Runner, job Job) (types.WorkflowState, error) {
	cfg := workflow.RunConfig{Metadata: job.Metadata}
	switch job.Kind {
	case KindStart:
		return runner.Execute(ctx, job.State, cfg)
	case KindResume:
		return runner.Resume(ctx, job.State, cfg)
	default:
		return job.State, fmt.Errorf("%w: %q", ErrUnknownJobKind, job.Kind)
	}
}

// LocalDispatcher runs jobs on a fixed pool of goroutines fed by a buffered channel.
type LocalDispatcher struct {
	runner   Runner
	jobs     chan Job
	logger   logrus.FieldLogger
	callback Callback

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// LocalOption configures a LocalDispatcher.
type LocalOption func(*LocalDispatcher)

// WithCallback is invoked after every processed job.
func WithCallback(cb Callback) LocalOption {
	return func(d *LocalDispatcher) { d.callback = cb }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l logrus.FieldLogger) LocalOption {
	return func(d *LocalDispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewLocalDispatcher starts workers goroutines. workers and buffer below 1 default to 1.
func NewLocalDispatcher(runner Runner, workers, buffer int, opts ...LocalOption) *LocalDispatcher {
	if workers < 1 {
		workers = 1
	}
	if buffer < 1 {
		buffer = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &LocalDispatcher{
		runner: runner,
		jobs:   make(chan Job, buffer),
		logger: logrus.StandardLogger(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.loop()
	}
	return d
}

// Submit queues a job, blocking while the buffer is full.
func (d *LocalDispatcher) Submit(ctx context.Context, job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (d *LocalDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.cancel()
}

// Shutdown is Close bounded by ctx; in-flight runs are cancelled when ctx expires.
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *LocalDispatcher) loop() {
	defer d.wg.Done()
	for job := range d.jobs {
		final, err := Process(d.ctx, d.runner, job)
		logResult(d.logger, job, final, err)
		if d.callback != nil {
			d.callback(job, final, err)
		}
	}
}

func logResult(logger logrus.FieldLogger, job Job, final types.WorkflowState, err error) {
	log := logger.WithFields(logrus.Fields{
		"workflow_id": job.State.WorkflowID,
		"kind":        job.Kind,
	})
	if err != nil {
		log.WithError(err).Error("job_failed")
		return
	}
	log.WithField("phase", final.CurrentPhase).Info("job_finished")
}
