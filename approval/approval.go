// Package approval records human review decisions for halted onboarding runs.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/DyNATgIT/ARK/dispatch"
	"github.com/DyNATgIT/ARK/storage"
	"github.com/DyNATgIT/ARK/types"
	"github.com/DyNATgIT/ARK/workflow"
)

var (
	ErrNotAwaitingApproval = errors.New("workflow is not awaiting approval")
	ErrNotActive           = errors.New("workflow is no longer active")
)

// Decision is a reviewer's verdict.
type Decision struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes"`
	Approver string `json:"approver"`
}

// Service applies decisions to stored records and hands approved runs back to the engine.
type Service struct {
	store      storage.Storage
	dispatcher dispatch.Dispatcher
	logger     logrus.FieldLogger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates an approval service.
func NewService(store storage.Storage, dispatcher dispatch.Dispatcher, opts ...Option) *Service {
	s := &Service{
		store:      store,
		dispatcher: dispatcher,
		logger:     logrus.StandardLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Decide approves or rejects a run halted at the review gate. A rejection fails the record;
// an approval marks it approved and submits a resume job. The status change is conditional
// on the record still awaiting approval, so of two concurrent decisions only one applies.
func (s *Service) Decide(ctx context.Context, workflowID string, d Decision) (types.WorkflowRecord, error) {
	rec, err := s.store.GetRecord(ctx, workflowID)
	if err != nil {
		return types.WorkflowRecord{}, err
	}
	if rec.Status != types.StatusAwaitingApproval {
		return rec, fmt.Errorf("%w: status is %s", ErrNotAwaitingApproval, rec.Status)
	}

	now := s.now()
	log := s.logger.WithFields(logrus.Fields{
		"workflow_id": workflowID,
		"approver":    d.Approver,
	})
	prev := rec
	rec.ApprovalNotes = d.Notes
	rec.UpdatedAt = now

	if !d.Approved {
		rec.Status = types.StatusFailed
		rec.Error = strings.TrimSpace("Rejected: " + d.Notes)
		if err := s.transition(ctx, rec, types.StatusAwaitingApproval, ErrNotAwaitingApproval); err != nil {
			return prev, err
		}
		log.Info("workflow_rejected")
		return rec, nil
	}

	rec.Status = types.StatusApproved
	rec.ApprovedAt = &now
	if err := s.transition(ctx, rec, types.StatusAwaitingApproval, ErrNotAwaitingApproval); err != nil {
		return prev, err
	}

	job := dispatch.Job{
		Kind:  dispatch.KindResume,
		State: rec.State,
		Metadata: map[string]any{
			workflow.ContextApproval: map[string]any{
				"approver": d.Approver,
				"notes":    d.Notes,
			},
		},
	}
	if err := s.dispatcher.Submit(ctx, job); err != nil {
		// put the record back so the decision can be retried
		if rerr := s.store.TransitionRecord(context.WithoutCancel(ctx), prev, types.StatusApproved); rerr != nil {
			log.WithError(rerr).Error("approval_rollback_failed")
		}
		return prev, fmt.Errorf("failed to submit resume job: %w", err)
	}

	log.Info("workflow_approved")
	return rec, nil
}

// Cancel marks an active workflow cancelled. Runs already in flight finish, but the record
// keeps the cancelled status.
func (s *Service) Cancel(ctx context.Context, workflowID string) (types.WorkflowRecord, error) {
	rec, err := s.store.GetRecord(ctx, workflowID)
	if err != nil {
		return types.WorkflowRecord{}, err
	}
	if !rec.Status.IsActive() {
		return rec, fmt.Errorf("%w: status is %s", ErrNotActive, rec.Status)
	}

	from := rec.Status
	rec.Status = types.StatusCancelled
	rec.UpdatedAt = s.now()
	if err := s.transition(ctx, rec, from, ErrNotActive); err != nil {
		return types.WorkflowRecord{}, err
	}
	s.logger.WithField("workflow_id", workflowID).Info("workflow_cancelled")
	return rec, nil
}

// transition stores rec if the record is still in status from, reporting a lost race as sentinel.
func (s *Service) transition(ctx context.Context, rec types.WorkflowRecord, from types.Status, sentinel error) error {
	err := s.store.TransitionRecord(ctx, rec, from)
	if errors.Is(err, storage.ErrStatusConflict) {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return err
}
