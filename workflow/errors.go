package workflow

import (
	"errors"
	"fmt"

	"github.com/DyNATgIT/ARK/types"
	"github.com/DyNATgIT/ARK/worker"
)

// Standard error definitions
var (
	ErrGeneratorRequired  = errors.New("generator is required")
	ErrInvalidGraph       = errors.New("invalid phase graph")
	ErrDuplicatePhase     = errors.New("duplicate phase")
	ErrUnknownPhase       = errors.New("unknown phase")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrInvalidResumeState = errors.New("workflow is not halted for approval")
	ErrReviewRequired     = errors.New("workflow requires human approval before this phase")
)

// MissingCapabilityError is the fatal configuration fault raised when a phase's
// worker is not registered. It unwraps to worker.ErrWorkerNotFound.
type MissingCapabilityError struct {
	Phase      types.Phase
	Capability string
}

func (e *MissingCapabilityError) Error() string {
	return fmt.Sprintf("phase %s: capability %q not found in worker registry", e.Phase, e.Capability)
}

func (e *MissingCapabilityError) Unwrap() error { return worker.ErrWorkerNotFound }
