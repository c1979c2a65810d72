package saga

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SagaStep represents a single step in a saga with execute and compensate actions.
type SagaStep struct {
	Name       string
	Execute    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Saga orchestrates a sequence of steps with compensating actions on failure.
type Saga struct {
	name   string
	steps  []SagaStep
	logger *zap.Logger
}

// StepError reports the step that failed and whether every compensation succeeded.
type StepError struct {
	Saga             string
	Step             string
	Err              error
	CompensationErrs []error
}

func (e *StepError) Error() string {
	if len(e.CompensationErrs) > 0 {
		return fmt.Sprintf("saga '%s' failed at step '%s' (%d compensations failed): %v",
			e.Saga, e.Step, len(e.CompensationErrs), e.Err)
	}
	return fmt.Sprintf("saga '%s' failed at step '%s': %v", e.Saga, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Compensated reports whether every executed step was rolled back cleanly.
func (e *StepError) Compensated() bool { return len(e.CompensationErrs) == 0 }

// NewSaga creates a new saga orchestrator.
func NewSaga(name string, logger *zap.Logger) *Saga {
	return &Saga{
		name:   name,
		steps:  make([]SagaStep, 0),
		logger: logger,
	}
}

// AddStep appends a step to the saga.
func (s *Saga) AddStep(step SagaStep) {
	s.steps = append(s.steps, step)
}

// Execute runs all steps in order. On failure it compensates executed steps in reverse order
// and returns a *StepError.
func (s *Saga) Execute(ctx context.Context) error {
	s.logger.Debug("saga started", zap.String("saga", s.name))

	executed := make([]SagaStep, 0, len(s.steps))
	for _, step := range s.steps {
		s.logger.Debug("executing saga step",
			zap.String("saga", s.name),
			zap.String("step", step.Name),
		)

		if err := step.Execute(ctx); err != nil {
			s.logger.Error("saga step failed, starting compensation",
				zap.String("saga", s.name),
				zap.String("step", step.Name),
				zap.Error(err),
			)
			return &StepError{Saga: s.name, Step: step.Name, Err: err, CompensationErrs: s.compensate(ctx, executed)}
		}
		executed = append(executed, step)
	}

	s.logger.Debug("saga completed successfully", zap.String("saga", s.name))
	return nil
}

func (s *Saga) compensate(ctx context.Context, executed []SagaStep) []error {
	var errs []error
	for i := len(executed) - 1; i >= 0; i-- {
		step := executed[i]
		if step.Compensate == nil {
			continue
		}
		s.logger.Info("compensating saga step",
			zap.String("saga", s.name),
			zap.String("step", step.Name),
		)
		// Compensation must run even when the caller's context is already done.
		if err := step.Compensate(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("compensation failed",
				zap.String("saga", s.name),
				zap.String("step", step.Name),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errs
}
