package sagas

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Step is one stage of a saga operating on shared data of type T.
type Step[T any] struct {
	Name       string
	Execute    func(ctx context.Context, data *T) error
	Compensate func(ctx context.Context, data *T) error
	MaxRetries int
	RetryDelay time.Duration
}

// State represents the current state of a saga execution
type State string

const (
	StatePending      State = "PENDING"
	StateRunning      State = "RUNNING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateCompensating State = "COMPENSATING"
	StateCompensated  State = "COMPENSATED"
)

// Saga runs steps in order and, when one fails, compensates the completed
// ones in reverse order.
type Saga[T any] struct {
	id     string
	name   string
	steps  []Step[T]
	state  State
	logger *zap.Logger
}

// New creates a saga.
func New[T any](name string, logger *zap.Logger) *Saga[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Saga[T]{
		id:     "saga_" + uuid.NewString(),
		name:   name,
		state:  StatePending,
		logger: logger,
	}
}

// AddStep appends a step.
func (s *Saga[T]) AddStep(step Step[T]) *Saga[T] {
	s.steps = append(s.steps, step)
	return s
}

// ID returns the saga id.
func (s *Saga[T]) ID() string { return s.id }

// State returns the current state.
func (s *Saga[T]) State() State { return s.state }

// Execute runs the saga against data.
func (s *Saga[T]) Execute(ctx context.Context, data *T) error {
	s.state = StateRunning
	s.logger.Info("Starting saga execution",
		zap.String("saga_id", s.id),
		zap.String("saga_name", s.name),
		zap.Int("total_steps", len(s.steps)),
	)

	for i, step := range s.steps {
		s.logger.Debug("Executing saga step",
			zap.String("saga_id", s.id),
			zap.String("step_name", step.Name),
			zap.Int("step_number", i+1),
		)

		if err := s.executeWithRetry(ctx, step, data); err != nil {
			s.state = StateFailed
			s.logger.Error("Saga step failed",
				zap.String("saga_id", s.id),
				zap.String("step_name", step.Name),
				zap.Error(err),
			)
			s.compensate(ctx, data, i)
			s.state = StateCompensated
			return fmt.Errorf("saga %s failed at step %s: %w", s.name, step.Name, err)
		}
	}

	s.state = StateCompleted
	s.logger.Info("Saga completed successfully",
		zap.String("saga_id", s.id),
		zap.String("saga_name", s.name),
	)
	return nil
}

func (s *Saga[T]) executeWithRetry(ctx context.Context, step Step[T], data *T) error {
	attempts := step.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	delay := step.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = step.Execute(ctx, data); lastErr == nil {
			return nil
		}
		s.logger.Warn("Saga step execution failed",
			zap.String("saga_id", s.id),
			zap.String("step_name", step.Name),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return lastErr
}

// compensate undoes the first n steps in reverse order. A failing
// compensation is logged and the rest still run.
func (s *Saga[T]) compensate(ctx context.Context, data *T, n int) {
	s.state = StateCompensating
	for i := n - 1; i >= 0; i-- {
		step := s.steps[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx, data); err != nil {
			s.logger.Error("Compensation failed",
				zap.String("saga_id", s.id),
				zap.String("step_name", step.Name),
				zap.Error(err),
			)
		}
	}
}
