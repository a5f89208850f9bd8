package component

import (
	"context"
	"fmt"
	"time"

	"github.com/metal-toolbox/bootsmith/internal/metrics"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	errPhasePanic = errors.New("phase paniced")
)

// DefaultPhases is the phase order run when the caller does not request a subset.
var DefaultPhases = []model.Phase{model.PhaseDiscover, model.PhaseProcess, model.PhaseHousekeep}

// Executor runs component phases in order and folds their outcomes into an
// aggregate result. Execute itself never returns an error, a phase failure is
// captured on the result with the component status and a traceback.
type Executor struct {
	logger          *logrus.Entry
	continueOnError bool
}

type Option func(*Executor)

// WithContinueOnError causes subsequent phases to run even when an earlier
// phase failed. The aggregate success remains the AND of all executed phases.
func WithContinueOnError() Option {
	return func(e *Executor) {
		e.continueOnError = true
	}
}

func NewExecutor(logger *logrus.Entry, opts ...Option) *Executor {
	e := &Executor{logger: logger}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Execute runs the requested phases in order and always returns a result object.
func (e *Executor) Execute(ctx context.Context, c Component, phases ...model.Phase) *model.AggregateResult {
	if len(phases) == 0 {
		phases = DefaultPhases
	}

	record := c.Record()

	result := &model.AggregateResult{
		ComponentID: c.ID(),
		Kind:        c.Kind(),
		Success:     true,
	}

	failed := false

	for _, phase := range phases {
		if failed && !e.continueOnError {
			result.Phases = append(result.Phases, model.PhaseResult{Phase: phase, Skipped: true})
			continue
		}

		if err := e.runPhase(ctx, c, phase); err != nil {
			record.SetFailed(err)
			result.Success = false
			result.Phases = append(result.Phases, model.PhaseResult{Phase: phase, Error: err.Error()})

			if result.Metadata.Traceback == "" {
				result.Metadata.Traceback = fmt.Sprintf("%+v", err)
			}

			e.logger.WithFields(logrus.Fields{
				"component": string(c.Kind()),
				"id":        c.ID(),
				"phase":     string(phase),
			}).WithError(err).Error("phase failed")

			metrics.PhaseCounter.WithLabelValues(string(c.Kind()), string(phase), "failed").Inc()

			failed = true

			continue
		}

		record.MarkPhase(phase)
		record.SetSucceeded(string(phase) + " completed")
		result.Phases = append(result.Phases, model.PhaseResult{Phase: phase, Success: true})
		metrics.PhaseCounter.WithLabelValues(string(c.Kind()), string(phase), "succeeded").Inc()
	}

	result.Metadata.PhaseState = record.PhaseState
	result.Metadata.Status = record.Status

	return result
}

func (e *Executor) runPhase(ctx context.Context, c Component, phase model.Phase) (err error) {
	startTS := time.Now()

	// phase methods must propagate errors, a panic here is captured so the
	// aggregate result is still returned to the caller.
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Wrap(errPhasePanic, fmt.Sprintf("%v", rec))
		}

		metrics.PhaseRunTimeSummary.WithLabelValues(string(c.Kind()), string(phase)).Observe(time.Since(startTS).Seconds())
	}()

	switch phase {
	case model.PhaseDiscover:
		return c.Discover(ctx)

	case model.PhaseProcess:
		// downstream phases must not run against unknown remote state,
		// a process call without prior discovery runs discovery implicitly.
		if !c.Record().PhaseState.Discovered {
			e.logger.WithFields(logrus.Fields{
				"component": string(c.Kind()),
				"id":        c.ID(),
			}).Warn("process requested without prior discovery, running discovery first")

			if err := c.Discover(ctx); err != nil {
				return err
			}

			c.Record().MarkPhase(model.PhaseDiscover)
		}

		return c.Process(ctx)

	case model.PhaseHousekeep:
		return c.Housekeep(ctx)

	default:
		return errors.New("unknown phase: " + string(phase))
	}
}
