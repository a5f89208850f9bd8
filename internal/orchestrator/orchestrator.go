package orchestrator

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/metal-toolbox/bootsmith/internal/component"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrDiscoveryAborted = errors.New("required component failed discovery")
	ErrDependencyCycle  = errors.New("component dependency cycle")

	errUnknownDependency = errors.New("unknown component dependency")
)

// Entry binds one component into the run plan.
//
// Optional entries degrade gracefully, their failures never abort the run.
// DependsOn names entries whose process phase must succeed first, an entry
// whose dependency failed is skipped, not failed.
type Entry struct {
	Name      string
	Component component.Component
	Optional  bool
	DependsOn []string
}

// EntryResult is the per-entry outcome of a run.
type EntryResult struct {
	Name    string                 `json:"name"`
	Skipped bool                   `json:"skipped,omitempty"`
	Result  *model.AggregateResult `json:"result,omitempty"`
}

// Report aggregates one orchestrated run.
type Report struct {
	Success bool          `json:"success"`
	Entries []EntryResult `json:"entries"`
}

// Orchestrator drives a set of components through the lifecycle phases.
//
// All components discover before any component processes, the full remote
// state picture exists before the first mutation. Process runs in dependency
// order. Housekeep always runs for every discovered component, failed ones
// included, so artifacts and cleanup are never lost to an earlier error.
type Orchestrator struct {
	entries []Entry
	exec    *component.Executor
	logger  *logrus.Entry
}

func New(entries []Entry, logger *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		entries: entries,
		exec:    component.NewExecutor(logger),
		logger:  logger,
	}
}

// Run executes the plan. The report is always returned, alongside the
// accumulated errors of failed required entries.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{Success: true}

	order, err := o.processOrder()
	if err != nil {
		report.Success = false
		return report, err
	}

	var runErr *multierror.Error

	discovered := map[string]bool{}
	processed := map[string]bool{}
	aborted := false

	// discover everything first, mutations only start once the full remote
	// state is known
	for _, entry := range o.entries {
		result := o.exec.Execute(ctx, entry.Component, model.PhaseDiscover)
		discovered[entry.Name] = result.Success

		if result.Success {
			continue
		}

		err := errors.Errorf("discovering %s: %s", entry.Name, result.FirstError())

		if entry.Optional {
			o.logger.WithError(err).Warn("optional component failed discovery, continuing without it")
			continue
		}

		runErr = multierror.Append(runErr, err)
		aborted = true
	}

	if aborted {
		runErr = multierror.Append(runErr, ErrDiscoveryAborted)
	}

	for _, name := range order {
		entry := o.entryByName(name)

		if aborted || !discovered[name] || !o.dependenciesProcessed(entry, processed) {
			continue
		}

		result := o.exec.Execute(ctx, entry.Component, model.PhaseProcess)
		processed[name] = result.Success

		if result.Success {
			continue
		}

		err := errors.Errorf("processing %s: %s", name, result.FirstError())

		if entry.Optional {
			o.logger.WithError(err).Warn("optional component failed processing")
			continue
		}

		runErr = multierror.Append(runErr, err)
	}

	// housekeep all discovered components, including the failed ones
	for _, entry := range o.entries {
		if !discovered[entry.Name] {
			report.Entries = append(report.Entries, EntryResult{Name: entry.Name, Skipped: true})
			continue
		}

		result := o.exec.Execute(ctx, entry.Component, model.PhaseHousekeep)
		if !result.Success && !entry.Optional {
			runErr = multierror.Append(runErr, errors.Errorf("housekeeping %s: %s", entry.Name, result.FirstError()))
		}

		report.Entries = append(report.Entries, EntryResult{Name: entry.Name, Result: result})
	}

	if err := runErr.ErrorOrNil(); err != nil {
		report.Success = false
		return report, err
	}

	return report, nil
}

// DryRun validates the plan ordering and executes the discover phase only,
// reporting what exists without mutating any remote state.
func (o *Orchestrator) DryRun(ctx context.Context) (*Report, error) {
	report := &Report{Success: true}

	if _, err := o.processOrder(); err != nil {
		report.Success = false
		return report, err
	}

	var runErr *multierror.Error

	for _, entry := range o.entries {
		result := o.exec.Execute(ctx, entry.Component, model.PhaseDiscover)
		report.Entries = append(report.Entries, EntryResult{Name: entry.Name, Result: result})

		if result.Success || entry.Optional {
			continue
		}

		runErr = multierror.Append(runErr, errors.Errorf("discovering %s: %s", entry.Name, result.FirstError()))
	}

	if err := runErr.ErrorOrNil(); err != nil {
		report.Success = false
		return report, err
	}

	return report, nil
}

func (o *Orchestrator) entryByName(name string) *Entry {
	for idx := range o.entries {
		if o.entries[idx].Name == name {
			return &o.entries[idx]
		}
	}

	return nil
}

func (o *Orchestrator) dependenciesProcessed(entry *Entry, processed map[string]bool) bool {
	for _, dep := range entry.DependsOn {
		if !processed[dep] {
			o.logger.WithFields(logrus.Fields{"entry": entry.Name, "dependency": dep}).
				Warn("dependency did not process, entry skipped")

			return false
		}
	}

	return true
}

// processOrder resolves the dependency ordering with Kahn's algorithm,
// preserving the plan's listed order among independent entries.
func (o *Orchestrator) processOrder() ([]string, error) {
	pending := map[string]int{}

	for _, entry := range o.entries {
		for _, dep := range entry.DependsOn {
			if o.entryByName(dep) == nil {
				return nil, errors.Wrap(errUnknownDependency, fmt.Sprintf("%s depends on %s", entry.Name, dep))
			}
		}

		pending[entry.Name] = len(entry.DependsOn)
	}

	order := []string{}
	resolved := map[string]bool{}

	for len(order) < len(o.entries) {
		progressed := false

		for _, entry := range o.entries {
			if resolved[entry.Name] || pending[entry.Name] != 0 {
				continue
			}

			order = append(order, entry.Name)
			resolved[entry.Name] = true
			progressed = true

			for _, other := range o.entries {
				for _, dep := range other.DependsOn {
					if dep == entry.Name {
						pending[other.Name]--
					}
				}
			}
		}

		if !progressed {
			return nil, ErrDependencyCycle
		}
	}

	return order, nil
}
