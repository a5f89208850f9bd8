// Package component defines the three phase lifecycle contract every
// integration implements and the executor that drives it.
package component

import (
	"context"

	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/sirupsen/logrus"
)

// Component is one execution unit bound to one external system.
//
// Discover is read-only, it must not mutate any remote system. Process
// performs idempotent create-or-reuse work. Housekeep verifies actual remote
// state rather than trusting the processing result, persists artifacts and
// cleans up temporary resources, and must be safe to call after a partial
// Process failure.
//
// Phase methods propagate errors, only the Executor suppresses them.
type Component interface {
	ID() string
	Kind() model.ComponentKind
	Record() *model.ComponentRecord

	Discover(ctx context.Context) error
	Process(ctx context.Context) error
	Housekeep(ctx context.Context) error
}

// Base carries the shared bookkeeping for component implementations.
type Base struct {
	record *model.ComponentRecord
	logger *logrus.Entry
}

func NewBase(kind model.ComponentKind, config, defaults map[string]interface{}, ids model.IDSource, logger *logrus.Entry) Base {
	record := model.NewComponentRecord(kind, config, defaults, ids)

	return Base{
		record: record,
		logger: logger.WithFields(logrus.Fields{
			"component": string(kind),
			"id":        record.ID.String(),
		}),
	}
}

func (b *Base) ID() string {
	return b.record.ID.String()
}

func (b *Base) Kind() model.ComponentKind {
	return b.record.Kind
}

func (b *Base) Record() *model.ComponentRecord {
	return b.record
}

func (b *Base) Logger() *logrus.Entry {
	return b.logger
}
