package ledger

import (
	"context"

	"github.com/metal-toolbox/bootsmith/internal/component"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/metal-toolbox/bootsmith/internal/objstore"
	"github.com/sirupsen/logrus"
)

// defaultKeepVersions bounds the per-artifact version history trimmed by
// housekeeping.
const defaultKeepVersions = 10

// ArtifactSource returns the artifacts staged by other components, bound by
// the orchestrator after their housekeeping phases ran.
type ArtifactSource func() []*model.Artifact

// Component persists staged artifacts in the lifecycle contract. It runs
// after every other component so their housekeeping output is available.
type Component struct {
	component.Base

	store  objstore.Store
	ledger *Ledger
	source ArtifactSource

	keepVersions int
}

func NewComponent(store objstore.Store, source ArtifactSource, config map[string]interface{}, ids model.IDSource, logger *logrus.Entry) *Component {
	return &Component{
		Base:         component.NewBase(model.ComponentKindObjectStore, config, nil, ids, logger),
		store:        store,
		ledger:       New(store, ids, logger),
		source:       source,
		keepVersions: defaultKeepVersions,
	}
}

// Discover verifies the object store is reachable. Read-only.
func (c *Component) Discover(ctx context.Context) error {
	record := c.Record()

	if err := c.store.Ping(ctx); err != nil {
		return err
	}

	record.Discovery = &model.DiscoveryResult{Reachable: true}

	return nil
}

// Process records every staged artifact, publishing the public ones.
func (c *Component) Process(ctx context.Context) error {
	record := c.Record()

	result := &model.ProcessingResult{}

	for _, artifact := range c.source() {
		key, err := c.persist(ctx, artifact)
		if err != nil {
			return err
		}

		result.Created = append(result.Created, key)
		result.Artifacts = append(result.Artifacts, artifact)
	}

	record.Processing = result

	return nil
}

func (c *Component) persist(ctx context.Context, artifact *model.Artifact) (string, error) {
	if artifact.Visibility == model.VisibilityPublicLatest {
		return c.ledger.Publish(ctx, artifact)
	}

	return c.ledger.Record(ctx, artifact)
}

// Housekeep records the artifacts the other components staged during their
// housekeeping phases, verifies everything recorded exists and expires old
// versions.
func (c *Component) Housekeep(ctx context.Context) error {
	record := c.Record()

	result := &model.HousekeepingResult{}

	for _, artifact := range c.source() {
		// most artifacts only get staged by a producer's housekeeping, after
		// this component's process phase already ran
		if artifact.ContentRef == "" {
			if _, err := c.persist(ctx, artifact); err != nil {
				return err
			}
		}

		exists, err := c.store.Head(ctx, artifact.ContentRef)
		if err != nil {
			return err
		}

		if exists {
			result.Verified = append(result.Verified, artifact.ContentRef)
		} else {
			result.Missing = append(result.Missing, artifact.ContentRef)
		}

		result.ArtifactRefs = append(result.ArtifactRefs, artifact.ContentRef)

		expired, err := c.ledger.Expire(ctx, artifact.Owner(), artifact.Kind, c.keepVersions)
		if err != nil {
			return err
		}

		result.Expired = append(result.Expired, expired...)
	}

	record.Housekeeping = result

	return nil
}

// Ledger exposes the underlying ledger for the artifact management commands.
func (c *Component) Ledger() *Ledger {
	return c.ledger
}
