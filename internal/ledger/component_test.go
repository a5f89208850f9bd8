package ledger

import (
	"context"
	"testing"

	"github.com/metal-toolbox/bootsmith/internal/component"
	"github.com/metal-toolbox/bootsmith/internal/fixtures"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/metal-toolbox/bootsmith/internal/objstore"
	"github.com/metal-toolbox/bootsmith/internal/orchestrator"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestComponent(store objstore.Store, artifacts []*model.Artifact) *Component {
	return NewComponent(
		store,
		func() []*model.Artifact { return artifacts },
		nil,
		fixtures.NewIDSource(),
		logrus.New().WithField("test", "ledger"),
	)
}

func TestComponentDiscoverRequiresReachableStore(t *testing.T) {
	store := objstore.NewMemStore()
	store.FailPing = errors.Wrap(model.ErrConnectivity, "bucket unreachable")

	c := newTestComponent(store, nil)

	err := c.Discover(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConnectivity)

	store.FailPing = nil
	require.NoError(t, c.Discover(context.Background()))
	assert.True(t, c.Record().Discovery.Reachable)
}

func TestComponentProcessRecordsAndPublishes(t *testing.T) {
	store := objstore.NewMemStore()

	private := model.NewArtifact("boot-config", "02", []byte(`{}`), model.VisibilityPrivateVersioned)
	public := model.NewArtifact("ignition", "02", []byte(`{"v":1}`), model.VisibilityPublicLatest)

	c := newTestComponent(store, []*model.Artifact{private, public})

	require.NoError(t, c.Process(context.Background()))

	processing := c.Record().Processing
	require.NotNil(t, processing)
	assert.Len(t, processing.Created, 2)

	// the private artifact has no public latest copy
	_, _, err := c.Ledger().Latest(context.Background(), "02", "boot-config")
	require.ErrorIs(t, err, objstore.ErrObjectNotFound)

	content, _, err := c.Ledger().Latest(context.Background(), "02", "ignition")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(content))
}

func TestComponentHousekeepRecordsLateStagedArtifacts(t *testing.T) {
	store := objstore.NewMemStore()

	// staged after Process already ran, never recorded
	artifact := model.NewArtifact("boot-config", "02", []byte(`{}`), model.VisibilityPrivateVersioned)

	c := newTestComponent(store, []*model.Artifact{artifact})

	require.NoError(t, c.Housekeep(context.Background()))

	require.NotEmpty(t, artifact.ContentRef)

	exists, err := store.Head(context.Background(), artifact.ContentRef)
	require.NoError(t, err)
	assert.True(t, exists)

	housekeeping := c.Record().Housekeeping
	require.NotNil(t, housekeeping)
	assert.Equal(t, []string{artifact.ContentRef}, housekeeping.Verified)
}

// housekeepStager stages its artifact during housekeeping, the way the bmc,
// appliance and boot configuration components do.
type housekeepStager struct {
	component.Base

	artifact *model.Artifact
}

func (s *housekeepStager) Discover(_ context.Context) error {
	s.Record().Discovery = &model.DiscoveryResult{Reachable: true}
	return nil
}

func (s *housekeepStager) Process(_ context.Context) error {
	return nil
}

func (s *housekeepStager) Housekeep(_ context.Context) error {
	s.Record().Processing = &model.ProcessingResult{Artifacts: []*model.Artifact{s.artifact}}
	return nil
}

func TestOrchestratedRunPersistsHousekeepStagedArtifacts(t *testing.T) {
	store := objstore.NewMemStore()
	logger := logrus.New().WithField("test", "ledger")

	stager := &housekeepStager{
		Base:     component.NewBase(model.ComponentKindBootConfig, nil, nil, fixtures.NewIDSource(), logger),
		artifact: model.NewArtifact("boot-config", "02", []byte(`{"state":"validated"}`), model.VisibilityPrivateVersioned),
	}

	ledgerComponent := NewComponent(
		store,
		func() []*model.Artifact {
			if processing := stager.Record().Processing; processing != nil {
				return processing.Artifacts
			}

			return nil
		},
		nil,
		fixtures.NewIDSource(),
		logger,
	)

	o := orchestrator.New([]orchestrator.Entry{
		{Name: "boot-config", Component: stager},
		{Name: "ledger", Component: ledgerComponent, DependsOn: []string{"boot-config"}},
	}, logger)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Success)

	// the artifact staged during housekeeping reached the object store
	keys, err := store.List(context.Background(), "02/boot-config/")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestComponentHousekeepVerifiesRecordedArtifacts(t *testing.T) {
	store := objstore.NewMemStore()

	artifact := model.NewArtifact("boot-config", "02", []byte(`{}`), model.VisibilityPrivateVersioned)

	c := newTestComponent(store, []*model.Artifact{artifact})

	require.NoError(t, c.Process(context.Background()))
	require.NotEmpty(t, artifact.ContentRef)

	require.NoError(t, c.Housekeep(context.Background()))

	housekeeping := c.Record().Housekeeping
	require.NotNil(t, housekeeping)
	assert.Equal(t, []string{artifact.ContentRef}, housekeeping.Verified)
	assert.Empty(t, housekeeping.Missing)
	assert.Empty(t, housekeeping.Expired)
}
