package appliance

import (
	"context"
	"testing"

	"github.com/metal-toolbox/bootsmith/internal/fixtures"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestComponent(client Client) *Component {
	return NewComponent(
		client,
		DefaultNaming("10.0.0.10"),
		testParams(),
		map[string]interface{}{"pool": "tank"},
		fixtures.NewIDSource(),
		logrus.New().WithField("test", "appliance"),
	)
}

func TestComponentDiscoverInventoriesResources(t *testing.T) {
	client := &MockClient{}
	client.On("Ping", mock.Anything).Return(nil).Once()
	client.On("QueryByName", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)

	c := newTestComponent(client)

	require.NoError(t, c.Discover(context.Background()))

	discovery := c.Record().Discovery
	require.NotNil(t, discovery)
	assert.True(t, discovery.Reachable)
	assert.Equal(t, "iqn.2005-10.org.freenas.ctl:iscsi.r630-02.openshift4_18", discovery.Facts["target_iqn"])
	assert.False(t, discovery.Existing[StepVolume])
}

func TestComponentProcessBindsCredentials(t *testing.T) {
	client := &MockClient{}
	client.On("QueryByName", mock.Anything, mock.Anything, mock.Anything).Return(&Resource{ID: "1"}, nil)

	c := newTestComponent(client)
	c.BindCredentials(func() (string, string) {
		return "chap-02", "1234567890abcdef"
	})

	require.NoError(t, c.Process(context.Background()))

	descriptor := c.Descriptor()
	require.NotNil(t, descriptor)
	assert.Equal(t, "chap-02", descriptor.CHAPUsername)
	assert.True(t, descriptor.CHAPEnabled())
	assert.Equal(t, []string{StepVolume, StepExtent, StepTarget, StepAssociation}, c.Record().Processing.Reused)
}

func TestComponentDescriptorNilBeforeProcess(t *testing.T) {
	c := newTestComponent(&MockClient{})

	assert.Nil(t, c.Descriptor())
}

func TestComponentHousekeepVerifiesAndStagesArtifact(t *testing.T) {
	client := &MockClient{}
	client.On("QueryByName", mock.Anything, KindVolume, mock.Anything).Return(&Resource{ID: "1"}, nil)
	client.On("QueryByName", mock.Anything, KindExtent, mock.Anything).Return(&Resource{ID: "2"}, nil)
	client.On("QueryByName", mock.Anything, KindTarget, mock.Anything).Return(&Resource{ID: "3"}, nil)
	client.On("QueryByName", mock.Anything, KindAssociation, mock.Anything).Return(nil, nil)

	c := newTestComponent(client)

	require.NoError(t, c.Housekeep(context.Background()))

	housekeeping := c.Record().Housekeeping
	require.NotNil(t, housekeeping)
	assert.ElementsMatch(t, []string{StepVolume, StepExtent, StepTarget}, housekeeping.Verified)
	assert.Equal(t, []string{StepAssociation}, housekeeping.Missing)

	require.NotNil(t, c.Record().Processing)
	require.Len(t, c.Record().Processing.Artifacts, 1)

	artifact := c.Record().Processing.Artifacts[0]
	assert.Equal(t, "provisioning-log", artifact.Kind)
	assert.Equal(t, "02-4_18", artifact.Owner())
	assert.Equal(t, model.VisibilityPrivateVersioned, artifact.Visibility)
}
