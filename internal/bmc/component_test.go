package bmc

import (
	"context"
	"testing"

	"github.com/bmc-toolbox/common"
	"github.com/metal-toolbox/bootsmith/internal/fixtures"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testComponent(client *MockClient) *Component {
	return NewComponent(fixtures.Server1, client, nil, fixtures.NewIDSource(), logrus.New().WithField("test", "bmc"))
}

func TestDiscoverCollectsFactsAndPendingState(t *testing.T) {
	client := &MockClient{}
	client.On("Open", mock.Anything).Return(nil).Once()
	client.On("PowerStatus", mock.Anything).Return("on", nil).Once()
	device := common.NewDevice()
	device.Vendor = "dell"
	device.Model = "r630"
	device.Serial = "ABC123"

	client.On("Inventory", mock.Anything).Return(&device, nil).Once()
	client.On("PendingAttempt", mock.Anything).
		Return(&model.Attempt{Group: model.AttributeGroupNetwork}, nil).Once()

	c := testComponent(client)

	require.NoError(t, c.Discover(context.Background()))

	discovery := c.Record().Discovery
	require.NotNil(t, discovery)
	assert.True(t, discovery.Reachable)
	assert.Equal(t, "on", discovery.Facts["power_status"])
	assert.Equal(t, "dell", discovery.Facts["vendor"])
	assert.True(t, discovery.Existing["pending-configuration-job"])
	assert.Equal(t, string(model.AttributeGroupNetwork), discovery.Facts["pending_group"])

	client.AssertExpectations(t)
}

func TestDiscoverToleratesMissingInventory(t *testing.T) {
	client := &MockClient{}
	client.On("Open", mock.Anything).Return(nil).Once()
	client.On("PowerStatus", mock.Anything).Return("on", nil).Once()
	client.On("Inventory", mock.Anything).Return(nil, model.ErrConnectivity).Once()
	client.On("PendingAttempt", mock.Anything).Return(nil, nil).Once()

	c := testComponent(client)

	require.NoError(t, c.Discover(context.Background()))
	assert.False(t, c.Record().Discovery.Existing["pending-configuration-job"])
}

func TestDiscoverFailsClosedOnSession(t *testing.T) {
	client := &MockClient{}
	client.On("Open", mock.Anything).Return(errBMCLoginTimeout).Once()

	c := testComponent(client)

	err := c.Discover(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConnectivity)
}

func TestProcessRejectsPendingJob(t *testing.T) {
	client := &MockClient{}
	client.On("PendingAttempt", mock.Anything).
		Return(&model.Attempt{Group: model.AttributeGroupTarget}, nil).Once()

	c := testComponent(client)

	err := c.Process(context.Background())
	require.Error(t, err)
	assert.True(t, model.IsCommitConflict(err))
}

func TestHousekeepStagesFactsAndClosesSession(t *testing.T) {
	client := &MockClient{}
	client.On("Open", mock.Anything).Return(nil).Once()
	client.On("PowerStatus", mock.Anything).Return("on", nil).Once()
	emptyDevice := common.NewDevice()
	client.On("Inventory", mock.Anything).Return(&emptyDevice, nil).Once()
	client.On("PendingAttempt", mock.Anything).Return(nil, nil).Once()
	client.On("Close").Return(nil).Once()

	c := testComponent(client)

	require.NoError(t, c.Discover(context.Background()))
	require.NoError(t, c.Housekeep(context.Background()))

	require.NotNil(t, c.Record().Processing)
	require.Len(t, c.Record().Processing.Artifacts, 1)

	artifact := c.Record().Processing.Artifacts[0]
	assert.Equal(t, "bmc-facts", artifact.Kind)
	assert.Equal(t, fixtures.Server1.ID, artifact.Owner())
	assert.Equal(t, model.VisibilityPrivateVersioned, artifact.Visibility)

	assert.Contains(t, c.Record().Housekeeping.Verified, "bmc-session-closed")

	client.AssertExpectations(t)
}
