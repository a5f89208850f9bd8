package bootcfg

import (
	"context"
	"testing"

	"github.com/metal-toolbox/bootsmith/internal/bmc"
	"github.com/metal-toolbox/bootsmith/internal/fixtures"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestComponent(client bmc.Client, source DescriptorSource) *Component {
	return NewComponent(
		fixtures.Server1,
		client,
		source,
		nil,
		fixtures.NewIDSource(),
		logrus.New().WithField("test", "bootcfg"),
	)
}

func TestComponentDiscoverReadsBootState(t *testing.T) {
	client := &bmc.MockClient{}
	client.On("PendingAttempt", mock.Anything).Return(nil, nil).Once()
	client.On("BootDevices", mock.Anything).Return([]model.BootDevice{
		{ID: "Boot0001", DisplayName: "PXE Device 1", Kind: model.BootDeviceKindNetwork},
		{ID: "Boot0003", DisplayName: "iSCSI Boot", Kind: model.BootDeviceKindISCSI},
	}, nil).Once()
	client.On("ReadAttributeGroup", mock.Anything, model.AttributeGroupTarget).
		Return(map[string]string{"PrimaryTargetName": fixtures.Descriptor.IQN}, nil).Once()

	c := newTestComponent(client, func() *model.BootTargetDescriptor { return fixtures.Descriptor })

	require.NoError(t, c.Discover(context.Background()))

	discovery := c.Record().Discovery
	require.NotNil(t, discovery)
	assert.False(t, discovery.Existing["pending-configuration-job"])
	assert.True(t, discovery.Existing["iscsi-boot-device"])
	assert.True(t, discovery.Existing["network-boot-device"])
	assert.Equal(t, fixtures.Descriptor.IQN, discovery.Facts["current_target"])
}

func TestComponentProcessFailsWithoutDescriptor(t *testing.T) {
	client := &bmc.MockClient{}

	c := newTestComponent(client, func() *model.BootTargetDescriptor { return nil })

	err := c.Process(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errNoDescriptor)
	assert.Nil(t, c.Task())
}

func TestComponentProcessStopsWithoutRebootApproval(t *testing.T) {
	client := &bmc.MockClient{}
	client.On("PendingAttempt", mock.Anything).Return(nil, nil).Once()
	client.On("WriteAttributeGroup", mock.Anything, model.AttributeGroupNetwork, mock.Anything).
		Return(&model.Attempt{
			Group:          model.AttributeGroupNetwork,
			AppliedState:   model.AppliedStatePending,
			RequiresReboot: true,
		}, nil).Once()

	c := newTestComponent(client, func() *model.BootTargetDescriptor { return fixtures.Descriptor })

	err := c.Process(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRebootNotConfirmed)

	// the host was never power cycled
	client.AssertNotCalled(t, "PowerCycle", mock.Anything)
	client.AssertExpectations(t)
}

func TestComponentHousekeepStagesTaskArtifact(t *testing.T) {
	client := &bmc.MockClient{}
	client.On("BootDevices", mock.Anything).Return([]model.BootDevice{
		{ID: "Boot0003", Kind: model.BootDeviceKindISCSI},
	}, nil).Once()

	c := newTestComponent(client, func() *model.BootTargetDescriptor { return fixtures.Descriptor })

	task, err := NewTask(fixtures.Server1.ID, fixtures.Descriptor)
	require.NoError(t, err)

	task.CurrentState = string(StateValidated)
	c.task = task

	require.NoError(t, c.Housekeep(context.Background()))

	assert.Contains(t, c.Record().Housekeeping.Verified, "boot-device/Boot0003")

	require.NotNil(t, c.Record().Processing)
	require.Len(t, c.Record().Processing.Artifacts, 1)
	assert.Equal(t, "boot-config", c.Record().Processing.Artifacts[0].Kind)
}

func TestComponentHousekeepToleratesUnreachableBMC(t *testing.T) {
	client := &bmc.MockClient{}
	client.On("BootDevices", mock.Anything).Return(nil, model.ErrConnectivity).Once()

	c := newTestComponent(client, func() *model.BootTargetDescriptor { return fixtures.Descriptor })

	require.NoError(t, c.Housekeep(context.Background()))
	assert.Empty(t, c.Record().Housekeeping.Verified)
}
