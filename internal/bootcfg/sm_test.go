package bootcfg

import (
	"context"
	"testing"

	sw "github.com/filanov/stateswitch"
	"github.com/metal-toolbox/bootsmith/internal/bmc"
	"github.com/metal-toolbox/bootsmith/internal/fixtures"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testHandlerContext(client *bmc.MockClient) *HandlerContext {
	return &HandlerContext{
		Ctx:    context.Background(),
		Bmc:    client,
		Logger: logrus.New().WithField("test", "bootcfg"),
	}
}

func testTask(t *testing.T) *Task {
	t.Helper()

	descriptor := *fixtures.Descriptor

	task, err := NewTask("02", &descriptor)
	require.NoError(t, err)

	return task
}

func stagedAttempt(group model.AttributeGroup) *model.Attempt {
	return &model.Attempt{Group: group, AppliedState: model.AppliedStatePending, RequiresReboot: true}
}

func TestTransitionOrder(t *testing.T) {
	plain := &model.BootTargetDescriptor{IQN: "iqn.2005-10.org.freenas.ctl:t", PortalAddress: "10.0.0.10"}

	order := TransitionOrder(plain)
	assert.Equal(t, []sw.TransitionType{
		TransitionWriteNetworkParams,
		TransitionConfirmNetworkParams,
		TransitionWriteTargetParams,
		TransitionConfirmTargetParams,
		TransitionValidate,
	}, order)

	chap := &model.BootTargetDescriptor{
		IQN: "iqn.2005-10.org.freenas.ctl:t", PortalAddress: "10.0.0.10",
		CHAPUsername: "chap-02", CHAPSecret: "1234567890abcdef",
	}

	order = TransitionOrder(chap)
	assert.Contains(t, order, TransitionWriteAuthParams)
	assert.Contains(t, order, TransitionConfirmAuthParams)
	assert.Equal(t, TransitionValidate, order[len(order)-1])
}

func TestWriteStagesGroupAndFlagsReboot(t *testing.T) {
	client := &bmc.MockClient{}
	client.On("PendingAttempt", mock.Anything).Return(nil, nil).Once()
	client.On("WriteAttributeGroup", mock.Anything, model.AttributeGroupNetwork, mock.Anything).
		Return(stagedAttempt(model.AttributeGroupNetwork), nil).Once()

	machine := NewMachine(logrus.New().WithField("test", "bootcfg"))
	task := testTask(t)

	err := machine.Step(context.Background(), TransitionWriteNetworkParams, task, testHandlerContext(client))
	require.NoError(t, err)

	assert.Equal(t, string(StateNetworkParamsPending), task.CurrentState)
	assert.True(t, task.RequiresReboot)
	require.Len(t, task.Attempts, 1)
	assert.Equal(t, model.AttributeGroupNetwork, task.Attempts[0].Group)

	client.AssertExpectations(t)
}

func TestWriteRejectedOnPendingJobWithoutRemoteWrite(t *testing.T) {
	client := &bmc.MockClient{}
	client.On("PendingAttempt", mock.Anything).Return(stagedAttempt(model.AttributeGroupNetwork), nil).Once()

	machine := NewMachine(logrus.New().WithField("test", "bootcfg"))
	task := testTask(t)

	err := machine.Step(context.Background(), TransitionWriteNetworkParams, task, testHandlerContext(client))
	require.Error(t, err)
	assert.True(t, model.IsCommitConflict(err))

	// the conflict is detected before any write reaches the remote
	client.AssertNotCalled(t, "WriteAttributeGroup", mock.Anything, mock.Anything, mock.Anything)
}

func TestOutOfOrderWriteIsDependencyViolation(t *testing.T) {
	client := &bmc.MockClient{}

	machine := NewMachine(logrus.New().WithField("test", "bootcfg"))
	task := testTask(t)

	// target params from the unconfigured state, network params never committed
	err := machine.Step(context.Background(), TransitionWriteTargetParams, task, testHandlerContext(client))
	require.Error(t, err)
	assert.True(t, model.IsAttributeDependency(err))
	assert.False(t, model.IsCommitConflict(err))

	// rejected before any remote call
	client.AssertNotCalled(t, "PendingAttempt", mock.Anything)
	client.AssertNotCalled(t, "WriteAttributeGroup", mock.Anything, mock.Anything, mock.Anything)

	assert.Equal(t, string(StateUnconfigured), task.CurrentState)
}

func TestConfirmBlockedWhileJobPending(t *testing.T) {
	client := &bmc.MockClient{}
	client.On("PendingAttempt", mock.Anything).Return(stagedAttempt(model.AttributeGroupNetwork), nil).Once()

	machine := NewMachine(logrus.New().WithField("test", "bootcfg"))
	task := testTask(t)
	task.CurrentState = string(StateNetworkParamsPending)
	task.RequiresReboot = true

	err := machine.Step(context.Background(), TransitionConfirmNetworkParams, task, testHandlerContext(client))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRebootNotConfirmed)

	assert.Equal(t, string(StateNetworkParamsPending), task.CurrentState)
	assert.True(t, task.RequiresReboot)
}

func TestConfirmAfterRebootCommits(t *testing.T) {
	client := &bmc.MockClient{}
	client.On("PendingAttempt", mock.Anything).Return(nil, nil).Once()

	machine := NewMachine(logrus.New().WithField("test", "bootcfg"))
	task := testTask(t)
	task.CurrentState = string(StateNetworkParamsPending)
	task.RequiresReboot = true
	task.Attempts = append(task.Attempts, stagedAttempt(model.AttributeGroupNetwork))

	err := machine.Step(context.Background(), TransitionConfirmNetworkParams, task, testHandlerContext(client))
	require.NoError(t, err)

	assert.Equal(t, string(StateNetworkParamsCommitted), task.CurrentState)
	assert.False(t, task.RequiresReboot)
	assert.Equal(t, model.AppliedStateCommitted, task.LastAttempt().AppliedState)
}

func TestValidateWithExplicitBootDevice(t *testing.T) {
	client := &bmc.MockClient{}
	client.On("BootDevices", mock.Anything).Return([]model.BootDevice{
		{ID: "Boot0003", DisplayName: "iSCSI Boot", Kind: model.BootDeviceKindISCSI},
	}, nil)

	machine := NewMachine(logrus.New().WithField("test", "bootcfg"))
	task := testTask(t)
	task.CurrentState = string(StateTargetParamsCommitted)

	err := machine.Step(context.Background(), TransitionValidate, task, testHandlerContext(client))
	require.NoError(t, err)

	assert.Equal(t, string(StateValidated), task.CurrentState)
	assert.False(t, task.Fallback)
	assert.True(t, task.Done())
}

func TestValidateFallsBackToNetworkBoot(t *testing.T) {
	client := &bmc.MockClient{}
	client.On("BootDevices", mock.Anything).Return([]model.BootDevice{
		{ID: "Boot0001", DisplayName: "PXE Device 1", Kind: model.BootDeviceKindNetwork},
		{ID: "Boot0002", DisplayName: "Hard Drive C:", Kind: model.BootDeviceKindDisk},
	}, nil)

	machine := NewMachine(logrus.New().WithField("test", "bootcfg"))
	task := testTask(t)
	task.CurrentState = string(StateTargetParamsCommitted)

	err := machine.Step(context.Background(), TransitionValidate, task, testHandlerContext(client))
	require.NoError(t, err)

	assert.Equal(t, string(StateFallbackNetworkBoot), task.CurrentState)
	assert.True(t, task.Fallback)
	assert.True(t, task.Done())
}

func TestValidateFailsWithNoUsableBootDevice(t *testing.T) {
	client := &bmc.MockClient{}
	client.On("BootDevices", mock.Anything).Return([]model.BootDevice{
		{ID: "Boot0002", DisplayName: "Hard Drive C:", Kind: model.BootDeviceKindDisk},
	}, nil)

	machine := NewMachine(logrus.New().WithField("test", "bootcfg"))
	task := testTask(t)
	task.CurrentState = string(StateTargetParamsCommitted)

	err := machine.Step(context.Background(), TransitionValidate, task, testHandlerContext(client))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.False(t, task.Done())
}

func TestReadBackMismatchIsSoftWarning(t *testing.T) {
	client := &bmc.MockClient{}
	client.On("BootDevices", mock.Anything).Return([]model.BootDevice{
		{ID: "Boot0003", Kind: model.BootDeviceKindISCSI},
	}, nil)
	// the remote reports a blank value for a requested attribute
	client.On("ReadAttributeGroup", mock.Anything, model.AttributeGroupTarget).
		Return(map[string]string{"PrimaryTargetName": ""}, nil).Once()

	machine := NewMachine(logrus.New().WithField("test", "bootcfg"))
	task := testTask(t)
	task.CurrentState = string(StateTargetParamsCommitted)
	task.Attempts = append(task.Attempts, &model.Attempt{
		Group:     model.AttributeGroupTarget,
		Requested: map[string]string{"PrimaryTargetName": task.Descriptor.IQN},
	})

	err := machine.Step(context.Background(), TransitionValidate, task, testHandlerContext(client))
	require.NoError(t, err)

	assert.Equal(t, string(StateValidated), task.CurrentState)
	require.Len(t, task.Warnings, 1)
	assert.Equal(t, "PrimaryTargetName", task.Warnings[0].Field)
}

func TestNextTransitionSequence(t *testing.T) {
	machine := NewMachine(logrus.New().WithField("test", "bootcfg"))
	task := testTask(t)

	transition, ok := machine.NextTransition(task)
	require.True(t, ok)
	assert.Equal(t, TransitionWriteNetworkParams, transition)

	task.CurrentState = string(StateTargetParamsCommitted)
	transition, ok = machine.NextTransition(task)
	require.True(t, ok)
	assert.Equal(t, TransitionValidate, transition)

	// the auth leg appears only when the descriptor carries CHAP credentials
	task.Descriptor.CHAPUsername = "chap-02"
	task.Descriptor.CHAPSecret = "1234567890abcdef"
	transition, ok = machine.NextTransition(task)
	require.True(t, ok)
	assert.Equal(t, TransitionWriteAuthParams, transition)

	task.CurrentState = string(StateValidated)
	_, ok = machine.NextTransition(task)
	assert.False(t, ok)
}

func TestDescribeAsJSON(t *testing.T) {
	machine := NewMachine(logrus.New().WithField("test", "bootcfg"))

	out, err := machine.DescribeAsJSON()
	require.NoError(t, err)
	assert.Contains(t, string(out), string(StateFallbackNetworkBoot))
}
