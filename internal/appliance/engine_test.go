package appliance

import (
	"context"
	"testing"

	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testEngine(client Client) *Engine {
	return NewEngine(client, DefaultNaming("10.0.0.10"), logrus.New().WithField("test", "appliance"))
}

func testParams() Params {
	return Params{
		ServerID: "02",
		Hostname: "r630-02",
		Version:  "4_18",
		Size:     "500G",
		LUN:      0,
	}
}

func TestNamingIsDeterministic(t *testing.T) {
	naming := DefaultNaming("10.0.0.10")

	assert.Equal(t, "iscsi.r630-02.openshift4_18", naming.TargetName("02", "4_18"))
	assert.Equal(t, "r630-02-openshift4_18", naming.VolumeName("02", "4_18"))
	assert.Equal(t, "iqn.2005-10.org.freenas.ctl:iscsi.r630-02.openshift4_18", naming.IQN("02", "4_18"))

	// repeated computation yields identical names
	assert.Equal(t, naming.IQN("02", "4_18"), naming.IQN("02", "4_18"))
}

func TestProvisionCreatesAllStepsFresh(t *testing.T) {
	client := &MockClient{}
	client.On("QueryByName", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)
	client.On("CreateVolume", mock.Anything, "r630-02-openshift4_18", "500G").
		Return(&Resource{ID: "tank/r630-02-openshift4_18", Kind: KindVolume}, nil).Once()
	client.On("CreateExtent", mock.Anything, "r630-02-openshift4_18", "r630-02-openshift4_18").
		Return(&Resource{ID: "1", Kind: KindExtent}, nil).Once()
	client.On("CreateTarget", mock.Anything, "iscsi.r630-02.openshift4_18", "r630-02").
		Return(&Resource{ID: "1", Kind: KindTarget}, nil).Once()
	client.On("Associate", mock.Anything, "iscsi.r630-02.openshift4_18", "r630-02-openshift4_18", 0).
		Return(&Resource{ID: "1", Kind: KindAssociation}, nil).Once()

	descriptor, outcome, err := testEngine(client).Provision(context.Background(), testParams())
	require.NoError(t, err)

	assert.Equal(t, []string{StepVolume, StepExtent, StepTarget, StepAssociation}, outcome.Created)
	assert.Empty(t, outcome.Reused)

	assert.Equal(t, "iqn.2005-10.org.freenas.ctl:iscsi.r630-02.openshift4_18", descriptor.IQN)
	assert.Equal(t, "10.0.0.10", descriptor.PortalAddress)
	assert.Equal(t, 3260, descriptor.Port)
	assert.Equal(t, "r630-02-openshift4_18", descriptor.VolumeName)

	client.AssertExpectations(t)
}

func TestProvisionReusesExistingResources(t *testing.T) {
	client := &MockClient{}
	client.On("QueryByName", mock.Anything, mock.Anything, mock.Anything).
		Return(&Resource{ID: "1"}, nil)

	descriptor, outcome, err := testEngine(client).Provision(context.Background(), testParams())
	require.NoError(t, err)

	assert.Empty(t, outcome.Created)
	assert.Equal(t, []string{StepVolume, StepExtent, StepTarget, StepAssociation}, outcome.Reused)
	assert.NotNil(t, descriptor)

	// a full reuse run performs zero create calls
	client.AssertNotCalled(t, "CreateVolume", mock.Anything, mock.Anything, mock.Anything)
	client.AssertNotCalled(t, "CreateExtent", mock.Anything, mock.Anything, mock.Anything)
	client.AssertNotCalled(t, "CreateTarget", mock.Anything, mock.Anything, mock.Anything)
	client.AssertNotCalled(t, "Associate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	client.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
}

func TestProvisionResumesPartialRun(t *testing.T) {
	client := &MockClient{}
	// volume and extent exist from an interrupted earlier run
	client.On("QueryByName", mock.Anything, KindVolume, mock.Anything).Return(&Resource{ID: "1"}, nil)
	client.On("QueryByName", mock.Anything, KindExtent, mock.Anything).Return(&Resource{ID: "2"}, nil)
	client.On("QueryByName", mock.Anything, KindTarget, mock.Anything).Return(nil, nil)
	client.On("QueryByName", mock.Anything, KindAssociation, mock.Anything).Return(nil, nil)
	client.On("CreateTarget", mock.Anything, mock.Anything, mock.Anything).Return(&Resource{ID: "3"}, nil).Once()
	client.On("Associate", mock.Anything, mock.Anything, mock.Anything, 0).Return(&Resource{ID: "4"}, nil).Once()

	_, outcome, err := testEngine(client).Provision(context.Background(), testParams())
	require.NoError(t, err)

	assert.Equal(t, []string{StepVolume, StepExtent}, outcome.Reused)
	assert.Equal(t, []string{StepTarget, StepAssociation}, outcome.Created)
}

func TestProvisionStepErrorNamesFailedStep(t *testing.T) {
	client := &MockClient{}
	client.On("QueryByName", mock.Anything, KindVolume, mock.Anything).Return(&Resource{ID: "1"}, nil)
	client.On("QueryByName", mock.Anything, KindExtent, mock.Anything).Return(nil, nil)
	client.On("CreateExtent", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("zvol is busy")).Once()

	_, outcome, err := testEngine(client).Provision(context.Background(), testParams())
	require.Error(t, err)

	step, ok := model.FailedStep(err)
	require.True(t, ok)
	assert.Equal(t, StepExtent, step)

	// the outcome still reports the work done before the failure
	assert.Equal(t, []string{StepVolume}, outcome.Reused)

	// later steps never ran
	client.AssertNotCalled(t, "CreateTarget", mock.Anything, mock.Anything, mock.Anything)
}

func TestProvisionForceDestroysInReverseOrder(t *testing.T) {
	client := &MockClient{}

	deleted := []ResourceKind{}

	client.On("QueryByName", mock.Anything, mock.Anything, mock.Anything).Return(&Resource{ID: "1"}, nil).Times(4)
	client.On("Delete", mock.Anything, mock.Anything, "1").
		Run(func(args mock.Arguments) {
			deleted = append(deleted, args.Get(1).(ResourceKind))
		}).
		Return(nil).Times(4)

	// after teardown everything is recreated
	client.On("QueryByName", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)
	client.On("CreateVolume", mock.Anything, mock.Anything, mock.Anything).Return(&Resource{ID: "2"}, nil).Once()
	client.On("CreateExtent", mock.Anything, mock.Anything, mock.Anything).Return(&Resource{ID: "3"}, nil).Once()
	client.On("CreateTarget", mock.Anything, mock.Anything, mock.Anything).Return(&Resource{ID: "4"}, nil).Once()
	client.On("Associate", mock.Anything, mock.Anything, mock.Anything, 0).Return(&Resource{ID: "5"}, nil).Once()

	params := testParams()
	params.Force = true

	_, outcome, err := testEngine(client).Provision(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, []ResourceKind{KindAssociation, KindTarget, KindExtent, KindVolume}, deleted)
	assert.Len(t, outcome.Created, 4)
}

func TestProvisionForceDestroyFailure(t *testing.T) {
	client := &MockClient{}
	client.On("QueryByName", mock.Anything, KindAssociation, mock.Anything).Return(&Resource{ID: "1"}, nil).Once()
	client.On("Delete", mock.Anything, KindAssociation, "1").Return(errors.New("in use")).Once()

	params := testParams()
	params.Force = true

	_, _, err := testEngine(client).Provision(context.Background(), params)
	require.Error(t, err)

	assert.True(t, errors.Is(err, model.ErrForceDestroy))

	step, ok := model.FailedStep(err)
	require.True(t, ok)
	assert.Equal(t, StepAssociation, step)
}

func TestInventoryReportsPerStepExistence(t *testing.T) {
	client := &MockClient{}
	client.On("QueryByName", mock.Anything, KindVolume, mock.Anything).Return(&Resource{ID: "1"}, nil)
	client.On("QueryByName", mock.Anything, KindExtent, mock.Anything).Return(&Resource{ID: "2"}, nil)
	client.On("QueryByName", mock.Anything, KindTarget, mock.Anything).Return(nil, nil)
	client.On("QueryByName", mock.Anything, KindAssociation, mock.Anything).Return(nil, nil)

	existing, err := testEngine(client).Inventory(context.Background(), testParams())
	require.NoError(t, err)

	assert.Equal(t, map[string]bool{
		StepVolume:      true,
		StepExtent:      true,
		StepTarget:      false,
		StepAssociation: false,
	}, existing)
}
