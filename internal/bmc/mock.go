package bmc

import (
	"context"

	"github.com/bmc-toolbox/common"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/stretchr/testify/mock"
)

// MockClient is a testify mock for the Client interface.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Open(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockClient) SessionActive(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockClient) Inventory(ctx context.Context) (*common.Device, error) {
	args := m.Called(ctx)

	device, _ := args.Get(0).(*common.Device)

	return device, args.Error(1)
}

func (m *MockClient) PowerStatus(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockClient) PowerCycle(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) PendingAttempt(ctx context.Context) (*model.Attempt, error) {
	args := m.Called(ctx)

	attempt, _ := args.Get(0).(*model.Attempt)

	return attempt, args.Error(1)
}

func (m *MockClient) WriteAttributeGroup(ctx context.Context, group model.AttributeGroup, values map[string]string) (*model.Attempt, error) {
	args := m.Called(ctx, group, values)

	attempt, _ := args.Get(0).(*model.Attempt)

	return attempt, args.Error(1)
}

func (m *MockClient) ReadAttributeGroup(ctx context.Context, group model.AttributeGroup) (map[string]string, error) {
	args := m.Called(ctx, group)

	values, _ := args.Get(0).(map[string]string)

	return values, args.Error(1)
}

func (m *MockClient) BootDevices(ctx context.Context) ([]model.BootDevice, error) {
	args := m.Called(ctx)

	devices, _ := args.Get(0).([]model.BootDevice)

	return devices, args.Error(1)
}
