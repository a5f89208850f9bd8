package appliance

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockClient is a testify mock of the appliance Client interface.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) QueryByName(ctx context.Context, kind ResourceKind, name string) (*Resource, error) {
	args := m.Called(ctx, kind, name)

	resource, _ := args.Get(0).(*Resource)

	return resource, args.Error(1)
}

func (m *MockClient) CreateVolume(ctx context.Context, name, size string) (*Resource, error) {
	args := m.Called(ctx, name, size)

	resource, _ := args.Get(0).(*Resource)

	return resource, args.Error(1)
}

func (m *MockClient) CreateExtent(ctx context.Context, name, volumeName string) (*Resource, error) {
	args := m.Called(ctx, name, volumeName)

	resource, _ := args.Get(0).(*Resource)

	return resource, args.Error(1)
}

func (m *MockClient) CreateTarget(ctx context.Context, name, alias string) (*Resource, error) {
	args := m.Called(ctx, name, alias)

	resource, _ := args.Get(0).(*Resource)

	return resource, args.Error(1)
}

func (m *MockClient) Associate(ctx context.Context, targetName, extentName string, lun int) (*Resource, error) {
	args := m.Called(ctx, targetName, extentName, lun)

	resource, _ := args.Get(0).(*Resource)

	return resource, args.Error(1)
}

func (m *MockClient) Delete(ctx context.Context, kind ResourceKind, id string) error {
	args := m.Called(ctx, kind, id)
	return args.Error(0)
}
