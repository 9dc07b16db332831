package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/voltshift/voltshift/pkg/storage"
	"github.com/voltshift/voltshift/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) UpsertConsumptionSample(ctx context.Context, sample types.ConsumptionSample) error {
	args := m.Called(ctx, sample)
	return args.Error(0)
}

func (m *MockDatabase) GetConsumptionSamples(ctx context.Context, since time.Time) ([]types.ConsumptionSample, error) {
	args := m.Called(ctx, since)
	if len(args) > 0 {
		samples, _ := args.Get(0).([]types.ConsumptionSample)
		return samples, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) PurgeConsumptionSamples(ctx context.Context, before time.Time) (int, error) {
	args := m.Called(ctx, before)
	return args.Int(0), args.Error(1)
}

func (m *MockDatabase) SavePlan(ctx context.Context, plan types.Plan) error {
	args := m.Called(ctx, plan)
	return args.Error(0)
}

func (m *MockDatabase) GetLatestPlan(ctx context.Context) (types.Plan, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.Plan), args.Error(1)
	}
	return types.Plan{}, nil
}

func (m *MockDatabase) SaveDeviceTasks(ctx context.Context, tasks []types.DeviceTask) error {
	args := m.Called(ctx, tasks)
	return args.Error(0)
}

func (m *MockDatabase) GetDeviceTasks(ctx context.Context) ([]types.DeviceTask, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		tasks, _ := args.Get(0).([]types.DeviceTask)
		return tasks, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
