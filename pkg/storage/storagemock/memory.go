package storagemock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voltshift/voltshift/pkg/storage"
	"github.com/voltshift/voltshift/pkg/types"
)

// Memory is a functional in-memory Database for tests that need real
// read-after-write behavior instead of expectation matching.
type Memory struct {
	mu       sync.Mutex
	settings types.Settings
	version  int
	samples  map[string]types.ConsumptionSample // keyed date-hour
	plan     *types.Plan
	tasks    []types.DeviceTask
}

var _ storage.Database = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		samples: make(map[string]types.ConsumptionSample),
	}
}

func (m *Memory) GetSettings(ctx context.Context) (types.Settings, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, m.version, nil
}

func (m *Memory) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings
	m.version = version
	return nil
}

func sampleKey(date string, hour int) string {
	return fmt.Sprintf("%s-%02d", date, hour)
}

func (m *Memory) UpsertConsumptionSample(ctx context.Context, sample types.ConsumptionSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[sampleKey(sample.Date, sample.Hour)] = sample
	return nil
}

func (m *Memory) GetConsumptionSamples(ctx context.Context, since time.Time) ([]types.ConsumptionSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := since.Format("2006-01-02")
	var out []types.ConsumptionSample
	for _, s := range m.samples {
		if s.Date >= cutoff {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) PurgeConsumptionSamples(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := before.Format("2006-01-02")
	deleted := 0
	for k, s := range m.samples {
		if s.Date < cutoff {
			delete(m.samples, k)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) SavePlan(ctx context.Context, plan types.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plan = &plan
	return nil
}

func (m *Memory) GetLatestPlan(ctx context.Context) (types.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plan == nil {
		return types.Plan{}, storage.ErrPlanNotFound
	}
	return *m.plan, nil
}

func (m *Memory) SaveDeviceTasks(ctx context.Context, tasks []types.DeviceTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append([]types.DeviceTask(nil), tasks...)
	return nil
}

func (m *Memory) GetDeviceTasks(ctx context.Context) ([]types.DeviceTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.DeviceTask(nil), m.tasks...), nil
}

func (m *Memory) Close() error {
	return nil
}
