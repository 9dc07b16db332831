package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltshift/voltshift/pkg/inverter"
	"github.com/voltshift/voltshift/pkg/prices"
	"github.com/voltshift/voltshift/pkg/pvforecast"
	"github.com/voltshift/voltshift/pkg/storage/storagemock"
	"github.com/voltshift/voltshift/pkg/types"
)

type staticPrices struct {
	today    []prices.Quote
	tomorrow []prices.Quote
	err      error
}

func (s staticPrices) GetPrices(ctx context.Context) ([]prices.Quote, []prices.Quote, error) {
	return s.today, s.tomorrow, s.err
}

func quoteDay(midnight time.Time, priceFn func(h int) float64) []prices.Quote {
	out := make([]prices.Quote, 24)
	for h := 0; h < 24; h++ {
		out[h] = prices.Quote{
			StartsAt: midnight.Add(time.Duration(h) * time.Hour),
			Total:    priceFn(h),
		}
	}
	return out
}

func testLoop(t *testing.T, soc float64, now time.Time, provider prices.Provider) (*Loop, *storagemock.Memory, *inverter.Mock) {
	t.Helper()
	db := storagemock.NewMemory()
	sys := inverter.NewMock()
	sys.SetSOC(soc)
	sys.SetNow(func() time.Time { return now })
	l := New(db, provider, pvforecast.None{}, sys)
	return l, db, sys
}

func TestReplanPublishesAndPersists(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	provider := staticPrices{
		today:    quoteDay(midnight, func(h int) float64 { return 0.30 }),
		tomorrow: quoteDay(midnight.AddDate(0, 0, 1), func(h int) float64 { return 0.30 }),
	}
	l, db, _ := testLoop(t, 45, now, provider)

	l.replan(ctx, now)

	plan, ok := l.CurrentPlan()
	require.True(t, ok)
	assert.True(t, plan.Feasible)
	assert.Equal(t, 45.0, plan.AnchorSOC)

	stored, err := db.GetLatestPlan(ctx)
	require.NoError(t, err)
	assert.True(t, plan.Equivalent(stored))

	// settings were migrated to defaults and persisted
	settings, version, err := db.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.CurrentSettingsVersion, version)
	assert.Equal(t, 10.6, settings.BatteryCapacityKWH)
}

func TestReplanDegradesOnPriceFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	l, _, _ := testLoop(t, 45, now, staticPrices{err: errors.New("tibber down")})

	l.replan(ctx, now)

	plan, ok := l.CurrentPlan()
	require.True(t, ok)
	assert.False(t, plan.Feasible, "no known prices means no feasible plan")
}

func TestReplanRejectsInvalidSettings(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	provider := staticPrices{today: quoteDay(midnight, func(h int) float64 { return 0.30 })}
	l, db, _ := testLoop(t, 45, now, provider)

	migrated, _, err := types.MigrateSettings(types.Settings{}, 0)
	require.NoError(t, err)
	migrated.SafetySOC = migrated.TargetSOC + 1
	require.NoError(t, db.SetSettings(ctx, migrated, types.CurrentSettingsVersion))

	l.replan(ctx, now)

	_, ok := l.CurrentPlan()
	assert.False(t, ok, "a cycle with invalid settings must not publish a plan")
}

func TestReplanAbandonedWithoutAnchor(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	provider := staticPrices{today: quoteDay(midnight, func(h int) float64 { return 0.30 })}
	l, _, sys := testLoop(t, 45, now, provider)
	sys.SetErrors(errors.New("sensor offline"), nil, nil, nil)

	l.replan(ctx, now)

	_, ok := l.CurrentPlan()
	assert.False(t, ok, "cycle with no anchor ever read must retain no plan")

	// a later cycle reuses the last good reading
	sys.SetErrors(nil, nil, nil, nil)
	l.replan(ctx, now)
	_, ok = l.CurrentPlan()
	require.True(t, ok)

	sys.SetErrors(errors.New("sensor offline"), nil, nil, nil)
	l.replan(ctx, now.Add(5*time.Minute))
	plan, ok := l.CurrentPlan()
	require.True(t, ok)
	assert.Equal(t, 45.0, plan.AnchorSOC)
}

func TestReplanRecordsHourlySample(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	provider := staticPrices{today: quoteDay(midnight, func(h int) float64 { return 0.30 })}
	l, db, sys := testLoop(t, 45, now, provider)
	sys.SetConsumption(850) // watts, normalized to 0.85 kWh

	l.replan(ctx, now)
	l.replan(ctx, now.Add(time.Minute)) // same hour, no second sample

	samples, err := db.GetConsumptionSamples(ctx, midnight.AddDate(0, 0, -1))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "2026-03-02", samples[0].Date)
	assert.Equal(t, 9, samples[0].Hour, "sample is for the hour that just ended")
	assert.InDelta(t, 0.85, samples[0].KWH, 0.001)
	assert.False(t, samples[0].Manual)
}

func TestActuateSafetyCharge(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	provider := staticPrices{today: quoteDay(midnight, func(h int) float64 { return 0.30 })}
	l, _, sys := testLoop(t, 10, now, provider) // below safety SOC

	l.replan(ctx, now)
	l.actuate(ctx, now)

	last, ok := sys.LastChargeSetpoint()
	require.True(t, ok)
	assert.Equal(t, -3900.0, last)

	// unchanged decision does not reissue the setpoint
	l.actuate(ctx, now.Add(30*time.Second))
	assert.Len(t, sys.ChargeSetpoints(), 1)
}

func TestActuateDryRun(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	provider := staticPrices{today: quoteDay(midnight, func(h int) float64 { return 0.30 })}
	l, db, sys := testLoop(t, 10, now, provider)

	migrated, _, err := types.MigrateSettings(types.Settings{}, 0)
	require.NoError(t, err)
	migrated.DryRun = true
	require.NoError(t, db.SetSettings(ctx, migrated, types.CurrentSettingsVersion))

	l.replan(ctx, now)
	l.actuate(ctx, now)

	_, ok := sys.LastChargeSetpoint()
	assert.False(t, ok, "dry run must not touch the inverter")
}

func TestActuatePaused(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	provider := staticPrices{today: quoteDay(midnight, func(h int) float64 { return 0.30 })}
	l, db, sys := testLoop(t, 10, now, provider)

	migrated, _, err := types.MigrateSettings(types.Settings{}, 0)
	require.NoError(t, err)
	migrated.Pause = true
	require.NoError(t, db.SetSettings(ctx, migrated, types.CurrentSettingsVersion))

	l.replan(ctx, now)
	l.actuate(ctx, now)

	assert.Empty(t, sys.ChargeSetpoints())
}

func TestActuateDeviceSwitching(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC)
	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	series := func(h int) float64 {
		if h == 19 {
			return 0.05
		}
		return 0.40
	}
	provider := staticPrices{
		today:    quoteDay(midnight, series),
		tomorrow: quoteDay(midnight.AddDate(0, 0, 1), func(h int) float64 { return 0.40 }),
	}
	l, db, sys := testLoop(t, 95, now, provider)
	require.NoError(t, db.SaveDeviceTasks(ctx, []types.DeviceTask{
		{Name: "dishwasher", DailyMinutes: 60, Splittable: true, State: types.TaskStatePending},
	}))
	l.restore(ctx)

	l.replan(ctx, now)
	tasks := l.CurrentTasks()
	require.Len(t, tasks, 1)
	require.Equal(t, types.TaskStateScheduled, tasks[0].State)
	require.Len(t, tasks[0].Assigned, 1)
	assert.Equal(t, 19, tasks[0].Assigned[0].StartHour, "cheapest hour is right now")

	l.actuate(ctx, now.Add(time.Minute))
	assert.True(t, sys.SwitchState("dishwasher"))

	tasks = l.CurrentTasks()
	assert.Equal(t, types.TaskStateRunning, tasks[0].State)

	// after the required minutes have run, the device is switched off
	l.actuate(ctx, now.Add(61*time.Minute))
	tasks = l.CurrentTasks()
	assert.Equal(t, types.TaskStateCompleted, tasks[0].State)
	assert.False(t, sys.SwitchState("dishwasher"))
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	l, db, _ := testLoop(t, 45, now, staticPrices{})

	saved := types.Plan{ComputedAt: now.Add(-time.Hour), AnchorSOC: 60, Feasible: true}
	require.NoError(t, db.SavePlan(ctx, saved))

	l.restore(ctx)
	plan, ok := l.CurrentPlan()
	require.True(t, ok)
	assert.Equal(t, 60.0, plan.AnchorSOC)
}

func TestRecalculateNeverBlocks(t *testing.T) {
	l, _, _ := testLoop(t, 45, time.Now(), staticPrices{})
	l.Recalculate()
	l.Recalculate()
	l.Recalculate()
}

func TestReplanIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	provider := staticPrices{
		today:    quoteDay(midnight, func(h int) float64 { return float64(h%5) * 0.10 }),
		tomorrow: quoteDay(midnight.AddDate(0, 0, 1), func(h int) float64 { return 0.30 }),
	}
	l, _, _ := testLoop(t, 45, now, provider)

	l.replan(ctx, now)
	first, ok := l.CurrentPlan()
	require.True(t, ok)

	l.replan(ctx, now)
	second, ok := l.CurrentPlan()
	require.True(t, ok)
	assert.True(t, first.Equivalent(second))
}
