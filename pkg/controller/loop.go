package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/voltshift/voltshift/pkg/consumption"
	"github.com/voltshift/voltshift/pkg/devices"
	"github.com/voltshift/voltshift/pkg/inverter"
	"github.com/voltshift/voltshift/pkg/log"
	"github.com/voltshift/voltshift/pkg/planner"
	"github.com/voltshift/voltshift/pkg/prices"
	"github.com/voltshift/voltshift/pkg/pvforecast"
	"github.com/voltshift/voltshift/pkg/storage"
	"github.com/voltshift/voltshift/pkg/types"
)

// Loop is the control loop and the only writer of live state. It replans on
// a slow cadence, actuates on a fast cadence, and publishes each new plan
// and task set atomically so readers never observe a half-built cycle.
type Loop struct {
	db        storage.Database
	prices    prices.Provider
	pv        pvforecast.Provider
	system    inverter.System
	planner   *planner.Planner
	scheduler *devices.Scheduler
	learner   *consumption.Learner

	actuateInterval time.Duration
	replanInterval  time.Duration
	fetchTimeout    time.Duration

	recalcCh chan struct{}

	mu       sync.RWMutex
	plan     types.Plan
	hasPlan  bool
	tasks    []types.DeviceTask
	settings types.Settings

	// loop-goroutine state, not guarded
	lastAnchor      types.BatteryAnchor
	hasAnchor       bool
	lastRecorded    string // date-hour of the last consumption sample
	lastPurgeDate   string
	lastSetpoint    float64
	setpointKnown   bool
	lastSwitch      map[string]bool
	lastActuateTick time.Time
}

// Configured sets up the control loop based on flags.
func Configured(db storage.Database, priceMap *prices.Map, pvMap *pvforecast.Map, invMap *inverter.Map) *Loop {
	priceProvider := lflag.String("price-provider", "tibber", "Price provider to use")
	pvProvider := lflag.String("pv-provider", "forecastsolar", "PV forecast provider to use")
	system := lflag.String("inverter-system", "mock", "Inverter system to control")
	actuate := lflag.Duration("loop-actuate-interval", 30*time.Second, "How often to run actuation and safety checks")
	replan := lflag.Duration("loop-replan-interval", 5*time.Minute, "How often to refetch inputs and replan")
	fetch := lflag.Duration("loop-fetch-timeout", 15*time.Second, "Timeout for a single external fetch")

	l := &Loop{
		db:         db,
		planner:    planner.New(),
		scheduler:  devices.New(),
		learner:    consumption.NewLearner(db),
		recalcCh:   make(chan struct{}, 1),
		lastSwitch: make(map[string]bool),
	}

	lflag.Do(func() {
		var err error
		l.prices, err = priceMap.Provider(*priceProvider)
		if err != nil {
			panic(fmt.Sprintf("invalid price provider: %v", err))
		}
		l.pv, err = pvMap.Provider(*pvProvider)
		if err != nil {
			panic(fmt.Sprintf("invalid pv provider: %v", err))
		}
		l.system, err = invMap.System(*system)
		if err != nil {
			panic(fmt.Sprintf("invalid inverter system: %v", err))
		}
		l.actuateInterval = *actuate
		l.replanInterval = *replan
		l.fetchTimeout = *fetch
	})
	return l
}

// New creates a loop with explicit collaborators. This is primarily used
// for testing; production wiring goes through Configured.
func New(db storage.Database, price prices.Provider, pv pvforecast.Provider, system inverter.System) *Loop {
	return &Loop{
		db:              db,
		prices:          price,
		pv:              pv,
		system:          system,
		planner:         planner.New(),
		scheduler:       devices.New(),
		learner:         consumption.NewLearner(db),
		recalcCh:        make(chan struct{}, 1),
		lastSwitch:      make(map[string]bool),
		actuateInterval: 30 * time.Second,
		replanInterval:  5 * time.Minute,
		fetchTimeout:    15 * time.Second,
	}
}

// CurrentPlan returns the most recently published plan, if any.
func (l *Loop) CurrentPlan() (types.Plan, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.plan, l.hasPlan
}

// CurrentTasks returns a copy of the current device task set.
func (l *Loop) CurrentTasks() []types.DeviceTask {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.DeviceTask, len(l.tasks))
	copy(out, l.tasks)
	return out
}

// Settings returns the settings used by the last cycle.
func (l *Loop) Settings() types.Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.settings
}

// Recalculate asks the loop to replan on its next wakeup instead of waiting
// out the replan interval. Safe to call repeatedly; replanning is
// idempotent for unchanged inputs.
func (l *Loop) Recalculate() {
	select {
	case l.recalcCh <- struct{}{}:
	default:
	}
}

// Run restores persisted state and then drives both cadences from a single
// goroutine until the context is canceled. Cycles run to completion; there
// is no mid-cycle cancellation.
func (l *Loop) Run(ctx context.Context) error {
	l.restore(ctx)

	l.replan(ctx, time.Now())
	l.actuate(ctx, time.Now())

	actuateTicker := time.NewTicker(l.actuateInterval)
	defer actuateTicker.Stop()
	replanTicker := time.NewTicker(l.replanInterval)
	defer replanTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "control loop stopping")
			l.release(context.WithoutCancel(ctx))
			return nil
		case <-replanTicker.C:
			l.replan(ctx, time.Now())
		case <-l.recalcCh:
			log.Ctx(ctx).InfoContext(ctx, "manual recalculation requested")
			l.replan(ctx, time.Now())
		case <-actuateTicker.C:
			l.actuate(ctx, time.Now())
		}
	}
}

// restore loads the last persisted plan and task set so a restart does not
// forget an in-progress charge window.
func (l *Loop) restore(ctx context.Context) {
	plan, err := l.db.GetLatestPlan(ctx)
	switch {
	case err == nil:
		l.mu.Lock()
		l.plan = plan
		l.hasPlan = true
		l.mu.Unlock()
		log.Ctx(ctx).InfoContext(ctx, "restored persisted plan",
			slog.Time("computedAt", plan.ComputedAt),
			slog.Bool("feasible", plan.Feasible),
		)
	case errors.Is(err, storage.ErrPlanNotFound):
		log.Ctx(ctx).DebugContext(ctx, "no persisted plan to restore")
	default:
		log.Ctx(ctx).ErrorContext(ctx, "failed to load persisted plan", "error", err)
	}

	tasks, err := l.db.GetDeviceTasks(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load device tasks", "error", err)
		return
	}
	l.mu.Lock()
	l.tasks = tasks
	l.mu.Unlock()
}

// release hands control back to the inverter on shutdown.
func (l *Loop) release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, l.fetchTimeout)
	defer cancel()
	if err := l.system.SetChargePower(ctx, 0); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to release charge control", "error", err)
	}
}

// loadSettings fetches settings, migrates them if they predate the current
// version, and persists the migrated form.
func (l *Loop) loadSettings(ctx context.Context) (types.Settings, error) {
	settings, version, err := l.db.GetSettings(ctx)
	if err != nil {
		return types.Settings{}, fmt.Errorf("failed to get settings: %w", err)
	}
	migrated, changed, err := types.MigrateSettings(settings, version)
	if err != nil {
		return types.Settings{}, fmt.Errorf("failed to migrate settings: %w", err)
	}
	if err := migrated.Validate(); err != nil {
		return types.Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	if changed {
		if err := l.db.SetSettings(ctx, migrated, types.CurrentSettingsVersion); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to persist migrated settings", "error", err)
		}
	}
	return migrated, nil
}

// replan runs one full planning cycle: fetch, learn, plan, place devices,
// publish, persist. A failed fetch degrades that input to unknown rather
// than aborting the cycle; only a missing anchor with no prior reading
// abandons the cycle with the previous plan retained.
func (l *Loop) replan(ctx context.Context, now time.Time) {
	settings, err := l.loadSettings(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "replan abandoned, settings unavailable", "error", err)
		return
	}

	anchor, ok := l.readAnchor(ctx, now)
	if !ok {
		log.Ctx(ctx).ErrorContext(ctx, "replan abandoned, no battery anchor available")
		return
	}

	l.recordConsumption(ctx, settings, now)
	l.purgeOldSamples(ctx, settings, now)

	series := l.fetchPrices(ctx, now)
	forecast := l.fetchPV(ctx)
	cons := l.consumptionForecast(ctx, settings, now)

	l.mu.RLock()
	var previous *types.Plan
	if l.hasPlan {
		p := l.plan
		previous = &p
	}
	prevTasks := make([]types.DeviceTask, len(l.tasks))
	copy(prevTasks, l.tasks)
	l.mu.RUnlock()

	plan := l.planner.Plan(ctx, planner.PlanInput{
		Now:         now,
		Anchor:      anchor,
		Prices:      series,
		PV:          forecast,
		Consumption: cons,
		Settings:    settings,
		Previous:    previous,
	})

	tasks := devices.ResetDaily(ctx, prevTasks, now)
	tasks = l.scheduler.Schedule(ctx, devices.Input{
		Now:      now,
		Prices:   series,
		Tasks:    tasks,
		MaxTasks: settings.MaxDeviceTasks,
	})

	l.mu.Lock()
	l.plan = plan
	l.hasPlan = true
	l.tasks = tasks
	l.settings = settings
	l.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "published new plan",
		slog.Bool("feasible", plan.Feasible),
		slog.Float64("anchorSOC", plan.AnchorSOC),
		slog.Int("windows", len(plan.Windows)),
		slog.String("explanation", plan.Explanation),
	)

	if err := l.db.SavePlan(ctx, plan); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist plan", "error", err)
	}
	if err := l.db.SaveDeviceTasks(ctx, tasks); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist device tasks", "error", err)
	}
}

// readAnchor reads the battery state, falling back to the last successful
// reading when the sensor is unavailable.
func (l *Loop) readAnchor(ctx context.Context, now time.Time) (types.BatteryAnchor, bool) {
	fctx, cancel := context.WithTimeout(ctx, l.fetchTimeout)
	defer cancel()
	anchor, err := l.system.ReadAnchor(fctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "battery anchor read failed", "error", err)
		if !l.hasAnchor {
			return types.BatteryAnchor{}, false
		}
		return l.lastAnchor, true
	}
	anchor.Hour = now.Hour()
	l.lastAnchor = anchor
	l.hasAnchor = true
	return anchor, true
}

func (l *Loop) fetchPrices(ctx context.Context, now time.Time) prices.Series {
	fctx, cancel := context.WithTimeout(ctx, l.fetchTimeout)
	defer cancel()
	today, tomorrow, err := l.prices.GetPrices(fctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "price fetch failed, prices unknown this cycle", "error", err)
		return prices.Series{}
	}
	return prices.BuildSeries(now, today, tomorrow)
}

func (l *Loop) fetchPV(ctx context.Context) pvforecast.Forecast {
	fctx, cancel := context.WithTimeout(ctx, l.fetchTimeout)
	defer cancel()
	forecast, err := l.pv.GetHourlyForecast(fctx, types.PlanHours)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "pv forecast fetch failed, assuming no production", "error", err)
		return pvforecast.Forecast{}
	}
	return forecast
}

func (l *Loop) consumptionForecast(ctx context.Context, settings types.Settings, now time.Time) [types.PlanHours]float64 {
	profile, err := l.learner.BuildProfile(ctx, settings, now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "consumption profile unavailable, using fallback", "error", err)
		var out [types.PlanHours]float64
		for h := range out {
			out[h] = settings.HourlyFallbackKWH
		}
		return out
	}
	return profile.Forecast(now)
}

// recordConsumption stores one sample per hour boundary for the hour that
// just ended.
func (l *Loop) recordConsumption(ctx context.Context, settings types.Settings, now time.Time) {
	prev := now.Add(-time.Hour)
	key := prev.Format("2006-01-02-15")
	if key == l.lastRecorded {
		return
	}
	fctx, cancel := context.WithTimeout(ctx, l.fetchTimeout)
	defer cancel()
	raw, err := l.system.ReadConsumption(fctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "consumption read failed, skipping sample", "error", err)
		return
	}
	if err := l.learner.Record(ctx, settings, prev, raw); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to record consumption sample", "error", err)
		return
	}
	l.lastRecorded = key
}

func (l *Loop) purgeOldSamples(ctx context.Context, settings types.Settings, now time.Time) {
	date := now.Format("2006-01-02")
	if date == l.lastPurgeDate {
		return
	}
	deleted, err := l.learner.Purge(ctx, settings, now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to purge old consumption samples", "error", err)
		return
	}
	l.lastPurgeDate = date
	if deleted > 0 {
		log.Ctx(ctx).InfoContext(ctx, "purged old consumption samples", slog.Int("deleted", deleted))
	}
}

// actuate compares the published plan against actuator state and issues
// setpoint changes. Settings can pause actuation entirely or turn it into a
// dry run that only logs.
func (l *Loop) actuate(ctx context.Context, now time.Time) {
	l.mu.RLock()
	plan := l.plan
	hasPlan := l.hasPlan
	settings := l.settings
	tasks := make([]types.DeviceTask, len(l.tasks))
	copy(tasks, l.tasks)
	l.mu.RUnlock()

	if !hasPlan || settings.Pause {
		return
	}

	elapsed := time.Duration(0)
	if !l.lastActuateTick.IsZero() {
		elapsed = now.Sub(l.lastActuateTick)
	}
	l.lastActuateTick = now

	l.actuateBattery(ctx, plan, settings, now)
	tasks = l.actuateDevices(ctx, tasks, settings, now, elapsed)

	l.mu.Lock()
	l.tasks = tasks
	l.mu.Unlock()
	if err := l.db.SaveDeviceTasks(ctx, tasks); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist device tasks", "error", err)
	}
}

func (l *Loop) actuateBattery(ctx context.Context, plan types.Plan, settings types.Settings, now time.Time) {
	watts := 0.0
	if planner.ShouldChargeNow(plan, now) {
		watts = -settings.MaxChargePowerW
	}
	if l.setpointKnown && watts == l.lastSetpoint {
		return
	}
	if settings.DryRun {
		log.Ctx(ctx).InfoContext(ctx, "dry run, would set charge power", slog.Float64("watts", watts))
		return
	}
	fctx, cancel := context.WithTimeout(ctx, l.fetchTimeout)
	defer cancel()
	if err := l.system.SetChargePower(fctx, watts); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to set charge power", "error", err)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "charge setpoint changed", slog.Float64("watts", watts))
	l.lastSetpoint = watts
	l.setpointKnown = true
}

func (l *Loop) actuateDevices(ctx context.Context, tasks []types.DeviceTask, settings types.Settings, now time.Time, elapsed time.Duration) []types.DeviceTask {
	for i, t := range tasks {
		want := devices.WantOn(t, now)
		confirmed := l.lastSwitch[t.Name]

		if want != confirmed {
			if settings.DryRun {
				log.Ctx(ctx).InfoContext(ctx, "dry run, would switch device",
					slog.String("name", t.Name), slog.Bool("on", want))
			} else if err := l.setSwitch(ctx, t.Name, want); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to switch device",
					slog.String("name", t.Name), slog.Bool("on", want), "error", err)
			} else {
				confirmed = want
			}
		}

		tasks[i] = devices.Advance(t, now, confirmed, elapsed)
		if tasks[i].State == types.TaskStateCompleted && t.State != types.TaskStateCompleted {
			log.Ctx(ctx).InfoContext(ctx, "device task completed",
				slog.String("name", t.Name), slog.Int("ranMinutes", tasks[i].RanMinutes))
			if confirmed && !settings.DryRun {
				if err := l.setSwitch(ctx, t.Name, false); err != nil {
					log.Ctx(ctx).ErrorContext(ctx, "failed to switch off completed device",
						slog.String("name", t.Name), "error", err)
				}
			}
		}
	}
	return tasks
}

func (l *Loop) setSwitch(ctx context.Context, name string, on bool) error {
	fctx, cancel := context.WithTimeout(ctx, l.fetchTimeout)
	defer cancel()
	if err := l.system.SetDeviceSwitch(fctx, name, on); err != nil {
		return err
	}
	l.lastSwitch[name] = on
	return nil
}
