package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/voltshift/voltshift/pkg/log"
	"github.com/voltshift/voltshift/pkg/prices"
	"github.com/voltshift/voltshift/pkg/pvforecast"
	"github.com/voltshift/voltshift/pkg/types"
)

// PlanInput is everything a planning cycle needs. Now is passed in rather
// than read from the clock so that identical inputs always produce
// identical plans.
type PlanInput struct {
	Now         time.Time
	Anchor      types.BatteryAnchor
	Prices      prices.Series
	PV          pvforecast.Forecast
	Consumption [types.PlanHours]float64
	Settings    types.Settings
	// Previous is the last published plan, used to retain future windows
	// when no feasible plan can be computed. Nil on first run.
	Previous *types.Plan
}

// Planner builds charge plans. It holds no mutable state; Plan is a pure
// function of its input.
type Planner struct{}

func New() *Planner {
	return &Planner{}
}

// Plan produces the 48-hour schedule for the given inputs.
func (p *Planner) Plan(ctx context.Context, in PlanInput) types.Plan {
	plan := types.Plan{
		ComputedAt: in.Now,
		AnchorSOC:  in.Anchor.SOC,
		Feasible:   true,
	}
	for h := range plan.Hours {
		plan.Hours[h] = types.PlanHour{
			HourIndex:      h,
			Action:         types.HourActionIdle,
			Price:          in.Prices[h].Price,
			PriceKnown:     in.Prices[h].Known,
			PVKWH:          in.PV[h],
			ConsumptionKWH: in.Consumption[h],
		}
	}

	midnight := time.Date(in.Now.Year(), in.Now.Month(), in.Now.Day(), 0, 0, 0, 0, in.Now.Location())
	hourTime := func(h int) time.Time { return midnight.Add(time.Duration(h) * time.Hour) }
	currentHour := in.Anchor.Hour

	settings := in.Settings
	var charge [types.PlanHours]float64

	// The safety override runs before anything else and does not depend on
	// prices: below the floor we charge immediately, whatever the cost.
	if in.Anchor.SOC < settings.SafetySOC {
		charge[currentHour] = settings.MaxChargePowerW / 1000
		plan.Hours[currentHour].Action = types.HourActionCharge
		plan.Hours[currentHour].ChargeKWH = charge[currentHour]
		plan.Windows = append(plan.Windows, types.ScheduleWindow{
			StartHour: currentHour,
			EndHour:   currentHour + 1,
			Start:     hourTime(currentHour),
			End:       hourTime(currentHour + 1),
			Action:    types.HourActionCharge,
			PowerW:    settings.MaxChargePowerW,
			Reason:    types.WindowReasonSafety,
		})
		log.Ctx(ctx).WarnContext(
			ctx,
			"soc below safety floor, forcing immediate charge",
			slog.Float64("soc", in.Anchor.SOC),
			slog.Float64("safetySOC", settings.SafetySOC),
		)
	}

	// Without a single known price there is nothing to optimize against. We
	// do not invent a plan from defaults; we keep whatever future windows
	// the previous plan had already committed to.
	if in.Prices.KnownToday() == 0 && in.Prices.KnownTomorrow() == 0 {
		plan.Feasible = false
		plan.Explanation = "no charge window: price data unavailable for today and tomorrow"
		log.Ctx(ctx).ErrorContext(
			ctx,
			"no known prices, plan is infeasible",
			slog.Int("knownToday", in.Prices.KnownToday()),
			slog.Int("knownTomorrow", in.Prices.KnownTomorrow()),
		)
		if in.Previous != nil {
			for _, w := range in.Previous.Windows {
				if w.End.After(in.Now) && w.Reason != types.WindowReasonSafety {
					plan.Windows = append(plan.Windows, w)
					for h := w.StartHour; h < w.EndHour && h < types.PlanHours; h++ {
						if h > currentHour {
							plan.Hours[h].Action = w.Action
						}
					}
				}
			}
			plan.NextChargeStart = in.Previous.NextChargeStart
			plan.NextChargeEnd = in.Previous.NextChargeEnd
		}
		p.project(ctx, &plan, in, charge)
		return plan
	}

	needKWH := 0.0
	if in.Anchor.SOC < settings.TargetSOC {
		needKWH = (settings.TargetSOC - in.Anchor.SOC) / 100 * settings.BatteryCapacityKWH
	}

	analyzer := prices.Analyzer{
		Threshold1H: settings.Threshold1H,
		Threshold3H: settings.Threshold3H,
	}
	risePoints := analyzer.RisePoints(in.Prices, currentHour+1)

	// Candidate hours are strictly ahead of now: replanning must never
	// announce a window that has already started.
	type candidate struct {
		hour  int
		price float64
	}
	var candidates []candidate
	for h := currentHour + 1; h < types.PlanHours; h++ {
		if !in.Prices[h].Known {
			continue
		}
		deficit := in.Consumption[h] - in.PV[h]
		if deficit <= 0 && in.Prices[h].Price > 0 {
			// PV already covers this hour; only negative prices make
			// grid-charging it worthwhile anyway
			continue
		}
		candidates = append(candidates, candidate{hour: h, price: in.Prices[h].Price})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].price < candidates[j].price
	})

	maxHourKWH := settings.MaxChargePowerW / 1000
	remaining := needKWH
	allocated := false
	for _, c := range candidates {
		if remaining <= 0 && c.price > 0 {
			break
		}
		alloc := maxHourKWH
		if c.price > 0 && alloc > remaining {
			alloc = remaining
		}
		if alloc <= 0 {
			continue
		}

		// pre-check with the simulator that this allocation cannot push the
		// projection over the target ceiling
		trial := charge
		trial[c.hour] = alloc
		soc, err := Project(ctx, SimInput{
			Anchor:      in.Anchor,
			ChargeKWH:   trial,
			PV:          in.PV,
			Consumption: in.Consumption,
			Settings:    settings,
		})
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "rejecting allocation after simulation error", slog.Int("hour", c.hour), slog.Any("error", err))
			continue
		}
		if soc[c.hour] >= settings.TargetSOC {
			// the battery is already projected full going into this hour,
			// grid energy spent here would be wasted
			continue
		}

		charge = trial
		plan.Hours[c.hour].Action = types.HourActionCharge
		plan.Hours[c.hour].ChargeKWH = alloc
		remaining -= alloc
		allocated = true
	}

	// merge consecutive charge hours into windows
	for h := currentHour + 1; h < types.PlanHours; h++ {
		if charge[h] <= 0 {
			continue
		}
		start := h
		for h+1 < types.PlanHours && charge[h+1] > 0 {
			h++
		}
		reason := types.WindowReasonCheapWindow
		if in.Prices[start].Known && in.Prices[start].Price <= 0 {
			reason = types.WindowReasonNegativePrice
		}
		plan.Windows = append(plan.Windows, types.ScheduleWindow{
			StartHour: start,
			EndHour:   h + 1,
			Start:     hourTime(start),
			End:       hourTime(h + 1),
			Action:    types.HourActionCharge,
			PowerW:    settings.MaxChargePowerW,
			Reason:    reason,
		})
	}

	// Backward timing against the first rise point: the charge should end
	// right as prices rise, starting just early enough to reach the target.
	// The span is only actionable when the search actually allocated grid
	// energy; a need fully covered by PV must not produce one.
	if len(risePoints) > 0 && needKWH > 0 && allocated {
		riseAt := hourTime(risePoints[0])
		minutes := (settings.TargetSOC - in.Anchor.SOC) / 10 * float64(settings.ChargeDurationPer10PctMinutes)
		start := riseAt.Add(-time.Duration(minutes) * time.Minute).Truncate(time.Minute)
		plan.NextChargeStart = start
		plan.NextChargeEnd = riseAt
		plan.Explanation = fmt.Sprintf("charging %s-%s to reach %.0f%% before prices rise",
			start.Format("15:04"), riseAt.Format("15:04"), settings.TargetSOC)
	} else if len(plan.Windows) > 0 {
		w := plan.Windows[0]
		plan.NextChargeStart = w.Start
		plan.NextChargeEnd = w.End
		plan.Explanation = fmt.Sprintf("charging %s-%s", w.Start.Format("15:04"), w.End.Format("15:04"))
	} else {
		plan.Explanation = "no charge window needed: prices stay low or battery is full"
	}
	if in.Anchor.SOC < settings.SafetySOC {
		plan.Explanation = fmt.Sprintf("critical soc %.0f%%, charging immediately; %s", in.Anchor.SOC, plan.Explanation)
	}

	p.project(ctx, &plan, in, charge)
	return plan
}

// project fills in the per-hour SOC curve, dropping the charge schedule on
// a consistency error rather than publishing an impossible curve.
func (p *Planner) project(ctx context.Context, plan *types.Plan, in PlanInput, charge [types.PlanHours]float64) {
	soc, err := Project(ctx, SimInput{
		Anchor:      in.Anchor,
		ChargeKWH:   charge,
		PV:          in.PV,
		Consumption: in.Consumption,
		Settings:    in.Settings,
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "soc projection failed", slog.Any("error", err))
		for h := range plan.Hours {
			plan.Hours[h].ProjectedSOC = in.Anchor.SOC
		}
		return
	}
	for h := range plan.Hours {
		plan.Hours[h].ProjectedSOC = soc[h]
	}
}

// ShouldChargeNow reports whether the plan calls for charging at this
// moment. Only today's windows are consulted: a window computed against
// tomorrow's prices must never fire just because its hour-of-day matches
// the current one.
func ShouldChargeNow(plan types.Plan, now time.Time) bool {
	for _, w := range plan.Windows {
		if w.Action != types.HourActionCharge {
			continue
		}
		if w.StartHour >= 24 {
			continue
		}
		if w.Contains(now) {
			return true
		}
	}
	// the backward-timed window is minute-granular and may start before its
	// first full hour
	if !plan.NextChargeStart.IsZero() && plan.NextChargeEnd.After(plan.NextChargeStart) {
		if sameDay(plan.NextChargeStart, now) && !now.Before(plan.NextChargeStart) && now.Before(plan.NextChargeEnd) {
			return true
		}
	}
	return false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
