package planner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voltshift/voltshift/pkg/log"
	"github.com/voltshift/voltshift/pkg/types"
)

// backwardSanityLimitPct is the largest SOC swing the backward estimator
// accepts for a single hour. Bigger implied swings (a manual reset, a sensor
// glitch) stop the extrapolation instead of corrupting all earlier hours.
const backwardSanityLimitPct = 50

// backwardBaselinePct is substituted for hours the backward estimator gave
// up on.
const backwardBaselinePct = 70

// SimInput describes one prospective schedule to project.
type SimInput struct {
	Anchor      types.BatteryAnchor
	ChargeKWH   [types.PlanHours]float64
	PV          [types.PlanHours]float64
	Consumption [types.PlanHours]float64
	Settings    types.Settings
}

// Project computes the SOC at the start of every plan hour. Hours at or
// after the anchor are simulated forward; hours before it are estimated
// backward for display continuity only.
//
// A declared charge hour whose net SOC delta comes out negative is a
// consistency error: it means the charge/consumption sign conventions
// disagree somewhere, and publishing the resulting curve would show a
// battery that drains while charging.
func Project(ctx context.Context, in SimInput) ([types.PlanHours]float64, error) {
	var soc [types.PlanHours]float64

	anchor := in.Anchor.Hour
	if anchor < 0 || anchor >= types.PlanHours {
		return soc, fmt.Errorf("anchor hour out of range: %d", anchor)
	}
	capacity := in.Settings.BatteryCapacityKWH
	if capacity <= 0 {
		return soc, fmt.Errorf("battery capacity must be positive: %v", capacity)
	}

	netPct := func(h int) float64 {
		net := in.ChargeKWH[h] + in.PV[h] - in.Consumption[h]
		return net / capacity * 100
	}

	// forward from the anchor
	soc[anchor] = clampPct(in.Anchor.SOC)
	for h := anchor; h < types.PlanHours-1; h++ {
		next := soc[h] + netPct(h)
		if in.ChargeKWH[h] > 0 {
			// charging tops out at the target ceiling
			if max := in.Settings.TargetSOC; next > max && max >= soc[h] {
				next = max
			}
			if next < soc[h] {
				log.Ctx(ctx).ErrorContext(
					ctx,
					"charge hour projects a soc decrease",
					slog.Int("hour", h),
					slog.Float64("socBefore", soc[h]),
					slog.Float64("socAfter", next),
					slog.Float64("chargeKWH", in.ChargeKWH[h]),
				)
				return soc, fmt.Errorf("charge hour %d projects soc decrease (%.1f -> %.1f)", h, soc[h], next)
			}
		}
		soc[h+1] = clampPct(next)
	}

	// backward before the anchor, inverse of the forward step
	trusted := true
	for h := anchor - 1; h >= 0; h-- {
		if !trusted {
			soc[h] = backwardBaselinePct
			continue
		}
		est := soc[h+1] - netPct(h)
		if diff := est - soc[h+1]; diff > backwardSanityLimitPct || diff < -backwardSanityLimitPct {
			log.Ctx(ctx).WarnContext(
				ctx,
				"backward soc estimate implausible, using baseline",
				slog.Int("hour", h),
				slog.Float64("impliedDelta", diff),
			)
			trusted = false
			soc[h] = backwardBaselinePct
			continue
		}
		soc[h] = clampPct(est)
	}

	return soc, nil
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
