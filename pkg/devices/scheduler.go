package devices

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/voltshift/voltshift/pkg/log"
	"github.com/voltshift/voltshift/pkg/prices"
	"github.com/voltshift/voltshift/pkg/types"
)

// Input is everything a scheduling pass needs. Now is passed in rather than
// read from the clock so that identical inputs always produce identical
// assignments.
type Input struct {
	Now    time.Time
	Prices prices.Series
	Tasks  []types.DeviceTask
	// MaxTasks caps how many tasks may hold windows at once, zero means
	// no cap. Tasks past the cap in priority order stay pending.
	MaxTasks int
}

// Scheduler places device tasks into cheap hours. It holds no mutable
// state; Schedule is a pure function of its input.
type Scheduler struct{}

func New() *Scheduler {
	return &Scheduler{}
}

// slot is one hour of schedulable capacity.
type slot struct {
	hour    int // 0-47
	price   float64
	known   bool
	minutes int       // capacity remaining in this hour
	start   time.Time // earliest start inside the hour
}

// Schedule assigns windows to all pending and previously scheduled tasks,
// in priority order, and returns the updated task set. Running and
// completed tasks keep their existing windows; their hours count as taken.
//
// Placement is today-first: a task whose daily requirement fits into
// today's remaining free capacity is always placed today, even when
// tomorrow has cheaper hours. Only the shortfall spills into tomorrow.
func (s *Scheduler) Schedule(ctx context.Context, in Input) []types.DeviceTask {
	midnight := time.Date(in.Now.Year(), in.Now.Month(), in.Now.Day(), 0, 0, 0, 0, in.Now.Location())
	currentHour := in.Now.Hour()

	taken := make(map[int]int) // minutes claimed per hour index
	out := make([]types.DeviceTask, len(in.Tasks))
	copy(out, in.Tasks)

	for _, t := range out {
		if t.State == types.TaskStateRunning || t.State == types.TaskStateCompleted {
			for _, w := range t.Assigned {
				claimWindow(taken, w)
			}
		}
	}

	order := make([]int, 0, len(out))
	for i, t := range out {
		if t.State == types.TaskStatePending || t.State == types.TaskStateScheduled {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		if out[order[a]].Priority != out[order[b]].Priority {
			return out[order[a]].Priority < out[order[b]].Priority
		}
		return out[order[a]].Name < out[order[b]].Name
	})

	active := 0
	for _, t := range out {
		if t.State == types.TaskStateRunning || t.State == types.TaskStateCompleted {
			active++
		}
	}

	for _, i := range order {
		t := &out[i]
		if in.MaxTasks > 0 && active >= in.MaxTasks {
			t.State = types.TaskStatePending
			t.Assigned = nil
			continue
		}
		today := freeSlots(in.Prices, taken, midnight, in.Now, currentHour, 24)
		tomorrow := freeSlots(in.Prices, taken, midnight, in.Now, 24, 48)

		var windows []types.ScheduleWindow
		if t.Splittable {
			windows = placeSplit(t.DailyMinutes, today, tomorrow)
		} else {
			windows = placeContiguous(t.DailyMinutes, today, tomorrow, midnight)
		}

		assigned := 0
		for _, w := range windows {
			claimWindow(taken, w)
			assigned += int(w.End.Sub(w.Start).Minutes())
		}
		t.Assigned = windows
		if assigned > 0 {
			t.State = types.TaskStateScheduled
			active++
		} else {
			t.State = types.TaskStatePending
		}
		log.Ctx(ctx).DebugContext(ctx, "scheduled device task",
			slog.String("name", t.Name),
			slog.Int("requiredMinutes", t.DailyMinutes),
			slog.Int("assignedMinutes", assigned),
			slog.Int("windows", len(windows)),
		)
	}
	return out
}

// freeSlots returns the schedulable capacity for hours [from, to), cheapest
// first. The current hour contributes only its remaining minutes.
func freeSlots(series prices.Series, taken map[int]int, midnight, now time.Time, from, to int) []slot {
	var slots []slot
	for h := from; h < to; h++ {
		if h < now.Hour() {
			continue
		}
		minutes := 60 - taken[h]
		start := midnight.Add(time.Duration(h) * time.Hour)
		if h == now.Hour() {
			rem := 60 - now.Minute()
			if rem < minutes {
				minutes = rem
			}
			start = now
		}
		if minutes <= 0 {
			continue
		}
		slots = append(slots, slot{
			hour:    h,
			price:   series[h].Price,
			known:   series[h].Known,
			minutes: minutes,
			start:   start,
		})
	}
	sort.SliceStable(slots, func(a, b int) bool {
		// unknown prices sort last so known-cheap hours win
		if slots[a].known != slots[b].known {
			return slots[a].known
		}
		if slots[a].price != slots[b].price {
			return slots[a].price < slots[b].price
		}
		return slots[a].hour < slots[b].hour
	})
	return slots
}

// placeSplit fills the requirement from the cheapest slots, today first.
// The last slot is trimmed to the exact remaining minutes.
func placeSplit(minutes int, today, tomorrow []slot) []types.ScheduleWindow {
	var windows []types.ScheduleWindow
	remaining := minutes
	for _, pool := range [][]slot{today, tomorrow} {
		for _, sl := range pool {
			if remaining <= 0 {
				break
			}
			take := sl.minutes
			if take > remaining {
				take = remaining
			}
			windows = append(windows, deviceWindow(sl.hour, sl.start, take))
			remaining -= take
		}
	}
	sort.Slice(windows, func(a, b int) bool { return windows[a].StartHour < windows[b].StartHour })
	return windows
}

// placeContiguous finds the cheapest unbroken block long enough for the
// task, trying today before tomorrow. A task that fits nowhere stays
// unassigned.
func placeContiguous(minutes int, today, tomorrow []slot, midnight time.Time) []types.ScheduleWindow {
	for _, pool := range [][]slot{today, tomorrow} {
		if w, ok := cheapestBlock(minutes, pool, midnight); ok {
			return []types.ScheduleWindow{w}
		}
	}
	return nil
}

// cheapestBlock scans every feasible start hour in the pool and returns the
// block with the lowest price-weighted cost. Hours past the first must be
// fully free so the block cannot straddle a partially claimed hour.
func cheapestBlock(minutes int, pool []slot, midnight time.Time) (types.ScheduleWindow, bool) {
	byHour := make(map[int]slot, len(pool))
	for _, sl := range pool {
		byHour[sl.hour] = sl
	}

	best := types.ScheduleWindow{}
	bestCost := math.Inf(1)
	found := false
	for _, sl := range pool {
		cost, end, ok := blockFrom(sl, byHour, minutes)
		if !ok || cost >= bestCost {
			continue
		}
		bestCost = cost
		best = types.ScheduleWindow{
			StartHour: sl.hour,
			EndHour:   hourIndexAfter(end, midnight),
			Start:     sl.start,
			End:       end,
			Action:    types.HourActionIdle,
			Reason:    types.WindowReasonDeviceRun,
		}
		found = true
	}
	return best, found
}

// blockFrom walks forward from the starting slot accumulating minutes and
// price-weighted cost until the requirement is met. The starting slot's
// free minutes must run to the end of its hour, and every later hour in
// the span must be entirely free, otherwise the block has a gap.
func blockFrom(start slot, byHour map[int]slot, minutes int) (cost float64, end time.Time, ok bool) {
	if start.start.Minute()+start.minutes < 60 && start.minutes < minutes {
		return 0, time.Time{}, false
	}
	remaining := minutes
	cur := start
	for {
		take := cur.minutes
		if take > remaining {
			take = remaining
		}
		cost += cur.price * float64(take) / 60
		remaining -= take
		if remaining <= 0 {
			return cost, cur.start.Add(time.Duration(take) * time.Minute), true
		}
		next, present := byHour[cur.hour+1]
		if !present || next.minutes != 60 {
			return 0, time.Time{}, false
		}
		cur = next
	}
}

// hourIndexAfter converts a window end time into an exclusive hour index on
// the 48-hour grid anchored at today's midnight.
func hourIndexAfter(end, midnight time.Time) int {
	idx := int(end.Sub(midnight) / time.Hour)
	if end.After(midnight.Add(time.Duration(idx) * time.Hour)) {
		idx++
	}
	if idx > types.PlanHours {
		idx = types.PlanHours
	}
	return idx
}

func deviceWindow(hour int, start time.Time, minutes int) types.ScheduleWindow {
	end := start.Add(time.Duration(minutes) * time.Minute)
	return types.ScheduleWindow{
		StartHour: hour,
		EndHour:   hour + 1,
		Start:     start,
		End:       end,
		Action:    types.HourActionIdle,
		Reason:    types.WindowReasonDeviceRun,
	}
}

func truncateHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

func claimWindow(taken map[int]int, w types.ScheduleWindow) {
	for h := w.StartHour; h < w.EndHour && h < types.PlanHours; h++ {
		hourStart := truncateHour(w.Start).Add(time.Duration(h-w.StartHour) * time.Hour)
		hourEnd := hourStart.Add(time.Hour)
		s, e := w.Start, w.End
		if s.Before(hourStart) {
			s = hourStart
		}
		if e.After(hourEnd) {
			e = hourEnd
		}
		if e.After(s) {
			taken[h] += int(e.Sub(s).Minutes())
		}
	}
}
