package devices

import (
	"context"
	"log/slog"
	"time"

	"github.com/voltshift/voltshift/pkg/log"
	"github.com/voltshift/voltshift/pkg/types"
)

// ResetDaily returns the task set with every task whose last reset predates
// today's local date put back to pending with a cleared runtime budget.
func ResetDaily(ctx context.Context, tasks []types.DeviceTask, now time.Time) []types.DeviceTask {
	today := now.Format("2006-01-02")
	out := make([]types.DeviceTask, len(tasks))
	copy(out, tasks)
	for i := range out {
		if out[i].LastReset == today {
			continue
		}
		if out[i].State != types.TaskStatePending || out[i].RanMinutes != 0 {
			log.Ctx(ctx).DebugContext(ctx, "daily device task reset",
				slog.String("name", out[i].Name),
				slog.Int("ranMinutes", out[i].RanMinutes),
			)
		}
		out[i].State = types.TaskStatePending
		out[i].Assigned = nil
		out[i].RanMinutes = 0
		out[i].LastReset = today
	}
	return out
}

// InAssignedWindow reports whether now falls inside one of the task's
// assigned windows.
func InAssignedWindow(t types.DeviceTask, now time.Time) bool {
	for _, w := range t.Assigned {
		if w.Contains(now) {
			return true
		}
	}
	return false
}

// Advance moves a task through its lifecycle for one actuation tick.
// confirmedOn is whether the actuator reports the device as running now;
// elapsed is the time since the previous tick and accrues against tasks
// that entered the tick in the running state, since that is the period the
// device actually ran.
func Advance(t types.DeviceTask, now time.Time, confirmedOn bool, elapsed time.Duration) types.DeviceTask {
	if t.State == types.TaskStateCompleted {
		return t
	}
	inWindow := InAssignedWindow(t, now)

	if t.State == types.TaskStateRunning {
		t.RanMinutes += int(elapsed.Minutes())
	}
	if t.DailyMinutes > 0 && t.RanMinutes >= t.DailyMinutes {
		t.State = types.TaskStateCompleted
		return t
	}

	switch {
	case inWindow && confirmedOn:
		t.State = types.TaskStateRunning
	case t.State == types.TaskStateRunning:
		// fell out of its window or the actuator lost it
		t.State = types.TaskStateScheduled
	}
	return t
}

// WantOn reports whether the control loop should switch the device on right
// now.
func WantOn(t types.DeviceTask, now time.Time) bool {
	if t.State == types.TaskStateCompleted || t.State == types.TaskStatePending {
		return false
	}
	return InAssignedWindow(t, now)
}
