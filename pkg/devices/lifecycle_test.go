package devices

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltshift/voltshift/pkg/types"
)

func assignedWindow(day, hour, minutes int) types.ScheduleWindow {
	start := time.Date(2026, 3, day, hour, 0, 0, 0, time.UTC)
	return types.ScheduleWindow{
		StartHour: hour,
		EndHour:   hour + 1,
		Start:     start,
		End:       start.Add(time.Duration(minutes) * time.Minute),
		Action:    types.HourActionIdle,
		Reason:    types.WindowReasonDeviceRun,
	}
}

func TestResetDaily(t *testing.T) {
	now := time.Date(2026, 3, 3, 0, 5, 0, 0, time.UTC)
	tasks := []types.DeviceTask{
		{
			Name: "stale", DailyMinutes: 60,
			State:      types.TaskStateCompleted,
			RanMinutes: 60,
			Assigned:   []types.ScheduleWindow{assignedWindow(2, 20, 60)},
			LastReset:  "2026-03-02",
		},
		{
			Name: "fresh", DailyMinutes: 30,
			State:     types.TaskStateScheduled,
			Assigned:  []types.ScheduleWindow{assignedWindow(3, 10, 30)},
			LastReset: "2026-03-03",
		},
	}

	out := ResetDaily(context.Background(), tasks, now)
	require.Len(t, out, 2)

	assert.Equal(t, types.TaskStatePending, out[0].State)
	assert.Zero(t, out[0].RanMinutes)
	assert.Empty(t, out[0].Assigned)
	assert.Equal(t, "2026-03-03", out[0].LastReset)

	// already reset today, untouched
	assert.Equal(t, types.TaskStateScheduled, out[1].State)
	assert.Len(t, out[1].Assigned, 1)

	// input slice not mutated
	assert.Equal(t, types.TaskStateCompleted, tasks[0].State)
}

func TestAdvanceLifecycle(t *testing.T) {
	task := types.DeviceTask{
		Name: "washer", DailyMinutes: 60,
		State:    types.TaskStateScheduled,
		Assigned: []types.ScheduleWindow{assignedWindow(2, 20, 60)},
	}
	inWindow := time.Date(2026, 3, 2, 20, 10, 0, 0, time.UTC)
	outside := time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)

	t.Run("scheduled to running", func(t *testing.T) {
		got := Advance(task, inWindow, true, 0)
		assert.Equal(t, types.TaskStateRunning, got.State)
	})

	t.Run("stays scheduled until confirmed on", func(t *testing.T) {
		got := Advance(task, inWindow, false, 0)
		assert.Equal(t, types.TaskStateScheduled, got.State)
	})

	t.Run("accrues minutes while running", func(t *testing.T) {
		running := task
		running.State = types.TaskStateRunning
		got := Advance(running, inWindow, true, 10*time.Minute)
		assert.Equal(t, 10, got.RanMinutes)
		assert.Equal(t, types.TaskStateRunning, got.State)
	})

	t.Run("completes at required minutes", func(t *testing.T) {
		running := task
		running.State = types.TaskStateRunning
		running.RanMinutes = 55
		got := Advance(running, inWindow, true, 5*time.Minute)
		assert.Equal(t, types.TaskStateCompleted, got.State)
	})

	t.Run("falls back to scheduled outside window", func(t *testing.T) {
		running := task
		running.State = types.TaskStateRunning
		got := Advance(running, outside, false, 0)
		assert.Equal(t, types.TaskStateScheduled, got.State)
	})

	t.Run("completed is terminal", func(t *testing.T) {
		done := task
		done.State = types.TaskStateCompleted
		done.RanMinutes = 60
		got := Advance(done, inWindow, true, time.Minute)
		assert.Equal(t, types.TaskStateCompleted, got.State)
		assert.Equal(t, 60, got.RanMinutes)
	})
}

func TestWantOn(t *testing.T) {
	task := types.DeviceTask{
		Name: "washer", DailyMinutes: 60,
		State:    types.TaskStateScheduled,
		Assigned: []types.ScheduleWindow{assignedWindow(2, 20, 60)},
	}
	inWindow := time.Date(2026, 3, 2, 20, 30, 0, 0, time.UTC)
	outside := time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC)

	assert.True(t, WantOn(task, inWindow))
	assert.False(t, WantOn(task, outside))

	pending := task
	pending.State = types.TaskStatePending
	assert.False(t, WantOn(pending, inWindow))

	done := task
	done.State = types.TaskStateCompleted
	assert.False(t, WantOn(done, inWindow))
}
