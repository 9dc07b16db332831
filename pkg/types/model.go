package types

import "time"

const (
	CurrentPlanVersion = 1

	// PlanHours is the length of the rolling scheduling horizon. Hours 0-23
	// are today, 24-47 are tomorrow, indexed from today's midnight in the
	// home's local timezone.
	PlanHours = 48
)

// HourAction represents what the battery should do during a plan hour.
type HourAction string

const (
	HourActionIdle      HourAction = "idle"
	HourActionCharge    HourAction = "charge"
	HourActionDischarge HourAction = "discharge"
)

// WindowReason explains why a charge window was placed.
type WindowReason string

const (
	WindowReasonSafety        WindowReason = "safetyCharge"
	WindowReasonCheapWindow   WindowReason = "cheapWindow"
	WindowReasonNegativePrice WindowReason = "negativePrice"
	WindowReasonDeviceRun     WindowReason = "deviceRun"
)

// PriceSlot is one hour of the 48-hour price series. Known is false for
// hours the market has not published yet (typically all of tomorrow before
// the early-afternoon release).
type PriceSlot struct {
	HourIndex int     `json:"hourIndex"` // 0-47
	Price     float64 `json:"price"`     // per kWh, may be negative
	Known     bool    `json:"known"`
}

// BatteryAnchor is a measured battery state that anchors the SOC projection.
type BatteryAnchor struct {
	Hour   int       `json:"hour"` // 0-47
	SOC    float64   `json:"soc"`  // 0-100
	ReadAt time.Time `json:"readAt"`
}

// ScheduleWindow is a contiguous span of plan hours with one action. EndHour
// is exclusive. Start/End carry minute-granular timing when the window was
// placed by backward timing rather than on hour boundaries.
type ScheduleWindow struct {
	StartHour int          `json:"startHour"` // 0-47
	EndHour   int          `json:"endHour"`   // exclusive, 1-48
	Start     time.Time    `json:"start"`
	End       time.Time    `json:"end"`
	Action    HourAction   `json:"action"`
	PowerW    float64      `json:"powerW"`
	Reason    WindowReason `json:"reason"`
}

// Contains reports whether t falls inside the window's minute-granular span.
func (w ScheduleWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// PlanHour is one hour of a published plan.
type PlanHour struct {
	HourIndex      int        `json:"hourIndex"`
	Action         HourAction `json:"action"`
	ProjectedSOC   float64    `json:"projectedSOC"` // SOC at the START of the hour
	Price          float64    `json:"price"`
	PriceKnown     bool       `json:"priceKnown"`
	PVKWH          float64    `json:"pvKWH"`
	ConsumptionKWH float64    `json:"consumptionKWH"`
	ChargeKWH      float64    `json:"chargeKWH"` // grid energy allocated to this hour
}

// Plan is the full 48-hour schedule. Plans are immutable once published; the
// control loop replaces the whole plan atomically instead of mutating it.
type Plan struct {
	ComputedAt time.Time           `json:"computedAt"`
	AnchorSOC  float64             `json:"anchorSOC"`
	Hours      [PlanHours]PlanHour `json:"hours"`
	Windows    []ScheduleWindow    `json:"windows"`
	Feasible   bool                `json:"feasible"`
	// NextChargeStart/End are the minute-granular bounds of the next charge
	// window, zero when no window is planned.
	NextChargeStart time.Time `json:"nextChargeStart"`
	NextChargeEnd   time.Time `json:"nextChargeEnd"`
	Explanation     string    `json:"explanation"`
}

// Equivalent reports whether two plans encode the same schedule. ComputedAt
// is ignored so that back-to-back replans with unchanged inputs compare
// equal.
func (p Plan) Equivalent(o Plan) bool {
	if p.AnchorSOC != o.AnchorSOC || p.Feasible != o.Feasible ||
		p.Hours != o.Hours ||
		!p.NextChargeStart.Equal(o.NextChargeStart) ||
		!p.NextChargeEnd.Equal(o.NextChargeEnd) ||
		len(p.Windows) != len(o.Windows) {
		return false
	}
	for i := range p.Windows {
		a, b := p.Windows[i], o.Windows[i]
		if a.StartHour != b.StartHour || a.EndHour != b.EndHour ||
			a.Action != b.Action || a.PowerW != b.PowerW || a.Reason != b.Reason ||
			!a.Start.Equal(b.Start) || !a.End.Equal(b.End) {
			return false
		}
	}
	return true
}

// TaskState is the lifecycle state of a device task.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateScheduled TaskState = "scheduled"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
)

// DeviceTask is a controllable household load that needs a daily runtime
// budget placed into cheap hours.
type DeviceTask struct {
	Name         string           `json:"name"`
	DailyMinutes int              `json:"dailyMinutes"`
	Splittable   bool             `json:"splittable"`
	Priority     int              `json:"priority"` // lower schedules first
	State        TaskState        `json:"state"`
	Assigned     []ScheduleWindow `json:"assigned"`
	RanMinutes   int              `json:"ranMinutes"`
	// LastReset is the local date (YYYY-MM-DD) of the most recent daily
	// reset, used to detect day boundaries.
	LastReset string `json:"lastReset"`
}

// ConsumptionSample is one learned (or imported) hour of home consumption.
type ConsumptionSample struct {
	Date       string    `json:"date"` // YYYY-MM-DD local
	Hour       int       `json:"hour"` // 0-23
	KWH        float64   `json:"kwh"`
	Manual     bool      `json:"manual"` // seeded baseline, not measured
	RecordedAt time.Time `json:"recordedAt"`
}

// Weekday returns the weekday of the sample's local date. Samples with
// malformed dates report Sunday; callers filter those out when querying.
func (s ConsumptionSample) Weekday() time.Weekday {
	t, err := time.Parse("2006-01-02", s.Date)
	if err != nil {
		return time.Sunday
	}
	return t.Weekday()
}
