package inverter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voltshift/voltshift/pkg/types"
)

// Mock implements System for testing and as a stand-in when no real
// inverter is wired up. It tracks issued setpoints and switch states so
// tests can assert on them.
type Mock struct {
	mu sync.Mutex

	soc         float64
	consumption float64
	now         func() time.Time

	anchorErr      error
	consumptionErr error
	chargeErr      error
	switchErr      error

	chargeSetpoints []float64
	switches        map[string]bool
}

// NewMock returns a Mock with a half-full battery.
func NewMock() *Mock {
	return &Mock{
		soc:      50,
		now:      time.Now,
		switches: make(map[string]bool),
	}
}

// SetSOC sets the state of charge the next ReadAnchor returns.
func (m *Mock) SetSOC(soc float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.soc = soc
}

// SetConsumption sets the reading the next ReadConsumption returns.
func (m *Mock) SetConsumption(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumption = v
}

// SetNow overrides the clock used for anchor timestamps.
func (m *Mock) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetErrors makes subsequent calls fail with the given errors. Pass nil
// to clear.
func (m *Mock) SetErrors(anchor, consumption, charge, deviceSwitch error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchorErr = anchor
	m.consumptionErr = consumption
	m.chargeErr = charge
	m.switchErr = deviceSwitch
}

// ReadAnchor implements System.
func (m *Mock) ReadAnchor(ctx context.Context) (types.BatteryAnchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.anchorErr != nil {
		return types.BatteryAnchor{}, m.anchorErr
	}
	now := m.now()
	return types.BatteryAnchor{
		Hour:   now.Hour(),
		SOC:    m.soc,
		ReadAt: now,
	}, nil
}

// ReadConsumption implements System.
func (m *Mock) ReadConsumption(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.consumptionErr != nil {
		return 0, m.consumptionErr
	}
	return m.consumption, nil
}

// SetChargePower implements System.
func (m *Mock) SetChargePower(ctx context.Context, watts float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.chargeErr != nil {
		return m.chargeErr
	}
	m.chargeSetpoints = append(m.chargeSetpoints, watts)
	return nil
}

// SetDeviceSwitch implements System.
func (m *Mock) SetDeviceSwitch(ctx context.Context, name string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.switchErr != nil {
		return m.switchErr
	}
	if name == "" {
		return fmt.Errorf("device name required")
	}
	m.switches[name] = on
	return nil
}

// ChargeSetpoints returns a copy of all setpoints issued so far.
func (m *Mock) ChargeSetpoints() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]float64, len(m.chargeSetpoints))
	copy(out, m.chargeSetpoints)
	return out
}

// LastChargeSetpoint returns the most recent setpoint and whether one
// was issued.
func (m *Mock) LastChargeSetpoint() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.chargeSetpoints) == 0 {
		return 0, false
	}
	return m.chargeSetpoints[len(m.chargeSetpoints)-1], true
}

// SwitchState returns the current state of a device switch.
func (m *Mock) SwitchState(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.switches[name]
}
