package inverter

import (
	"context"
	"fmt"
	"sync"

	"github.com/voltshift/voltshift/pkg/types"
)

// System defines the interface for the battery inverter and the switched
// household devices. The real protocol behind it is out of scope; the
// engine only needs these four operations.
type System interface {
	// ReadAnchor returns the current battery state of charge.
	ReadAnchor(ctx context.Context) (types.BatteryAnchor, error)

	// ReadConsumption returns the current home consumption reading.
	// Depending on the sensor this is either watts or kWh; consumers
	// normalize it.
	ReadConsumption(ctx context.Context) (float64, error)

	// SetChargePower sets the battery setpoint. Negative watts charge,
	// positive discharge, zero hands control back to the inverter's own
	// automatic mode.
	SetChargePower(ctx context.Context, watts float64) error

	// SetDeviceSwitch turns a controlled device on or off.
	SetDeviceSwitch(ctx context.Context, name string, on bool) error
}

// Configured sets up the inverter providers based on flags.
func Configured() *Map {
	m := NewMap()
	m.SetSystem("mock", NewMock())
	return m
}

// Map manages multiple inverter systems.
type Map struct {
	mu      sync.Mutex
	systems map[string]System
}

// NewMap creates a new inverter Map.
func NewMap() *Map {
	return &Map{
		systems: make(map[string]System),
	}
}

// System returns the system for the given name.
func (m *Map) System(name string) (System, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sys, ok := m.systems[name]; ok {
		return sys, nil
	}
	return nil, fmt.Errorf("unknown inverter system: %s", name)
}

// SetSystem sets the system for the given name. This is primarily used for testing.
func (m *Map) SetSystem(name string, sys System) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systems[name] = sys
}
