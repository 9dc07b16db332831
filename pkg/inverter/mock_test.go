package inverter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockReadAnchor(t *testing.T) {
	ctx := context.Background()
	m := NewMock()
	m.SetSOC(72.5)
	m.SetNow(func() time.Time {
		return time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	})

	a, err := m.ReadAnchor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 14, a.Hour)
	assert.Equal(t, 72.5, a.SOC)
	assert.Equal(t, 30, a.ReadAt.Minute())
}

func TestMockReadConsumption(t *testing.T) {
	ctx := context.Background()
	m := NewMock()
	m.SetConsumption(850)

	v, err := m.ReadConsumption(ctx)
	require.NoError(t, err)
	assert.Equal(t, 850.0, v)
}

func TestMockSetChargePower(t *testing.T) {
	ctx := context.Background()
	m := NewMock()

	require.NoError(t, m.SetChargePower(ctx, -3900))
	require.NoError(t, m.SetChargePower(ctx, 0))

	pts := m.ChargeSetpoints()
	require.Len(t, pts, 2)
	assert.Equal(t, -3900.0, pts[0])
	assert.Equal(t, 0.0, pts[1])

	last, ok := m.LastChargeSetpoint()
	require.True(t, ok)
	assert.Equal(t, 0.0, last)
}

func TestMockSetDeviceSwitch(t *testing.T) {
	ctx := context.Background()
	m := NewMock()

	require.NoError(t, m.SetDeviceSwitch(ctx, "dishwasher", true))
	assert.True(t, m.SwitchState("dishwasher"))

	require.NoError(t, m.SetDeviceSwitch(ctx, "dishwasher", false))
	assert.False(t, m.SwitchState("dishwasher"))

	assert.Error(t, m.SetDeviceSwitch(ctx, "", true))
}

func TestMockErrors(t *testing.T) {
	ctx := context.Background()
	m := NewMock()
	boom := errors.New("boom")
	m.SetErrors(boom, boom, boom, boom)

	_, err := m.ReadAnchor(ctx)
	assert.ErrorIs(t, err, boom)
	_, err = m.ReadConsumption(ctx)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, m.SetChargePower(ctx, -100), boom)
	assert.ErrorIs(t, m.SetDeviceSwitch(ctx, "x", true), boom)
}

func TestMapSystem(t *testing.T) {
	m := Configured()

	sys, err := m.System("mock")
	require.NoError(t, err)
	assert.NotNil(t, sys)

	_, err = m.System("franklin")
	assert.Error(t, err)
}
