package pvforecast

import (
	"context"
	"fmt"
	"sync"

	"github.com/voltshift/voltshift/pkg/types"
)

// Forecast is expected PV production in kWh per plan hour, summed across all
// configured collector planes. Hours with no forecast data are zero.
type Forecast [types.PlanHours]float64

// Provider defines the interface for fetching solar production forecasts.
type Provider interface {
	// GetHourlyForecast returns expected production for the next spanHours
	// plan hours (24 for today only, 48 to include tomorrow).
	GetHourlyForecast(ctx context.Context, spanHours int) (Forecast, error)
}

// Configured sets up the PV forecast providers based on flags.
func Configured() *Map {
	m := NewMap()
	m.SetProvider("forecastsolar", configuredForecastSolar())
	m.SetProvider("none", None{})
	return m
}

// Map manages multiple PV forecast providers.
type Map struct {
	mu        sync.Mutex
	providers map[string]Provider
}

// NewMap creates a new PV forecast provider Map.
func NewMap() *Map {
	return &Map{
		providers: make(map[string]Provider),
	}
}

// Provider returns the provider for the given name.
func (m *Map) Provider(name string) (Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prov, ok := m.providers[name]; ok {
		return prov, nil
	}
	return nil, fmt.Errorf("unknown pv forecast provider: %s", name)
}

// SetProvider sets the provider for the given name. This is primarily used for testing.
func (m *Map) SetProvider(name string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = provider
}

// None is a provider for homes without solar. It always forecasts zero.
type None struct{}

func (None) GetHourlyForecast(ctx context.Context, spanHours int) (Forecast, error) {
	return Forecast{}, nil
}
