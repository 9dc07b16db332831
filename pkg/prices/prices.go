package prices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voltshift/voltshift/pkg/types"
)

// Quote is one hour of spot-market pricing as returned by a provider.
type Quote struct {
	StartsAt time.Time `json:"startsAt"`
	// Total is the all-in price per kWh, may be negative.
	Total float64 `json:"total"`
}

// Provider defines the interface for fetching spot prices.
type Provider interface {
	// GetPrices returns hourly quotes for today and tomorrow in local time.
	// Tomorrow is empty (with a nil error) before the market publishes it;
	// callers must treat "not yet published" and "fetch failed" differently.
	GetPrices(ctx context.Context) (today, tomorrow []Quote, err error)
}

// Configured sets up the price providers based on flags.
func Configured() *Map {
	m := NewMap()
	m.SetProvider("tibber", configuredTibber())
	return m
}

// Map manages multiple price providers.
type Map struct {
	mu        sync.Mutex
	providers map[string]Provider
}

// NewMap creates a new price provider Map.
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
	return nil, fmt.Errorf("unknown price provider: %s", name)
}

// SetProvider sets the provider for the given name. This is primarily used for testing.
func (m *Map) SetProvider(name string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = provider
}

// Series is the normalized 48-hour price series. Index 0-23 is today,
// 24-47 is tomorrow, counted from today's local midnight.
type Series [types.PlanHours]types.PriceSlot

// BuildSeries maps provider quotes onto the 48-hour grid. Quotes outside the
// grid are dropped; a later quote for the same hour overwrites an earlier
// one. Hours with no quote stay Known=false.
func BuildSeries(now time.Time, today, tomorrow []Quote) Series {
	var s Series
	for i := range s {
		s[i].HourIndex = i
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	place := func(q Quote) {
		idx := int(q.StartsAt.In(now.Location()).Sub(midnight) / time.Hour)
		if idx < 0 || idx >= types.PlanHours {
			return
		}
		s[idx].Price = q.Total
		s[idx].Known = true
	}
	for _, q := range today {
		place(q)
	}
	for _, q := range tomorrow {
		place(q)
	}
	return s
}

// KnownToday returns how many of hours 0-23 have a known price.
func (s Series) KnownToday() int {
	n := 0
	for i := 0; i < 24; i++ {
		if s[i].Known {
			n++
		}
	}
	return n
}

// KnownTomorrow returns how many of hours 24-47 have a known price.
func (s Series) KnownTomorrow() int {
	n := 0
	for i := 24; i < types.PlanHours; i++ {
		if s[i].Known {
			n++
		}
	}
	return n
}
