package prices

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// flatSeries returns a fully-known series at the given price.
func flatSeries(price float64) Series {
	var today, tomorrow []Quote
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for h := 0; h < 24; h++ {
		today = append(today, Quote{StartsAt: base.Add(time.Duration(h) * time.Hour), Total: price})
		tomorrow = append(tomorrow, Quote{StartsAt: base.Add(time.Duration(24+h) * time.Hour), Total: price})
	}
	return BuildSeries(base, today, tomorrow)
}

func TestAnalyzerRiseAt(t *testing.T) {
	a := Analyzer{Threshold1H: 0.08, Threshold3H: 0.08}

	t.Run("flat prices have no rise points", func(t *testing.T) {
		s := flatSeries(0.25)
		assert.Empty(t, a.RisePoints(s, 1))
	})

	t.Run("step above both thresholds is a rise point", func(t *testing.T) {
		s := flatSeries(0.20)
		// step from 0.20 to 0.40 at hour 10
		for h := 10; h < 48; h++ {
			s[h].Price = 0.40
		}
		assert.True(t, a.RiseAt(s, 10))
		// the hours after the step are flat again
		assert.False(t, a.RiseAt(s, 11))
		assert.Equal(t, []int{10}, a.RisePoints(s, 1))
	})

	t.Run("rise below 1h threshold is not a rise point", func(t *testing.T) {
		s := flatSeries(0.20)
		for h := 10; h < 48; h++ {
			s[h].Price = 0.21 // 5% < 8%
		}
		assert.False(t, a.RiseAt(s, 10))
	})

	t.Run("exactly at 1h threshold is not a rise point", func(t *testing.T) {
		s := flatSeries(0.20)
		for h := 10; h < 48; h++ {
			s[h].Price = 0.20 * 1.08
		}
		assert.False(t, a.RiseAt(s, 10), "strict inequality required")
	})

	t.Run("unknown future prices never classify a rise", func(t *testing.T) {
		s := flatSeries(0.20)
		for h := 10; h < 48; h++ {
			s[h].Known = false
		}
		assert.False(t, a.RiseAt(s, 10))
		assert.Empty(t, a.RisePoints(s, 1))
	})

	t.Run("1h passes but 3h fails", func(t *testing.T) {
		// Single expensive hour surrounded by cheap ones: the hour-over-hour
		// jump is big but the upcoming 3-hour block is barely above trailing.
		s := flatSeries(0.20)
		s[10].Price = 0.24
		assert.False(t, a.RiseAt(s, 10))
	})

	t.Run("multiple peaks are all preserved in order", func(t *testing.T) {
		s := flatSeries(0.10)
		for h := 8; h < 12; h++ {
			s[h].Price = 0.50
		}
		for h := 18; h < 22; h++ {
			s[h].Price = 0.50
		}
		points := a.RisePoints(s, 1)
		assert.Contains(t, points, 8)
		assert.Contains(t, points, 18)
		assert.IsIncreasing(t, points)
	})

	t.Run("hour zero is never a rise point", func(t *testing.T) {
		s := flatSeries(0.20)
		assert.False(t, a.RiseAt(s, 0))
	})
}

func TestBuildSeries(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 3, 2, 14, 30, 0, 0, loc)
	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, loc)

	t.Run("maps today and tomorrow onto the grid", func(t *testing.T) {
		today := []Quote{
			{StartsAt: midnight.Add(5 * time.Hour), Total: 0.11},
		}
		tomorrow := []Quote{
			{StartsAt: midnight.Add(29 * time.Hour), Total: 0.22},
		}
		s := BuildSeries(now, today, tomorrow)
		assert.True(t, s[5].Known)
		assert.Equal(t, 0.11, s[5].Price)
		assert.True(t, s[29].Known)
		assert.Equal(t, 0.22, s[29].Price)
		assert.Equal(t, 1, s.KnownToday())
		assert.Equal(t, 1, s.KnownTomorrow())
		assert.False(t, s[6].Known)
	})

	t.Run("later quote for the same hour wins", func(t *testing.T) {
		today := []Quote{
			{StartsAt: midnight.Add(5 * time.Hour), Total: 0.11},
			{StartsAt: midnight.Add(5 * time.Hour), Total: 0.33},
		}
		s := BuildSeries(now, today, nil)
		assert.Equal(t, 0.33, s[5].Price)
	})

	t.Run("quotes outside the horizon are dropped", func(t *testing.T) {
		today := []Quote{
			{StartsAt: midnight.Add(-1 * time.Hour), Total: 0.11},
			{StartsAt: midnight.Add(48 * time.Hour), Total: 0.11},
		}
		s := BuildSeries(now, today, nil)
		assert.Equal(t, 0, s.KnownToday())
		assert.Equal(t, 0, s.KnownTomorrow())
	})

	t.Run("hour indexes are always populated", func(t *testing.T) {
		s := BuildSeries(now, nil, nil)
		for i, slot := range s {
			assert.Equal(t, i, slot.HourIndex)
			assert.False(t, slot.Known)
		}
	})
}
