package prices

import "github.com/voltshift/voltshift/pkg/types"

// Analyzer detects rising-price inflection points in a Series. A rise point
// marks the end of a cheap window; the spans between consecutive rise points
// are the candidate charging opportunities.
type Analyzer struct {
	// Threshold1H is the minimum fractional hour-over-hour increase
	// (0.08 = 8%).
	Threshold1H float64
	// Threshold3H is the minimum fractional increase of the upcoming 3-hour
	// block over the trailing 3-hour block.
	Threshold3H float64
}

// RiseAt reports whether hour h is a rise point. The 1h test compares h
// against h-1; the 3h test compares the block [h, h+3) against [h-3, h).
// Each test only participates when all of its prices are known; if neither
// is evaluable, or no known price exists at h, the hour is not a rise point.
// Missing data never triggers action.
func (a Analyzer) RiseAt(s Series, h int) bool {
	if h < 1 || h >= types.PlanHours || !s[h].Known {
		return false
	}

	evaluated := false

	if s[h-1].Known {
		if s[h].Price <= s[h-1].Price*(1+a.Threshold1H) {
			return false
		}
		evaluated = true
	}

	if h >= 3 && h+3 <= types.PlanHours {
		trailing, upcoming := 0.0, 0.0
		complete := true
		for i := h - 3; i < h; i++ {
			if !s[i].Known {
				complete = false
				break
			}
			trailing += s[i].Price
		}
		if complete {
			for i := h; i < h+3; i++ {
				if !s[i].Known {
					complete = false
					break
				}
				upcoming += s[i].Price
			}
		}
		if complete {
			if trailing >= upcoming*(1-a.Threshold3H) {
				return false
			}
			evaluated = true
		}
	}

	return evaluated
}

// RisePoints returns all rise points in [from, 48) in ascending order.
func (a Analyzer) RisePoints(s Series, from int) []int {
	if from < 1 {
		from = 1
	}
	var points []int
	for h := from; h < types.PlanHours; h++ {
		if a.RiseAt(s, h) {
			points = append(points, h)
		}
	}
	return points
}
