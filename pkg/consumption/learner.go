package consumption

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voltshift/voltshift/pkg/log"
	"github.com/voltshift/voltshift/pkg/storage"
	"github.com/voltshift/voltshift/pkg/types"
)

// fallbackConstantKWH is the last-resort hourly estimate when neither a
// hourly fallback nor a daily average is configured.
const fallbackConstantKWH = 1.0

// maxPlausibleHourKWH rejects readings that cannot be real household
// consumption for a single hour. Readings above it indicate a misconfigured
// sensor, not a busy day.
const maxPlausibleHourKWH = 100

// Learner owns the consumption sample store. It is the only writer to it.
type Learner struct {
	db storage.Database
}

func NewLearner(db storage.Database) *Learner {
	return &Learner{db: db}
}

// Normalize converts a raw sensor reading to kWh. Sensors reporting
// instantaneous power in watts produce values far above any hourly energy
// reading, so anything over the threshold is treated as watts.
func Normalize(raw float64, settings types.Settings) float64 {
	if raw > settings.PowerEnergyThreshold {
		return raw / 1000
	}
	return raw
}

// Record upserts the non-manual sample for the hour containing ts,
// overwriting any prior value for that slot. Negative readings are dropped;
// implausibly large ones are an error since they indicate misconfiguration.
func (l *Learner) Record(ctx context.Context, settings types.Settings, ts time.Time, raw float64) error {
	kwh := Normalize(raw, settings)
	if kwh < 0 {
		log.Ctx(ctx).WarnContext(ctx, "dropping negative consumption reading", slog.Float64("kwh", kwh))
		return nil
	}
	if kwh > maxPlausibleHourKWH {
		return fmt.Errorf("consumption reading %.1f kWh exceeds %d kWh, sensor is likely misconfigured", kwh, maxPlausibleHourKWH)
	}

	hour := ts.Truncate(time.Hour)
	return l.db.UpsertConsumptionSample(ctx, types.ConsumptionSample{
		Date:       hour.Format("2006-01-02"),
		Hour:       hour.Hour(),
		KWH:        kwh,
		Manual:     false,
		RecordedAt: ts,
	})
}

// Purge removes samples older than the learning window.
func (l *Learner) Purge(ctx context.Context, settings types.Settings, now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -settings.LearningDays)
	return l.db.PurgeConsumptionSamples(ctx, cutoff)
}

// AddManualProfile seeds the learning window with a synthetic baseline of
// hourly values. Slots that already hold a learned sample are left alone so
// real data is never overwritten by the baseline.
func (l *Learner) AddManualProfile(ctx context.Context, settings types.Settings, profile [24]float64, now time.Time) error {
	cutoff := now.AddDate(0, 0, -settings.LearningDays)
	existing, err := l.db.GetConsumptionSamples(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to load existing samples: %w", err)
	}
	learned := make(map[string]bool, len(existing))
	for _, s := range existing {
		if !s.Manual {
			learned[fmt.Sprintf("%s-%02d", s.Date, s.Hour)] = true
		}
	}

	seeded := 0
	for day := 1; day <= settings.LearningDays; day++ {
		date := now.AddDate(0, 0, -day).Format("2006-01-02")
		for hour := 0; hour < 24; hour++ {
			if learned[fmt.Sprintf("%s-%02d", date, hour)] {
				continue
			}
			err := l.db.UpsertConsumptionSample(ctx, types.ConsumptionSample{
				Date:       date,
				Hour:       hour,
				KWH:        profile[hour],
				Manual:     true,
				RecordedAt: now,
			})
			if err != nil {
				return fmt.Errorf("failed to seed %s hour %d: %w", date, hour, err)
			}
			seeded++
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "seeded manual consumption baseline", slog.Int("samples", seeded))
	return nil
}

// ImportDay ingests one historical day of hourly readings. The day is
// accepted only when enough hours are populated; missing hours of an
// accepted day are filled with that day's own average. Days below the
// minimum are skipped entirely, never partially ingested.
func (l *Learner) ImportDay(ctx context.Context, settings types.Settings, date string, hours map[int]float64) (bool, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return false, fmt.Errorf("invalid date %q: %w", date, err)
	}

	normalized := make(map[int]float64, len(hours))
	sum := 0.0
	for h, raw := range hours {
		if h < 0 || h > 23 {
			return false, fmt.Errorf("hour %d out of range for %s", h, date)
		}
		kwh := Normalize(raw, settings)
		if kwh < 0 {
			continue
		}
		if kwh > maxPlausibleHourKWH {
			return false, fmt.Errorf("value %.1f kWh at %s hour %d exceeds %d kWh", kwh, date, h, maxPlausibleHourKWH)
		}
		normalized[h] = kwh
		sum += kwh
	}

	if len(normalized) < settings.MinLearnHoursPerDay {
		log.Ctx(ctx).DebugContext(
			ctx,
			"skipping day with too few populated hours",
			slog.String("date", date),
			slog.Int("populated", len(normalized)),
			slog.Int("required", settings.MinLearnHoursPerDay),
		)
		return false, nil
	}

	dayAvg := sum / float64(len(normalized))
	now := time.Now()
	for hour := 0; hour < 24; hour++ {
		kwh, ok := normalized[hour]
		if !ok {
			kwh = dayAvg
		}
		err := l.db.UpsertConsumptionSample(ctx, types.ConsumptionSample{
			Date:       date,
			Hour:       hour,
			KWH:        kwh,
			Manual:     false,
			RecordedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("failed to store %s hour %d: %w", date, hour, err)
		}
	}
	return true, nil
}

// Profile is the derived weekday-by-hour average consumption with an
// explicit fallback chain for empty buckets.
type Profile struct {
	sums   [7][24]float64
	counts [7][24]int
	// fallbacks is ordered by priority; the head is what empty buckets get.
	fallbacks []float64
}

// BuildProfile loads all samples inside the learning window and averages
// them per (weekday, hour) bucket.
func (l *Learner) BuildProfile(ctx context.Context, settings types.Settings, now time.Time) (*Profile, error) {
	cutoff := now.AddDate(0, 0, -settings.LearningDays)
	samples, err := l.db.GetConsumptionSamples(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to load consumption samples: %w", err)
	}

	p := &Profile{fallbacks: fallbackChain(settings)}
	for _, s := range samples {
		if s.Hour < 0 || s.Hour > 23 {
			continue
		}
		wd := s.Weekday()
		p.sums[wd][s.Hour] += s.KWH
		p.counts[wd][s.Hour]++
	}

	log.Ctx(ctx).DebugContext(ctx, "built consumption profile", slog.Int("samples", len(samples)))
	return p, nil
}

// fallbackChain returns the ordered fallbacks for buckets with no samples:
// the configured hourly value, then the configured daily average spread over
// 24 hours, then a fixed constant.
func fallbackChain(settings types.Settings) []float64 {
	var chain []float64
	if settings.HourlyFallbackKWH > 0 {
		chain = append(chain, settings.HourlyFallbackKWH)
	}
	if settings.DailyAverageKWH > 0 {
		chain = append(chain, settings.DailyAverageKWH/24)
	}
	return append(chain, fallbackConstantKWH)
}

// Average returns the mean consumption for the bucket, or the first
// applicable fallback when the bucket has no samples.
func (p *Profile) Average(weekday time.Weekday, hour int) float64 {
	if hour < 0 || hour > 23 {
		return fallbackConstantKWH
	}
	if n := p.counts[weekday][hour]; n > 0 {
		return p.sums[weekday][hour] / float64(n)
	}
	return p.fallbacks[0]
}

// SampleCount returns how many samples back the bucket's average.
func (p *Profile) SampleCount(weekday time.Weekday, hour int) int {
	if hour < 0 || hour > 23 {
		return 0
	}
	return p.counts[weekday][hour]
}

// Forecast maps the profile onto the 48-hour plan grid starting at today's
// midnight.
func (p *Profile) Forecast(now time.Time) [types.PlanHours]float64 {
	var out [types.PlanHours]float64
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for h := 0; h < types.PlanHours; h++ {
		t := midnight.Add(time.Duration(h) * time.Hour)
		out[h] = p.Average(t.Weekday(), t.Hour())
	}
	return out
}
