package main

import (
	"context"
	"encoding/csv"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/voltshift/voltshift/pkg/consumption"
	"github.com/voltshift/voltshift/pkg/log"
	"github.com/voltshift/voltshift/pkg/storage"
	"github.com/voltshift/voltshift/pkg/types"
)

// baselineShape is a typical household day, normalized so it sums to 1.
// Seeding scales it by the configured daily kWh.
var baselineShape = [24]float64{
	0.025, 0.020, 0.020, 0.020, 0.020, 0.025, // night
	0.045, 0.060, 0.055, 0.040, 0.035, 0.040, // morning
	0.045, 0.040, 0.035, 0.035, 0.045, 0.060, // afternoon
	0.075, 0.080, 0.070, 0.055, 0.040, 0.035, // evening
}

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	dailyKWH := lflag.String("seed-daily-kwh", "24", "Total daily consumption in kWh used for the baseline profile")
	csvPath := lflag.String("seed-csv", "", "Optional CSV of historical consumption (date,hour,kwh) to import")
	lflag.Configure()

	ctx := context.Background()
	log.Ctx(ctx).InfoContext(ctx, "seeding consumption baseline")

	settings, version, err := s.GetSettings(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", "error", err)
		os.Exit(1)
	}
	settings, changed, err := types.MigrateSettings(settings, version)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to migrate settings", "error", err)
		os.Exit(1)
	}
	if changed {
		if err := s.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to persist settings", "error", err)
			os.Exit(1)
		}
		log.Ctx(ctx).InfoContext(ctx, "wrote default settings")
	}

	daily, err := strconv.ParseFloat(*dailyKWH, 64)
	if err != nil || daily <= 0 {
		log.Ctx(ctx).ErrorContext(ctx, "invalid seed-daily-kwh", slog.String("value", *dailyKWH))
		os.Exit(1)
	}

	learner := consumption.NewLearner(s)
	now := time.Now()

	if *csvPath != "" {
		imported, skipped, err := importCSV(ctx, learner, settings, *csvPath)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "csv import failed", "error", err)
			os.Exit(1)
		}
		log.Ctx(ctx).InfoContext(ctx, "imported historical consumption",
			slog.Int("days", imported),
			slog.Int("skippedDays", skipped),
		)
	}

	var profile [24]float64
	for h := range profile {
		profile[h] = baselineShape[h] * daily
	}
	if err := learner.AddManualProfile(ctx, settings, profile, now); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed baseline profile", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "seeded baseline profile", slog.Float64("dailyKWH", daily))

	if err := s.Close(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
	}
}

// importCSV reads rows of date,hour,kwh, groups them by day, and hands each
// day to the learner. Days with too few hours are skipped by the learner.
func importCSV(ctx context.Context, learner *consumption.Learner, settings types.Settings, path string) (imported, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return 0, 0, err
	}

	days := make(map[string]map[int]float64)
	order := []string{}
	for i, row := range rows {
		if len(row) != 3 {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed csv row", slog.Int("row", i+1))
			continue
		}
		date := row[0]
		if _, err := time.Parse("2006-01-02", date); err != nil {
			if i == 0 {
				continue // header row
			}
			log.Ctx(ctx).WarnContext(ctx, "skipping row with bad date", slog.Int("row", i+1), slog.String("date", date))
			continue
		}
		hour, err := strconv.Atoi(row[1])
		if err != nil || hour < 0 || hour > 23 {
			log.Ctx(ctx).WarnContext(ctx, "skipping row with bad hour", slog.Int("row", i+1))
			continue
		}
		kwh, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping row with bad kwh", slog.Int("row", i+1))
			continue
		}
		if days[date] == nil {
			days[date] = make(map[int]float64)
			order = append(order, date)
		}
		days[date][hour] = kwh
	}

	for _, date := range order {
		ok, err := learner.ImportDay(ctx, settings, date, days[date])
		if err != nil {
			return imported, skipped, err
		}
		if ok {
			imported++
		} else {
			skipped++
		}
	}
	return imported, skipped, nil
}
