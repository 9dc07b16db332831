package pvforecast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/voltshift/voltshift/pkg/common"
	"github.com/voltshift/voltshift/pkg/log"
	"github.com/voltshift/voltshift/pkg/types"
)

// Plane is one roof orientation.
type Plane struct {
	// Declination is the tilt angle in degrees (0-90).
	Declination int
	// Azimuth is the orientation in degrees (-180 to 180, 0 = south).
	Azimuth int
	// KWP is the peak power of the plane.
	KWP float64
}

// ForecastSolar implements the Provider interface for the forecast.solar
// API. Each plane is fetched separately and the hourly deltas are summed.
type ForecastSolar struct {
	apiURL    string
	apiKey    string
	latitude  float64
	longitude float64
	planes    []Plane
	client    *http.Client

	mu            sync.Mutex
	lastFetchTime time.Time
	cached        Forecast
}

// configuredForecastSolar sets up flags for forecast.solar and returns the instance.
func configuredForecastSolar() *ForecastSolar {
	f := &ForecastSolar{
		client: common.HTTPClient(10 * time.Second),
	}
	apiURL := lflag.String("forecastsolar-api-url", "https://api.forecast.solar", "URL for the forecast.solar API")
	apiKey := lflag.String("forecastsolar-api-key", "", "forecast.solar API key (empty uses the public tier)")
	lat := lflag.String("forecastsolar-lat", "0", "Latitude of the installation")
	lon := lflag.String("forecastsolar-lon", "0", "Longitude of the installation")
	planes := lflag.String("forecastsolar-planes", "", "Comma-separated planes as declination:azimuth:kwp (e.g. 22:45:8.96,22:-135:4.2)")

	lflag.Do(func() {
		f.apiURL = *apiURL
		f.apiKey = *apiKey
		var err error
		if f.latitude, err = strconv.ParseFloat(*lat, 64); err != nil {
			panic(fmt.Errorf("invalid -forecastsolar-lat: %w", err))
		}
		if f.longitude, err = strconv.ParseFloat(*lon, 64); err != nil {
			panic(fmt.Errorf("invalid -forecastsolar-lon: %w", err))
		}
		if f.planes, err = ParsePlanes(*planes); err != nil {
			panic(fmt.Errorf("invalid -forecastsolar-planes: %w", err))
		}
	})

	return f
}

// ParsePlanes parses the flag format declination:azimuth:kwp[,...].
func ParsePlanes(raw string) ([]Plane, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var planes []Plane
	for _, part := range strings.Split(raw, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("plane %q must be declination:azimuth:kwp", part)
		}
		decl, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("plane %q declination: %w", part, err)
		}
		az, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("plane %q azimuth: %w", part, err)
		}
		kwp, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("plane %q kwp: %w", part, err)
		}
		if decl < 0 || decl > 90 {
			return nil, fmt.Errorf("plane %q declination must be 0-90", part)
		}
		if az < -180 || az > 180 {
			return nil, fmt.Errorf("plane %q azimuth must be -180 to 180", part)
		}
		if kwp <= 0 {
			return nil, fmt.Errorf("plane %q kwp must be positive", part)
		}
		planes = append(planes, Plane{Declination: decl, Azimuth: az, KWP: kwp})
	}
	return planes, nil
}

// Validate ensures the configuration is valid.
func (f *ForecastSolar) Validate() error {
	if f.apiURL == "" {
		return fmt.Errorf("forecastsolar-api-url is required")
	}
	if _, err := url.Parse(f.apiURL); err != nil {
		return fmt.Errorf("failed to parse forecastsolar url (%s): %w", f.apiURL, err)
	}
	if len(f.planes) == 0 {
		return fmt.Errorf("forecastsolar-planes is required")
	}
	return nil
}

type forecastSolarResponse struct {
	Result map[string]float64 `json:"result"`
}

// GetHourlyForecast returns the summed hourly production forecast across all
// planes. Results are cached for 15 minutes.
func (f *ForecastSolar) GetHourlyForecast(ctx context.Context, spanHours int) (Forecast, error) {
	now := time.Now()

	f.mu.Lock()
	if !f.lastFetchTime.IsZero() && now.Sub(f.lastFetchTime) < 15*time.Minute {
		cached := f.cached
		f.mu.Unlock()
		return truncateForecast(cached, spanHours), nil
	}
	f.mu.Unlock()

	var combined Forecast
	for i, plane := range f.planes {
		hourly, err := f.fetchPlane(ctx, plane, now)
		if err != nil {
			return Forecast{}, fmt.Errorf("plane %d: %w", i+1, err)
		}
		for h, kwh := range hourly {
			combined[h] += kwh
		}
	}

	f.mu.Lock()
	f.cached = combined
	f.lastFetchTime = now
	f.mu.Unlock()

	return truncateForecast(combined, spanHours), nil
}

func truncateForecast(fc Forecast, spanHours int) Forecast {
	if spanHours >= types.PlanHours {
		return fc
	}
	for h := spanHours; h < types.PlanHours; h++ {
		fc[h] = 0
	}
	return fc
}

// fetchPlane fetches one plane's cumulative watt-hours and converts them to
// hourly deltas on the 48-hour grid. The watthours endpoint returns running
// totals per day, so each hour is the difference from the previous entry.
func (f *ForecastSolar) fetchPlane(ctx context.Context, plane Plane, now time.Time) (Forecast, error) {
	// forecast.solar wants decimal commas in path segments
	seg := func(v float64) string {
		return strings.ReplaceAll(strconv.FormatFloat(v, 'f', -1, 64), ".", ",")
	}
	path := fmt.Sprintf("/estimate/watthours/%s/%s/%d/%d/%s",
		seg(f.latitude), seg(f.longitude), plane.Declination, plane.Azimuth, seg(plane.KWP))
	if f.apiKey != "" {
		path = "/" + f.apiKey + path
	}

	req, err := http.NewRequestWithContext(ctx, "GET", f.apiURL+path, nil)
	if err != nil {
		return Forecast{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetching pv forecast",
		slog.Int("declination", plane.Declination),
		slog.Int("azimuth", plane.Azimuth),
		slog.Float64("kwp", plane.KWP),
	)

	resp, err := f.client.Do(req)
	if err != nil {
		return Forecast{}, fmt.Errorf("failed to fetch forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Forecast{}, fmt.Errorf("forecast.solar api returned status: %d", resp.StatusCode)
	}

	var data forecastSolarResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Forecast{}, fmt.Errorf("failed to decode response: %w", err)
	}

	type entry struct {
		hour int // 0-47
		kwh  float64
	}
	var today, tomorrow []entry

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for ts, wh := range data.Result {
		dt, err := time.ParseInLocation("2006-01-02 15:04:05", ts, now.Location())
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse forecast.solar timestamp", slog.String("value", ts), slog.Any("error", err))
			continue
		}
		idx := int(dt.Sub(midnight) / time.Hour)
		e := entry{hour: idx, kwh: wh / 1000}
		switch {
		case idx >= 0 && idx < 24:
			today = append(today, e)
		case idx >= 24 && idx < types.PlanHours:
			tomorrow = append(tomorrow, e)
		}
	}

	var out Forecast
	// cumulative to delta, separately per day since the counter resets at
	// midnight
	for _, day := range [][]entry{today, tomorrow} {
		sort.Slice(day, func(i, j int) bool { return day[i].hour < day[j].hour })
		prev := 0.0
		for i, e := range day {
			delta := e.kwh
			if i > 0 {
				delta = e.kwh - prev
			}
			if delta < 0 {
				delta = 0
			}
			out[e.hour] = delta
			prev = e.kwh
		}
	}
	return out, nil
}
