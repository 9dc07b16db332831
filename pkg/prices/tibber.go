package prices

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/voltshift/voltshift/pkg/common"
	"github.com/voltshift/voltshift/pkg/log"
)

// Tibber implements the Provider interface for the Tibber GraphQL API.
// It retrieves today's and (once published, typically early afternoon)
// tomorrow's hourly spot prices.
type Tibber struct {
	apiURL string
	token  string
	homeID string
	client *http.Client

	mu            sync.Mutex
	lastFetchTime time.Time
	cachedToday   []Quote
	cachedTomorow []Quote
}

// configuredTibber sets up flags for Tibber and returns the instance.
// It uses lflag to register command-line flags for configuration.
func configuredTibber() *Tibber {
	t := &Tibber{
		client: common.HTTPClient(10 * time.Second),
	}
	apiURL := lflag.String("tibber-api-url", "https://api.tibber.com/v1-beta/gql", "URL for the Tibber GraphQL API")
	token := lflag.String("tibber-token", "", "Tibber API access token")
	homeID := lflag.String("tibber-home-id", "", "Tibber home ID (optional, defaults to the first home)")

	lflag.Do(func() {
		t.apiURL = *apiURL
		t.token = *token
		t.homeID = *homeID
	})

	return t
}

// Validate ensures the configuration is valid.
func (t *Tibber) Validate() error {
	if t.apiURL == "" {
		return fmt.Errorf("tibber-api-url is required")
	}
	if _, err := url.Parse(t.apiURL); err != nil {
		return fmt.Errorf("failed to parse tibber url (%s): %w", t.apiURL, err)
	}
	if t.token == "" {
		return fmt.Errorf("tibber-token is required")
	}
	return nil
}

const tibberPriceQuery = `{
  viewer {
    home(id: %q) {
      currentSubscription {
        priceInfo {
          today { total startsAt }
          tomorrow { total startsAt }
        }
      }
    }
  }
}`

const tibberFirstHomeQuery = `{
  viewer {
    homes {
      currentSubscription {
        priceInfo {
          today { total startsAt }
          tomorrow { total startsAt }
        }
      }
    }
  }
}`

type tibberQuote struct {
	Total    float64 `json:"total"`
	StartsAt string  `json:"startsAt"`
}

type tibberPriceInfo struct {
	Today    []tibberQuote `json:"today"`
	Tomorrow []tibberQuote `json:"tomorrow"`
}

type tibberResponse struct {
	Data struct {
		Viewer struct {
			Home *struct {
				CurrentSubscription *struct {
					PriceInfo tibberPriceInfo `json:"priceInfo"`
				} `json:"currentSubscription"`
			} `json:"home"`
			Homes []struct {
				CurrentSubscription *struct {
					PriceInfo tibberPriceInfo `json:"priceInfo"`
				} `json:"currentSubscription"`
			} `json:"homes"`
		} `json:"viewer"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// GetPrices returns today's and tomorrow's hourly quotes.
// It caches the result for 5 minutes since the control loop replans far more
// often than Tibber republishes.
func (t *Tibber) GetPrices(ctx context.Context) ([]Quote, []Quote, error) {
	now := time.Now()

	t.mu.Lock()
	if !t.lastFetchTime.IsZero() && !now.Truncate(5*time.Minute).After(t.lastFetchTime) {
		today, tomorrow := t.cachedToday, t.cachedTomorow
		t.mu.Unlock()
		return today, tomorrow, nil
	}
	t.mu.Unlock()

	info, err := t.fetchPriceInfo(ctx)
	if err != nil {
		return nil, nil, err
	}

	today := parseQuotes(ctx, info.Today)
	tomorrow := parseQuotes(ctx, info.Tomorrow)

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched tibber prices",
		slog.Int("today", len(today)),
		slog.Int("tomorrow", len(tomorrow)),
	)

	t.mu.Lock()
	t.cachedToday = today
	t.cachedTomorow = tomorrow
	t.lastFetchTime = now
	t.mu.Unlock()

	return today, tomorrow, nil
}

func (t *Tibber) fetchPriceInfo(ctx context.Context) (tibberPriceInfo, error) {
	query := tibberFirstHomeQuery
	if t.homeID != "" {
		query = fmt.Sprintf(tibberPriceQuery, t.homeID)
	}

	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return tibberPriceInfo{}, fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.apiURL, bytes.NewReader(body))
	if err != nil {
		return tibberPriceInfo{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Content-Type", "application/json")
	log.Ctx(ctx).DebugContext(ctx, "fetching prices from tibber", "url", t.apiURL)

	resp, err := t.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch prices", "error", err)
		return tibberPriceInfo{}, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tibberPriceInfo{}, fmt.Errorf("tibber api returned status: %d", resp.StatusCode)
	}

	var res tibberResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode tibber response", slog.Any("error", err))
		return tibberPriceInfo{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(res.Errors) > 0 {
		return tibberPriceInfo{}, fmt.Errorf("tibber api error: %s", res.Errors[0].Message)
	}

	v := res.Data.Viewer
	if v.Home != nil && v.Home.CurrentSubscription != nil {
		return v.Home.CurrentSubscription.PriceInfo, nil
	}
	for _, h := range v.Homes {
		if h.CurrentSubscription != nil {
			return h.CurrentSubscription.PriceInfo, nil
		}
	}
	return tibberPriceInfo{}, fmt.Errorf("no home with an active subscription")
}

func parseQuotes(ctx context.Context, raw []tibberQuote) []Quote {
	quotes := make([]Quote, 0, len(raw))
	for _, q := range raw {
		ts, err := time.Parse(time.RFC3339, q.StartsAt)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse tibber startsAt", slog.String("value", q.StartsAt), slog.Any("error", err))
			continue
		}
		quotes = append(quotes, Quote{
			StartsAt: ts,
			Total:    q.Total,
		})
	}
	return quotes
}
