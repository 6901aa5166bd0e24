package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/models"
)

// assetPrefixes15m maps a configured asset name to the slug prefix used by
// 15-minute Up/Down markets ("{prefix}-updown-15m-{epoch}").
var assetPrefixes15m = map[string]string{
	"bitcoin":  "btc",
	"ethereum": "eth",
}

// assetPrefixes1h maps a configured asset name to the slug prefix used by
// hourly Up-or-Down markets. Candidate1hSlugs exists for completeness but is
// never called from DiscoverMarkets — the strategy only trades 15m windows.
var assetPrefixes1h = map[string]string{
	"bitcoin":  "bitcoin",
	"ethereum": "ethereum",
}

const windowSeconds15m = 900

var etZone = mustLoadET()

func mustLoadET() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}

// candidate15mSlugs returns candidate slugs covering the previous, current,
// and next two 15-minute windows for assetPrefix, so discovery never misses
// a market at a window boundary.
func candidate15mSlugs(assetPrefix string, now time.Time) []string {
	nowSec := now.Unix()
	start := (nowSec / windowSeconds15m) * windowSeconds15m

	var slugs []string
	for epoch := start - windowSeconds15m; epoch <= start+2*windowSeconds15m; epoch += windowSeconds15m {
		slugs = append(slugs, fmt.Sprintf("%s-updown-15m-%d", assetPrefix, epoch))
	}
	return slugs
}

// Candidate1hSlugs returns candidate slugs for the current hour window plus
// the two preceding and one following it, matching the hourly Up-or-Down
// slug format "{asset}-up-or-down-{month}-{day}-{hour}{am/pm}-et".
func Candidate1hSlugs(assetPrefix string, now time.Time) []string {
	hourStart := now.In(etZone).Truncate(time.Hour)

	var slugs []string
	for _, deltaH := range []int{-2, -1, 0, 1} {
		candidate := hourStart.Add(time.Duration(deltaH) * time.Hour)
		month := strings.ToLower(candidate.Month().String())
		day := candidate.Day()
		hour24 := candidate.Hour()
		hour12 := hour24 % 12
		if hour12 == 0 {
			hour12 = 12
		}
		ampm := "am"
		if hour24 >= 12 {
			ampm = "pm"
		}
		slugs = append(slugs, fmt.Sprintf("%s-up-or-down-%s-%d-%d%s-et", assetPrefix, month, day, hour12, ampm))
	}
	return slugs
}

// gammaEvent is the JSON shape of one Gamma /events response entry.
type gammaEvent struct {
	Slug    string             `json:"slug"`
	Closed  bool               `json:"closed"`
	EndDate string             `json:"endDate"`
	Markets []gammaEventMarket `json:"markets"`
}

type gammaEventMarket struct {
	ConditionID  string `json:"conditionId"`
	ClobTokenIds string `json:"clobTokenIds"`
	Outcomes     string `json:"outcomes"`
	NegRisk      bool   `json:"negRisk"`
}

// Discoverer enumerates candidate Up/Down market slugs per configured asset
// and resolves each one against the Gamma API. Grounded on market_data.py's
// discover_markets/_fetch_market_by_slug.
type Discoverer struct {
	http   *resty.Client
	assets []string
	logger *slog.Logger
}

// NewDiscoverer builds a Discoverer pointed at the configured Gamma base URL.
func NewDiscoverer(cfg config.Config, logger *slog.Logger) *Discoverer {
	client := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Discoverer{
		http:   client,
		assets: cfg.Strategy.Assets,
		logger: logger.With("component", "discovery"),
	}
}

// DiscoverMarkets enumerates every candidate 15m Up/Down slug for the
// configured assets and resolves the ones that are live, active, and still
// ahead of their resolution time.
func (d *Discoverer) DiscoverMarkets(ctx context.Context) []models.Market {
	now := time.Now()
	seen := make(map[string]bool)
	var found []models.Market

	for _, asset := range d.assets {
		prefix, ok := assetPrefixes15m[strings.ToLower(asset)]
		if !ok {
			continue
		}
		for _, slug := range candidate15mSlugs(prefix, now) {
			if seen[slug] {
				continue
			}
			seen[slug] = true

			m, err := d.fetchMarketBySlug(ctx, slug)
			if err != nil {
				d.logger.Debug("market fetch failed", "slug", slug, "error", err)
				continue
			}
			if m == nil || !m.EndTime.After(now) {
				continue
			}
			found = append(found, *m)
		}
	}

	if len(found) > 0 {
		d.logger.Info("discovered markets", "count", len(found))
	}
	return found
}

func (d *Discoverer) fetchMarketBySlug(ctx context.Context, slug string) (*models.Market, error) {
	var events []gammaEvent
	resp, err := d.http.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&events).
		Get("/events")
	if err != nil {
		return nil, fmt.Errorf("fetch event %s: %w", slug, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch event %s: status %d", slug, resp.StatusCode())
	}
	if len(events) == 0 {
		return nil, nil
	}

	event := events[0]
	if event.Closed {
		return nil, nil
	}

	eventSlug := event.Slug
	if eventSlug == "" {
		eventSlug = slug
	}

	var marketType string
	switch {
	case strings.Contains(eventSlug, "updown-15m"):
		marketType = "updown-15m"
	case strings.Contains(eventSlug, "up-or-down"):
		marketType = "up-or-down"
	default:
		return nil, nil
	}

	endTime, ok := parseEndTime(event, eventSlug, marketType)
	if !ok {
		return nil, nil
	}

	if len(event.Markets) == 0 {
		return nil, nil
	}
	first := event.Markets[0]

	tokenIDs := parseJSONStringArray(first.ClobTokenIds)
	outcomes := parseJSONStringArray(first.Outcomes)

	var upToken, downToken string
	for i, outcome := range outcomes {
		if i >= len(tokenIDs) || tokenIDs[i] == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(outcome)) {
		case "up":
			upToken = tokenIDs[i]
		case "down":
			downToken = tokenIDs[i]
		}
	}
	if upToken == "" || downToken == "" {
		return nil, nil
	}

	return &models.Market{
		Slug:        eventSlug,
		UpTokenID:   upToken,
		DownTokenID: downToken,
		EndTime:     endTime,
		MarketType:  marketType,
		ConditionID: first.ConditionID,
		NegRisk:     first.NegRisk,
	}, nil
}

// parseEndTime prefers the event's endDate field, falling back to decoding
// the epoch embedded in a 15m slug (slug epoch + 900s) when endDate is
// missing or unparseable.
func parseEndTime(event gammaEvent, slug, marketType string) (time.Time, bool) {
	if event.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, event.EndDate); err == nil {
			return t, true
		}
	}

	if marketType == "updown-15m" {
		parts := strings.Split(slug, "-")
		if len(parts) >= 4 {
			if epoch, err := strconv.ParseInt(parts[len(parts)-1], 10, 64); err == nil {
				return time.Unix(epoch+windowSeconds15m, 0), true
			}
		}
	}
	return time.Time{}, false
}

func parseJSONStringArray(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
