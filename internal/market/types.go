// Package market holds the expensive, rate-limited computations the compute
// cache wraps: quote snapshots, headline news, daily screening runs, and the
// AI-generated daily briefing. Vendor specifics stay behind thin HTTP
// clients; everything here is expected to be called through the cache, never
// directly from a request handler.
package market

import "time"

// Quote is one symbol's snapshot from the market-data vendor.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
	Volume    int64     `json:"volume"`
	AsOf      time.Time `json:"as_of"`
}

// NewsItem is one headline from the news feed.
type NewsItem struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol,omitempty"`
	Headline    string    `json:"headline"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}

// ScreenerRow is one symbol's result from a daily screening run.
type ScreenerRow struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	ChangePct float64 `json:"change_pct"`
	Volume    int64   `json:"volume"`
	Signal    string  `json:"signal"`
	Score     float64 `json:"score"`
}

// Briefing is the AI-generated daily market commentary.
type Briefing struct {
	Date        string    `json:"date"`
	Summary     string    `json:"summary"`
	Model       string    `json:"model"`
	GeneratedAt time.Time `json:"generated_at"`
}
