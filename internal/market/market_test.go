package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestTradingDate(t *testing.T) {
	// 2024-01-02 01:30 UTC is still 2024-01-01 evening in New York.
	utc := time.Date(2024, 1, 2, 1, 30, 0, 0, time.UTC)
	if got := TradingDate(utc); got != "2024-01-01" {
		t.Fatalf("TradingDate(%v) = %q, want 2024-01-01", utc, got)
	}

	// Midday UTC is the same calendar date on both sides.
	noon := time.Date(2024, 1, 2, 17, 0, 0, 0, time.UTC)
	if got := TradingDate(noon); got != "2024-01-02" {
		t.Fatalf("TradingDate(%v) = %q, want 2024-01-02", noon, got)
	}
}

func TestParseUniverses(t *testing.T) {
	data := []byte(`
universes:
  - name: default
    symbols: [AAPL, MSFT, NVDA]
  - name: energy
    symbols: [XOM, CVX]
`)
	universes, err := ParseUniverses(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(universes) != 2 {
		t.Fatalf("expected 2 universes, got %d", len(universes))
	}
	if got := universes["default"].Symbols; len(got) != 3 || got[0] != "AAPL" {
		t.Fatalf("default universe = %v", got)
	}
}

func TestParseUniversesRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"missing name", "universes:\n  - symbols: [AAPL]\n"},
		{"no symbols", "universes:\n  - name: empty\n"},
		{"duplicate", "universes:\n  - name: a\n    symbols: [X]\n  - name: a\n    symbols: [Y]\n"},
		{"not yaml", "{{{"},
	}
	for _, tc := range cases {
		if _, err := ParseUniverses([]byte(tc.data)); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}

func TestScoreQuoteSignals(t *testing.T) {
	cases := []struct {
		changePct float64
		signal    string
	}{
		{3.1, "breakout"},
		{0.4, "up"},
		{0, "flat"},
		{-0.4, "down"},
		{-2.5, "breakdown"},
	}
	for _, tc := range cases {
		row := scoreQuote(Quote{Symbol: "X", ChangePct: tc.changePct, Volume: 1_000_000})
		if row.Signal != tc.signal {
			t.Errorf("changePct %.1f: signal = %q, want %q", tc.changePct, row.Signal, tc.signal)
		}
	}

	// A bigger move always outranks a smaller one regardless of volume.
	big := scoreQuote(Quote{Symbol: "A", ChangePct: 5, Volume: 1000})
	small := scoreQuote(Quote{Symbol: "B", ChangePct: 0.1, Volume: 500_000_000})
	if big.Score <= small.Score {
		t.Fatalf("move should dominate score: big=%v small=%v", big.Score, small.Score)
	}
}

func quotesServer(t *testing.T, quotesFor func(symbols []string) []Quote) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/quotes" {
			http.NotFound(w, r)
			return
		}
		symbols := strings.Split(r.URL.Query().Get("symbols"), ",")
		json.NewEncoder(w).Encode(map[string]any{"quotes": quotesFor(symbols)})
	}))
}

func TestClientQuotes(t *testing.T) {
	var sawAuth atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer test-key" {
			sawAuth.Store(true)
		}
		json.NewEncoder(w).Encode(map[string]any{"quotes": []Quote{
			{Symbol: "AAPL", Price: 190.5, ChangePct: 1.2, Volume: 100},
		}})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "test-key"})
	quotes, err := c.Quotes(context.Background(), []string{"AAPL"})
	if err != nil {
		t.Fatal(err)
	}
	if len(quotes) != 1 || quotes[0].Symbol != "AAPL" {
		t.Fatalf("quotes = %+v", quotes)
	}
	if !sawAuth.Load() {
		t.Fatal("API key was not sent")
	}

	if _, err := c.Quotes(context.Background(), nil); err == nil {
		t.Fatal("empty symbol list must be rejected")
	}
}

func TestClientSurfacesVendorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.Quotes(context.Background(), []string{"AAPL"})
	if err == nil {
		t.Fatal("expected an error for a 429 response")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Fatalf("error should carry the status code, got %v", err)
	}
}

func TestClientNews(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/news" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit = %q, want 5", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"items": []NewsItem{
			{ID: "n1", Symbol: "AAPL", Headline: "chips rally"},
		}})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	items, err := c.News(context.Background(), []string{"AAPL"}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Headline != "chips rally" {
		t.Fatalf("items = %+v", items)
	}
}

func TestScreenerRun(t *testing.T) {
	var requests atomic.Int64
	srv := quotesServer(t, func(symbols []string) []Quote {
		requests.Add(1)
		quotes := make([]Quote, 0, len(symbols))
		for i, s := range symbols {
			quotes = append(quotes, Quote{
				Symbol:    s,
				Price:     100,
				ChangePct: float64(i%7) - 3, // spread of moves in [-3, 3]
				Volume:    1_000_000,
			})
		}
		return quotes
	})
	defer srv.Close()

	// 120 symbols forces multiple batches.
	symbols := make([]string, 120)
	for i := range symbols {
		symbols[i] = "SYM" + string(rune('A'+i%26)) + string(rune('A'+i/26))
	}

	s := NewScreener(NewClient(ClientConfig{BaseURL: srv.URL}), 10)
	rows, err := s.Run(context.Background(), Universe{Name: "big", Symbols: symbols})
	if err != nil {
		t.Fatal(err)
	}

	if len(rows) != 10 {
		t.Fatalf("expected top 10 rows, got %d", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].Score > rows[i-1].Score {
			t.Fatal("rows must be sorted by score descending")
		}
	}
	if n := requests.Load(); n != 3 {
		t.Fatalf("120 symbols should take 3 batched requests, got %d", n)
	}

	if _, err := s.Run(context.Background(), Universe{Name: "empty"}); err == nil {
		t.Fatal("empty universe must be rejected")
	}
}
