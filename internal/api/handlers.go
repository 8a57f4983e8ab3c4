// Package api exposes the dashboard's HTTP surface. Handlers never call a
// vendor client directly; every expensive read goes through the compute
// cache, which is what keeps concurrent tabs and instances from firing
// duplicate vendor requests.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/marketdeck/marketdeck/internal/computecache"
	"github.com/marketdeck/marketdeck/internal/logging"
	"github.com/marketdeck/marketdeck/internal/market"
	"github.com/marketdeck/marketdeck/internal/metrics"
	"github.com/marketdeck/marketdeck/internal/observability"
)

// Handler handles dashboard HTTP requests.
type Handler struct {
	Cache     *computecache.Cache
	Market    *market.Client
	Screener  *market.Screener
	Briefing  *market.BriefingClient
	Universes map[string]market.Universe

	QuoteTTL time.Duration
	NewsTTL  time.Duration

	// Now supplies the clock for trading-date scoping. Defaults to time.Now.
	Now func() time.Time
}

// RegisterRoutes registers all dashboard routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/quotes", h.instrument("/api/quotes", h.Quotes))
	mux.Handle("GET /api/news", h.instrument("/api/news", h.News))
	mux.Handle("GET /api/screener", h.instrument("/api/screener", h.ScreenerRun))
	mux.Handle("GET /api/briefing", h.instrument("/api/briefing", h.DailyBriefing))

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", h.HealthLive)
	mux.Handle("GET /metrics", metrics.Handler())
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// cachedTTL runs a TTL cache lookup with tracing and request logging.
func (h *Handler) cachedTTL(r *http.Request, key string, ttl time.Duration, compute computecache.ComputeFunc) (json.RawMessage, computecache.Meta, error) {
	force := forceRefresh(r)
	ctx, span := observability.StartSpan(r.Context(), "cache.ttl", observability.AttrCacheKey.String(key))
	start := time.Now()
	data, meta, err := h.Cache.GetOrComputeTTL(ctx, key, ttl, force, compute)
	h.finishLookup(ctx, span, key, meta, force, start, err)
	return data, meta, err
}

// cachedDaily runs a daily cache lookup with tracing and request logging.
func (h *Handler) cachedDaily(r *http.Request, key, date string, compute computecache.ComputeFunc) (json.RawMessage, computecache.Meta, error) {
	force := forceRefresh(r)
	ctx, span := observability.StartSpan(r.Context(), "cache.daily", observability.AttrCacheKey.String(key))
	start := time.Now()
	data, meta, err := h.Cache.GetOrComputeDaily(ctx, key, date, force, compute)
	h.finishLookup(ctx, span, key, meta, force, start, err)
	return data, meta, err
}

func (h *Handler) finishLookup(ctx context.Context, span trace.Span, key string, meta computecache.Meta, force bool, start time.Time, err error) {
	entry := &logging.RequestLog{
		RequestID:  RequestID(ctx),
		Key:        key,
		Scope:      meta.Scope,
		Hit:        meta.Hit,
		Forced:     force,
		FailOpen:   err == nil && !meta.Hit && meta.StoredAt == nil,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
		observability.SetSpanError(span, err)
	}
	span.SetAttributes(
		observability.AttrCacheScope.String(meta.Scope),
		observability.AttrCacheHit.Bool(meta.Hit),
	)
	span.End()
	logging.Default().Log(entry)
}

// response is the envelope every /api endpoint returns: the payload plus
// where it came from.
type response struct {
	Data  json.RawMessage   `json:"data"`
	Cache computecache.Meta `json:"cache"`
}

func writeResponse(w http.ResponseWriter, data json.RawMessage, meta computecache.Meta) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response{Data: data, Cache: meta})
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func forceRefresh(r *http.Request) bool {
	v := r.URL.Query().Get("refresh")
	return v == "1" || v == "true"
}

// parseSymbols canonicalizes a comma-separated symbol list: upper-cased,
// deduplicated, sorted. Canonical order keeps cache keys stable across
// callers that list the same watchlist in different orders.
func parseSymbols(raw string) []string {
	seen := make(map[string]bool)
	var symbols []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// Quotes handles GET /api/quotes?symbols=AAPL,MSFT[&refresh=1]
func (h *Handler) Quotes(w http.ResponseWriter, r *http.Request) {
	symbols := parseSymbols(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("symbols query parameter is required"))
		return
	}

	key := "market:quotes:" + strings.Join(symbols, ",") + ":v1"
	data, meta, err := h.cachedTTL(r, key, h.QuoteTTL,
		func(ctx context.Context) (json.RawMessage, error) {
			quotes, err := h.Market.Quotes(ctx, symbols)
			if err != nil {
				return nil, err
			}
			return json.Marshal(quotes)
		})
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeResponse(w, data, meta)
}

// News handles GET /api/news[?symbols=...][&refresh=1]
func (h *Handler) News(w http.ResponseWriter, r *http.Request) {
	symbols := parseSymbols(r.URL.Query().Get("symbols"))

	keySuffix := "all"
	if len(symbols) > 0 {
		keySuffix = strings.Join(symbols, ",")
	}
	key := "market:news:" + keySuffix + ":v1"

	data, meta, err := h.cachedTTL(r, key, h.NewsTTL,
		func(ctx context.Context) (json.RawMessage, error) {
			items, err := h.Market.News(ctx, symbols, 20)
			if err != nil {
				return nil, err
			}
			return json.Marshal(items)
		})
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeResponse(w, data, meta)
}

// ScreenerRun handles GET /api/screener?universe=<name>[&refresh=1]
func (h *Handler) ScreenerRun(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("universe")
	if name == "" {
		name = "default"
	}
	universe, ok := h.Universes[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown universe %q", name))
		return
	}

	date := market.TradingDate(h.now())
	key := "screener:" + name + ":v1"
	data, meta, err := h.cachedDaily(r, key, date,
		func(ctx context.Context) (json.RawMessage, error) {
			rows, err := h.Screener.Run(ctx, universe)
			if err != nil {
				return nil, err
			}
			return json.Marshal(rows)
		})
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeResponse(w, data, meta)
}

// DailyBriefing handles GET /api/briefing[?universe=<name>][&refresh=1]
//
// The briefing compute nests a cached screener run: generating commentary
// needs the day's movers, and routing that dependency through the cache
// means a briefing miss never duplicates a screening run that already
// happened today.
func (h *Handler) DailyBriefing(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("universe")
	if name == "" {
		name = "default"
	}
	universe, ok := h.Universes[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown universe %q", name))
		return
	}

	date := market.TradingDate(h.now())
	key := "ai:briefing:" + name + ":v1"
	data, meta, err := h.cachedDaily(r, key, date,
		func(ctx context.Context) (json.RawMessage, error) {
			rows, _, err := computecache.Daily(ctx, h.Cache, "screener:"+name+":v1", date, false,
				func(ctx context.Context) ([]market.ScreenerRow, error) {
					return h.Screener.Run(ctx, universe)
				})
			if err != nil {
				return nil, fmt.Errorf("screen %s for briefing: %w", name, err)
			}

			briefing, err := h.Briefing.Generate(ctx, date, rows)
			if err != nil {
				return nil, err
			}
			return json.Marshal(briefing)
		})
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeResponse(w, data, meta)
}

// Health handles GET /health - detailed status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	storeOK := h.Cache.Ping(ctx) == nil

	status := "ok"
	if !storeOK {
		// Fail-open keeps the API serving, so a down store is degraded, not
		// dead.
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"components": map[string]any{
			"cache_store":    storeOK,
			"cache_disabled": h.Cache.Disabled(),
		},
	})
}

// HealthLive handles GET /health/live - liveness probe
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
