package market

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	// quoteBatchSize is the vendor's maximum symbols per quote request.
	quoteBatchSize = 50
	// screenerConcurrency bounds parallel vendor calls per screening run.
	screenerConcurrency = 4
)

// Screener runs the daily multi-source screening pass over a universe. One
// run fans out batched quote requests, scores each symbol, and keeps the
// strongest movers. Runs are expensive, so they are always invoked through
// the daily compute cache.
type Screener struct {
	client *Client
	topN   int
}

func NewScreener(client *Client, topN int) *Screener {
	if topN <= 0 {
		topN = 25
	}
	return &Screener{client: client, topN: topN}
}

// Run screens the universe and returns the top rows by score.
func (s *Screener) Run(ctx context.Context, universe Universe) ([]ScreenerRow, error) {
	if len(universe.Symbols) == 0 {
		return nil, fmt.Errorf("universe %q has no symbols", universe.Name)
	}

	var (
		mu     sync.Mutex
		quotes []Quote
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(screenerConcurrency)

	for start := 0; start < len(universe.Symbols); start += quoteBatchSize {
		end := start + quoteBatchSize
		if end > len(universe.Symbols) {
			end = len(universe.Symbols)
		}
		batch := universe.Symbols[start:end]

		g.Go(func() error {
			batchQuotes, err := s.client.Quotes(ctx, batch)
			if err != nil {
				return fmt.Errorf("screen batch %v: %w", batch[:1], err)
			}
			mu.Lock()
			quotes = append(quotes, batchQuotes...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	rows := make([]ScreenerRow, 0, len(quotes))
	for _, q := range quotes {
		rows = append(rows, scoreQuote(q))
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Score > rows[j].Score })
	if len(rows) > s.topN {
		rows = rows[:s.topN]
	}
	return rows, nil
}

// scoreQuote ranks a symbol by absolute daily move, with volume as a weak
// tiebreaker. Direction determines the signal label.
func scoreQuote(q Quote) ScreenerRow {
	score := math.Abs(q.ChangePct)
	if q.Volume > 0 {
		score += math.Log10(float64(q.Volume)) / 10
	}

	signal := "flat"
	switch {
	case q.ChangePct >= 2:
		signal = "breakout"
	case q.ChangePct > 0:
		signal = "up"
	case q.ChangePct <= -2:
		signal = "breakdown"
	case q.ChangePct < 0:
		signal = "down"
	}

	return ScreenerRow{
		Symbol:    q.Symbol,
		Price:     q.Price,
		ChangePct: q.ChangePct,
		Volume:    q.Volume,
		Signal:    signal,
		Score:     score,
	}
}
