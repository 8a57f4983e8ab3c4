package computecache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marketdeck/marketdeck/internal/store"
)

type snapshot struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

func TestTypedTTLRoundTrip(t *testing.T) {
	c := New(Config{Store: store.NewMemoryStore()})
	ctx := context.Background()

	computes := 0
	compute := func(ctx context.Context) ([]snapshot, error) {
		computes++
		return []snapshot{{Symbol: "AAPL", Price: 190.5}}, nil
	}

	got, meta, err := TTL(ctx, c, "quotes", time.Minute, false, compute)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Hit {
		t.Fatal("first call should miss")
	}
	if len(got) != 1 || got[0].Symbol != "AAPL" || got[0].Price != 190.5 {
		t.Fatalf("got %+v", got)
	}

	// The hit decodes the stored JSON back into the same value.
	got, meta, err = TTL(ctx, c, "quotes", time.Minute, false, compute)
	if err != nil {
		t.Fatal(err)
	}
	if !meta.Hit {
		t.Fatal("second call should hit")
	}
	if len(got) != 1 || got[0].Symbol != "AAPL" {
		t.Fatalf("decoded %+v", got)
	}
	if computes != 1 {
		t.Fatalf("computes = %d", computes)
	}
}

func TestTypedDailyPropagatesComputeError(t *testing.T) {
	c := New(Config{Store: store.NewMemoryStore()})

	errVendor := errors.New("model overloaded")
	_, _, err := Daily(context.Background(), c, "briefing", "2024-01-02", false,
		func(ctx context.Context) (snapshot, error) { return snapshot{}, errVendor })
	if !errors.Is(err, errVendor) {
		t.Fatalf("expected the compute error unchanged, got %v", err)
	}
}
