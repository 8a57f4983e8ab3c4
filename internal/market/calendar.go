package market

import (
	"sync"
	"time"
)

// The trading calendar is anchored to US exchanges, so "today" is defined in
// Eastern time for every caller regardless of where the server runs. Daily
// cache scopes are built from this date, which is why it must have a single
// unambiguous value deployment-wide.
var (
	easternOnce sync.Once
	eastern     *time.Location
)

func easternZone() *time.Location {
	easternOnce.Do(func() {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			// tzdata missing from the host. UTC keeps the date stable and
			// unambiguous, just shifted for a few evening hours.
			loc = time.UTC
		}
		eastern = loc
	})
	return eastern
}

// TradingDate returns t's calendar date in the reference (Eastern) time
// zone, normalized to YYYY-MM-DD. This is the only place date normalization
// happens; the cache layer trusts the string it is given.
func TradingDate(t time.Time) string {
	return t.In(easternZone()).Format("2006-01-02")
}
