package trip

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const reportCacheSize = 512

// ReportCache holds computed trip summaries for past days, which never
// change once the day is over.
type ReportCache struct {
	cache *lru.Cache[string, *TripSummary]
}

// NewReportCache creates the summary cache.
func NewReportCache() *ReportCache {
	// lru.New only fails on a non-positive size.
	cache, err := lru.New[string, *TripSummary](reportCacheSize)
	if err != nil {
		panic(fmt.Sprintf("create report cache: %v", err))
	}
	return &ReportCache{cache: cache}
}

// Get returns a cached summary, if present.
func (c *ReportCache) Get(equipmentID int64, day time.Time) (*TripSummary, bool) {
	return c.cache.Get(reportCacheKey(equipmentID, day))
}

// Put stores a summary.
func (c *ReportCache) Put(equipmentID int64, day time.Time, summary *TripSummary) {
	c.cache.Add(reportCacheKey(equipmentID, day), summary)
}

func reportCacheKey(equipmentID int64, day time.Time) string {
	return fmt.Sprintf("%d/%s", equipmentID, day.UTC().Format("2006-01-02"))
}
