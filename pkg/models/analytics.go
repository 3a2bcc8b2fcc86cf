package models

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Dimension names accepted by the upstream analytics query API.
const (
	DimensionQuery   = "query"
	DimensionPage    = "page"
	DimensionCountry = "country"
	DimensionDevice  = "device"
)

// DefaultDimensions is the tuple requested for every sync window.
var DefaultDimensions = []string{DimensionQuery, DimensionPage, DimensionCountry, DimensionDevice}

// SyncWindow holds the immutable parameters of one sync attempt for one
// property. Start and end are date-granularity and inclusive.
type SyncWindow struct {
	PropertyID uuid.UUID
	StartDate  time.Time
	EndDate    time.Time
	Dimensions []string
	RowLimit   int
}

// NewSyncWindow validates and builds a window. Dates are truncated to date
// granularity; end must not precede start.
func NewSyncWindow(propertyID uuid.UUID, start, end time.Time, dimensions []string, rowLimit int) (SyncWindow, error) {
	start = start.Truncate(24 * time.Hour)
	end = end.Truncate(24 * time.Hour)
	if end.Before(start) {
		return SyncWindow{}, fmt.Errorf("window end %s precedes start %s", end.Format("2006-01-02"), start.Format("2006-01-02"))
	}
	if rowLimit < 1 {
		return SyncWindow{}, fmt.Errorf("row limit must be at least 1, got %d", rowLimit)
	}
	if len(dimensions) == 0 {
		dimensions = DefaultDimensions
	}
	return SyncWindow{
		PropertyID: propertyID,
		StartDate:  start,
		EndDate:    end,
		Dimensions: dimensions,
		RowLimit:   rowLimit,
	}, nil
}

// Row is one raw analytics row returned by the upstream API. Keys align
// positionally with the requested dimension tuple.
type Row struct {
	Keys        []string `json:"keys"`
	Clicks      float64  `json:"clicks"`
	Impressions float64  `json:"impressions"`
	CTR         float64  `json:"ctr"`
	Position    float64  `json:"position"`
}

// Valid reports whether the row is well-formed for the given dimension
// count. Malformed rows are skipped by the aggregator, never fatal.
func (r Row) Valid(dimensionCount int) bool {
	if len(r.Keys) != dimensionCount {
		return false
	}
	if math.IsNaN(r.Clicks) || math.IsNaN(r.Impressions) || r.Clicks < 0 || r.Impressions < 0 {
		return false
	}
	return true
}

// Metrics is a totals or per-dimension-entry metric tuple. CTR is always
// recomputed as clicks/impressions, 0 when impressions is 0.
type Metrics struct {
	Clicks      float64 `json:"clicks"`
	Impressions float64 `json:"impressions"`
	CTR         float64 `json:"ctr"`
	Position    float64 `json:"position"`
}

// DimensionEntry is one breakdown entry within a dimension bucket.
type DimensionEntry struct {
	Key         string  `json:"key"`
	Clicks      float64 `json:"clicks"`
	Impressions float64 `json:"impressions"`
	CTR         float64 `json:"ctr"`
	Position    float64 `json:"position"`
}

// AggregatedResult is the aggregator's output for one sync window.
// Totals always cover every valid raw row; the breakdown caps only bound
// the per-dimension lists. Truncated is set when upstream returned exactly
// the requested row limit, meaning the result may under-represent the
// long tail (but never the totals of what was returned).
type AggregatedResult struct {
	Totals    Metrics          `json:"totals"`
	Queries   []DimensionEntry `json:"queries"`
	Pages     []DimensionEntry `json:"pages"`
	Countries []DimensionEntry `json:"countries"`
	Devices   []DimensionEntry `json:"devices"`
	Truncated bool             `json:"truncated"`
	RowCount  int              `json:"row_count"`
}
