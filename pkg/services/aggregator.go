package services

import (
	"sort"

	"github.com/ranklens/ranklens-sync/pkg/models"
)

// BreakdownCaps bounds the per-dimension breakdown lists. A cap of 0 means
// unbounded (used for the device dimension, whose upstream cardinality is
// single-digit).
type BreakdownCaps struct {
	Query   int
	Page    int
	Country int
}

// DefaultBreakdownCaps mirrors the documented storage bounds: 50 entries
// for query and page, 20 for country, unbounded for device.
var DefaultBreakdownCaps = BreakdownCaps{Query: 50, Page: 50, Country: 20}

// dimensionAccumulator folds rows for one dimension into a capped map of
// per-key partial aggregates. Once the cap is reached, new keys are dropped
// but already-admitted keys continue to accumulate, so breakdown entries
// stay exact for the keys they cover.
type dimensionAccumulator struct {
	cap     int
	entries map[string]*models.DimensionEntry
	order   []string
}

func newDimensionAccumulator(cap int) *dimensionAccumulator {
	return &dimensionAccumulator{
		cap:     cap,
		entries: make(map[string]*models.DimensionEntry),
	}
}

func (a *dimensionAccumulator) add(key string, row models.Row) {
	entry, ok := a.entries[key]
	if !ok {
		if a.cap > 0 && len(a.entries) >= a.cap {
			return
		}
		entry = &models.DimensionEntry{Key: key}
		a.entries[key] = entry
		a.order = append(a.order, key)
	}
	entry.Clicks += row.Clicks
	entry.Impressions += row.Impressions
	// Last write wins for position: upstream row order decides which value
	// survives per key.
	entry.Position = row.Position
}

// finish recomputes ctr per entry and returns the entries sorted by clicks
// descending. The sort is stable, so ties keep insertion order.
func (a *dimensionAccumulator) finish() []models.DimensionEntry {
	result := make([]models.DimensionEntry, 0, len(a.order))
	for _, key := range a.order {
		entry := *a.entries[key]
		entry.CTR = safeCTR(entry.Clicks, entry.Impressions)
		result = append(result, entry)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Clicks > result[j].Clicks
	})
	return result
}

// safeCTR divides clicks by impressions, returning 0 when impressions is 0
// so an all-zero-impression key can never produce NaN or Inf.
func safeCTR(clicks, impressions float64) float64 {
	if impressions <= 0 {
		return 0
	}
	return clicks / impressions
}

// Aggregate reduces raw analytics rows into totals plus capped top-N
// breakdowns per dimension. It is a pure function: no I/O, no shared state.
//
// Totals always cover every valid row - the caps only truncate the
// breakdown lists, never the totals. Malformed rows (key count mismatching
// the dimension tuple, NaN or negative metrics) are skipped, never fatal.
// Zero rows produce zero totals and empty breakdowns, not an error.
func Aggregate(rows []models.Row, dimensions []string, caps BreakdownCaps, rowLimit int) models.AggregatedResult {
	accums := make([]*dimensionAccumulator, len(dimensions))
	for i, dim := range dimensions {
		accums[i] = newDimensionAccumulator(capFor(dim, caps))
	}

	var totals models.Metrics
	validRows := 0
	for _, row := range rows {
		if !row.Valid(len(dimensions)) {
			continue
		}
		validRows++
		totals.Clicks += row.Clicks
		totals.Impressions += row.Impressions
		totals.Position = row.Position

		for i := range dimensions {
			accums[i].add(row.Keys[i], row)
		}
	}
	totals.CTR = safeCTR(totals.Clicks, totals.Impressions)

	result := models.AggregatedResult{
		Totals:    totals,
		RowCount:  validRows,
		Truncated: rowLimit > 0 && len(rows) >= rowLimit,
	}
	for i, dim := range dimensions {
		entries := accums[i].finish()
		switch dim {
		case models.DimensionQuery:
			result.Queries = entries
		case models.DimensionPage:
			result.Pages = entries
		case models.DimensionCountry:
			result.Countries = entries
		case models.DimensionDevice:
			result.Devices = entries
		}
	}
	return result
}

func capFor(dimension string, caps BreakdownCaps) int {
	switch dimension {
	case models.DimensionQuery:
		return caps.Query
	case models.DimensionPage:
		return caps.Page
	case models.DimensionCountry:
		return caps.Country
	default:
		// device (and any future low-cardinality dimension): unbounded but
		// deduplicated by the accumulator map.
		return 0
	}
}
