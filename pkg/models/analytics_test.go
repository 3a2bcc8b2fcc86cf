package models

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSyncWindow(t *testing.T) {
	propID := uuid.New()
	start := time.Date(2025, 3, 1, 15, 30, 0, 0, time.UTC)
	end := time.Date(2025, 3, 28, 9, 45, 0, 0, time.UTC)

	window, err := NewSyncWindow(propID, start, end, nil, 1000)
	require.NoError(t, err)

	// Timestamps are truncated to date granularity.
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), window.StartDate)
	assert.Equal(t, time.Date(2025, 3, 28, 0, 0, 0, 0, time.UTC), window.EndDate)
	assert.Equal(t, DefaultDimensions, window.Dimensions)
	assert.Equal(t, 1000, window.RowLimit)
	assert.Equal(t, propID, window.PropertyID)
}

func TestNewSyncWindow_SingleDay(t *testing.T) {
	day := time.Date(2025, 3, 28, 0, 0, 0, 0, time.UTC)
	window, err := NewSyncWindow(uuid.New(), day, day, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, window.StartDate, window.EndDate)
}

func TestNewSyncWindow_EndBeforeStart(t *testing.T) {
	start := time.Date(2025, 3, 28, 0, 0, 0, 0, time.UTC)
	_, err := NewSyncWindow(uuid.New(), start, start.AddDate(0, 0, -1), nil, 1000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "precedes")
}

func TestNewSyncWindow_InvalidRowLimit(t *testing.T) {
	day := time.Date(2025, 3, 28, 0, 0, 0, 0, time.UTC)
	_, err := NewSyncWindow(uuid.New(), day, day, nil, 0)
	assert.Error(t, err)
}

func TestRowValid(t *testing.T) {
	cases := []struct {
		name string
		row  Row
		want bool
	}{
		{"well formed", Row{Keys: []string{"q", "/p", "us", "MOBILE"}, Clicks: 1, Impressions: 10}, true},
		{"zero metrics", Row{Keys: []string{"q", "/p", "us", "MOBILE"}}, true},
		{"missing keys", Row{Clicks: 1, Impressions: 10}, false},
		{"wrong arity", Row{Keys: []string{"q"}, Clicks: 1, Impressions: 10}, false},
		{"nan clicks", Row{Keys: []string{"q", "/p", "us", "MOBILE"}, Clicks: math.NaN()}, false},
		{"nan impressions", Row{Keys: []string{"q", "/p", "us", "MOBILE"}, Impressions: math.NaN()}, false},
		{"negative clicks", Row{Keys: []string{"q", "/p", "us", "MOBILE"}, Clicks: -1}, false},
		{"negative impressions", Row{Keys: []string{"q", "/p", "us", "MOBILE"}, Impressions: -5}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.row.Valid(len(DefaultDimensions)))
		})
	}
}
