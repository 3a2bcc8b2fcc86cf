//go:build integration

package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranklens/ranklens-sync/pkg/apperrors"
	"github.com/ranklens/ranklens-sync/pkg/models"
	"github.com/ranklens/ranklens-sync/pkg/testhelpers"
)

func newConnection(userID uuid.UUID) *models.Connection {
	return &models.Connection{
		UserID:       userID,
		AccessToken:  "encrypted-access",
		RefreshToken: "encrypted-refresh",
		ExpiresAt:    time.Now().Add(time.Hour).UTC(),
	}
}

func TestConnectionRepository_CreateAndGet(t *testing.T) {
	db := testhelpers.GetSyncDB(t)
	repo := NewConnectionRepository(db.DB)
	ctx := context.Background()

	conn := newConnection(uuid.New())
	require.NoError(t, repo.Create(ctx, conn))
	require.NotEqual(t, uuid.Nil, conn.ID)
	assert.Equal(t, int64(1), conn.Version)

	got, err := repo.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, conn.UserID, got.UserID)
	assert.Equal(t, "encrypted-access", got.AccessToken)
	assert.True(t, got.IsActive)
	assert.Nil(t, got.LastSyncAt)
	assert.Empty(t, got.SyncErrors)
}

func TestConnectionRepository_GetByID_NotFound(t *testing.T) {
	db := testhelpers.GetSyncDB(t)
	repo := NewConnectionRepository(db.DB)

	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// Creating a second connection for the same user deactivates the first in
// the same transaction, keeping at most one active connection per user.
func TestConnectionRepository_CreateReplacesActive(t *testing.T) {
	db := testhelpers.GetSyncDB(t)
	repo := NewConnectionRepository(db.DB)
	ctx := context.Background()
	userID := uuid.New()

	first := newConnection(userID)
	require.NoError(t, repo.Create(ctx, first))
	second := newConnection(userID)
	require.NoError(t, repo.Create(ctx, second))

	old, err := repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)

	current, err := repo.GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, current.IsActive)
}

func TestConnectionRepository_UpdateTokens_VersionGuard(t *testing.T) {
	db := testhelpers.GetSyncDB(t)
	repo := NewConnectionRepository(db.DB)
	ctx := context.Background()

	conn := newConnection(uuid.New())
	require.NoError(t, repo.Create(ctx, conn))

	newExpiry := time.Now().Add(2 * time.Hour).UTC()
	require.NoError(t, repo.UpdateTokens(ctx, conn.ID, "rotated-access", newExpiry, conn.Version))

	got, err := repo.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated-access", got.AccessToken)
	assert.Equal(t, conn.Version+1, got.Version)
	assert.WithinDuration(t, newExpiry, got.ExpiresAt, time.Second)

	// A second write with the stale version loses the race.
	err = repo.UpdateTokens(ctx, conn.ID, "stale-write", newExpiry, conn.Version)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	got, err = repo.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated-access", got.AccessToken)
}

func TestConnectionRepository_RecordSyncOutcome_ReplacesErrors(t *testing.T) {
	db := testhelpers.GetSyncDB(t)
	repo := NewConnectionRepository(db.DB)
	ctx := context.Background()

	conn := newConnection(uuid.New())
	require.NoError(t, repo.Create(ctx, conn))

	firstRun := time.Now().UTC()
	require.NoError(t, repo.RecordSyncOutcome(ctx, conn.ID, firstRun, []string{"upstream returned status 500"}))

	got, err := repo.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncAt)
	assert.Equal(t, []string{"upstream returned status 500"}, got.SyncErrors)

	// A clean run wipes the previous run's errors; the list is never
	// cumulative.
	require.NoError(t, repo.RecordSyncOutcome(ctx, conn.ID, time.Now().UTC(), nil))

	got, err = repo.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SyncErrors)
}

func TestConnectionRepository_GetActiveAndDeactivate(t *testing.T) {
	db := testhelpers.GetSyncDB(t)
	repo := NewConnectionRepository(db.DB)
	ctx := context.Background()

	conn := newConnection(uuid.New())
	require.NoError(t, repo.Create(ctx, conn))

	active, err := repo.GetActive(ctx)
	require.NoError(t, err)
	ids := make(map[uuid.UUID]bool, len(active))
	for _, c := range active {
		ids[c.ID] = true
	}
	assert.True(t, ids[conn.ID])

	require.NoError(t, repo.Deactivate(ctx, conn.ID))

	active, err = repo.GetActive(ctx)
	require.NoError(t, err)
	for _, c := range active {
		assert.NotEqual(t, conn.ID, c.ID)
	}
}

func TestPropertyRepository_UpsertAllReconciles(t *testing.T) {
	db := testhelpers.GetSyncDB(t)
	connRepo := NewConnectionRepository(db.DB)
	propRepo := NewPropertyRepository(db.DB)
	ctx := context.Background()

	conn := newConnection(uuid.New())
	require.NoError(t, connRepo.Create(ctx, conn))

	initial := []*models.Property{
		{SiteURL: "https://one.example/", PermissionLevel: "siteOwner"},
		{SiteURL: "https://two.example/", PermissionLevel: "siteFullUser"},
	}
	got, err := propRepo.UpsertAll(ctx, conn.ID, initial)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Second upsert: one survives with a changed permission, one is gone
	// upstream, one is new.
	next := []*models.Property{
		{SiteURL: "https://one.example/", PermissionLevel: "siteFullUser"},
		{SiteURL: "https://three.example/", PermissionLevel: "siteOwner"},
	}
	got, err = propRepo.UpsertAll(ctx, conn.ID, next)
	require.NoError(t, err)
	require.Len(t, got, 2)

	bySite := make(map[string]*models.Property, len(got))
	for _, p := range got {
		bySite[p.SiteURL] = p
	}
	require.Contains(t, bySite, "https://one.example/")
	assert.Equal(t, "siteFullUser", bySite["https://one.example/"].PermissionLevel)
	require.Contains(t, bySite, "https://three.example/")
	assert.NotContains(t, bySite, "https://two.example/")
}

func TestPropertyRepository_UpsertAllKeepsRowIdentity(t *testing.T) {
	db := testhelpers.GetSyncDB(t)
	connRepo := NewConnectionRepository(db.DB)
	propRepo := NewPropertyRepository(db.DB)
	ctx := context.Background()

	conn := newConnection(uuid.New())
	require.NoError(t, connRepo.Create(ctx, conn))

	first, err := propRepo.UpsertAll(ctx, conn.ID, []*models.Property{
		{SiteURL: "https://stable.example/", PermissionLevel: "siteOwner"},
	})
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := propRepo.UpsertAll(ctx, conn.ID, []*models.Property{
		{SiteURL: "https://stable.example/", PermissionLevel: "siteOwner"},
	})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
}

func TestPropertyRepository_UpdateLastSync(t *testing.T) {
	db := testhelpers.GetSyncDB(t)
	connRepo := NewConnectionRepository(db.DB)
	propRepo := NewPropertyRepository(db.DB)
	ctx := context.Background()

	conn := newConnection(uuid.New())
	require.NoError(t, connRepo.Create(ctx, conn))

	props, err := propRepo.UpsertAll(ctx, conn.ID, []*models.Property{
		{SiteURL: "https://synced.example/", PermissionLevel: "siteOwner"},
	})
	require.NoError(t, err)
	require.Len(t, props, 1)

	syncedAt := time.Now().UTC()
	require.NoError(t, propRepo.UpdateLastSync(ctx, props[0].ID, syncedAt))

	refreshed, err := propRepo.GetActiveByConnection(ctx, conn.ID)
	require.NoError(t, err)
	require.Len(t, refreshed, 1)
	require.NotNil(t, refreshed[0].LastSyncAt)
	assert.WithinDuration(t, syncedAt, *refreshed[0].LastSyncAt, time.Second)

	assert.Error(t, propRepo.UpdateLastSync(ctx, uuid.New(), syncedAt))
}

// Re-syncing the same window must overwrite, not duplicate or merge.
func TestResultRepository_UpsertIsIdempotent(t *testing.T) {
	db := testhelpers.GetSyncDB(t)
	connRepo := NewConnectionRepository(db.DB)
	propRepo := NewPropertyRepository(db.DB)
	resultRepo := NewResultRepository(db.DB)
	ctx := context.Background()

	conn := newConnection(uuid.New())
	require.NoError(t, connRepo.Create(ctx, conn))
	props, err := propRepo.UpsertAll(ctx, conn.ID, []*models.Property{
		{SiteURL: "https://shop.example/", PermissionLevel: "siteOwner"},
	})
	require.NoError(t, err)

	end := time.Date(2025, 3, 28, 0, 0, 0, 0, time.UTC)
	window := models.SyncWindow{
		PropertyID: props[0].ID,
		StartDate:  end.AddDate(0, 0, -27),
		EndDate:    end,
		Dimensions: models.DefaultDimensions,
		RowLimit:   1000,
	}

	first := &models.AggregatedResult{
		Totals:   models.Metrics{Clicks: 10, Impressions: 100, CTR: 0.1, Position: 5.5},
		Queries:  []models.DimensionEntry{{Key: "shoes", Clicks: 10, Impressions: 100, CTR: 0.1}},
		RowCount: 1,
	}
	require.NoError(t, resultRepo.Upsert(ctx, window, first))

	second := &models.AggregatedResult{
		Totals:    models.Metrics{Clicks: 25, Impressions: 200, CTR: 0.125, Position: 4.0},
		Queries:   []models.DimensionEntry{{Key: "boots", Clicks: 25, Impressions: 200, CTR: 0.125}},
		Truncated: true,
		RowCount:  2,
	}
	require.NoError(t, resultRepo.Upsert(ctx, window, second))

	got, err := resultRepo.Get(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, 25.0, got.Totals.Clicks)
	require.Len(t, got.Queries, 1)
	assert.Equal(t, "boots", got.Queries[0].Key)
	assert.True(t, got.Truncated)
	assert.Equal(t, 2, got.RowCount)
}

func TestResultRepository_DistinctWindowsCoexist(t *testing.T) {
	db := testhelpers.GetSyncDB(t)
	connRepo := NewConnectionRepository(db.DB)
	propRepo := NewPropertyRepository(db.DB)
	resultRepo := NewResultRepository(db.DB)
	ctx := context.Background()

	conn := newConnection(uuid.New())
	require.NoError(t, connRepo.Create(ctx, conn))
	props, err := propRepo.UpsertAll(ctx, conn.ID, []*models.Property{
		{SiteURL: "https://history.example/", PermissionLevel: "siteOwner"},
	})
	require.NoError(t, err)

	end := time.Date(2025, 3, 28, 0, 0, 0, 0, time.UTC)
	current := models.SyncWindow{
		PropertyID: props[0].ID,
		StartDate:  end.AddDate(0, 0, -27),
		EndDate:    end,
	}
	previous := models.SyncWindow{
		PropertyID: props[0].ID,
		StartDate:  current.StartDate.AddDate(0, 0, -28),
		EndDate:    current.EndDate.AddDate(0, 0, -28),
	}

	require.NoError(t, resultRepo.Upsert(ctx, current, &models.AggregatedResult{Totals: models.Metrics{Clicks: 1}, RowCount: 1}))
	require.NoError(t, resultRepo.Upsert(ctx, previous, &models.AggregatedResult{Totals: models.Metrics{Clicks: 2}, RowCount: 1}))

	gotCurrent, err := resultRepo.Get(ctx, current)
	require.NoError(t, err)
	assert.Equal(t, 1.0, gotCurrent.Totals.Clicks)

	gotPrevious, err := resultRepo.Get(ctx, previous)
	require.NoError(t, err)
	assert.Equal(t, 2.0, gotPrevious.Totals.Clicks)
}

func TestSyncRunRepository_InsertAndList(t *testing.T) {
	db := testhelpers.GetSyncDB(t)
	repo := NewSyncRunRepository(db.DB)
	ctx := context.Background()

	run := &models.SyncRunLog{
		StartedAt: time.Now().UTC(),
		Duration:  1500 * time.Millisecond,
		Results: []models.PropertyOutcome{
			{ConnectionID: uuid.New(), PropertyID: uuid.New(), SiteURL: "https://one.example/", Success: true, RecordsProcessed: 42},
			{ConnectionID: uuid.New(), PropertyID: uuid.New(), SiteURL: "https://two.example/", Success: false, Error: "upstream returned status 429"},
		},
	}
	run.Summarize()
	require.NoError(t, repo.Insert(ctx, run))
	require.NotEqual(t, uuid.Nil, run.ID)

	runs, err := repo.ListRecent(ctx, 100)
	require.NoError(t, err)

	var found *models.SyncRunLog
	for _, r := range runs {
		if r.ID == run.ID {
			found = r
			break
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, run.Summary, found.Summary)
	assert.Equal(t, 1500*time.Millisecond, found.Duration)
	require.Len(t, found.Results, 2)
	assert.Equal(t, "https://one.example/", found.Results[0].SiteURL)
}
