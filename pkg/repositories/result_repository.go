package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ranklens/ranklens-sync/pkg/apperrors"
	"github.com/ranklens/ranklens-sync/pkg/database"
	"github.com/ranklens/ranklens-sync/pkg/models"
)

// ResultRepository persists aggregated analytics keyed by
// (property id, window start, window end). A second sync for the same
// window overwrites every column: latest sync wins, no merge.
type ResultRepository interface {
	Upsert(ctx context.Context, window models.SyncWindow, result *models.AggregatedResult) error
	Get(ctx context.Context, window models.SyncWindow) (*models.AggregatedResult, error)
}

type resultRepository struct {
	db *database.DB
}

// NewResultRepository creates a new aggregated-result repository.
func NewResultRepository(db *database.DB) ResultRepository {
	return &resultRepository{db: db}
}

func (r *resultRepository) Upsert(ctx context.Context, window models.SyncWindow, result *models.AggregatedResult) error {
	totals, err := json.Marshal(result.Totals)
	if err != nil {
		return &apperrors.PersistError{Op: "marshal totals", Err: err}
	}
	queries, err := marshalEntries(result.Queries)
	if err != nil {
		return &apperrors.PersistError{Op: "marshal queries", Err: err}
	}
	pages, err := marshalEntries(result.Pages)
	if err != nil {
		return &apperrors.PersistError{Op: "marshal pages", Err: err}
	}
	countries, err := marshalEntries(result.Countries)
	if err != nil {
		return &apperrors.PersistError{Op: "marshal countries", Err: err}
	}
	devices, err := marshalEntries(result.Devices)
	if err != nil {
		return &apperrors.PersistError{Op: "marshal devices", Err: err}
	}

	query := `
		INSERT INTO aggregated_results (property_id, window_start, window_end, totals, queries, pages, countries, devices, truncated, row_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (property_id, window_start, window_end) DO UPDATE
		SET totals = EXCLUDED.totals,
		    queries = EXCLUDED.queries,
		    pages = EXCLUDED.pages,
		    countries = EXCLUDED.countries,
		    devices = EXCLUDED.devices,
		    truncated = EXCLUDED.truncated,
		    row_count = EXCLUDED.row_count,
		    updated_at = EXCLUDED.updated_at`

	_, err = r.db.Exec(ctx, query,
		window.PropertyID,
		window.StartDate,
		window.EndDate,
		totals,
		queries,
		pages,
		countries,
		devices,
		result.Truncated,
		result.RowCount,
	)
	if err != nil {
		return &apperrors.PersistError{Op: "upsert aggregated result", Err: err}
	}
	return nil
}

func (r *resultRepository) Get(ctx context.Context, window models.SyncWindow) (*models.AggregatedResult, error) {
	query := `
		SELECT totals, queries, pages, countries, devices, truncated, row_count
		FROM aggregated_results
		WHERE property_id = $1 AND window_start = $2 AND window_end = $3`

	var totals, queries, pages, countries, devices []byte
	var result models.AggregatedResult
	err := r.db.QueryRow(ctx, query, window.PropertyID, window.StartDate, window.EndDate).Scan(
		&totals, &queries, &pages, &countries, &devices, &result.Truncated, &result.RowCount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregated result: %w", err)
	}

	if err := json.Unmarshal(totals, &result.Totals); err != nil {
		return nil, fmt.Errorf("failed to unmarshal totals: %w", err)
	}
	for _, pair := range []struct {
		data []byte
		dst  *[]models.DimensionEntry
	}{
		{queries, &result.Queries},
		{pages, &result.Pages},
		{countries, &result.Countries},
		{devices, &result.Devices},
	} {
		if err := json.Unmarshal(pair.data, pair.dst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal breakdown: %w", err)
		}
	}
	return &result, nil
}

func marshalEntries(entries []models.DimensionEntry) ([]byte, error) {
	if entries == nil {
		entries = []models.DimensionEntry{}
	}
	return json.Marshal(entries)
}

var _ ResultRepository = (*resultRepository)(nil)
