package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ranklens/ranklens-sync/pkg/apperrors"
	"github.com/ranklens/ranklens-sync/pkg/database"
	"github.com/ranklens/ranklens-sync/pkg/models"
)

// SyncRunRepository persists the append-only audit log of batch runs.
type SyncRunRepository interface {
	Insert(ctx context.Context, run *models.SyncRunLog) error
	// ListRecent is the dashboard's read surface for sync history.
	ListRecent(ctx context.Context, limit int) ([]*models.SyncRunLog, error)
}

type syncRunRepository struct {
	db *database.DB
}

// NewSyncRunRepository creates a new sync-run repository.
func NewSyncRunRepository(db *database.DB) SyncRunRepository {
	return &syncRunRepository{db: db}
}

func (r *syncRunRepository) Insert(ctx context.Context, run *models.SyncRunLog) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return &apperrors.PersistError{Op: "marshal run summary", Err: err}
	}
	results, err := json.Marshal(run.Results)
	if err != nil {
		return &apperrors.PersistError{Op: "marshal run results", Err: err}
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO sync_run_log (id, started_at, duration_ms, summary, results)
		VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.StartedAt, run.Duration.Milliseconds(), summary, results)
	if err != nil {
		return &apperrors.PersistError{Op: "insert sync run log", Err: err}
	}
	return nil
}

func (r *syncRunRepository) ListRecent(ctx context.Context, limit int) ([]*models.SyncRunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, started_at, duration_ms, summary, results
		FROM sync_run_log
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.SyncRunLog
	for rows.Next() {
		var run models.SyncRunLog
		var durationMS int64
		var summary, results []byte
		if err := rows.Scan(&run.ID, &run.StartedAt, &durationMS, &summary, &results); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		if err := json.Unmarshal(summary, &run.Summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run summary: %w", err)
		}
		if err := json.Unmarshal(results, &run.Results); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run results: %w", err)
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}
	return runs, nil
}

var _ SyncRunRepository = (*syncRunRepository)(nil)
