package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ranklens/ranklens-sync/pkg/database"
	"github.com/ranklens/ranklens-sync/pkg/models"
)

// PropertyRepository defines data access for verified properties.
type PropertyRepository interface {
	GetActiveByConnection(ctx context.Context, connectionID uuid.UUID) ([]*models.Property, error)
	// UpsertAll reconciles the local property set with the list returned by
	// upstream: upserts each entry keyed by (connection_id, site_url),
	// deactivates local actives absent from the list, and returns the
	// refreshed active set. Nothing is ever deleted.
	UpsertAll(ctx context.Context, connectionID uuid.UUID, props []*models.Property) ([]*models.Property, error)
	UpdateLastSync(ctx context.Context, propertyID uuid.UUID, lastSyncAt time.Time) error
}

type propertyRepository struct {
	db *database.DB
}

// NewPropertyRepository creates a new property repository.
func NewPropertyRepository(db *database.DB) PropertyRepository {
	return &propertyRepository{db: db}
}

const propertyColumns = `id, connection_id, site_url, permission_level, is_active, last_sync_at, created_at, updated_at`

func scanProperty(row pgx.Row) (*models.Property, error) {
	var p models.Property
	err := row.Scan(
		&p.ID,
		&p.ConnectionID,
		&p.SiteURL,
		&p.PermissionLevel,
		&p.IsActive,
		&p.LastSyncAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *propertyRepository) GetActiveByConnection(ctx context.Context, connectionID uuid.UUID) ([]*models.Property, error) {
	query := `
		SELECT ` + propertyColumns + `
		FROM properties
		WHERE connection_id = $1 AND is_active
		ORDER BY site_url`

	rows, err := r.db.Query(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get properties: %w", err)
	}
	defer rows.Close()

	var props []*models.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan property: %w", err)
		}
		props = append(props, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating properties: %w", err)
	}
	return props, nil
}

func (r *propertyRepository) UpsertAll(ctx context.Context, connectionID uuid.UUID, props []*models.Property) ([]*models.Property, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	siteURLs := make([]string, 0, len(props))
	now := time.Now()
	for _, p := range props {
		siteURLs = append(siteURLs, p.SiteURL)
		_, err = tx.Exec(ctx, `
			INSERT INTO properties (id, connection_id, site_url, permission_level, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, TRUE, $5, $5)
			ON CONFLICT (connection_id, site_url) DO UPDATE
			SET permission_level = EXCLUDED.permission_level,
			    is_active = TRUE,
			    updated_at = EXCLUDED.updated_at`,
			uuid.New(), connectionID, p.SiteURL, p.PermissionLevel, now)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert property %s: %w", p.SiteURL, err)
		}
	}

	// Properties no longer returned by upstream are deactivated, keeping
	// their aggregated history queryable.
	_, err = tx.Exec(ctx, `
		UPDATE properties
		SET is_active = FALSE, updated_at = $1
		WHERE connection_id = $2 AND is_active AND NOT (site_url = ANY($3))`,
		now, connectionID, siteURLs)
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate stale properties: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return r.GetActiveByConnection(ctx, connectionID)
}

func (r *propertyRepository) UpdateLastSync(ctx context.Context, propertyID uuid.UUID, lastSyncAt time.Time) error {
	result, err := r.db.Exec(ctx, `
		UPDATE properties
		SET last_sync_at = $1, updated_at = NOW()
		WHERE id = $2`, lastSyncAt, propertyID)
	if err != nil {
		return fmt.Errorf("failed to update property last sync: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("property %s not found", propertyID)
	}
	return nil
}

var _ PropertyRepository = (*propertyRepository)(nil)
