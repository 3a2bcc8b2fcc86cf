package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ranklens/ranklens-sync/pkg/apperrors"
	"github.com/ranklens/ranklens-sync/pkg/database"
	"github.com/ranklens/ranklens-sync/pkg/models"
)

// ConnectionRepository defines data access for OAuth connections.
// Token columns hold ciphertext; encryption happens above this layer.
type ConnectionRepository interface {
	GetActive(ctx context.Context) ([]*models.Connection, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error)
	// Create inserts a connection and deactivates any previously active
	// connection for the same user in the same transaction, preserving the
	// one-active-per-user invariant.
	Create(ctx context.Context, conn *models.Connection) error
	// UpdateTokens persists a refreshed access token and expiry. The write
	// is guarded by the expected version; a concurrent refresh that got
	// there first surfaces as ErrConflict.
	UpdateTokens(ctx context.Context, id uuid.UUID, accessToken string, expiresAt time.Time, expectedVersion int64) error
	// RecordSyncOutcome sets last_sync_at and replaces sync_errors with the
	// current run's failures only (not cumulative history).
	RecordSyncOutcome(ctx context.Context, id uuid.UUID, lastSyncAt time.Time, syncErrors []string) error
	// Deactivate disables a connection without deleting it.
	Deactivate(ctx context.Context, id uuid.UUID) error
}

type connectionRepository struct {
	db *database.DB
}

// NewConnectionRepository creates a new connection repository.
func NewConnectionRepository(db *database.DB) ConnectionRepository {
	return &connectionRepository{db: db}
}

const connectionColumns = `id, user_id, access_token, refresh_token, expires_at, is_active, last_sync_at, sync_errors, version, created_at, updated_at`

func scanConnection(row pgx.Row) (*models.Connection, error) {
	var conn models.Connection
	err := row.Scan(
		&conn.ID,
		&conn.UserID,
		&conn.AccessToken,
		&conn.RefreshToken,
		&conn.ExpiresAt,
		&conn.IsActive,
		&conn.LastSyncAt,
		&conn.SyncErrors,
		&conn.Version,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (r *connectionRepository) GetActive(ctx context.Context) ([]*models.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE is_active
		ORDER BY created_at`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get active connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}
	return conns, nil
}

func (r *connectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE id = $1`

	conn, err := scanConnection(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

func (r *connectionRepository) Create(ctx context.Context, conn *models.Connection) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// A re-connect replaces the previous grant: deactivate it first so the
	// partial unique index on (user_id) WHERE is_active never trips.
	_, err = tx.Exec(ctx,
		`UPDATE connections SET is_active = FALSE, updated_at = NOW(), version = version + 1
		 WHERE user_id = $1 AND is_active`, conn.UserID)
	if err != nil {
		return fmt.Errorf("failed to deactivate previous connection: %w", err)
	}

	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	if conn.SyncErrors == nil {
		conn.SyncErrors = []string{}
	}
	now := time.Now()
	conn.CreatedAt = now
	conn.UpdatedAt = now
	conn.IsActive = true
	conn.Version = 1

	_, err = tx.Exec(ctx, `
		INSERT INTO connections (id, user_id, access_token, refresh_token, expires_at, is_active, sync_errors, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		conn.ID,
		conn.UserID,
		conn.AccessToken,
		conn.RefreshToken,
		conn.ExpiresAt,
		conn.IsActive,
		conn.SyncErrors,
		conn.Version,
		conn.CreatedAt,
		conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *connectionRepository) UpdateTokens(ctx context.Context, id uuid.UUID, accessToken string, expiresAt time.Time, expectedVersion int64) error {
	query := `
		UPDATE connections
		SET access_token = $1, expires_at = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4`

	result, err := r.db.Exec(ctx, query, accessToken, expiresAt, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Either the row is gone or another refresh won the race.
		return apperrors.ErrConflict
	}
	return nil
}

func (r *connectionRepository) RecordSyncOutcome(ctx context.Context, id uuid.UUID, lastSyncAt time.Time, syncErrors []string) error {
	if syncErrors == nil {
		syncErrors = []string{}
	}
	query := `
		UPDATE connections
		SET last_sync_at = $1, sync_errors = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3`

	result, err := r.db.Exec(ctx, query, lastSyncAt, syncErrors, id)
	if err != nil {
		return fmt.Errorf("failed to record sync outcome: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *connectionRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE connections
		SET is_active = FALSE, version = version + 1, updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate connection: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

var _ ConnectionRepository = (*connectionRepository)(nil)
