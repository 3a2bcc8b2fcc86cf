package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ranklens/ranklens-sync/pkg/apperrors"
	"github.com/ranklens/ranklens-sync/pkg/crypto"
	"github.com/ranklens/ranklens-sync/pkg/logging"
	"github.com/ranklens/ranklens-sync/pkg/models"
	"github.com/ranklens/ranklens-sync/pkg/repositories"
)

// TokenRefresher exchanges a refresh token for a new access token at the
// upstream token endpoint.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (string, time.Time, error)
}

// TokenManager hands out valid plaintext access tokens for connections,
// refreshing and persisting them when the stored token is about to expire.
type TokenManager interface {
	EnsureValidToken(ctx context.Context, conn *models.Connection) (string, error)
}

type tokenManager struct {
	connections  repositories.ConnectionRepository
	refresher    TokenRefresher
	encryptor    *crypto.TokenEncryptor
	redisClient  *redis.Client
	safetyMargin time.Duration
	logger       *zap.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewTokenManager creates a token manager. redisClient may be nil; the
// manager then guards refreshes with an in-process per-connection mutex,
// which is sufficient for a single engine instance.
func NewTokenManager(
	connections repositories.ConnectionRepository,
	refresher TokenRefresher,
	encryptor *crypto.TokenEncryptor,
	redisClient *redis.Client,
	safetyMargin time.Duration,
	logger *zap.Logger,
) TokenManager {
	return &tokenManager{
		connections:  connections,
		refresher:    refresher,
		encryptor:    encryptor,
		redisClient:  redisClient,
		safetyMargin: safetyMargin,
		logger:       logger,
		locks:        make(map[uuid.UUID]*sync.Mutex),
	}
}

// EnsureValidToken returns a usable plaintext access token for the
// connection. The stored token is returned unchanged while it is still
// valid past the safety margin; otherwise exactly one refresh-token
// exchange runs per connection, guarded by a per-connection lock so
// overlapping batch runs cannot both write stale tokens. Refresh failure
// surfaces as *apperrors.AuthError; the connection is never deactivated
// here - the orchestrator decides what to do with the failure.
func (m *tokenManager) EnsureValidToken(ctx context.Context, conn *models.Connection) (string, error) {
	if !conn.TokenExpired(time.Now(), m.safetyMargin) {
		return m.decrypt(conn.ID, conn.AccessToken)
	}

	release, err := m.acquireLock(ctx, conn.ID)
	if err != nil {
		return "", &apperrors.AuthError{ConnectionID: conn.ID.String(), Reason: "could not acquire refresh lock", Err: err}
	}
	defer release()

	// Re-read after acquiring the lock: a concurrent caller may have
	// finished the refresh while this one waited.
	fresh, err := m.connections.GetByID(ctx, conn.ID)
	if err != nil {
		return "", &apperrors.AuthError{ConnectionID: conn.ID.String(), Reason: "reload connection", Err: err}
	}
	if !fresh.TokenExpired(time.Now(), m.safetyMargin) {
		*conn = *fresh
		return m.decrypt(fresh.ID, fresh.AccessToken)
	}

	refreshToken, err := m.decrypt(fresh.ID, fresh.RefreshToken)
	if err != nil {
		return "", err
	}

	accessToken, expiresAt, err := m.refresher.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		m.logger.Warn("Token refresh failed",
			zap.String("connection_id", fresh.ID.String()),
			zap.String("error", logging.SanitizeError(err)),
		)
		return "", &apperrors.AuthError{ConnectionID: fresh.ID.String(), Reason: "refresh token exchange failed", Err: err}
	}

	encrypted, err := m.encryptor.Encrypt(accessToken)
	if err != nil {
		return "", &apperrors.AuthError{ConnectionID: fresh.ID.String(), Reason: "encrypt refreshed token", Err: err}
	}

	err = m.connections.UpdateTokens(ctx, fresh.ID, encrypted, expiresAt, fresh.Version)
	if errors.Is(err, apperrors.ErrConflict) {
		// Another writer got there between our read and write. Their token
		// is as good as ours; use it.
		current, readErr := m.connections.GetByID(ctx, fresh.ID)
		if readErr != nil {
			return "", &apperrors.AuthError{ConnectionID: fresh.ID.String(), Reason: "reload after refresh conflict", Err: readErr}
		}
		*conn = *current
		return m.decrypt(current.ID, current.AccessToken)
	}
	if err != nil {
		return "", &apperrors.AuthError{ConnectionID: fresh.ID.String(), Reason: "persist refreshed token", Err: err}
	}

	m.logger.Info("Refreshed access token",
		zap.String("connection_id", fresh.ID.String()),
		zap.Time("expires_at", expiresAt),
	)

	conn.AccessToken = encrypted
	conn.ExpiresAt = expiresAt
	conn.Version = fresh.Version + 1
	return accessToken, nil
}

func (m *tokenManager) decrypt(id uuid.UUID, ciphertext string) (string, error) {
	plaintext, err := m.encryptor.Decrypt(ciphertext)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return "", &apperrors.AuthError{ConnectionID: id.String(), Reason: "stored token undecryptable", Err: apperrors.ErrTokensKeyMismatch}
		}
		return "", &apperrors.AuthError{ConnectionID: id.String(), Reason: "decrypt stored token", Err: err}
	}
	return plaintext, nil
}

const (
	redisLockTTL      = 30 * time.Second
	redisLockPollWait = 200 * time.Millisecond
	redisLockTimeout  = 15 * time.Second
)

// acquireLock serializes refreshes per connection. With Redis configured the
// lock spans engine instances (SET NX with TTL); otherwise a process-local
// mutex map serializes callers within this instance.
func (m *tokenManager) acquireLock(ctx context.Context, id uuid.UUID) (func(), error) {
	if m.redisClient == nil {
		m.mu.Lock()
		lock, ok := m.locks[id]
		if !ok {
			lock = &sync.Mutex{}
			m.locks[id] = lock
		}
		m.mu.Unlock()

		lock.Lock()
		return lock.Unlock, nil
	}

	key := fmt.Sprintf("ranklens:refresh-lock:%s", id)
	deadline := time.Now().Add(redisLockTimeout)
	for {
		acquired, err := m.redisClient.SetNX(ctx, key, "1", redisLockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis refresh lock: %w", err)
		}
		if acquired {
			return func() {
				_ = m.redisClient.Del(context.Background(), key).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, apperrors.ErrRefreshLockHeld
		}
		select {
		case <-time.After(redisLockPollWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

var _ TokenManager = (*tokenManager)(nil)
