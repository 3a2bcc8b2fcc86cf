package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ranklens/ranklens-sync/pkg/models"
	"github.com/ranklens/ranklens-sync/pkg/searchconsole"
)

type mockSiteLister struct {
	sites []searchconsole.Site
	err   error
	calls int
}

func (m *mockSiteLister) ListSites(ctx context.Context, accessToken string) ([]searchconsole.Site, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.sites, nil
}

func TestResolveProperties_CachedActivesSkipUpstream(t *testing.T) {
	connID := uuid.New()
	conn := &models.Connection{ID: connID, IsActive: true, ExpiresAt: time.Now().Add(time.Hour)}
	cached := []*models.Property{testProperty(connID, "https://cached.example/")}

	props := &mockPropertyRepository{props: map[uuid.UUID][]*models.Property{connID: cached}}
	tokens := &mockTokenManager{token: "valid-token"}
	lister := &mockSiteLister{}

	enumerator := NewPropertyEnumerator(props, tokens, lister, zap.NewNop())

	resolved, err := enumerator.ResolveProperties(context.Background(), conn, false)
	require.NoError(t, err)
	assert.Equal(t, cached, resolved)
	assert.Equal(t, 0, tokens.calls)
	assert.Equal(t, 0, lister.calls)
}

func TestResolveProperties_EmptyCacheRefreshesFromUpstream(t *testing.T) {
	connID := uuid.New()
	conn := &models.Connection{ID: connID, IsActive: true, ExpiresAt: time.Now().Add(time.Hour)}

	props := &mockPropertyRepository{props: map[uuid.UUID][]*models.Property{}}
	tokens := &mockTokenManager{token: "valid-token"}
	lister := &mockSiteLister{sites: []searchconsole.Site{
		{SiteURL: "https://one.example/", PermissionLevel: "siteOwner"},
		{SiteURL: "https://two.example/", PermissionLevel: "siteFullUser"},
	}}

	enumerator := NewPropertyEnumerator(props, tokens, lister, zap.NewNop())

	resolved, err := enumerator.ResolveProperties(context.Background(), conn, false)
	require.NoError(t, err)
	assert.Equal(t, 1, tokens.calls)
	assert.Equal(t, 1, lister.calls)

	require.Len(t, resolved, 2)
	assert.Equal(t, "https://one.example/", resolved[0].SiteURL)
	assert.Equal(t, "siteOwner", resolved[0].PermissionLevel)
	assert.Equal(t, connID, resolved[0].ConnectionID)
	assert.True(t, resolved[0].IsActive)

	assert.Len(t, props.upserted[connID], 2)
}

func TestResolveProperties_ForceRefreshBypassesCache(t *testing.T) {
	connID := uuid.New()
	conn := &models.Connection{ID: connID, IsActive: true, ExpiresAt: time.Now().Add(time.Hour)}
	cached := []*models.Property{testProperty(connID, "https://stale.example/")}

	props := &mockPropertyRepository{props: map[uuid.UUID][]*models.Property{connID: cached}}
	tokens := &mockTokenManager{token: "valid-token"}
	lister := &mockSiteLister{sites: []searchconsole.Site{
		{SiteURL: "https://fresh.example/", PermissionLevel: "siteOwner"},
	}}

	enumerator := NewPropertyEnumerator(props, tokens, lister, zap.NewNop())

	resolved, err := enumerator.ResolveProperties(context.Background(), conn, true)
	require.NoError(t, err)
	assert.Equal(t, 1, lister.calls)
	require.Len(t, resolved, 1)
	assert.Equal(t, "https://fresh.example/", resolved[0].SiteURL)
}

func TestResolveProperties_ListSitesFailure(t *testing.T) {
	connID := uuid.New()
	conn := &models.Connection{ID: connID, IsActive: true, ExpiresAt: time.Now().Add(time.Hour)}

	props := &mockPropertyRepository{props: map[uuid.UUID][]*models.Property{}}
	tokens := &mockTokenManager{token: "valid-token"}
	lister := &mockSiteLister{err: errors.New("upstream returned 503")}

	enumerator := NewPropertyEnumerator(props, tokens, lister, zap.NewNop())

	_, err := enumerator.ResolveProperties(context.Background(), conn, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list upstream sites")
	assert.Empty(t, props.upserted)
}

func TestResolveProperties_TokenFailurePropagates(t *testing.T) {
	connID := uuid.New()
	conn := &models.Connection{ID: connID, IsActive: true}

	props := &mockPropertyRepository{props: map[uuid.UUID][]*models.Property{}}
	tokens := &mockTokenManager{errFor: map[uuid.UUID]error{connID: errors.New("invalid_grant")}}
	lister := &mockSiteLister{}

	enumerator := NewPropertyEnumerator(props, tokens, lister, zap.NewNop())

	_, err := enumerator.ResolveProperties(context.Background(), conn, false)
	require.Error(t, err)
	assert.Equal(t, 0, lister.calls)
}
