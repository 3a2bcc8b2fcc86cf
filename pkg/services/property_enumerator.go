package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ranklens/ranklens-sync/pkg/models"
	"github.com/ranklens/ranklens-sync/pkg/repositories"
	"github.com/ranklens/ranklens-sync/pkg/searchconsole"
)

// SiteLister lists the verified sites visible to an access token.
type SiteLister interface {
	ListSites(ctx context.Context, accessToken string) ([]searchconsole.Site, error)
}

// PropertyEnumerator resolves the set of verified properties to sync for a
// connection.
type PropertyEnumerator interface {
	// ResolveProperties returns the connection's active properties. On first
	// use (empty local cache) or when force is set, it refreshes the cache
	// from upstream: entries are upserted by (connection, site) and local
	// properties absent from upstream are deactivated, never deleted.
	ResolveProperties(ctx context.Context, conn *models.Connection, force bool) ([]*models.Property, error)
}

type propertyEnumerator struct {
	properties repositories.PropertyRepository
	tokens     TokenManager
	sites      SiteLister
	logger     *zap.Logger
}

// NewPropertyEnumerator creates a property enumerator.
func NewPropertyEnumerator(
	properties repositories.PropertyRepository,
	tokens TokenManager,
	sites SiteLister,
	logger *zap.Logger,
) PropertyEnumerator {
	return &propertyEnumerator{
		properties: properties,
		tokens:     tokens,
		sites:      sites,
		logger:     logger,
	}
}

func (e *propertyEnumerator) ResolveProperties(ctx context.Context, conn *models.Connection, force bool) ([]*models.Property, error) {
	local, err := e.properties.GetActiveByConnection(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	if len(local) > 0 && !force {
		return local, nil
	}

	accessToken, err := e.tokens.EnsureValidToken(ctx, conn)
	if err != nil {
		return nil, err
	}

	sites, err := e.sites.ListSites(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("list upstream sites: %w", err)
	}

	props := make([]*models.Property, 0, len(sites))
	for _, s := range sites {
		props = append(props, &models.Property{
			ConnectionID:    conn.ID,
			SiteURL:         s.SiteURL,
			PermissionLevel: s.PermissionLevel,
		})
	}

	refreshed, err := e.properties.UpsertAll(ctx, conn.ID, props)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Refreshed property cache from upstream",
		zap.String("connection_id", conn.ID.String()),
		zap.Int("upstream_count", len(sites)),
		zap.Int("active_count", len(refreshed)),
	)
	return refreshed, nil
}

var _ PropertyEnumerator = (*propertyEnumerator)(nil)
