package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ranklens/ranklens-sync/pkg/config"
	"github.com/ranklens/ranklens-sync/pkg/logging"
	"github.com/ranklens/ranklens-sync/pkg/models"
	"github.com/ranklens/ranklens-sync/pkg/repositories"
)

// AnalyticsFetcher issues one bounded analytics query for one property.
type AnalyticsFetcher interface {
	QueryAnalytics(ctx context.Context, accessToken, siteURL string, window models.SyncWindow) ([]models.Row, error)
}

// DelayFunc paces consecutive property fetches. Injected so tests can swap
// in a zero-delay strategy; the pacing policy is independent of the
// iteration logic.
type DelayFunc func(ctx context.Context)

// SleepDelay returns the production pacing strategy: a fixed sleep that
// respects context cancellation.
func SleepDelay(d time.Duration) DelayFunc {
	return func(ctx context.Context) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
	}
}

// Orchestrator drives one batch run: connections, then properties, then
// fetch, aggregate and persist per property, with per-property failure
// isolation and inter-property pacing.
type Orchestrator interface {
	RunBatch(ctx context.Context) (*models.SyncRunLog, error)
}

type orchestrator struct {
	connections repositories.ConnectionRepository
	results     repositories.ResultRepository
	properties  repositories.PropertyRepository
	runs        repositories.SyncRunRepository
	enumerator  PropertyEnumerator
	tokens      TokenManager
	fetcher     AnalyticsFetcher
	delay       DelayFunc
	syncCfg     config.SyncConfig
	logger      *zap.Logger
}

// NewOrchestrator creates the batch orchestrator.
func NewOrchestrator(
	connections repositories.ConnectionRepository,
	properties repositories.PropertyRepository,
	results repositories.ResultRepository,
	runs repositories.SyncRunRepository,
	enumerator PropertyEnumerator,
	tokens TokenManager,
	fetcher AnalyticsFetcher,
	delay DelayFunc,
	syncCfg config.SyncConfig,
	logger *zap.Logger,
) Orchestrator {
	return &orchestrator{
		connections: connections,
		properties:  properties,
		results:     results,
		runs:        runs,
		enumerator:  enumerator,
		tokens:      tokens,
		fetcher:     fetcher,
		delay:       delay,
		syncCfg:     syncCfg,
		logger:      logger,
	}
}

// RunBatch processes every active connection's properties sequentially.
// Property-level and connection-level failures are recorded into the run
// log and never abort the batch; only a harness failure (the connection
// list itself cannot be loaded) returns an error.
func (o *orchestrator) RunBatch(ctx context.Context) (*models.SyncRunLog, error) {
	started := time.Now()
	run := &models.SyncRunLog{StartedAt: started}

	conns, err := o.connections.GetActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active connections: %w", err)
	}

	o.logger.Info("Starting sync batch", zap.Int("connections", len(conns)))

	window := o.currentWindow()
	connErrors := make(map[string][]string)
	firstProperty := true

	for _, conn := range conns {
		accessToken, err := o.tokens.EnsureValidToken(ctx, conn)
		if err != nil {
			// The whole connection is unusable this run; its properties
			// are skipped and retried on the next scheduled run.
			msg := logging.SanitizeError(err)
			o.logger.Warn("Connection auth failed, skipping its properties",
				zap.String("connection_id", conn.ID.String()),
				zap.String("error", msg),
			)
			run.Results = append(run.Results, models.PropertyOutcome{
				ConnectionID: conn.ID,
				Success:      false,
				Error:        msg,
			})
			connErrors[conn.ID.String()] = append(connErrors[conn.ID.String()], msg)
			continue
		}

		props, err := o.enumerator.ResolveProperties(ctx, conn, false)
		if err != nil {
			msg := logging.SanitizeError(err)
			o.logger.Warn("Property enumeration failed",
				zap.String("connection_id", conn.ID.String()),
				zap.String("error", msg),
			)
			run.Results = append(run.Results, models.PropertyOutcome{
				ConnectionID: conn.ID,
				Success:      false,
				Error:        msg,
			})
			connErrors[conn.ID.String()] = append(connErrors[conn.ID.String()], msg)
			continue
		}

		for _, prop := range props {
			// Pace between consecutive property fetches only: no delay
			// before the first property or after the last one.
			if !firstProperty {
				o.delay(ctx)
			}
			firstProperty = false

			outcome := o.syncProperty(ctx, accessToken, conn, prop, window)
			run.Results = append(run.Results, outcome)
			if !outcome.Success {
				connErrors[conn.ID.String()] = append(connErrors[conn.ID.String()], outcome.Error)
			}
		}
	}

	// Each connection's last-sync timestamp and error list reflect only
	// this run.
	finished := time.Now()
	for _, conn := range conns {
		if err := o.connections.RecordSyncOutcome(ctx, conn.ID, finished, connErrors[conn.ID.String()]); err != nil {
			o.logger.Error("Failed to record connection sync outcome",
				zap.String("connection_id", conn.ID.String()),
				zap.Error(err),
			)
		}
	}

	run.Duration = finished.Sub(started)
	run.Summarize()

	if err := o.runs.Insert(ctx, run); err != nil {
		o.logger.Error("Failed to persist sync run log", zap.Error(err))
	}

	o.logger.Info("Sync batch finished",
		zap.Int("total_properties", run.Summary.TotalProperties),
		zap.Int("succeeded", run.Summary.SuccessCount),
		zap.Int("failed", run.Summary.ErrorCount),
		zap.Int("rows_processed", run.Summary.TotalRecordsProcessed),
		zap.Duration("duration", run.Duration),
	)
	return run, nil
}

// syncProperty runs fetch -> aggregate -> persist for one property. Every
// failure is converted into the outcome entry; nothing escapes to the
// batch loop.
func (o *orchestrator) syncProperty(ctx context.Context, accessToken string, conn *models.Connection, prop *models.Property, base models.SyncWindow) models.PropertyOutcome {
	outcome := models.PropertyOutcome{
		ConnectionID: conn.ID,
		PropertyID:   prop.ID,
		SiteURL:      prop.SiteURL,
	}

	window := base
	window.PropertyID = prop.ID

	rows, err := o.fetcher.QueryAnalytics(ctx, accessToken, prop.SiteURL, window)
	if err != nil {
		outcome.Error = logging.SanitizeError(err)
		o.logger.Warn("Analytics fetch failed",
			zap.String("property", prop.SiteURL),
			zap.String("error", outcome.Error),
		)
		return outcome
	}

	caps := BreakdownCaps{
		Query:   o.syncCfg.QueryCap,
		Page:    o.syncCfg.PageCap,
		Country: o.syncCfg.CountryCap,
	}
	result := Aggregate(rows, window.Dimensions, caps, window.RowLimit)

	if err := o.results.Upsert(ctx, window, &result); err != nil {
		outcome.Error = logging.SanitizeError(err)
		o.logger.Error("Failed to persist aggregated result",
			zap.String("property", prop.SiteURL),
			zap.String("error", outcome.Error),
		)
		return outcome
	}

	if err := o.properties.UpdateLastSync(ctx, prop.ID, time.Now()); err != nil {
		o.logger.Warn("Failed to update property last-sync timestamp",
			zap.String("property", prop.SiteURL),
			zap.Error(err),
		)
	}

	outcome.Success = true
	outcome.RecordsProcessed = result.RowCount
	o.logger.Debug("Property synced",
		zap.String("property", prop.SiteURL),
		zap.Int("rows", result.RowCount),
		zap.Bool("truncated", result.Truncated),
	)
	return outcome
}

// currentWindow computes the shared date range for this run. The upstream
// API finalizes a day's data with a short lag, so the window ends at
// yesterday and spans the configured number of days.
func (o *orchestrator) currentWindow() models.SyncWindow {
	end := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -1)
	start := end.AddDate(0, 0, -(o.syncCfg.WindowDays - 1))
	return models.SyncWindow{
		StartDate:  start,
		EndDate:    end,
		Dimensions: models.DefaultDimensions,
		RowLimit:   o.syncCfg.RowLimit,
	}
}

var _ Orchestrator = (*orchestrator)(nil)
