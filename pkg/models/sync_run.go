package models

import (
	"time"

	"github.com/google/uuid"
)

// PropertyOutcome records how one property fared within a batch run.
type PropertyOutcome struct {
	ConnectionID     uuid.UUID `json:"connectionId"`
	PropertyID       uuid.UUID `json:"propertyId"`
	SiteURL          string    `json:"siteUrl"`
	Success          bool      `json:"success"`
	RecordsProcessed int       `json:"recordsProcessed"`
	Error            string    `json:"error,omitempty"`
}

// RunSummary aggregates a batch run's outcomes.
type RunSummary struct {
	TotalProperties       int `json:"totalProperties"`
	SuccessCount          int `json:"successCount"`
	ErrorCount            int `json:"errorCount"`
	TotalRecordsProcessed int `json:"totalRecordsProcessed"`
}

// SyncRunLog is the append-only audit record of one orchestrator invocation.
type SyncRunLog struct {
	ID        uuid.UUID         `json:"id"`
	StartedAt time.Time         `json:"startedAt"`
	Duration  time.Duration     `json:"duration"`
	Summary   RunSummary        `json:"summary"`
	Results   []PropertyOutcome `json:"syncResults"`
}

// Summarize recomputes the summary counts from the recorded outcomes.
func (l *SyncRunLog) Summarize() {
	s := RunSummary{TotalProperties: len(l.Results)}
	for _, r := range l.Results {
		if r.Success {
			s.SuccessCount++
			s.TotalRecordsProcessed += r.RecordsProcessed
		} else {
			s.ErrorCount++
		}
	}
	l.Summary = s
}
