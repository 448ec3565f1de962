// Package service defines the interfaces for all application services.
package service

import (
	"context"
	"time"

	"github.com/Veraticus/recon-flow/internal/model"
)

// RunTransition is one compare-and-set status change on a persisted run.
type RunTransition struct {
	At           time.Time
	Durations    *model.RunDurations
	RunID        string
	From         model.RunStatus
	To           model.RunStatus
	ErrorMessage string
	ErrorTrace   string
}

// RunFilter narrows run listings.
type RunFilter struct {
	ConfigID string
	Status   model.RunStatus
	Limit    int
}

// DiscrepancyFilter narrows discrepancy listings.
type DiscrepancyFilter struct {
	RunID    string
	Type     model.DiscrepancyType
	Severity model.Severity
	Limit    int
}

// IncidentFilter narrows incident listings.
type IncidentFilter struct {
	DueBefore  *time.Time
	Status     model.IncidentStatus
	AssignedTo string
	RunID      string
	Severity   model.Severity
	OpenOnly   bool
	Limit      int
}

// RunStore persists runs and their step logs.
type RunStore interface {
	CreateRun(ctx context.Context, run *model.ReconciliationRun) error
	GetRun(ctx context.Context, runID string) (*model.ReconciliationRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.ReconciliationRun, error)
	// TransitionRun applies the change only while the row still holds From.
	// It reports false when the persisted status differed.
	TransitionRun(ctx context.Context, tr RunTransition) (bool, error)
	// SaveRunResults writes counters and discrepancies in one transaction.
	SaveRunResults(ctx context.Context, runID string, counts model.RunCounts, discrepancies []model.Discrepancy) error
	AddRunLog(ctx context.Context, entry *model.RunLog) error
	GetRunLogs(ctx context.Context, runID string) ([]model.RunLog, error)
	// StuckRuns returns non-terminal runs not updated since the given instant.
	StuckRuns(ctx context.Context, notUpdatedSince time.Time) ([]model.ReconciliationRun, error)
	// PurgeRuns deletes terminal runs created before the cutoff, with their logs and discrepancies.
	PurgeRuns(ctx context.Context, createdBefore time.Time) (int64, error)
}

// DiscrepancyStore reads and annotates persisted discrepancies.
type DiscrepancyStore interface {
	GetDiscrepancies(ctx context.Context, filter DiscrepancyFilter) ([]model.Discrepancy, error)
	GetDiscrepancy(ctx context.Context, code string) (*model.Discrepancy, error)
	GetDiscrepancySummary(ctx context.Context, runID string) (*model.DiscrepancySummary, error)
	AcknowledgeDiscrepancy(ctx context.Context, code, actor string, at time.Time) error
	MarkFalsePositive(ctx context.Context, code, actor, reason string, at time.Time) error
}

// IncidentStore persists incidents with their audit trail.
type IncidentStore interface {
	// CreateIncident allocates the per-day number, inserts the incident with its
	// creation history and links the run's discrepancies in one transaction.
	CreateIncident(ctx context.Context, incident *model.Incident, history *model.IncidentHistory) error
	GetIncident(ctx context.Context, number string) (*model.Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]model.Incident, error)
	// UpdateIncident writes the incident when its stored version matches
	// incident.Version, bumps the version and appends history in one transaction.
	UpdateIncident(ctx context.Context, incident *model.Incident, history *model.IncidentHistory) error
	GetIncidentHistory(ctx context.Context, number string) ([]model.IncidentHistory, error)
	AddIncidentComment(ctx context.Context, comment *model.IncidentComment) error
	GetIncidentComments(ctx context.Context, number string) ([]model.IncidentComment, error)
	CountIncidentsByStatus(ctx context.Context) (map[model.IncidentStatus]int64, error)
}

// Storage defines the contract for our persistence layer.
type Storage interface {
	RunStore
	DiscrepancyStore
	IncidentStore

	Migrate(ctx context.Context) error
	Close() error
}

// ConfigProvider resolves reconciliation configurations.
type ConfigProvider interface {
	GetConfigWithMappings(ctx context.Context, id string) (*model.ReconciliationConfig, error)
	ListConfigs(ctx context.Context) ([]model.ReconciliationConfig, error)
}

// Extractor pulls the full record set for one side of a reconciliation.
//
//go:generate mockgen -destination=mocks/mock_service.go -package=mocks github.com/Veraticus/recon-flow/internal/service Extractor,ExtractorResolver,UserDirectory
type Extractor interface {
	Extract(ctx context.Context, system model.SourceSystem, spec model.ExtractionSpec) ([]model.Record, error)
}

// ExtractorResolver picks the extractor for a system before any extraction starts.
type ExtractorResolver interface {
	Resolve(system model.SourceSystem) (Extractor, error)
}

// UserDirectory looks up workflow roles.
type UserDirectory interface {
	Roles(ctx context.Context, username string) ([]model.Role, error)
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryOptions is what network adapters use unless configured otherwise.
var DefaultRetryOptions = RetryOptions{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Multiplier:   2.0,
}

// WithDefaults fills every unset field from DefaultRetryOptions.
func (o RetryOptions) WithDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultRetryOptions.MaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultRetryOptions.InitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultRetryOptions.MaxDelay
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = o.InitialDelay
	}
	if o.Multiplier < 1 {
		o.Multiplier = DefaultRetryOptions.Multiplier
	}
	return o
}
