package model

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a reconciliation run.
type RunStatus string

// Run states.
const (
	RunPending                    RunStatus = "PENDING"
	RunInProgress                 RunStatus = "IN_PROGRESS"
	RunExtractingSource           RunStatus = "EXTRACTING_SOURCE"
	RunExtractingTarget           RunStatus = "EXTRACTING_TARGET"
	RunComparing                  RunStatus = "COMPARING"
	RunGeneratingReport           RunStatus = "GENERATING_REPORT"
	RunCompleted                  RunStatus = "COMPLETED"
	RunCompletedWithDiscrepancies RunStatus = "COMPLETED_WITH_DISCREPANCIES"
	RunFailed                     RunStatus = "FAILED"
	RunCancelled                  RunStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunCompletedWithDiscrepancies, RunFailed, RunCancelled:
		return true
	}
	return false
}

// RunCounts carries the per-type tallies of one run. Counters are exact even when
// the discrepancy cap stopped materializing instances.
type RunCounts struct {
	Source                 int64
	Target                 int64
	Matched                int64
	MismatchedRecords      int64
	AttributeMismatches    int64
	MissingInSource        int64
	MissingInTarget        int64
	DuplicateTargetKeys    int64
	Discrepancies          int64
	PersistedDiscrepancies int64
}

// RunDurations are the timed phases of one run.
type RunDurations struct {
	SourceExtraction time.Duration
	TargetExtraction time.Duration
	Comparison       time.Duration
	Total            time.Duration
}

// ReconciliationRun is one execution of a reconciliation config.
type ReconciliationRun struct {
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	RunID        string
	ConfigID     string
	ConfigCode   string
	ConfigName   string
	TriggeredBy  string
	ErrorMessage string
	ErrorTrace   string
	Status       RunStatus
	Durations    RunDurations
	Counts       RunCounts
	Scheduled    bool
}

// NewRunID builds a run identifier of the form RUN-<configCode>-<timestamp>. The
// timestamp carries milliseconds so overlapping runs of one config stay distinct.
func NewRunID(configCode string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("RUN-%s-%s%03d", configCode, at.Format("20060102150405"), at.Nanosecond()/int(time.Millisecond))
}

// LogLevel is the severity of a run log entry.
type LogLevel string

// Run log levels.
const (
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// RunLog is one operator-facing step entry for a run.
type RunLog struct {
	Timestamp        time.Time
	RunID            string
	Level            LogLevel
	Step             string
	Message          string
	Details          string
	ID               int64
	Duration         time.Duration
	RecordsProcessed int64
}
