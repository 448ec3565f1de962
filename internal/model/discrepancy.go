package model

import (
	"fmt"
	"time"
)

// DiscrepancyType classifies one difference between source and target.
type DiscrepancyType string

// Discrepancy types. The matching path emits the first three; the rest are
// available to custom rules and downstream tooling.
const (
	MissingInSource       DiscrepancyType = "MISSING_IN_SOURCE"
	MissingInTarget       DiscrepancyType = "MISSING_IN_TARGET"
	AttributeMismatch     DiscrepancyType = "ATTRIBUTE_MISMATCH"
	DataTypeMismatch      DiscrepancyType = "DATA_TYPE_MISMATCH"
	NullValueDifference   DiscrepancyType = "NULL_VALUE_DIFFERENCE"
	PrecisionDifference   DiscrepancyType = "PRECISION_DIFFERENCE"
	FormatDifference      DiscrepancyType = "FORMAT_DIFFERENCE"
	DuplicateRecord       DiscrepancyType = "DUPLICATE_RECORD"
	ReferentialIntegrity  DiscrepancyType = "REFERENTIAL_INTEGRITY"
	BusinessRuleViolation DiscrepancyType = "BUSINESS_RULE_VIOLATION"
)

// Severity ranks discrepancies and incidents. Lower ordinal is more severe.
type Severity string

// Severities from most to least severe.
const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// Severities lists every severity by ordinal.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

// Ordinal returns the rank of s; unknown severities sort after INFO.
func (s Severity) Ordinal() int {
	for i, known := range Severities {
		if s == known {
			return i
		}
	}
	return len(Severities)
}

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	return s.Ordinal() < len(Severities)
}

// HighestSeverity returns the most severe (lowest ordinal) of the given severities,
// or MEDIUM when none are given.
func HighestSeverity(severities ...Severity) Severity {
	if len(severities) == 0 {
		return SeverityMedium
	}
	highest := severities[0]
	for _, s := range severities[1:] {
		if s.Ordinal() < highest.Ordinal() {
			highest = s
		}
	}
	return highest
}

// Discrepancy is one classified difference produced by a run.
type Discrepancy struct {
	CreatedAt           time.Time
	AcknowledgedAt      *time.Time
	DifferenceAmount    *float64
	DifferencePercent   *float64
	Code                string
	RunID               string
	Type                DiscrepancyType
	Severity            Severity
	RecordKey           string
	Attribute           string
	SourceValue         string
	TargetValue         string
	SourceRecordJSON    string
	TargetRecordJSON    string
	AcknowledgedBy      string
	FalsePositiveReason string
	IncidentNumber      string
	RowNumber           int64
	Acknowledged        bool
	FalsePositive       bool
}

// DiscrepancyCode builds DISC-<runId>-<sequence>.
func DiscrepancyCode(runID string, seq int64) string {
	return fmt.Sprintf("DISC-%s-%05d", runID, seq)
}

// DiscrepancySummary aggregates discrepancies of one run for reporting.
type DiscrepancySummary struct {
	ByType      map[DiscrepancyType]int64
	BySeverity  map[Severity]int64
	ByAttribute map[string]int64
	Total       int64
}
