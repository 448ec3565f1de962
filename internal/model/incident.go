package model

import (
	"fmt"
	"time"
)

// IncidentStatus is the workflow state of an incident.
type IncidentStatus string

// Incident states.
const (
	IncidentOpen                 IncidentStatus = "OPEN"
	IncidentAssigned             IncidentStatus = "ASSIGNED"
	IncidentUnderInvestigation   IncidentStatus = "UNDER_INVESTIGATION"
	IncidentPendingCheckerReview IncidentStatus = "PENDING_CHECKER_REVIEW"
	IncidentCheckerRejected      IncidentStatus = "CHECKER_REJECTED"
	IncidentResolved             IncidentStatus = "RESOLVED"
	IncidentClosed               IncidentStatus = "CLOSED"
	IncidentEscalated            IncidentStatus = "ESCALATED"
	IncidentCancelled            IncidentStatus = "CANCELLED"
)

// IncidentStatuses lists every incident status.
var IncidentStatuses = []IncidentStatus{
	IncidentOpen,
	IncidentAssigned,
	IncidentUnderInvestigation,
	IncidentPendingCheckerReview,
	IncidentCheckerRejected,
	IncidentResolved,
	IncidentClosed,
	IncidentEscalated,
	IncidentCancelled,
}

// IsOpen reports whether work on the incident is still outstanding.
func (s IncidentStatus) IsOpen() bool {
	switch s {
	case IncidentResolved, IncidentClosed, IncidentCancelled:
		return false
	}
	return true
}

// IncidentAction names the audited action recorded in history.
type IncidentAction string

// Incident actions.
const (
	ActionCreated              IncidentAction = "CREATED"
	ActionAssigned             IncidentAction = "ASSIGNED"
	ActionInvestigationStarted IncidentAction = "INVESTIGATION_STARTED"
	ActionResolutionSubmitted  IncidentAction = "RESOLUTION_SUBMITTED"
	ActionApproved             IncidentAction = "APPROVED"
	ActionRejected             IncidentAction = "REJECTED"
	ActionClosed               IncidentAction = "CLOSED"
	ActionEscalated            IncidentAction = "ESCALATED"
	ActionCancelled            IncidentAction = "CANCELLED"
)

// SystemActor is recorded for actions the engine performs itself.
const SystemActor = "System"

// Incident groups the discrepancies of one run into a maker-checker investigation.
type Incident struct {
	CreatedAt              time.Time
	UpdatedAt              time.Time
	DueDate                time.Time
	AssignedAt             *time.Time
	InvestigationStartedAt *time.Time
	ResolutionProposedAt   *time.Time
	ResolutionApprovedAt   *time.Time
	ClosedAt               *time.Time
	CancelledAt            *time.Time
	EscalatedAt            *time.Time
	Number                 string
	Title                  string
	Description            string
	Status                 IncidentStatus
	Severity               Severity
	RunID                  string
	ConfigID               string
	AssignedTo             string
	Maker                  string
	Checker                string
	RootCause              string
	ProposedResolution     string
	ResolutionNotes        string
	CheckerComments        string
	RejectionReason        string
	EscalatedTo            string
	CancelReason           string
	DiscrepancyCount       int64
	RejectionCount         int
	EscalationLevel        int
	Version                int64
}

// SLABreached reports whether an open incident is past its due date.
func (i *Incident) SLABreached(now time.Time) bool {
	if !i.Status.IsOpen() || i.DueDate.IsZero() {
		return false
	}
	return now.After(i.DueDate)
}

// IncidentNumber builds INC-<yyyyMMdd>-<sequence>.
func IncidentNumber(day time.Time, seq int) string {
	return fmt.Sprintf("INC-%s-%04d", day.Format("20060102"), seq)
}

// IncidentTitle is the default title for an incident raised from a run.
func IncidentTitle(configName, runID string) string {
	return fmt.Sprintf("Data Discrepancies - %s - %s", configName, runID)
}

// DueOffset returns the SLA window for a severity.
func DueOffset(s Severity) time.Duration {
	switch s {
	case SeverityCritical:
		return 4 * time.Hour
	case SeverityHigh:
		return 24 * time.Hour
	case SeverityMedium:
		return 3 * 24 * time.Hour
	case SeverityLow:
		return 7 * 24 * time.Hour
	default:
		return 14 * 24 * time.Hour
	}
}

// IncidentHistory is one append-only audit entry.
type IncidentHistory struct {
	CreatedAt      time.Time
	FromStatus     *IncidentStatus
	IncidentNumber string
	ToStatus       IncidentStatus
	Action         IncidentAction
	Actor          string
	Comment        string
	ID             int64
}

// IncidentComment is a free-form note on an incident.
type IncidentComment struct {
	CreatedAt      time.Time
	ID             string
	IncidentNumber string
	Author         string
	Body           string
	AttachmentPath string
	Internal       bool
}

// Role is a user-directory role relevant to the workflow.
type Role string

// Workflow roles.
const (
	RoleMaker   Role = "MAKER"
	RoleChecker Role = "CHECKER"
	RoleAdmin   Role = "ADMIN"
)
