package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/service"
)

const incidentColumns = `number, title, description, status, severity, run_id, config_id, discrepancy_count,
	assigned_to, assigned_at, maker, checker, investigation_started_at, resolution_proposed_at,
	resolution_approved_at, closed_at, cancelled_at, due_date, root_cause, proposed_resolution,
	resolution_notes, checker_comments, rejection_reason, rejection_count, escalation_level,
	escalated_at, escalated_to, cancel_reason, version, created_at, updated_at`

func scanIncident(row rowScanner) (*model.Incident, error) {
	var (
		inc                                      model.Incident
		status, severity                         string
		description, assignedTo, maker, checker  sql.NullString
		rootCause, proposed, notes, checkerNotes sql.NullString
		rejection, escalatedTo, cancelReason     sql.NullString
		assignedAt, investigationAt, proposedAt  sql.NullTime
		approvedAt, closedAt, cancelledAt, escAt sql.NullTime
	)
	err := row.Scan(&inc.Number, &inc.Title, &description, &status, &severity, &inc.RunID, &inc.ConfigID,
		&inc.DiscrepancyCount, &assignedTo, &assignedAt, &maker, &checker, &investigationAt, &proposedAt,
		&approvedAt, &closedAt, &cancelledAt, &inc.DueDate, &rootCause, &proposed,
		&notes, &checkerNotes, &rejection, &inc.RejectionCount, &inc.EscalationLevel,
		&escAt, &escalatedTo, &cancelReason, &inc.Version, &inc.CreatedAt, &inc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inc.Status = model.IncidentStatus(status)
	inc.Severity = model.Severity(severity)
	inc.Description = description.String
	inc.AssignedTo = assignedTo.String
	inc.Maker = maker.String
	inc.Checker = checker.String
	inc.RootCause = rootCause.String
	inc.ProposedResolution = proposed.String
	inc.ResolutionNotes = notes.String
	inc.CheckerComments = checkerNotes.String
	inc.RejectionReason = rejection.String
	inc.EscalatedTo = escalatedTo.String
	inc.CancelReason = cancelReason.String
	inc.AssignedAt = timePtr(assignedAt)
	inc.InvestigationStartedAt = timePtr(investigationAt)
	inc.ResolutionProposedAt = timePtr(proposedAt)
	inc.ResolutionApprovedAt = timePtr(approvedAt)
	inc.ClosedAt = timePtr(closedAt)
	inc.CancelledAt = timePtr(cancelledAt)
	inc.EscalatedAt = timePtr(escAt)
	return &inc, nil
}

// CreateIncident numbers and inserts a new incident, writes its creation history
// and links the run's discrepancies, all in one transaction.
func (s *SQLiteStorage) CreateIncident(ctx context.Context, incident *model.Incident, history *model.IncidentHistory) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateIncident(incident); err != nil {
		return err
	}
	if err := validateHistory(history); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		day := incident.CreatedAt.UTC()
		prefix := model.IncidentNumber(day, 0)
		prefix = prefix[:len(prefix)-4]

		var last int
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(CAST(substr(number, ?) AS INTEGER)), 0)
			FROM incidents
			WHERE number LIKE ?
		`, len(prefix)+1, prefix+"%").Scan(&last)
		if err != nil {
			return fmt.Errorf("failed to allocate incident number: %w", err)
		}

		incident.Number = model.IncidentNumber(day, last+1)
		incident.Version = 1
		if incident.UpdatedAt.IsZero() {
			incident.UpdatedAt = incident.CreatedAt
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO incidents (number, title, description, status, severity, run_id, config_id,
				discrepancy_count, due_date, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, incident.Number, incident.Title, nullString(incident.Description), string(incident.Status),
			string(incident.Severity), incident.RunID, incident.ConfigID, incident.DiscrepancyCount,
			utc(incident.DueDate), incident.Version, utc(incident.CreatedAt), utc(incident.UpdatedAt))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%w: incident for run %s", common.ErrDuplicateEntry, incident.RunID)
			}
			return fmt.Errorf("failed to create incident: %w", err)
		}

		history.IncidentNumber = incident.Number
		if err := insertHistory(ctx, tx, history); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE discrepancies SET incident_number = ? WHERE run_id = ?
		`, incident.Number, incident.RunID); err != nil {
			return fmt.Errorf("failed to link discrepancies: %w", err)
		}
		return nil
	})
}

func insertHistory(ctx context.Context, q queryable, h *model.IncidentHistory) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	var from sql.NullString
	if h.FromStatus != nil {
		from = sql.NullString{String: string(*h.FromStatus), Valid: true}
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO incident_history (incident_number, from_status, to_status, action, actor, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, h.IncidentNumber, from, string(h.ToStatus), string(h.Action), h.Actor, nullString(h.Comment), utc(h.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append incident history: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		h.ID = id
	}
	return nil
}

// GetIncident retrieves an incident by number.
func (s *SQLiteStorage) GetIncident(ctx context.Context, number string) (*model.Incident, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(number, "number"); err != nil {
		return nil, err
	}
	return s.getIncidentTx(ctx, s.db, number)
}

func (s *SQLiteStorage) getIncidentTx(ctx context.Context, q queryable, number string) (*model.Incident, error) {
	row := q.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE number = ?`, number)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewNotFoundError("incident", number)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return inc, nil
}

// ListIncidents returns incidents matching the filter, most urgent due date first.
func (s *SQLiteStorage) ListIncidents(ctx context.Context, filter service.IncidentFilter) ([]model.Incident, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.AssignedTo != "" {
		query += ` AND assigned_to = ?`
		args = append(args, filter.AssignedTo)
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(filter.Severity))
	}
	if filter.OpenOnly {
		query += ` AND status NOT IN (?, ?, ?)`
		args = append(args, string(model.IncidentResolved), string(model.IncidentClosed), string(model.IncidentCancelled))
	}
	if filter.DueBefore != nil {
		query += ` AND due_date < ?`
		args = append(args, utc(*filter.DueBefore))
	}
	query += ` ORDER BY due_date, number`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		out = append(out, *inc)
	}
	return out, rows.Err()
}

// UpdateIncident writes the mutable incident fields when the stored version
// matches incident.Version, then appends the history entry. On success the
// incident carries its new version.
func (s *SQLiteStorage) UpdateIncident(ctx context.Context, incident *model.Incident, history *model.IncidentHistory) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if incident == nil {
		return fmt.Errorf("%w: incident", ErrNilParameter)
	}
	if err := validateString(incident.Number, "number"); err != nil {
		return err
	}
	if err := validateHistory(history); err != nil {
		return err
	}
	if incident.UpdatedAt.IsZero() {
		incident.UpdatedAt = time.Now()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE incidents SET
				status = ?, severity = ?, assigned_to = ?, assigned_at = ?, maker = ?, checker = ?,
				investigation_started_at = ?, resolution_proposed_at = ?, resolution_approved_at = ?,
				closed_at = ?, cancelled_at = ?, due_date = ?, root_cause = ?, proposed_resolution = ?,
				resolution_notes = ?, checker_comments = ?, rejection_reason = ?, rejection_count = ?,
				escalation_level = ?, escalated_at = ?, escalated_to = ?, cancel_reason = ?,
				version = version + 1, updated_at = ?
			WHERE number = ? AND version = ?
		`, string(incident.Status), string(incident.Severity), nullString(incident.AssignedTo),
			nullTime(incident.AssignedAt), nullString(incident.Maker), nullString(incident.Checker),
			nullTime(incident.InvestigationStartedAt), nullTime(incident.ResolutionProposedAt),
			nullTime(incident.ResolutionApprovedAt), nullTime(incident.ClosedAt), nullTime(incident.CancelledAt),
			utc(incident.DueDate), nullString(incident.RootCause), nullString(incident.ProposedResolution),
			nullString(incident.ResolutionNotes), nullString(incident.CheckerComments),
			nullString(incident.RejectionReason), incident.RejectionCount, incident.EscalationLevel,
			nullTime(incident.EscalatedAt), nullString(incident.EscalatedTo), nullString(incident.CancelReason),
			utc(incident.UpdatedAt), incident.Number, incident.Version)
		if err != nil {
			return fmt.Errorf("failed to update incident: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			if _, err := s.getIncidentTx(ctx, tx, incident.Number); err != nil {
				return err
			}
			return &common.ConflictError{Resource: "incident", ID: incident.Number}
		}

		history.IncidentNumber = incident.Number
		if err := insertHistory(ctx, tx, history); err != nil {
			return err
		}
		incident.Version++
		return nil
	})
}

// GetIncidentHistory returns the audit trail of an incident, oldest first.
func (s *SQLiteStorage) GetIncidentHistory(ctx context.Context, number string) ([]model.IncidentHistory, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(number, "number"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_number, from_status, to_status, action, actor, comment, created_at
		FROM incident_history
		WHERE incident_number = ?
		ORDER BY id
	`, number)
	if err != nil {
		return nil, fmt.Errorf("failed to query incident history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.IncidentHistory
	for rows.Next() {
		var (
			h             model.IncidentHistory
			from, comment sql.NullString
			to, action    string
		)
		if err := rows.Scan(&h.ID, &h.IncidentNumber, &from, &to, &action, &h.Actor, &comment, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan incident history: %w", err)
		}
		if from.Valid {
			status := model.IncidentStatus(from.String)
			h.FromStatus = &status
		}
		h.ToStatus = model.IncidentStatus(to)
		h.Action = model.IncidentAction(action)
		h.Comment = comment.String
		out = append(out, h)
	}
	return out, rows.Err()
}

// AddIncidentComment attaches a comment to an existing incident.
func (s *SQLiteStorage) AddIncidentComment(ctx context.Context, comment *model.IncidentComment) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if comment == nil {
		return fmt.Errorf("%w: comment", ErrNilParameter)
	}
	if err := validateString(comment.ID, "id"); err != nil {
		return err
	}
	if err := validateString(comment.Body, "body"); err != nil {
		return err
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now()
	}

	if _, err := s.getIncidentTx(ctx, s.db, comment.IncidentNumber); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incident_comments (id, incident_number, author, body, internal, attachment_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, comment.ID, comment.IncidentNumber, comment.Author, comment.Body, comment.Internal,
		nullString(comment.AttachmentPath), utc(comment.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to add incident comment: %w", err)
	}
	return nil
}

// GetIncidentComments returns an incident's comments, oldest first.
func (s *SQLiteStorage) GetIncidentComments(ctx context.Context, number string) ([]model.IncidentComment, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(number, "number"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_number, author, body, internal, attachment_path, created_at
		FROM incident_comments
		WHERE incident_number = ?
		ORDER BY created_at, rowid
	`, number)
	if err != nil {
		return nil, fmt.Errorf("failed to query incident comments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.IncidentComment
	for rows.Next() {
		var (
			c          model.IncidentComment
			attachment sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.IncidentNumber, &c.Author, &c.Body, &c.Internal, &attachment, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan incident comment: %w", err)
		}
		c.AttachmentPath = attachment.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountIncidentsByStatus returns how many incidents sit in each status.
func (s *SQLiteStorage) CountIncidentsByStatus(ctx context.Context) (map[model.IncidentStatus]int64, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM incidents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.IncidentStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan incident count: %w", err)
		}
		counts[model.IncidentStatus(status)] = n
	}
	return counts, rows.Err()
}
