package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/service"
)

const discrepancyColumns = `code, run_id, type, severity, record_key, attribute, source_value, target_value,
	difference_amount, difference_percent, source_record, target_record, row_number,
	acknowledged, acknowledged_by, acknowledged_at, false_positive, false_positive_reason,
	incident_number, created_at`

func scanDiscrepancy(row rowScanner) (*model.Discrepancy, error) {
	var (
		d                                   model.Discrepancy
		dtype, severity                     string
		attribute, sourceValue, targetValue sql.NullString
		sourceRecord, targetRecord          sql.NullString
		ackBy, fpReason, incidentNumber     sql.NullString
		amount, percent                     sql.NullFloat64
		ackAt                               sql.NullTime
	)
	err := row.Scan(&d.Code, &d.RunID, &dtype, &severity, &d.RecordKey, &attribute, &sourceValue, &targetValue,
		&amount, &percent, &sourceRecord, &targetRecord, &d.RowNumber,
		&d.Acknowledged, &ackBy, &ackAt, &d.FalsePositive, &fpReason,
		&incidentNumber, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.Type = model.DiscrepancyType(dtype)
	d.Severity = model.Severity(severity)
	d.Attribute = attribute.String
	d.SourceValue = sourceValue.String
	d.TargetValue = targetValue.String
	d.DifferenceAmount = floatPtr(amount)
	d.DifferencePercent = floatPtr(percent)
	d.SourceRecordJSON = sourceRecord.String
	d.TargetRecordJSON = targetRecord.String
	d.AcknowledgedBy = ackBy.String
	d.AcknowledgedAt = timePtr(ackAt)
	d.FalsePositiveReason = fpReason.String
	d.IncidentNumber = incidentNumber.String
	return &d, nil
}

// GetDiscrepancies lists discrepancies in emission order.
func (s *SQLiteStorage) GetDiscrepancies(ctx context.Context, filter service.DiscrepancyFilter) ([]model.Discrepancy, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(filter.RunID, "runID"); err != nil {
		return nil, err
	}

	query := `SELECT ` + discrepancyColumns + ` FROM discrepancies WHERE run_id = ?`
	args := []any{filter.RunID}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(filter.Severity))
	}
	query += ` ORDER BY row_number`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query discrepancies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Discrepancy
	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan discrepancy: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// GetDiscrepancy retrieves one discrepancy by code.
func (s *SQLiteStorage) GetDiscrepancy(ctx context.Context, code string) (*model.Discrepancy, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(code, "code"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+discrepancyColumns+` FROM discrepancies WHERE code = ?`, code)
	d, err := scanDiscrepancy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewNotFoundError("discrepancy", code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get discrepancy: %w", err)
	}
	return d, nil
}

// GetDiscrepancySummary aggregates a run's persisted discrepancies.
func (s *SQLiteStorage) GetDiscrepancySummary(ctx context.Context, runID string) (*model.DiscrepancySummary, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(runID, "runID"); err != nil {
		return nil, err
	}

	summary := &model.DiscrepancySummary{
		ByType:      make(map[model.DiscrepancyType]int64),
		BySeverity:  make(map[model.Severity]int64),
		ByAttribute: make(map[string]int64),
	}

	groups := []struct {
		apply  func(key string, n int64)
		column string
	}{
		{column: "type", apply: func(k string, n int64) { summary.ByType[model.DiscrepancyType(k)] = n }},
		{column: "severity", apply: func(k string, n int64) { summary.BySeverity[model.Severity(k)] = n }},
		{column: "attribute", apply: func(k string, n int64) { summary.ByAttribute[k] = n }},
	}

	for _, g := range groups {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT %s, COUNT(*) FROM discrepancies
			WHERE run_id = ? AND %s IS NOT NULL
			GROUP BY %s
		`, g.column, g.column, g.column), runID)
		if err != nil {
			return nil, fmt.Errorf("failed to summarize discrepancies by %s: %w", g.column, err)
		}
		for rows.Next() {
			var key string
			var n int64
			if err := rows.Scan(&key, &n); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("failed to scan summary row: %w", err)
			}
			g.apply(key, n)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}

	for _, n := range summary.ByType {
		summary.Total += n
	}
	return summary, nil
}

// AcknowledgeDiscrepancy marks a discrepancy as seen by an operator.
func (s *SQLiteStorage) AcknowledgeDiscrepancy(ctx context.Context, code, actor string, at time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(actor, "actor"); err != nil {
		return err
	}
	return s.updateDiscrepancy(ctx, code, `
		UPDATE discrepancies SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
		WHERE code = ?
	`, actor, utc(at), code)
}

// MarkFalsePositive flags a discrepancy as not a real difference. It also
// counts as an acknowledgement.
func (s *SQLiteStorage) MarkFalsePositive(ctx context.Context, code, actor, reason string, at time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(actor, "actor"); err != nil {
		return err
	}
	if err := validateString(reason, "reason"); err != nil {
		return err
	}
	return s.updateDiscrepancy(ctx, code, `
		UPDATE discrepancies SET false_positive = 1, false_positive_reason = ?,
			acknowledged = 1, acknowledged_by = COALESCE(acknowledged_by, ?),
			acknowledged_at = COALESCE(acknowledged_at, ?)
		WHERE code = ?
	`, reason, actor, utc(at), code)
}

func (s *SQLiteStorage) updateDiscrepancy(ctx context.Context, code, query string, args ...any) error {
	if err := validateString(code, "code"); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update discrepancy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return common.NewNotFoundError("discrepancy", code)
	}
	return nil
}
