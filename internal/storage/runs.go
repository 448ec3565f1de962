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

const runColumns = `run_id, config_id, config_code, config_name, status, triggered_by, scheduled,
	created_at, updated_at, started_at, completed_at,
	source_extraction_ms, target_extraction_ms, comparison_ms, total_ms,
	source_count, target_count, matched_count, mismatched_records, attribute_mismatches,
	missing_in_source, missing_in_target, duplicate_target_keys, discrepancy_count,
	persisted_discrepancies, error_message, error_trace`

// CreateRun persists a new run.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *model.ReconciliationRun) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateRun(run); err != nil {
		return err
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, config_id, config_code, config_name, status, triggered_by,
			scheduled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.ConfigID, run.ConfigCode, run.ConfigName, string(run.Status),
		run.TriggeredBy, run.Scheduled, utc(run.CreatedAt), utc(run.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: run %s", common.ErrDuplicateEntry, run.RunID)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.ReconciliationRun, error) {
	var (
		run                          model.ReconciliationRun
		status                       string
		startedAt, completedAt       sql.NullTime
		srcMs, tgtMs, cmpMs, totalMs int64
		errMsg, errTrace             sql.NullString
	)
	err := row.Scan(
		&run.RunID, &run.ConfigID, &run.ConfigCode, &run.ConfigName, &status, &run.TriggeredBy,
		&run.Scheduled, &run.CreatedAt, &run.UpdatedAt, &startedAt, &completedAt,
		&srcMs, &tgtMs, &cmpMs, &totalMs,
		&run.Counts.Source, &run.Counts.Target, &run.Counts.Matched, &run.Counts.MismatchedRecords,
		&run.Counts.AttributeMismatches, &run.Counts.MissingInSource, &run.Counts.MissingInTarget,
		&run.Counts.DuplicateTargetKeys, &run.Counts.Discrepancies, &run.Counts.PersistedDiscrepancies,
		&errMsg, &errTrace,
	)
	if err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	run.Durations = model.RunDurations{
		SourceExtraction: time.Duration(srcMs) * time.Millisecond,
		TargetExtraction: time.Duration(tgtMs) * time.Millisecond,
		Comparison:       time.Duration(cmpMs) * time.Millisecond,
		Total:            time.Duration(totalMs) * time.Millisecond,
	}
	run.ErrorMessage = errMsg.String
	run.ErrorTrace = errTrace.String
	return &run, nil
}

// GetRun retrieves a run by id.
func (s *SQLiteStorage) GetRun(ctx context.Context, runID string) (*model.ReconciliationRun, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(runID, "runID"); err != nil {
		return nil, err
	}
	return s.getRunTx(ctx, s.db, runID)
}

func (s *SQLiteStorage) getRunTx(ctx context.Context, q queryable, runID string) (*model.ReconciliationRun, error) {
	row := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewNotFoundError("run", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, filter service.RunFilter) ([]model.ReconciliationRun, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if filter.ConfigID != "" {
		query += ` AND config_id = ?`
		args = append(args, filter.ConfigID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, run_id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return s.queryRuns(ctx, query, args...)
}

func (s *SQLiteStorage) queryRuns(ctx context.Context, query string, args ...any) ([]model.ReconciliationRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.ReconciliationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// TransitionRun applies a compare-and-set status change.
func (s *SQLiteStorage) TransitionRun(ctx context.Context, tr service.RunTransition) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if err := validateString(tr.RunID, "runID"); err != nil {
		return false, err
	}
	if tr.At.IsZero() {
		tr.At = time.Now()
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(tr.To), utc(tr.At)}

	if tr.To == model.RunInProgress {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, utc(tr.At))
	}
	if tr.To.IsTerminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, utc(tr.At))
	}
	if tr.Durations != nil {
		sets = append(sets, "source_extraction_ms = ?", "target_extraction_ms = ?", "comparison_ms = ?", "total_ms = ?")
		args = append(args,
			tr.Durations.SourceExtraction.Milliseconds(),
			tr.Durations.TargetExtraction.Milliseconds(),
			tr.Durations.Comparison.Milliseconds(),
			tr.Durations.Total.Milliseconds())
	}
	if tr.ErrorMessage != "" {
		sets = append(sets, "error_message = ?", "error_trace = ?")
		args = append(args, tr.ErrorMessage, nullString(tr.ErrorTrace))
	}
	args = append(args, tr.RunID, string(tr.From))

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE run_id = ? AND status = ?`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	// distinguish a lost race from a missing run
	if _, err := s.getRunTx(ctx, s.db, tr.RunID); err != nil {
		return false, err
	}
	return false, nil
}

// SaveRunResults writes counters and the materialized discrepancies atomically.
// Only a COMPARING run accepts results; a run cancelled meanwhile yields
// ErrRunCancelled and is left untouched.
func (s *SQLiteStorage) SaveRunResults(ctx context.Context, runID string, counts model.RunCounts, discrepancies []model.Discrepancy) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(runID, "runID"); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE runs SET
				source_count = ?, target_count = ?, matched_count = ?, mismatched_records = ?,
				attribute_mismatches = ?, missing_in_source = ?, missing_in_target = ?,
				duplicate_target_keys = ?, discrepancy_count = ?, persisted_discrepancies = ?,
				updated_at = ?
			WHERE run_id = ? AND status = ?
		`, counts.Source, counts.Target, counts.Matched, counts.MismatchedRecords,
			counts.AttributeMismatches, counts.MissingInSource, counts.MissingInTarget,
			counts.DuplicateTargetKeys, counts.Discrepancies, int64(len(discrepancies)),
			utc(time.Now()), runID, string(model.RunComparing))
		if err != nil {
			return fmt.Errorf("failed to update run counts: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			run, err := s.getRunTx(ctx, tx, runID)
			if err != nil {
				return err
			}
			if run.Status == model.RunCancelled {
				return fmt.Errorf("%w: %s", common.ErrRunCancelled, runID)
			}
			return &common.InvalidTransitionError{
				Entity: "run", ID: runID, From: string(run.Status), Reason: "is not accepting results",
			}
		}

		if len(discrepancies) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO discrepancies (code, run_id, type, severity, record_key, attribute,
				source_value, target_value, difference_amount, difference_percent,
				source_record, target_record, row_number, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare discrepancy insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for i := range discrepancies {
			d := &discrepancies[i]
			createdAt := d.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now()
			}
			if _, err := stmt.ExecContext(ctx,
				d.Code, runID, string(d.Type), string(d.Severity), d.RecordKey, nullString(d.Attribute),
				d.SourceValue, d.TargetValue, nullFloat(d.DifferenceAmount), nullFloat(d.DifferencePercent),
				nullString(d.SourceRecordJSON), nullString(d.TargetRecordJSON), d.RowNumber, utc(createdAt),
			); err != nil {
				return fmt.Errorf("failed to insert discrepancy %s: %w", d.Code, err)
			}
		}
		return nil
	})
}

// AddRunLog appends a step log entry.
func (s *SQLiteStorage) AddRunLog(ctx context.Context, entry *model.RunLog) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: run log", ErrNilParameter)
	}
	if err := validateString(entry.RunID, "runID"); err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Level == "" {
		entry.Level = model.LogInfo
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_logs (run_id, level, step, message, details, duration_ms, records_processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.RunID, string(entry.Level), entry.Step, entry.Message, nullString(entry.Details),
		entry.Duration.Milliseconds(), entry.RecordsProcessed, utc(entry.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to add run log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// GetRunLogs returns the step log of a run in insertion order.
func (s *SQLiteStorage) GetRunLogs(ctx context.Context, runID string) ([]model.RunLog, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(runID, "runID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, level, step, message, details, duration_ms, records_processed, created_at
		FROM run_logs
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []model.RunLog
	for rows.Next() {
		var (
			entry      model.RunLog
			level      string
			details    sql.NullString
			durationMs int64
		)
		if err := rows.Scan(&entry.ID, &entry.RunID, &level, &entry.Step, &entry.Message, &details,
			&durationMs, &entry.RecordsProcessed, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan run log: %w", err)
		}
		entry.Level = model.LogLevel(level)
		entry.Details = details.String
		entry.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

var terminalRunStatuses = []any{
	string(model.RunCompleted),
	string(model.RunCompletedWithDiscrepancies),
	string(model.RunFailed),
	string(model.RunCancelled),
}

// StuckRuns returns non-terminal runs whose last update is older than the cutoff.
func (s *SQLiteStorage) StuckRuns(ctx context.Context, notUpdatedSince time.Time) ([]model.ReconciliationRun, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	args := append([]any{}, terminalRunStatuses...)
	args = append(args, utc(notUpdatedSince))
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs
		WHERE status NOT IN (?, ?, ?, ?) AND updated_at < ?
		ORDER BY updated_at`, args...)
}

// PurgeRuns deletes terminal runs created before the cutoff. Logs and
// discrepancies go with them through the foreign-key cascade.
func (s *SQLiteStorage) PurgeRuns(ctx context.Context, createdBefore time.Time) (int64, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	args := append([]any{}, terminalRunStatuses...)
	args = append(args, utc(createdBefore))
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE status IN (?, ?, ?, ?) AND created_at < ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge runs: %w", err)
	}
	return res.RowsAffected()
}
