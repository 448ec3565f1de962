package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 4

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

func execAll(tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Runs and run logs",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS runs (
					run_id TEXT PRIMARY KEY,
					config_id TEXT NOT NULL,
					config_code TEXT NOT NULL,
					config_name TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL,
					triggered_by TEXT NOT NULL DEFAULT '',
					scheduled INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL,
					started_at DATETIME,
					completed_at DATETIME,
					source_extraction_ms INTEGER NOT NULL DEFAULT 0,
					target_extraction_ms INTEGER NOT NULL DEFAULT 0,
					comparison_ms INTEGER NOT NULL DEFAULT 0,
					total_ms INTEGER NOT NULL DEFAULT 0,
					source_count INTEGER NOT NULL DEFAULT 0,
					target_count INTEGER NOT NULL DEFAULT 0,
					matched_count INTEGER NOT NULL DEFAULT 0,
					mismatched_records INTEGER NOT NULL DEFAULT 0,
					attribute_mismatches INTEGER NOT NULL DEFAULT 0,
					missing_in_source INTEGER NOT NULL DEFAULT 0,
					missing_in_target INTEGER NOT NULL DEFAULT 0,
					duplicate_target_keys INTEGER NOT NULL DEFAULT 0,
					discrepancy_count INTEGER NOT NULL DEFAULT 0,
					persisted_discrepancies INTEGER NOT NULL DEFAULT 0,
					error_message TEXT,
					error_trace TEXT
				)`,
				`CREATE INDEX idx_runs_config ON runs(config_id, created_at)`,
				`CREATE INDEX idx_runs_status ON runs(status, updated_at)`,

				`CREATE TABLE IF NOT EXISTS run_logs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL,
					level TEXT NOT NULL,
					step TEXT NOT NULL,
					message TEXT NOT NULL,
					details TEXT,
					duration_ms INTEGER NOT NULL DEFAULT 0,
					records_processed INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
				)`,
				`CREATE INDEX idx_run_logs_run ON run_logs(run_id, id)`,
			})
		},
	},
	{
		Version:     2,
		Description: "Discrepancies",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS discrepancies (
					code TEXT PRIMARY KEY,
					run_id TEXT NOT NULL,
					type TEXT NOT NULL,
					severity TEXT NOT NULL,
					record_key TEXT NOT NULL,
					attribute TEXT,
					source_value TEXT,
					target_value TEXT,
					difference_amount REAL,
					difference_percent REAL,
					source_record TEXT,
					target_record TEXT,
					row_number INTEGER NOT NULL DEFAULT 0,
					acknowledged INTEGER NOT NULL DEFAULT 0,
					acknowledged_by TEXT,
					acknowledged_at DATETIME,
					false_positive INTEGER NOT NULL DEFAULT 0,
					false_positive_reason TEXT,
					incident_number TEXT,
					created_at DATETIME NOT NULL,
					FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
				)`,
				`CREATE INDEX idx_discrepancies_run ON discrepancies(run_id, row_number)`,
				`CREATE INDEX idx_discrepancies_type ON discrepancies(run_id, type)`,
			})
		},
	},
	{
		Version:     3,
		Description: "Incidents with append-only history",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS incidents (
					number TEXT PRIMARY KEY,
					title TEXT NOT NULL,
					description TEXT,
					status TEXT NOT NULL,
					severity TEXT NOT NULL,
					run_id TEXT NOT NULL UNIQUE,
					config_id TEXT NOT NULL,
					discrepancy_count INTEGER NOT NULL DEFAULT 0,
					assigned_to TEXT,
					assigned_at DATETIME,
					maker TEXT,
					checker TEXT,
					investigation_started_at DATETIME,
					resolution_proposed_at DATETIME,
					resolution_approved_at DATETIME,
					closed_at DATETIME,
					cancelled_at DATETIME,
					due_date DATETIME NOT NULL,
					root_cause TEXT,
					proposed_resolution TEXT,
					resolution_notes TEXT,
					checker_comments TEXT,
					rejection_reason TEXT,
					rejection_count INTEGER NOT NULL DEFAULT 0,
					escalation_level INTEGER NOT NULL DEFAULT 0,
					escalated_at DATETIME,
					escalated_to TEXT,
					cancel_reason TEXT,
					version INTEGER NOT NULL DEFAULT 1,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_incidents_status ON incidents(status, due_date)`,
				`CREATE INDEX idx_incidents_assignee ON incidents(assigned_to)`,

				`CREATE TABLE IF NOT EXISTS incident_history (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					incident_number TEXT NOT NULL,
					from_status TEXT,
					to_status TEXT NOT NULL,
					action TEXT NOT NULL,
					actor TEXT NOT NULL,
					comment TEXT,
					created_at DATETIME NOT NULL,
					FOREIGN KEY (incident_number) REFERENCES incidents(number)
				)`,
				`CREATE INDEX idx_incident_history_number ON incident_history(incident_number, id)`,
				`CREATE TRIGGER incident_history_no_update BEFORE UPDATE ON incident_history
				BEGIN
					SELECT RAISE(ABORT, 'incident history is append-only');
				END`,
				`CREATE TRIGGER incident_history_no_delete BEFORE DELETE ON incident_history
				BEGIN
					SELECT RAISE(ABORT, 'incident history is append-only');
				END`,
			})
		},
	},
	{
		Version:     4,
		Description: "Incident comments",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS incident_comments (
					id TEXT PRIMARY KEY,
					incident_number TEXT NOT NULL,
					author TEXT NOT NULL,
					body TEXT NOT NULL,
					internal INTEGER NOT NULL DEFAULT 0,
					attachment_path TEXT,
					created_at DATETIME NOT NULL,
					FOREIGN KEY (incident_number) REFERENCES incidents(number) ON DELETE CASCADE
				)`,
				`CREATE INDEX idx_incident_comments_number ON incident_comments(incident_number, created_at)`,
			})
		},
	},
}

// Migrate brings the schema up to ExpectedSchemaVersion.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}

// SchemaVersion reports the schema version stored in the database.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}
