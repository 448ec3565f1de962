package source

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // default DATABASE driver

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
)

// DefaultDriver is used when a DATABASE system names no driver.
const DefaultDriver = "sqlite3"

// DatabaseExtractor runs the extraction query against a database/sql driver.
type DatabaseExtractor struct {
	open func(driver, dsn string) (*sql.DB, error)
}

// NewDatabaseExtractor creates a database extractor.
func NewDatabaseExtractor() *DatabaseExtractor {
	return &DatabaseExtractor{open: sql.Open}
}

// Extract executes spec.Query and returns one record per row, keyed by
// column name. Byte columns become strings; NULL stays nil.
func (e *DatabaseExtractor) Extract(ctx context.Context, system model.SourceSystem, spec model.ExtractionSpec) ([]model.Record, error) {
	if system.ConnectionString == "" {
		return nil, common.NewValidationError("connection_string", "is required for "+string(model.SystemDatabase))
	}
	if spec.Query == "" {
		return nil, common.NewValidationError("query", "is required for "+string(model.SystemDatabase))
	}
	driver := system.Driver
	if driver == "" {
		driver = DefaultDriver
	}

	db, err := e.open(driver, system.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, spec.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to run extraction query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	records := []model.Record{}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row %d: %w", len(records)+1, err)
		}
		rec := make(model.Record, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				rec[col] = string(b)
			} else {
				rec[col] = values[i]
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return records, nil
}
