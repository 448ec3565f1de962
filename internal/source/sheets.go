package source

import (
	"context"
	"log/slog"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/sheets"
)

// DefaultSheetRange is read when a GOOGLE_SHEETS extraction names no range.
const DefaultSheetRange = "Sheet1"

// RecordReader reads a header-plus-rows range as records.
type RecordReader interface {
	ReadRecords(ctx context.Context, spreadsheetID, readRange string) ([]model.Record, error)
}

// SheetsExtractor reads a spreadsheet range.
type SheetsExtractor struct {
	newReader func(ctx context.Context, cfg sheets.Config) (RecordReader, error)
	config    sheets.Config
}

// NewSheetsExtractor creates a Sheets extractor authenticating with config.
func NewSheetsExtractor(config sheets.Config, logger *slog.Logger) *SheetsExtractor {
	return &SheetsExtractor{
		config: config,
		newReader: func(ctx context.Context, cfg sheets.Config) (RecordReader, error) {
			return sheets.NewReader(ctx, cfg, logger)
		},
	}
}

// WithReaderFactory replaces the reader constructor.
func (e *SheetsExtractor) WithReaderFactory(f func(ctx context.Context, cfg sheets.Config) (RecordReader, error)) *SheetsExtractor {
	e.newReader = f
	return e
}

// Extract reads spec.Query as an A1 range (default Sheet1) from the
// spreadsheet named by the spreadsheet_id option, or the system's file path
// when the option is unset. The first row is the header.
func (e *SheetsExtractor) Extract(ctx context.Context, system model.SourceSystem, spec model.ExtractionSpec) ([]model.Record, error) {
	spreadsheetID := system.Option("spreadsheet_id", system.FilePath)
	if spreadsheetID == "" {
		return nil, common.NewValidationError("spreadsheet_id", "option is required for "+string(model.SystemGoogleSheets))
	}
	readRange := spec.Query
	if readRange == "" {
		readRange = DefaultSheetRange
	}

	cfg := e.config
	if v := system.Option("service_account_path", ""); v != "" {
		cfg.ServiceAccountPath = v
		cfg.ClientID, cfg.ClientSecret, cfg.RefreshToken, cfg.TokenFile = "", "", "", ""
	}

	reader, err := e.newReader(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return reader.ReadRecords(ctx, spreadsheetID, readRange)
}
