package sheets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/service"
)

// Reader fetches value ranges from spreadsheets.
type Reader struct {
	service *sheets.Service
	logger  *slog.Logger
	config  Config
}

// NewReader authenticates with config and creates a Reader.
func NewReader(ctx context.Context, config Config, logger *slog.Logger) (*Reader, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	svc, err := createSheetsService(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return NewReaderWithService(svc, config, logger), nil
}

// NewReaderWithService wraps an existing Sheets service.
func NewReaderWithService(svc *sheets.Service, config Config, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default().With("component", "sheets")
	}
	return &Reader{service: svc, config: config, logger: logger}
}

// createSheetsService creates a read-only Google Sheets API service.
func createSheetsService(ctx context.Context, config Config) (*sheets.Service, error) {
	var tokenSource oauth2.TokenSource

	if config.ServiceAccountPath != "" {
		jsonKey, err := os.ReadFile(config.ServiceAccountPath)
		if err != nil {
			return nil, fmt.Errorf("unable to read service account key file: %w", err)
		}
		jwtConfig, err := google.JWTConfigFromJSON(jsonKey, sheets.SpreadsheetsReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("unable to parse service account key: %w", err)
		}
		tokenSource = jwtConfig.TokenSource(ctx)
	} else {
		oauthConfig := oauthConfig(OAuth2Config{ClientID: config.ClientID, ClientSecret: config.ClientSecret})

		token := &oauth2.Token{RefreshToken: config.RefreshToken, TokenType: "Bearer"}
		if config.RefreshToken == "" && config.TokenFile != "" {
			saved, err := LoadToken(config.TokenFile)
			if err != nil {
				return nil, fmt.Errorf("unable to load token from %s: %w", config.TokenFile, err)
			}
			token = saved
		}
		tokenSource = oauthConfig.TokenSource(ctx, token)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, tokenSource)))
	if err != nil {
		return nil, fmt.Errorf("unable to create sheets service: %w", err)
	}
	return srv, nil
}

// ReadRange returns the formatted cell values of a range, retrying transient failures.
func (r *Reader) ReadRange(ctx context.Context, spreadsheetID, readRange string) ([][]any, error) {
	if spreadsheetID == "" {
		return nil, common.NewValidationError("spreadsheet_id", "is required")
	}
	if readRange == "" {
		return nil, common.NewValidationError("range", "is required")
	}

	retryOpts := service.RetryOptions{
		MaxAttempts:  r.config.RetryAttempts,
		InitialDelay: r.config.RetryDelay,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}

	var values [][]any
	err := common.WithRetry(ctx, func() error {
		resp, err := r.service.Spreadsheets.Values.Get(spreadsheetID, readRange).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("unable to read %s from spreadsheet %s: %w", readRange, spreadsheetID, err)
		}
		values = resp.Values
		return nil
	}, retryOpts)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("read sheet range", "spreadsheet_id", spreadsheetID, "range", readRange, "rows", len(values))
	return values, nil
}

// ReadRecords reads a range whose first row is the header and returns one
// record per following row. Short rows leave trailing attributes nil and
// blank header cells are skipped.
func (r *Reader) ReadRecords(ctx context.Context, spreadsheetID, readRange string) ([]model.Record, error) {
	values, err := r.ReadRange(ctx, spreadsheetID, readRange)
	if err != nil {
		return nil, err
	}
	return RowsToRecords(values), nil
}

// RowsToRecords converts a header row plus data rows into records.
func RowsToRecords(values [][]any) []model.Record {
	if len(values) == 0 {
		return []model.Record{}
	}

	header := make([]string, len(values[0]))
	for i, cell := range values[0] {
		header[i] = strings.TrimSpace(fmt.Sprint(cell))
	}

	records := make([]model.Record, 0, len(values)-1)
	for _, row := range values[1:] {
		rec := make(model.Record, len(header))
		for i, name := range header {
			if name == "" {
				continue
			}
			if i < len(row) {
				rec[name] = row[i]
			} else {
				rec[name] = nil
			}
		}
		records = append(records, rec)
	}
	return records
}
