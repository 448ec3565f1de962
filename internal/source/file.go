package source

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/ofx"
)

// FileExtractor reads CSV, JSON and OFX/QFX files from a directory.
type FileExtractor struct {
	ofx    *ofx.Parser
	logger *slog.Logger
}

// NewFileExtractor creates a file extractor.
func NewFileExtractor(logger *slog.Logger) *FileExtractor {
	return &FileExtractor{ofx: ofx.NewParser(), logger: logger}
}

// Extract reads every file in system.FilePath matching spec.FilePattern
// (default "*"), in name order. Subdirectories are not searched and files
// with unknown extensions are skipped.
func (e *FileExtractor) Extract(ctx context.Context, system model.SourceSystem, spec model.ExtractionSpec) ([]model.Record, error) {
	if system.FilePath == "" {
		return nil, common.NewValidationError("file_path", "is required for "+string(model.SystemFileSystem))
	}
	pattern := spec.FilePattern
	if pattern == "" {
		pattern = "*"
	}

	info, err := os.Stat(system.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", system.FilePath, err)
	}

	// A file path naming a single file reads just that file.
	var paths []string
	if info.IsDir() {
		paths, err = filepath.Glob(filepath.Join(system.FilePath, pattern))
		if err != nil {
			return nil, common.NewValidationError("file_pattern", err.Error())
		}
		sort.Strings(paths)
	} else {
		paths = []string{system.FilePath}
	}

	records := []model.Record{}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fi, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if fi.IsDir() {
			continue
		}

		recs, err := e.readFile(ctx, system, path)
		if errors.Is(err, errUnsupportedFile) {
			e.logger.Warn("skipping file with unsupported extension", "system", system.Code, "file", path)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
		}
		e.logger.Debug("read file", "system", system.Code, "file", path, "records", len(recs))
		records = append(records, recs...)
	}
	return records, nil
}

var errUnsupportedFile = errors.New("unsupported file type")

func (e *FileExtractor) readFile(ctx context.Context, system model.SourceSystem, path string) ([]model.Record, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return readCSV(f, system.Option("delimiter", ","))
	case ".json":
		return readJSON(f)
	case ".ofx", ".qfx":
		return e.ofx.ParseFile(ctx, f)
	default:
		return nil, errUnsupportedFile
	}
}

// readCSV maps each row onto the trimmed header names.
func readCSV(r io.Reader, delimiter string) ([]model.Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	if delimiter != "" {
		comma, _ := utf8.DecodeRuneInString(delimiter)
		reader.Comma = comma
	}

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return []model.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var records []model.Record
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		rec := make(model.Record, len(header))
		for i, name := range header {
			if name == "" {
				continue
			}
			if i < len(row) {
				rec[name] = strings.TrimSpace(row[i])
			} else {
				rec[name] = nil
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// readJSON accepts an array of objects or an object with a "records" array.
func readJSON(r io.Reader) ([]model.Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	if obj, ok := doc.(map[string]any); ok {
		doc, ok = obj["records"]
		if !ok {
			return nil, errors.New(`JSON object has no "records" array`)
		}
	}
	return toRecords(doc)
}

// toRecords converts a decoded JSON array of objects. Nested values are kept
// as their JSON text so records stay flat.
func toRecords(doc any) ([]model.Record, error) {
	items, ok := doc.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a JSON array of records, got %T", doc)
	}
	records := make([]model.Record, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("record %d is %T, not an object", i, item)
		}
		rec := make(model.Record, len(obj))
		for k, v := range obj {
			switch v.(type) {
			case map[string]any, []any:
				data, _ := json.Marshal(v)
				rec[k] = string(data)
			default:
				rec[k] = v
			}
		}
		records = append(records, rec)
	}
	return records, nil
}
