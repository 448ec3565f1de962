// Package storage provides the SQLite persistence layer for runs, discrepancies and incidents.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
)

// Validation errors.
var (
	ErrNilContext   = errors.New("context cannot be nil")
	ErrEmptyString  = errors.New("string parameter cannot be empty")
	ErrNilParameter = errors.New("parameter cannot be nil")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validateRun(run *model.ReconciliationRun) error {
	if run == nil {
		return fmt.Errorf("%w: run", ErrNilParameter)
	}
	if run.RunID == "" {
		return common.NewValidationError("run.run_id", "missing run id")
	}
	if run.ConfigID == "" {
		return common.NewValidationError("run.config_id", "missing config id")
	}
	if run.Status == "" {
		return common.NewValidationError("run.status", "missing status")
	}
	return nil
}

func validateIncident(incident *model.Incident) error {
	if incident == nil {
		return fmt.Errorf("%w: incident", ErrNilParameter)
	}
	if incident.RunID == "" {
		return common.NewValidationError("incident.run_id", "missing run id")
	}
	if incident.Title == "" {
		return common.NewValidationError("incident.title", "missing title")
	}
	if !incident.Severity.IsValid() {
		return common.NewValidationError("incident.severity", fmt.Sprintf("unknown severity %q", incident.Severity))
	}
	if incident.CreatedAt.IsZero() {
		return common.NewValidationError("incident.created_at", "missing creation time")
	}
	return nil
}

func validateHistory(h *model.IncidentHistory) error {
	if h == nil {
		return fmt.Errorf("%w: history", ErrNilParameter)
	}
	if h.Action == "" || h.Actor == "" {
		return common.NewValidationError("history", "action and actor are required")
	}
	return nil
}
