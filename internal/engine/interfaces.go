package engine

import (
	"context"

	"github.com/Veraticus/recon-flow/internal/model"
)

// IncidentOpener opens the follow-up incident for a run with discrepancies.
type IncidentOpener interface {
	CreateFromRun(ctx context.Context, run *model.ReconciliationRun) (*model.Incident, error)
}
