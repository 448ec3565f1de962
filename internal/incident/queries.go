package incident

import (
	"context"

	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/service"
)

// Get returns one incident.
func (s *Service) Get(ctx context.Context, number string) (*model.Incident, error) {
	return s.store.GetIncident(ctx, number)
}

// List returns incidents matching filter.
func (s *Service) List(ctx context.Context, filter service.IncidentFilter) ([]model.Incident, error) {
	return s.store.ListIncidents(ctx, filter)
}

// PendingReview returns incidents waiting for a checker.
func (s *Service) PendingReview(ctx context.Context) ([]model.Incident, error) {
	return s.store.ListIncidents(ctx, service.IncidentFilter{Status: model.IncidentPendingCheckerReview})
}

// Overdue returns open incidents whose SLA has been breached.
func (s *Service) Overdue(ctx context.Context) ([]model.Incident, error) {
	now := s.now()
	return s.store.ListIncidents(ctx, service.IncidentFilter{OpenOnly: true, DueBefore: &now})
}

// History returns the audit trail of an incident.
func (s *Service) History(ctx context.Context, number string) ([]model.IncidentHistory, error) {
	if _, err := s.store.GetIncident(ctx, number); err != nil {
		return nil, err
	}
	return s.store.GetIncidentHistory(ctx, number)
}

// Comments returns the comments on an incident.
func (s *Service) Comments(ctx context.Context, number string) ([]model.IncidentComment, error) {
	return s.store.GetIncidentComments(ctx, number)
}

// Counts returns the number of incidents per status, including empty ones.
func (s *Service) Counts(ctx context.Context) (map[model.IncidentStatus]int64, error) {
	counts, err := s.store.CountIncidentsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, status := range model.IncidentStatuses {
		if _, ok := counts[status]; !ok {
			counts[status] = 0
		}
	}
	return counts, nil
}
