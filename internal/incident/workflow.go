// Package incident implements the maker-checker investigation workflow that
// follows a run with discrepancies.
package incident

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/service"
)

// Store is the persistence the workflow needs.
type Store interface {
	service.IncidentStore
	service.DiscrepancyStore
}

// Service applies workflow actions. Mutations of one incident are serialized
// in-process; the store's version check catches writers in other processes.
type Service struct {
	store  Store
	users  service.UserDirectory
	locks  *common.KeyedMutex
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the workflow clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithUserDirectory enables role checks against a directory.
func WithUserDirectory(users service.UserDirectory) Option {
	return func(s *Service) { s.users = users }
}

// WithLogger overrides the workflow logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a workflow service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		locks:  common.NewKeyedMutex(),
		logger: common.Component("incident"),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateFromRun opens one incident for a run's persisted discrepancies. The
// severity is the highest among them and the due date follows from it.
func (s *Service) CreateFromRun(ctx context.Context, run *model.ReconciliationRun) (*model.Incident, error) {
	if run == nil {
		return nil, common.NewValidationError("run", "run is required")
	}
	summary, err := s.store.GetDiscrepancySummary(ctx, run.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize discrepancies: %w", err)
	}
	if summary.Total == 0 {
		return nil, common.NewValidationError("run", fmt.Sprintf("run %s has no discrepancies", run.RunID))
	}

	severities := make([]model.Severity, 0, len(summary.BySeverity))
	for sev := range summary.BySeverity {
		severities = append(severities, sev)
	}
	severity := model.HighestSeverity(severities...)

	now := s.now()
	inc := &model.Incident{
		Title:            model.IncidentTitle(run.ConfigName, run.RunID),
		Description:      describe(run, summary),
		Status:           model.IncidentOpen,
		Severity:         severity,
		RunID:            run.RunID,
		ConfigID:         run.ConfigID,
		DiscrepancyCount: summary.Total,
		DueDate:          now.Add(model.DueOffset(severity)),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	history := &model.IncidentHistory{
		ToStatus:  model.IncidentOpen,
		Action:    model.ActionCreated,
		Actor:     model.SystemActor,
		Comment:   fmt.Sprintf("Created from run %s", run.RunID),
		CreatedAt: now,
	}
	if err := s.store.CreateIncident(ctx, inc, history); err != nil {
		return nil, fmt.Errorf("failed to create incident: %w", err)
	}

	s.logger.Info("incident created",
		"incident", inc.Number,
		"run_id", run.RunID,
		"severity", inc.Severity,
		"discrepancies", inc.DiscrepancyCount)
	return inc, nil
}

func describe(run *model.ReconciliationRun, summary *model.DiscrepancySummary) string {
	types := make([]string, 0, len(summary.ByType))
	for t := range summary.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)

	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%s: %d", t, summary.ByType[model.DiscrepancyType(t)]))
	}
	desc := fmt.Sprintf("%d discrepancies found by run %s (%s).", summary.Total, run.RunID, strings.Join(parts, ", "))
	if run.Counts.Discrepancies > summary.Total {
		desc += fmt.Sprintf(" %d further discrepancies exceeded the cap and were counted only.",
			run.Counts.Discrepancies-summary.Total)
	}
	return desc
}

// change is applied to a loaded incident under its lock. It returns the
// history comment for the transition.
type change func(inc *model.Incident, now time.Time) (string, error)

func (s *Service) mutate(ctx context.Context, number, actor string, action model.IncidentAction, fn change) (*model.Incident, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, common.NewValidationError("actor", "actor is required")
	}

	unlock := s.locks.Lock(number)
	defer unlock()

	inc, err := s.store.GetIncident(ctx, number)
	if err != nil {
		return nil, err
	}
	from := inc.Status
	now := s.now()

	comment, err := fn(inc, now)
	if err != nil {
		return nil, err
	}
	inc.UpdatedAt = now

	history := &model.IncidentHistory{
		FromStatus: &from,
		ToStatus:   inc.Status,
		Action:     action,
		Actor:      actor,
		Comment:    comment,
		CreatedAt:  now,
	}
	if err := s.store.UpdateIncident(ctx, inc, history); err != nil {
		return nil, err
	}

	s.logger.Info("incident transition",
		"incident", number,
		"action", action,
		"actor", actor,
		"from", from,
		"to", inc.Status)
	return inc, nil
}

func invalid(inc *model.Incident, to model.IncidentStatus, reason string) error {
	return &common.InvalidTransitionError{
		Entity: "incident",
		ID:     inc.Number,
		From:   string(inc.Status),
		To:     string(to),
		Reason: reason,
	}
}

func statusIn(status model.IncidentStatus, allowed ...model.IncidentStatus) bool {
	for _, a := range allowed {
		if status == a {
			return true
		}
	}
	return false
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return common.NewValidationError(field, "is required")
	}
	return nil
}

// requireRole checks actor against the directory. Without a directory every
// actor passes.
func (s *Service) requireRole(ctx context.Context, actor, action string, roles ...model.Role) error {
	if s.users == nil {
		return nil
	}
	have, err := s.users.Roles(ctx, actor)
	if err != nil {
		return fmt.Errorf("failed to look up roles for %s: %w", actor, err)
	}
	for _, h := range have {
		for _, r := range roles {
			if h == r {
				return nil
			}
		}
	}
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return &common.AuthorizationError{
		Actor:   actor,
		Action:  action,
		Message: "requires role " + strings.Join(names, " or "),
	}
}

// requireMaker lets the assignee act; anyone else needs MAKER or ADMIN.
func (s *Service) requireMaker(ctx context.Context, inc *model.Incident, actor, action string) error {
	if inc.AssignedTo != "" && inc.AssignedTo == actor {
		return nil
	}
	return s.requireRole(ctx, actor, action, model.RoleMaker, model.RoleAdmin)
}

// requireChecker enforces separation of duties and the checker role.
func (s *Service) requireChecker(ctx context.Context, inc *model.Incident, actor, action string) error {
	if inc.Maker != "" && strings.EqualFold(inc.Maker, actor) {
		return &common.AuthorizationError{
			Actor:   actor,
			Action:  action,
			Message: fmt.Sprintf("checker must differ from maker on incident %s", inc.Number),
		}
	}
	return s.requireRole(ctx, actor, action, model.RoleChecker, model.RoleAdmin)
}

var makerStates = []model.IncidentStatus{
	model.IncidentAssigned,
	model.IncidentUnderInvestigation,
	model.IncidentCheckerRejected,
}
