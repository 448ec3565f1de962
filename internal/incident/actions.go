package incident

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/recon-flow/internal/model"
)

// Assign hands the incident to an analyst. Any state may be reassigned,
// which is how a closed or cancelled incident is reopened.
func (s *Service) Assign(ctx context.Context, number, assignee, actor string) (*model.Incident, error) {
	if err := required("assignee", assignee); err != nil {
		return nil, err
	}
	return s.mutate(ctx, number, actor, model.ActionAssigned, func(inc *model.Incident, now time.Time) (string, error) {
		if err := s.requireRole(ctx, assignee, "be assigned incidents", model.RoleMaker, model.RoleAdmin); err != nil {
			return "", err
		}
		inc.AssignedTo = assignee
		inc.AssignedAt = &now
		inc.Status = model.IncidentAssigned
		return "Assigned to " + assignee, nil
	})
}

// StartInvestigation records the actor as maker and moves the incident under investigation.
func (s *Service) StartInvestigation(ctx context.Context, number, actor string) (*model.Incident, error) {
	return s.mutate(ctx, number, actor, model.ActionInvestigationStarted, func(inc *model.Incident, now time.Time) (string, error) {
		if !statusIn(inc.Status, makerStates...) {
			return "", invalid(inc, model.IncidentUnderInvestigation, "is not assigned for investigation")
		}
		if err := s.requireMaker(ctx, inc, actor, "investigate"); err != nil {
			return "", err
		}
		inc.Maker = actor
		if inc.InvestigationStartedAt == nil {
			inc.InvestigationStartedAt = &now
		}
		inc.Status = model.IncidentUnderInvestigation
		return "", nil
	})
}

// SubmitResolution proposes a fix for checker review.
func (s *Service) SubmitResolution(ctx context.Context, number, actor, rootCause, resolution string) (*model.Incident, error) {
	if err := required("root_cause", rootCause); err != nil {
		return nil, err
	}
	if err := required("proposed_resolution", resolution); err != nil {
		return nil, err
	}
	return s.mutate(ctx, number, actor, model.ActionResolutionSubmitted, func(inc *model.Incident, now time.Time) (string, error) {
		if !statusIn(inc.Status, makerStates...) {
			return "", invalid(inc, model.IncidentPendingCheckerReview, "is not open for a resolution")
		}
		if err := s.requireMaker(ctx, inc, actor, "submit a resolution"); err != nil {
			return "", err
		}
		inc.Maker = actor
		inc.RootCause = rootCause
		inc.ProposedResolution = resolution
		inc.ResolutionProposedAt = &now
		inc.Status = model.IncidentPendingCheckerReview
		return resolution, nil
	})
}

// Approve accepts the proposed resolution. The checker must not be the maker.
func (s *Service) Approve(ctx context.Context, number, checker, comments string) (*model.Incident, error) {
	return s.mutate(ctx, number, checker, model.ActionApproved, func(inc *model.Incident, now time.Time) (string, error) {
		if inc.Status != model.IncidentPendingCheckerReview {
			return "", invalid(inc, model.IncidentResolved, "is not pending checker review")
		}
		if err := s.requireChecker(ctx, inc, checker, "approve"); err != nil {
			return "", err
		}
		inc.Checker = checker
		inc.CheckerComments = comments
		inc.ResolutionApprovedAt = &now
		inc.Status = model.IncidentResolved
		return comments, nil
	})
}

// Reject sends the resolution back to the maker with a reason.
func (s *Service) Reject(ctx context.Context, number, checker, reason string) (*model.Incident, error) {
	if err := required("reason", reason); err != nil {
		return nil, err
	}
	return s.mutate(ctx, number, checker, model.ActionRejected, func(inc *model.Incident, _ time.Time) (string, error) {
		if inc.Status != model.IncidentPendingCheckerReview {
			return "", invalid(inc, model.IncidentCheckerRejected, "is not pending checker review")
		}
		if err := s.requireChecker(ctx, inc, checker, "reject"); err != nil {
			return "", err
		}
		inc.Checker = checker
		inc.CheckerComments = reason
		inc.RejectionReason = reason
		inc.RejectionCount++
		inc.Status = model.IncidentCheckerRejected
		return reason, nil
	})
}

// Close finishes a resolved incident.
func (s *Service) Close(ctx context.Context, number, actor, notes string) (*model.Incident, error) {
	return s.mutate(ctx, number, actor, model.ActionClosed, func(inc *model.Incident, now time.Time) (string, error) {
		if inc.Status != model.IncidentResolved {
			return "", invalid(inc, model.IncidentClosed, "is not resolved")
		}
		if notes != "" {
			inc.ResolutionNotes = notes
		}
		inc.ClosedAt = &now
		inc.Status = model.IncidentClosed
		return notes, nil
	})
}

// Escalate raises the escalation level and routes the incident to target.
func (s *Service) Escalate(ctx context.Context, number, actor, target, reason string) (*model.Incident, error) {
	if err := required("escalate_to", target); err != nil {
		return nil, err
	}
	return s.mutate(ctx, number, actor, model.ActionEscalated, func(inc *model.Incident, now time.Time) (string, error) {
		if !inc.Status.IsOpen() {
			return "", invalid(inc, model.IncidentEscalated, "is no longer open")
		}
		inc.EscalationLevel++
		inc.EscalatedAt = &now
		inc.EscalatedTo = target
		inc.Status = model.IncidentEscalated
		comment := fmt.Sprintf("Escalated to %s (level %d)", target, inc.EscalationLevel)
		if reason != "" {
			comment += ": " + reason
		}
		return comment, nil
	})
}

// Cancel withdraws an open incident, typically as a false positive.
func (s *Service) Cancel(ctx context.Context, number, actor, reason string) (*model.Incident, error) {
	if err := required("reason", reason); err != nil {
		return nil, err
	}
	return s.mutate(ctx, number, actor, model.ActionCancelled, func(inc *model.Incident, now time.Time) (string, error) {
		if !inc.Status.IsOpen() {
			return "", invalid(inc, model.IncidentCancelled, "is no longer open")
		}
		inc.CancelReason = reason
		inc.CancelledAt = &now
		inc.Status = model.IncidentCancelled
		return reason, nil
	})
}

// Comment attaches a note to an incident without changing its status.
func (s *Service) Comment(ctx context.Context, number, author, body string, internal bool, attachment string) (*model.IncidentComment, error) {
	if err := required("author", author); err != nil {
		return nil, err
	}
	if err := required("body", body); err != nil {
		return nil, err
	}
	c := &model.IncidentComment{
		ID:             s.newID(),
		IncidentNumber: number,
		Author:         author,
		Body:           strings.TrimSpace(body),
		Internal:       internal,
		AttachmentPath: attachment,
		CreatedAt:      s.now(),
	}
	if err := s.store.AddIncidentComment(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to add comment: %w", err)
	}
	return c, nil
}
