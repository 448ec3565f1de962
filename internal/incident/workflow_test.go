package incident

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/service"
	"github.com/Veraticus/recon-flow/internal/service/mocks"
	"github.com/Veraticus/recon-flow/internal/testutil"
)

var fixedNow = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

// seedRunWithDiscrepancies stores a compared run carrying one discrepancy per severity.
func seedRunWithDiscrepancies(t *testing.T, db *testutil.TestDB, severities ...model.Severity) *model.ReconciliationRun {
	t.Helper()
	ctx := context.Background()
	run := db.SeedRun(model.RunComparing)

	discs := make([]model.Discrepancy, len(severities))
	for i, sev := range severities {
		discs[i] = model.Discrepancy{
			Code:      model.DiscrepancyCode(run.RunID, int64(i)),
			RunID:     run.RunID,
			Type:      model.AttributeMismatch,
			Severity:  sev,
			RecordKey: "K",
			Attribute: "amount",
			RowNumber: int64(i),
			CreatedAt: fixedNow,
		}
	}
	counts := model.RunCounts{Discrepancies: int64(len(discs)), AttributeMismatches: int64(len(discs))}
	require.NoError(t, db.Storage.SaveRunResults(ctx, run.RunID, counts, discs))
	run.Counts = counts
	return run
}

func newTestService(t *testing.T, opts ...Option) (*Service, *testutil.TestDB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewService(db.Storage, opts...), db
}

func TestCreateFromRun(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	run := seedRunWithDiscrepancies(t, db, model.SeverityLow, model.SeverityHigh, model.SeverityMedium)
	inc, err := svc.CreateFromRun(ctx, run)
	require.NoError(t, err)

	assert.Equal(t, "INC-20250602-0001", inc.Number)
	assert.Equal(t, model.IncidentOpen, inc.Status)
	assert.Equal(t, model.SeverityHigh, inc.Severity)
	assert.Equal(t, fixedNow.Add(24*time.Hour), inc.DueDate)
	assert.Equal(t, int64(3), inc.DiscrepancyCount)
	assert.Equal(t, model.IncidentTitle(run.ConfigName, run.RunID), inc.Title)
	assert.Contains(t, inc.Description, "ATTRIBUTE_MISMATCH: 3")

	discs, err := db.Storage.GetDiscrepancies(ctx, service.DiscrepancyFilter{RunID: run.RunID})
	require.NoError(t, err)
	for _, d := range discs {
		assert.Equal(t, inc.Number, d.IncidentNumber)
	}

	history, err := svc.History(ctx, inc.Number)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].FromStatus)
	assert.Equal(t, model.SystemActor, history[0].Actor)

	_, err = svc.CreateFromRun(ctx, run)
	assert.ErrorIs(t, err, common.ErrDuplicateEntry, "one incident per run")

	empty := db.SeedRun(model.RunCompleted)
	_, err = svc.CreateFromRun(ctx, empty)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestDueDateBySeverity(t *testing.T) {
	tests := []struct {
		severity model.Severity
		due      time.Duration
	}{
		{model.SeverityCritical, 4 * time.Hour},
		{model.SeverityHigh, 24 * time.Hour},
		{model.SeverityMedium, 3 * 24 * time.Hour},
		{model.SeverityLow, 7 * 24 * time.Hour},
		{model.SeverityInfo, 14 * 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			svc, db := newTestService(t)
			run := seedRunWithDiscrepancies(t, db, tt.severity)
			inc, err := svc.CreateFromRun(context.Background(), run)
			require.NoError(t, err)
			assert.Equal(t, fixedNow.Add(tt.due), inc.DueDate)
		})
	}
}

func TestMakerCheckerHappyPath(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	inc, err := svc.CreateFromRun(ctx, seedRunWithDiscrepancies(t, db, model.SeverityMedium))
	require.NoError(t, err)

	inc, err = svc.Assign(ctx, inc.Number, "maker1", "lead")
	require.NoError(t, err)
	assert.Equal(t, model.IncidentAssigned, inc.Status)
	assert.Equal(t, "maker1", inc.AssignedTo)
	require.NotNil(t, inc.AssignedAt)

	inc, err = svc.StartInvestigation(ctx, inc.Number, "maker1")
	require.NoError(t, err)
	assert.Equal(t, model.IncidentUnderInvestigation, inc.Status)
	assert.Equal(t, "maker1", inc.Maker)

	inc, err = svc.SubmitResolution(ctx, inc.Number, "maker1", "FX rate lag", "re-run after rates load")
	require.NoError(t, err)
	assert.Equal(t, model.IncidentPendingCheckerReview, inc.Status)

	inc, err = svc.Approve(ctx, inc.Number, "checker1", "looks right")
	require.NoError(t, err)
	assert.Equal(t, model.IncidentResolved, inc.Status)
	assert.Equal(t, "checker1", inc.Checker)
	require.NotNil(t, inc.ResolutionApprovedAt)

	inc, err = svc.Close(ctx, inc.Number, "lead", "done")
	require.NoError(t, err)
	assert.Equal(t, model.IncidentClosed, inc.Status)
	assert.Equal(t, int64(6), inc.Version)

	history, err := svc.History(ctx, inc.Number)
	require.NoError(t, err)
	actions := make([]model.IncidentAction, len(history))
	for i, h := range history {
		actions[i] = h.Action
	}
	assert.Equal(t, []model.IncidentAction{
		model.ActionCreated, model.ActionAssigned, model.ActionInvestigationStarted,
		model.ActionResolutionSubmitted, model.ActionApproved, model.ActionClosed,
	}, actions)
	for i := 1; i < len(history); i++ {
		require.NotNil(t, history[i].FromStatus)
		assert.Equal(t, history[i-1].ToStatus, *history[i].FromStatus, "history entries chain")
	}

	inc, err = svc.Assign(ctx, inc.Number, "maker2", "lead")
	require.NoError(t, err, "closed incidents can be reassigned")
	assert.Equal(t, model.IncidentAssigned, inc.Status)
	assert.Equal(t, "maker2", inc.AssignedTo)
}

func TestAssignReopensCancelledIncident(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	inc, err := svc.CreateFromRun(ctx, seedRunWithDiscrepancies(t, db, model.SeverityLow))
	require.NoError(t, err)

	inc, err = svc.Cancel(ctx, inc.Number, "lead", "duplicate")
	require.NoError(t, err)
	require.Equal(t, model.IncidentCancelled, inc.Status)

	inc, err = svc.Assign(ctx, inc.Number, "maker", "lead")
	require.NoError(t, err)
	assert.Equal(t, model.IncidentAssigned, inc.Status)

	history, err := svc.History(ctx, inc.Number)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, model.ActionAssigned, last.Action)
	require.NotNil(t, last.FromStatus)
	assert.Equal(t, model.IncidentCancelled, *last.FromStatus)
}

func TestSeparationOfDuties(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	inc, err := svc.CreateFromRun(ctx, seedRunWithDiscrepancies(t, db, model.SeverityMedium))
	require.NoError(t, err)

	_, err = svc.Assign(ctx, inc.Number, "alice", "lead")
	require.NoError(t, err)
	_, err = svc.SubmitResolution(ctx, inc.Number, "alice", "cause", "fix")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, inc.Number, "alice", "")
	var authErr *common.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	_, err = svc.Reject(ctx, inc.Number, "ALICE", "no")
	assert.ErrorIs(t, err, common.ErrUnauthorized, "identity comparison ignores case")

	got, err := svc.Get(ctx, inc.Number)
	require.NoError(t, err)
	assert.Equal(t, model.IncidentPendingCheckerReview, got.Status, "rejected action leaves state unchanged")
}

func TestRejectionLoop(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	inc, err := svc.CreateFromRun(ctx, seedRunWithDiscrepancies(t, db, model.SeverityMedium))
	require.NoError(t, err)

	_, err = svc.Assign(ctx, inc.Number, "maker", "lead")
	require.NoError(t, err)
	_, err = svc.SubmitResolution(ctx, inc.Number, "maker", "cause", "fix")
	require.NoError(t, err)

	_, err = svc.Reject(ctx, inc.Number, "checker", "")
	assert.ErrorIs(t, err, common.ErrInvalidInput, "reason is required")

	inc, err = svc.Reject(ctx, inc.Number, "checker", "evidence missing")
	require.NoError(t, err)
	assert.Equal(t, model.IncidentCheckerRejected, inc.Status)
	assert.Equal(t, 1, inc.RejectionCount)
	assert.Equal(t, "evidence missing", inc.RejectionReason)

	inc, err = svc.StartInvestigation(ctx, inc.Number, "maker")
	require.NoError(t, err)
	assert.Equal(t, model.IncidentUnderInvestigation, inc.Status)

	inc, err = svc.SubmitResolution(ctx, inc.Number, "maker", "cause", "fix with evidence")
	require.NoError(t, err)
	inc, err = svc.Reject(ctx, inc.Number, "checker", "still missing")
	require.NoError(t, err)
	assert.Equal(t, 2, inc.RejectionCount)
}

func TestInvalidTransitions(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	inc, err := svc.CreateFromRun(ctx, seedRunWithDiscrepancies(t, db, model.SeverityMedium))
	require.NoError(t, err)

	_, err = svc.Approve(ctx, inc.Number, "checker", "")
	var ite *common.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "incident "+inc.Number+" is not pending checker review (status OPEN)", err.Error())

	_, err = svc.StartInvestigation(ctx, inc.Number, "maker")
	assert.ErrorIs(t, err, common.ErrInvalidTransition, "OPEN must be assigned first")

	_, err = svc.Close(ctx, inc.Number, "lead", "")
	assert.ErrorIs(t, err, common.ErrInvalidTransition)

	_, err = svc.SubmitResolution(ctx, inc.Number, "maker", "", "fix")
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = svc.Assign(ctx, "INC-19990101-0001", "maker", "lead")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = svc.Assign(ctx, inc.Number, "maker", "")
	assert.ErrorIs(t, err, common.ErrInvalidInput, "actor is required")
}

func TestEscalateAndCancel(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	inc, err := svc.CreateFromRun(ctx, seedRunWithDiscrepancies(t, db, model.SeverityCritical))
	require.NoError(t, err)

	inc, err = svc.Escalate(ctx, inc.Number, "lead", "ops-manager", "SLA at risk")
	require.NoError(t, err)
	assert.Equal(t, model.IncidentEscalated, inc.Status)
	assert.Equal(t, 1, inc.EscalationLevel)
	assert.Equal(t, "ops-manager", inc.EscalatedTo)

	inc, err = svc.Escalate(ctx, inc.Number, "ops-manager", "cfo", "")
	require.NoError(t, err)
	assert.Equal(t, 2, inc.EscalationLevel)

	inc, err = svc.Assign(ctx, inc.Number, "maker", "cfo")
	require.NoError(t, err)
	assert.Equal(t, model.IncidentAssigned, inc.Status)

	_, err = svc.Cancel(ctx, inc.Number, "lead", "")
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	inc, err = svc.Cancel(ctx, inc.Number, "lead", "false positive: cut-off timing")
	require.NoError(t, err)
	assert.Equal(t, model.IncidentCancelled, inc.Status)
	assert.NotNil(t, inc.CancelledAt)

	_, err = svc.Escalate(ctx, inc.Number, "lead", "cfo", "")
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
	_, err = svc.Cancel(ctx, inc.Number, "lead", "again")
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
}

func TestRoleChecks(t *testing.T) {
	ctrl := gomock.NewController(t)
	users := mocks.NewMockUserDirectory(ctrl)
	roles := map[string][]model.Role{
		"maker":   {model.RoleMaker},
		"checker": {model.RoleChecker},
		"admin":   {model.RoleAdmin},
		"viewer":  nil,
	}
	users.EXPECT().Roles(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, username string) ([]model.Role, error) {
			r, ok := roles[username]
			if !ok {
				return nil, common.NewNotFoundError("user", username)
			}
			return r, nil
		}).AnyTimes()

	svc, db := newTestService(t, WithUserDirectory(users))
	ctx := context.Background()
	inc, err := svc.CreateFromRun(ctx, seedRunWithDiscrepancies(t, db, model.SeverityMedium))
	require.NoError(t, err)

	_, err = svc.Assign(ctx, inc.Number, "viewer", "admin")
	assert.ErrorIs(t, err, common.ErrUnauthorized, "assignee needs the maker role")

	_, err = svc.Assign(ctx, inc.Number, "nobody", "admin")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = svc.Assign(ctx, inc.Number, "maker", "admin")
	require.NoError(t, err)

	// The assignee acts without a role lookup; others need MAKER or ADMIN.
	_, err = svc.StartInvestigation(ctx, inc.Number, "checker")
	assert.ErrorIs(t, err, common.ErrUnauthorized)
	_, err = svc.StartInvestigation(ctx, inc.Number, "maker")
	require.NoError(t, err)
	_, err = svc.SubmitResolution(ctx, inc.Number, "maker", "cause", "fix")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, inc.Number, "viewer", "")
	assert.ErrorIs(t, err, common.ErrUnauthorized, "approval needs the checker role")

	inc, err = svc.Approve(ctx, inc.Number, "admin", "ok")
	require.NoError(t, err)
	assert.Equal(t, model.IncidentResolved, inc.Status)
}

func TestConcurrentApprovalsOnlyOneWins(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	inc, err := svc.CreateFromRun(ctx, seedRunWithDiscrepancies(t, db, model.SeverityMedium))
	require.NoError(t, err)
	_, err = svc.Assign(ctx, inc.Number, "maker", "lead")
	require.NoError(t, err)
	_, err = svc.SubmitResolution(ctx, inc.Number, "maker", "cause", "fix")
	require.NoError(t, err)

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Approve(ctx, inc.Number, "checker", "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, common.ErrInvalidTransition), errors.Is(err, common.ErrConflict):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)

	history, err := svc.History(ctx, inc.Number)
	require.NoError(t, err)
	approvals := 0
	for _, h := range history {
		if h.Action == model.ActionApproved {
			approvals++
		}
	}
	assert.Equal(t, 1, approvals)
}

func TestQueries(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	critical, err := svc.CreateFromRun(ctx, seedRunWithDiscrepancies(t, db, model.SeverityCritical))
	require.NoError(t, err)
	low, err := svc.CreateFromRun(ctx, seedRunWithDiscrepancies(t, db, model.SeverityLow))
	require.NoError(t, err)

	_, err = svc.Assign(ctx, low.Number, "maker", "lead")
	require.NoError(t, err)
	_, err = svc.SubmitResolution(ctx, low.Number, "maker", "cause", "fix")
	require.NoError(t, err)

	pending, err := svc.PendingReview(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, low.Number, pending[0].Number)

	later := NewService(db.Storage, WithClock(func() time.Time { return fixedNow.Add(5 * time.Hour) }))
	overdue, err := later.Overdue(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, critical.Number, overdue[0].Number)
	assert.True(t, overdue[0].SLABreached(fixedNow.Add(5*time.Hour)))

	counts, err := svc.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.IncidentOpen])
	assert.Equal(t, int64(1), counts[model.IncidentPendingCheckerReview])
	assert.Contains(t, counts, model.IncidentClosed)

	c, err := svc.Comment(ctx, critical.Number, "maker", "  checking the feed  ", true, "")
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "checking the feed", c.Body)

	comments, err := svc.Comments(ctx, critical.Number)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.True(t, comments[0].Internal)

	_, err = svc.Comment(ctx, critical.Number, "maker", " ", false, "")
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}
