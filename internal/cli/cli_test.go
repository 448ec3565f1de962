package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/recon-flow/internal/model"
)

func TestConfirm(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{name: "yes", input: "y\n", want: true},
		{name: "long yes", input: " YES \n", want: true},
		{name: "no", input: "n\n", want: false},
		{name: "empty", input: "\n", want: false},
		{name: "eof", input: "", want: false},
		{name: "yes without newline", input: "y", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			got, err := Confirm(context.Background(), strings.NewReader(tt.input), &out, "Purge runs?")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, out.String(), "Purge runs? [y/N]")
		})
	}
}

func TestConfirmCancelled(t *testing.T) {
	r, w := io.Pipe()
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Confirm(ctx, r, io.Discard, "Restore?")
	assert.ErrorIs(t, err, ErrInputCancelled)
}

type scriptedRuns struct {
	statuses []model.RunStatus
	err      error
	calls    int
	mu       sync.Mutex
}

func (s *scriptedRuns) GetRun(_ context.Context, runID string) (*model.ReconciliationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	i := s.calls
	if i >= len(s.statuses) {
		i = len(s.statuses) - 1
	}
	s.calls++
	return &model.ReconciliationRun{RunID: runID, Status: s.statuses[i]}, nil
}

func TestWatchRunFollowsPhases(t *testing.T) {
	runs := &scriptedRuns{statuses: []model.RunStatus{
		model.RunPending,
		model.RunExtractingSource,
		model.RunExtractingTarget,
		model.RunComparing,
		model.RunCompletedWithDiscrepancies,
	}}
	var out bytes.Buffer

	run, err := WatchRun(context.Background(), runs, "GL-1", &out, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompletedWithDiscrepancies, run.Status)
	assert.Equal(t, 5, runs.calls)
	assert.Contains(t, out.String(), string(model.RunCompletedWithDiscrepancies))
}

func TestWatchRunStopsOnCancel(t *testing.T) {
	runs := &scriptedRuns{statuses: []model.RunStatus{model.RunComparing}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	run, err := WatchRun(ctx, runs, "GL-1", io.Discard, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, run)
	assert.Equal(t, model.RunComparing, run.Status)
}

func TestWatchRunReadError(t *testing.T) {
	runs := &scriptedRuns{err: errors.New("database is locked")}

	_, err := WatchRun(context.Background(), runs, "GL-1", io.Discard, time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read run GL-1")
}

func TestRenderTable(t *testing.T) {
	out := RenderTable([]string{"ID", "STATUS"}, [][]string{
		{"GL_BANK-1", "COMPLETED"},
		{"AR-22", "FAILED"},
	})
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "GL_BANK-1")
	assert.Equal(t, strings.Index(lines[1], "COMPLETED"), strings.Index(lines[2], "FAILED"))
}

func TestStyleRunStatus(t *testing.T) {
	for _, s := range []model.RunStatus{model.RunCompleted, model.RunFailed, model.RunCancelled, model.RunComparing} {
		assert.Contains(t, StyleRunStatus(s), string(s))
	}
	assert.Contains(t, StyleSeverity(model.SeverityCritical), "CRITICAL")
}
