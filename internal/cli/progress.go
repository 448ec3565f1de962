package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/Veraticus/recon-flow/internal/model"
)

// RunGetter reads the persisted state of a run.
type RunGetter interface {
	GetRun(ctx context.Context, runID string) (*model.ReconciliationRun, error)
}

// runPhases orders the non-terminal statuses along the pipeline.
var runPhases = map[model.RunStatus]int{
	model.RunPending:          0,
	model.RunInProgress:       1,
	model.RunExtractingSource: 2,
	model.RunExtractingTarget: 3,
	model.RunComparing:        4,
	model.RunGeneratingReport: 5,
}

const phaseCount = 6

// WatchRun polls the run every interval and draws its phase on a progress
// bar until it reaches a terminal status. It returns the last state read.
// Canceling ctx only stops the watching.
func WatchRun(ctx context.Context, runs RunGetter, runID string, w io.Writer, interval time.Duration) (*model.ReconciliationRun, error) {
	bar := progressbar.NewOptions(phaseCount,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetDescription("[cyan][bold]"+string(model.RunPending)+"[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			if _, err := fmt.Fprintln(w); err != nil {
				slog.Warn("Failed to write newline after progress bar", "error", err)
			}
		}),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last model.RunStatus
	for {
		run, err := runs.GetRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
		}
		if run.Status != last {
			last = run.Status
			bar.Describe("[cyan][bold]" + string(run.Status) + "[reset]")
		}
		if run.Status.IsTerminal() {
			if err := bar.Finish(); err != nil {
				slog.Warn("Failed to finish progress bar", "error", err)
			}
			return run, nil
		}
		if err := bar.Set(runPhases[run.Status]); err != nil {
			slog.Warn("Failed to update progress bar", "error", err)
		}

		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}
