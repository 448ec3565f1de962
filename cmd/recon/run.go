package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/recon-flow/internal/cli"
	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
)

func runCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <config>",
		Short: "Execute a reconciliation",
		Long: `Extract both sides of a reconciliation, compare them and record every
discrepancy. When discrepancies are found and the config allows it, an
incident is opened for investigation.

The config is named by id or code. Press Ctrl-C to cancel the run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runReconciliation(cmd, args[0])
		},
	}

	cmd.Flags().Bool("scheduled", false, "Mark the run as triggered by a scheduler")
	cmd.Flags().Bool("no-progress", false, "Do not draw the progress bar")
	cmd.Flags().Duration("poll", 200*time.Millisecond, "How often to refresh the run status")

	return cmd
}

func (s *rootState) runReconciliation(cmd *cobra.Command, configID string) error {
	scheduled, _ := cmd.Flags().GetBool("scheduled")
	noProgress, _ := cmd.Flags().GetBool("no-progress")
	poll, _ := cmd.Flags().GetDuration("poll")
	out := cmd.OutOrStdout()

	actor, err := s.actor()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := s.openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	runID, err := a.engine.Execute(ctx, configID, actor, scheduled)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, cli.FormatInfo("Started run "+runID))

	stopCtx, stop := context.WithCancel(ctx)
	defer stop()
	handler := cli.NewInterruptHandler(cmd.ErrOrStderr())
	watchCtx := handler.HandleInterrupts(stopCtx, "Cancelling run "+runID)

	var bar io.Writer = out
	if noProgress {
		bar = io.Discard
	}
	_, watchErr := cli.WatchRun(watchCtx, a.store, runID, bar, poll)
	if watchErr != nil && !errors.Is(watchErr, context.Canceled) {
		return watchErr
	}
	if errors.Is(watchErr, context.Canceled) {
		err := a.lifecycle.Cancel(context.WithoutCancel(ctx), runID, actor, "interrupted from the command line")
		if err != nil && !errors.Is(err, common.ErrInvalidTransition) {
			slog.Warn("failed to cancel run", "run_id", runID, "error", err)
		}
	}

	a.engine.Wait()
	run, err := a.store.GetRun(context.WithoutCancel(ctx), runID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, cli.RenderBox("Run "+run.RunID, runSummary(run)))

	switch run.Status {
	case model.RunFailed:
		return fmt.Errorf("run %s failed: %s", run.RunID, run.ErrorMessage)
	case model.RunCancelled:
		return fmt.Errorf("run %s was cancelled: %s", run.RunID, run.ErrorMessage)
	}
	return nil
}

func runSummary(run *model.ReconciliationRun) string {
	c := run.Counts
	d := run.Durations
	summary := fmt.Sprintf("Status: %s\n", cli.StyleRunStatus(run.Status)) +
		fmt.Sprintf("Config: %s (%s)\n", run.ConfigCode, run.ConfigName) +
		fmt.Sprintf("Triggered by: %s\n", run.TriggeredBy) +
		fmt.Sprintf("  • Source records: %d\n", c.Source) +
		fmt.Sprintf("  • Target records: %d\n", c.Target) +
		fmt.Sprintf("  • Matched: %d\n", c.Matched) +
		fmt.Sprintf("  • Mismatched records: %d (%d attributes)\n", c.MismatchedRecords, c.AttributeMismatches) +
		fmt.Sprintf("  • Missing in source: %d\n", c.MissingInSource) +
		fmt.Sprintf("  • Missing in target: %d\n", c.MissingInTarget) +
		fmt.Sprintf("  • Discrepancies: %d (%d stored)\n", c.Discrepancies, c.PersistedDiscrepancies)
	if c.DuplicateTargetKeys > 0 {
		summary += fmt.Sprintf("  • Duplicate target keys: %d\n", c.DuplicateTargetKeys)
	}
	if d.Total > 0 {
		summary += fmt.Sprintf("Time taken: %s (source %s, target %s, compare %s)",
			d.Total.Round(time.Millisecond), d.SourceExtraction.Round(time.Millisecond),
			d.TargetExtraction.Round(time.Millisecond), d.Comparison.Round(time.Millisecond))
	}
	if run.ErrorMessage != "" {
		summary += "\n" + cli.StyleError(run.ErrorMessage)
	}
	return summary
}
