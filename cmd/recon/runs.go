package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Veraticus/recon-flow/internal/cli"
	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/service"
)

func runsCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage reconciliation runs",
	}

	cmd.AddCommand(runsListCmd(s))
	cmd.AddCommand(runsShowCmd(s))
	cmd.AddCommand(runsLogsCmd(s))
	cmd.AddCommand(runsDiscrepanciesCmd(s))
	cmd.AddCommand(runsSummaryCmd(s))
	cmd.AddCommand(runsCancelCmd(s))
	cmd.AddCommand(runsStuckCmd(s))
	cmd.AddCommand(runsPurgeCmd(s))
	return cmd
}

func runsListCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configID, _ := cmd.Flags().GetString("config")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := s.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			runs, err := a.store.ListRuns(cmd.Context(), service.RunFilter{
				ConfigID: configID,
				Status:   model.RunStatus(strings.ToUpper(status)),
				Limit:    limit,
			})
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}
			printRuns(cmd, runs, "No runs found. Start one with 'recon run <config>'.")
			return nil
		},
	}

	cmd.Flags().String("config", "", "Only runs of this config id")
	cmd.Flags().String("status", "", "Only runs in this status")
	cmd.Flags().Int("limit", 20, "Maximum number of runs")
	return cmd
}

func printRuns(cmd *cobra.Command, runs []model.ReconciliationRun, empty string) {
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, cli.InfoStyle.Render(empty))
		return
	}
	rows := make([][]string, 0, len(runs))
	for i := range runs {
		r := &runs[i]
		rows = append(rows, []string{
			r.RunID,
			r.ConfigCode,
			cli.StyleRunStatus(r.Status),
			strconv.FormatInt(r.Counts.Discrepancies, 10),
			r.TriggeredBy,
			formatTime(&r.CreatedAt),
		})
	}
	fmt.Fprintln(out, cli.RenderTable([]string{"RUN", "CONFIG", "STATUS", "DISCREPANCIES", "BY", "CREATED"}, rows))
}

func runsShowCmd(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its counters and timings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := s.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			run, err := a.store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, cli.RenderBox("Run "+run.RunID, runSummary(run)))
			fmt.Fprintf(out, "Created: %s  Started: %s  Completed: %s\n",
				formatTime(&run.CreatedAt), formatTime(run.StartedAt), formatTime(run.CompletedAt))
			if run.ErrorTrace != "" {
				fmt.Fprintln(out, cli.SubtleStyle.Render(run.ErrorTrace))
			}
			return nil
		},
	}
}

func runsLogsCmd(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Show the step log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := s.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			logs, err := a.store.GetRunLogs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(logs))
			for _, l := range logs {
				level := string(l.Level)
				switch l.Level {
				case model.LogWarn:
					level = cli.StyleWarning(level)
				case model.LogError:
					level = cli.StyleError(level)
				}
				message := l.Message
				if l.Details != "" {
					message += " (" + l.Details + ")"
				}
				rows = append(rows, []string{l.Timestamp.Local().Format("15:04:05.000"), level, l.Step, message})
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable([]string{"TIME", "LEVEL", "STEP", "MESSAGE"}, rows))
			return nil
		},
	}
}

func runsDiscrepanciesCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discrepancies <run-id>",
		Short: "List the discrepancies of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			discType, _ := cmd.Flags().GetString("type")
			severity, _ := cmd.Flags().GetString("severity")
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := s.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			if _, err := a.store.GetRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			found, err := a.store.GetDiscrepancies(cmd.Context(), service.DiscrepancyFilter{
				RunID:    args[0],
				Type:     model.DiscrepancyType(strings.ToUpper(discType)),
				Severity: model.Severity(strings.ToUpper(severity)),
				Limit:    limit,
			})
			if err != nil {
				return fmt.Errorf("failed to list discrepancies: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(found) == 0 {
				fmt.Fprintln(out, cli.FormatSuccess("No discrepancies."))
				return nil
			}
			rows := make([][]string, 0, len(found))
			for i := range found {
				d := &found[i]
				state := ""
				switch {
				case d.FalsePositive:
					state = "false positive"
				case d.Acknowledged:
					state = "acknowledged"
				}
				rows = append(rows, []string{
					d.Code,
					string(d.Type),
					cli.StyleSeverity(d.Severity),
					d.RecordKey,
					orDash(d.Attribute),
					orDash(d.SourceValue),
					orDash(d.TargetValue),
					state,
				})
			}
			fmt.Fprintln(out, cli.RenderTable([]string{"CODE", "TYPE", "SEVERITY", "KEY", "ATTRIBUTE", "SOURCE", "TARGET", "STATE"}, rows))
			return nil
		},
	}

	cmd.Flags().String("type", "", "Only this discrepancy type")
	cmd.Flags().String("severity", "", "Only this severity")
	cmd.Flags().Int("limit", 100, "Maximum number of discrepancies")
	return cmd
}

func runsSummaryCmd(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "summary <run-id>",
		Short: "Count a run's discrepancies by type, severity and attribute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := s.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			summary, err := a.store.GetDiscrepancySummary(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Total: %d\n", summary.Total)
			b.WriteString(cli.BoldStyle.Render("By type") + "\n")
			for _, k := range sortedKeys(summary.ByType) {
				fmt.Fprintf(&b, "  • %s: %d\n", k, summary.ByType[k])
			}
			b.WriteString(cli.BoldStyle.Render("By severity") + "\n")
			for _, sev := range model.Severities {
				if n := summary.BySeverity[sev]; n > 0 {
					fmt.Fprintf(&b, "  • %s: %d\n", cli.StyleSeverity(sev), n)
				}
			}
			b.WriteString(cli.BoldStyle.Render("By attribute"))
			for _, k := range sortedKeys(summary.ByAttribute) {
				fmt.Fprintf(&b, "\n  • %s: %d", k, summary.ByAttribute[k])
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderBox(cli.ChartIcon+" Discrepancies of "+args[0], b.String()))
			return nil
		},
	}
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func runsCancelCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			actor, err := s.actor()
			if err != nil {
				return err
			}
			a, err := s.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.lifecycle.Cancel(cmd.Context(), args[0], actor, reason); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("Cancelled run "+args[0]))
			return nil
		},
	}
	cmd.Flags().String("reason", "", "Why the run is cancelled")
	return cmd
}

func runsStuckCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List unfinished runs that have not progressed recently",
		RunE: func(cmd *cobra.Command, _ []string) error {
			threshold := s.app.StuckAfter
			if raw, _ := cmd.Flags().GetString("after"); raw != "" {
				d, err := parseAge(raw)
				if err != nil {
					return err
				}
				threshold = d
			}

			a, err := s.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			runs, err := a.lifecycle.StuckRuns(cmd.Context(), threshold)
			if err != nil {
				return err
			}
			printRuns(cmd, runs, fmt.Sprintf("No runs stuck for more than %s.", threshold))
			return nil
		},
	}
	cmd.Flags().String("after", "", "Idle time after which a run counts as stuck (default engine.stuck_after)")
	return cmd
}

func runsPurgeCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished runs older than a cutoff",
		Long: `Delete finished runs created before the cutoff, together with their step
logs and discrepancies. An automatic database snapshot is taken first.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, _ := cmd.Flags().GetString("older-than")
			yes, _ := cmd.Flags().GetBool("yes")
			age, err := parseAge(raw)
			if err != nil {
				return err
			}

			if !yes {
				ok, err := cli.Confirm(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(),
					fmt.Sprintf("Delete finished runs older than %s?", raw))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("Nothing deleted."))
					return nil
				}
			}

			a, err := s.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := s.autoSnapshot(cmd, a, "purge"); err != nil {
				return err
			}
			n, err := a.lifecycle.Purge(cmd.Context(), age)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Purged %d runs", n)))
			return nil
		},
	}
	cmd.Flags().String("older-than", "90d", "Age cutoff, e.g. 90d or 720h")
	cmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	return cmd
}
