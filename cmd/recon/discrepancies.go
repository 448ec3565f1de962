package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/recon-flow/internal/cli"
	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
)

func discrepanciesCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "discrepancies",
		Aliases: []string{"disc"},
		Short:   "Review individual discrepancies",
	}

	cmd.AddCommand(discrepancyShowCmd(s))
	cmd.AddCommand(discrepancyAckCmd(s))
	cmd.AddCommand(discrepancyFalsePositiveCmd(s))
	return cmd
}

func discrepancyShowCmd(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "show <code>",
		Short: "Show a discrepancy with both records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := s.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			d, err := a.store.GetDiscrepancy(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderBox(d.Code, describeDiscrepancy(d)))
			return nil
		},
	}
}

func describeDiscrepancy(d *model.Discrepancy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Type: %s  Severity: %s\n", d.Type, cli.StyleSeverity(d.Severity))
	fmt.Fprintf(&b, "Run: %s  Key: %s\n", d.RunID, d.RecordKey)
	if d.Attribute != "" {
		fmt.Fprintf(&b, "Attribute: %s\n", d.Attribute)
		fmt.Fprintf(&b, "  • Source: %s\n", orDash(d.SourceValue))
		fmt.Fprintf(&b, "  • Target: %s\n", orDash(d.TargetValue))
	}
	if d.DifferenceAmount != nil {
		fmt.Fprintf(&b, "Difference: %g", *d.DifferenceAmount)
		if d.DifferencePercent != nil {
			fmt.Fprintf(&b, " (%.2f%%)", *d.DifferencePercent)
		}
		b.WriteString("\n")
	}
	if d.IncidentNumber != "" {
		fmt.Fprintf(&b, "Incident: %s\n", d.IncidentNumber)
	}
	if d.Acknowledged {
		fmt.Fprintf(&b, "Acknowledged by %s at %s\n", d.AcknowledgedBy, formatTime(d.AcknowledgedAt))
	}
	if d.FalsePositive {
		fmt.Fprintf(&b, "False positive: %s\n", d.FalsePositiveReason)
	}
	fmt.Fprintf(&b, "Source record: %s\n", orDash(d.SourceRecordJSON))
	fmt.Fprintf(&b, "Target record: %s", orDash(d.TargetRecordJSON))
	return b.String()
}

func discrepancyAckCmd(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <code>...",
		Short: "Acknowledge discrepancies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := s.actor()
			if err != nil {
				return err
			}
			a, err := s.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			for _, code := range args {
				if err := a.store.AcknowledgeDiscrepancy(cmd.Context(), code, actor, time.Now()); err != nil {
					return fmt.Errorf("failed to acknowledge %s: %w", code, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("Acknowledged "+code))
			}
			return nil
		},
	}
}

func discrepancyFalsePositiveCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "false-positive <code>",
		Short: "Mark a discrepancy as a false positive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			if strings.TrimSpace(reason) == "" {
				return common.NewValidationError("reason", "is required")
			}
			actor, err := s.actor()
			if err != nil {
				return err
			}
			a, err := s.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.MarkFalsePositive(cmd.Context(), args[0], actor, reason, time.Now()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("Marked "+args[0]+" as a false positive"))
			return nil
		},
	}
	cmd.Flags().String("reason", "", "Why the difference is not real (required)")
	return cmd
}
