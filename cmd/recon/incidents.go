package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Veraticus/recon-flow/internal/cli"
	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/incident"
	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/service"
)

func incidentsCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "incidents",
		Aliases: []string{"inc"},
		Short:   "Investigate incidents through the maker-checker workflow",
		Long: `Incidents group the discrepancies of one run. A maker investigates and
proposes a resolution; a different user with the checker role approves or
rejects it. Every action is recorded in the incident history.`,
	}

	cmd.AddCommand(incidentsListCmd(s))
	cmd.AddCommand(incidentsShowCmd(s))
	cmd.AddCommand(incidentsHistoryCmd(s))
	cmd.AddCommand(incidentsOverdueCmd(s))
	cmd.AddCommand(incidentsCountsCmd(s))
	cmd.AddCommand(incidentsCommentCmd(s))

	cmd.AddCommand(incidentActionCmd(s, "assign <number> <assignee>", "Assign an incident", 2, nil,
		func(ctx context.Context, svc *incident.Service, args []string, actor string, _ *cobra.Command) (*model.Incident, error) {
			return svc.Assign(ctx, args[0], args[1], actor)
		}))
	cmd.AddCommand(incidentActionCmd(s, "investigate <number>", "Start investigating an assigned incident", 1, nil,
		func(ctx context.Context, svc *incident.Service, args []string, actor string, _ *cobra.Command) (*model.Incident, error) {
			return svc.StartInvestigation(ctx, args[0], actor)
		}))
	cmd.AddCommand(incidentActionCmd(s, "submit <number>", "Propose a resolution for checker review", 1,
		func(c *cobra.Command) {
			c.Flags().String("root-cause", "", "Root cause of the discrepancies (required)")
			c.Flags().String("resolution", "", "Proposed resolution (required)")
		},
		func(ctx context.Context, svc *incident.Service, args []string, actor string, c *cobra.Command) (*model.Incident, error) {
			rootCause, _ := c.Flags().GetString("root-cause")
			resolution, _ := c.Flags().GetString("resolution")
			return svc.SubmitResolution(ctx, args[0], actor, rootCause, resolution)
		}))
	cmd.AddCommand(incidentActionCmd(s, "approve <number>", "Approve the proposed resolution", 1,
		func(c *cobra.Command) {
			c.Flags().String("comments", "", "Checker comments")
		},
		func(ctx context.Context, svc *incident.Service, args []string, actor string, c *cobra.Command) (*model.Incident, error) {
			comments, _ := c.Flags().GetString("comments")
			return svc.Approve(ctx, args[0], actor, comments)
		}))
	cmd.AddCommand(incidentActionCmd(s, "reject <number>", "Send the resolution back to the maker", 1,
		func(c *cobra.Command) {
			c.Flags().String("reason", "", "Why the resolution is rejected (required)")
		},
		func(ctx context.Context, svc *incident.Service, args []string, actor string, c *cobra.Command) (*model.Incident, error) {
			reason, _ := c.Flags().GetString("reason")
			return svc.Reject(ctx, args[0], actor, reason)
		}))
	cmd.AddCommand(incidentActionCmd(s, "close <number>", "Close a resolved incident", 1,
		func(c *cobra.Command) {
			c.Flags().String("notes", "", "Closing notes")
		},
		func(ctx context.Context, svc *incident.Service, args []string, actor string, c *cobra.Command) (*model.Incident, error) {
			notes, _ := c.Flags().GetString("notes")
			return svc.Close(ctx, args[0], actor, notes)
		}))
	cmd.AddCommand(incidentActionCmd(s, "escalate <number> <to>", "Escalate an incident", 2,
		func(c *cobra.Command) {
			c.Flags().String("reason", "", "Why the incident is escalated (required)")
		},
		func(ctx context.Context, svc *incident.Service, args []string, actor string, c *cobra.Command) (*model.Incident, error) {
			reason, _ := c.Flags().GetString("reason")
			return svc.Escalate(ctx, args[0], actor, args[1], reason)
		}))
	cmd.AddCommand(incidentActionCmd(s, "cancel <number>", "Cancel an incident", 1,
		func(c *cobra.Command) {
			c.Flags().String("reason", "", "Why the incident is cancelled (required)")
		},
		func(ctx context.Context, svc *incident.Service, args []string, actor string, c *cobra.Command) (*model.Incident, error) {
			reason, _ := c.Flags().GetString("reason")
			return svc.Cancel(ctx, args[0], actor, reason)
		}))
	return cmd
}

type incidentAction func(ctx context.Context, svc *incident.Service, args []string, actor string, cmd *cobra.Command) (*model.Incident, error)

// incidentActionCmd builds one workflow command: it resolves the actor,
// applies the action and prints the resulting status.
func incidentActionCmd(s *rootState, use, short string, nargs int, flags func(*cobra.Command), action incidentAction) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
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

			inc, err := action(cmd.Context(), a.incidents, args, actor, cmd)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("%s is now %s", inc.Number, inc.Status)))
			return nil
		},
	}
	if flags != nil {
		flags(cmd)
	}
	return cmd
}

func incidentsListCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, _ := cmd.Flags().GetString("status")
			assignee, _ := cmd.Flags().GetString("assignee")
			severity, _ := cmd.Flags().GetString("severity")
			runID, _ := cmd.Flags().GetString("run")
			open, _ := cmd.Flags().GetBool("open")
			pending, _ := cmd.Flags().GetBool("pending-review")
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := s.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			var incidents []model.Incident
			if pending {
				incidents, err = a.incidents.PendingReview(cmd.Context())
			} else {
				incidents, err = a.incidents.List(cmd.Context(), service.IncidentFilter{
					Status:     model.IncidentStatus(strings.ToUpper(status)),
					AssignedTo: assignee,
					Severity:   model.Severity(strings.ToUpper(severity)),
					RunID:      runID,
					OpenOnly:   open,
					Limit:      limit,
				})
			}
			if err != nil {
				return fmt.Errorf("failed to list incidents: %w", err)
			}
			printIncidents(cmd, a, incidents, "No incidents found.")
			return nil
		},
	}

	cmd.Flags().String("status", "", "Only incidents in this status")
	cmd.Flags().String("assignee", "", "Only incidents assigned to this user")
	cmd.Flags().String("severity", "", "Only incidents of this severity")
	cmd.Flags().String("run", "", "Only the incident of this run")
	cmd.Flags().Bool("open", false, "Only incidents that are not resolved, closed or cancelled")
	cmd.Flags().Bool("pending-review", false, "Only incidents waiting for a checker")
	cmd.Flags().Int("limit", 50, "Maximum number of incidents")
	return cmd
}

func printIncidents(cmd *cobra.Command, a *application, incidents []model.Incident, empty string) {
	out := cmd.OutOrStdout()
	if len(incidents) == 0 {
		fmt.Fprintln(out, cli.InfoStyle.Render(empty))
		return
	}
	now := a.lifecycle.Now()
	rows := make([][]string, 0, len(incidents))
	for i := range incidents {
		inc := &incidents[i]
		due := inc.DueDate.Local().Format("2006-01-02 15:04")
		if inc.SLABreached(now) {
			due = cli.StyleError(due + " overdue")
		}
		rows = append(rows, []string{
			inc.Number,
			string(inc.Status),
			cli.StyleSeverity(inc.Severity),
			fmt.Sprint(inc.DiscrepancyCount),
			orDash(inc.AssignedTo),
			due,
			inc.Title,
		})
	}
	fmt.Fprintln(out, cli.RenderTable([]string{"NUMBER", "STATUS", "SEVERITY", "DISCREPANCIES", "ASSIGNEE", "DUE", "TITLE"}, rows))
}

func incidentsShowCmd(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "show <number>",
		Short: "Show an incident with its comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := s.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			inc, err := a.incidents.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			comments, err := a.incidents.Comments(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderBox(cli.IncidentIcon+" "+inc.Number, describeIncident(inc, comments)))
			return nil
		},
	}
}

func describeIncident(inc *model.Incident, comments []model.IncidentComment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", inc.Title)
	fmt.Fprintf(&b, "Status: %s  Severity: %s\n", inc.Status, cli.StyleSeverity(inc.Severity))
	fmt.Fprintf(&b, "Run: %s  Discrepancies: %d\n", inc.RunID, inc.DiscrepancyCount)
	fmt.Fprintf(&b, "Due: %s\n", formatTime(&inc.DueDate))
	fmt.Fprintf(&b, "Assignee: %s  Maker: %s  Checker: %s\n", orDash(inc.AssignedTo), orDash(inc.Maker), orDash(inc.Checker))
	if inc.RootCause != "" {
		fmt.Fprintf(&b, "Root cause: %s\n", inc.RootCause)
	}
	if inc.ProposedResolution != "" {
		fmt.Fprintf(&b, "Proposed resolution: %s\n", inc.ProposedResolution)
	}
	if inc.RejectionCount > 0 {
		fmt.Fprintf(&b, "Rejected %d time(s), last: %s\n", inc.RejectionCount, inc.RejectionReason)
	}
	if inc.EscalationLevel > 0 {
		fmt.Fprintf(&b, "Escalated to %s (level %d)\n", inc.EscalatedTo, inc.EscalationLevel)
	}
	if inc.CancelReason != "" {
		fmt.Fprintf(&b, "Cancelled: %s\n", inc.CancelReason)
	}
	b.WriteString(inc.Description)
	for _, c := range comments {
		visibility := ""
		if c.Internal {
			visibility = " (internal)"
		}
		fmt.Fprintf(&b, "\n%s %s%s: %s", c.CreatedAt.Local().Format("2006-01-02 15:04"), c.Author, visibility, c.Body)
		if c.AttachmentPath != "" {
			fmt.Fprintf(&b, " [%s]", c.AttachmentPath)
		}
	}
	return b.String()
}

func incidentsHistoryCmd(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "history <number>",
		Short: "Show the audit trail of an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := s.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			history, err := a.incidents.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(history))
			for _, h := range history {
				from := "-"
				if h.FromStatus != nil {
					from = string(*h.FromStatus)
				}
				rows = append(rows, []string{
					h.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					string(h.Action),
					from + " → " + string(h.ToStatus),
					h.Actor,
					h.Comment,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable([]string{"TIME", "ACTION", "STATUS", "ACTOR", "COMMENT"}, rows))
			return nil
		},
	}
}

func incidentsOverdueCmd(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "overdue",
		Short: "List open incidents past their due date",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := s.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			incidents, err := a.incidents.Overdue(cmd.Context())
			if err != nil {
				return err
			}
			printIncidents(cmd, a, incidents, "No overdue incidents.")
			return nil
		},
	}
}

func incidentsCountsCmd(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Count incidents per status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := s.openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			counts, err := a.incidents.Counts(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(model.IncidentStatuses))
			for _, status := range model.IncidentStatuses {
				rows = append(rows, []string{string(status), fmt.Sprint(counts[status])})
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable([]string{"STATUS", "COUNT"}, rows))
			return nil
		},
	}
}

func incidentsCommentCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comment <number> <text>",
		Short: "Add a comment to an incident",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			internal, _ := cmd.Flags().GetBool("internal")
			attachment, _ := cmd.Flags().GetString("attach")
			if strings.TrimSpace(args[1]) == "" {
				return common.NewValidationError("comment", "must not be empty")
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

			if _, err := a.incidents.Comment(cmd.Context(), args[0], actor, args[1], internal, attachment); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("Comment added to "+args[0]))
			return nil
		},
	}
	cmd.Flags().Bool("internal", false, "Hide the comment from external viewers")
	cmd.Flags().String("attach", "", "Path of a supporting document")
	return cmd
}
