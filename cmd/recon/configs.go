package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Veraticus/recon-flow/internal/cli"
	"github.com/Veraticus/recon-flow/internal/config"
	"github.com/Veraticus/recon-flow/internal/model"
)

func configsCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configs",
		Short: "Inspect the reconciliation catalog",
	}
	cmd.AddCommand(configsListCmd(s))
	cmd.AddCommand(configsShowCmd(s))
	return cmd
}

func configsListCmd(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List reconciliation configs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := config.LoadCatalog(s.app.CatalogPath)
			if err != nil {
				return err
			}
			configs, err := catalog.ListConfigs(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(configs) == 0 {
				fmt.Fprintln(out, cli.InfoStyle.Render("The catalog defines no reconciliations."))
				return nil
			}
			rows := make([][]string, 0, len(configs))
			for i := range configs {
				c := &configs[i]
				active := cli.StyleSuccess("yes")
				if !c.Active {
					active = cli.SubtleStyle.Render("no")
				}
				rows = append(rows, []string{
					c.ID,
					c.Code,
					c.Name,
					fmt.Sprintf("%s (%s)", c.Source.Code, c.Source.Type),
					fmt.Sprintf("%s (%s)", c.Target.Code, c.Target.Type),
					fmt.Sprint(len(c.EnabledMappings())),
					active,
				})
			}
			fmt.Fprintln(out, cli.RenderTable([]string{"ID", "CODE", "NAME", "SOURCE", "TARGET", "MAPPINGS", "ACTIVE"}, rows))
			return nil
		},
	}
}

func configsShowCmd(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "show <config>",
		Short: "Show one reconciliation config with its mappings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := config.LoadCatalog(s.app.CatalogPath)
			if err != nil {
				return err
			}
			c, err := catalog.GetConfigWithMappings(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderBox(c.Code+" "+c.Name, describeConfig(c)))
			return nil
		},
	}
}

func describeConfig(c *model.ReconciliationConfig) string {
	var b strings.Builder
	if c.Description != "" {
		b.WriteString(c.Description + "\n")
	}
	fmt.Fprintf(&b, "Source: %s\n", describeSystem(c.Source, c.SourceExtraction))
	fmt.Fprintf(&b, "Target: %s\n", describeSystem(c.Target, c.TargetExtraction))
	fmt.Fprintf(&b, "Key: %s\n", strings.Join(c.PrimaryKey(), ", "))
	fmt.Fprintf(&b, "Discrepancy cap: %d  Auto incidents: %t  Active: %t\n", c.DiscrepancyCap(), c.AutoCreateIncidents, c.Active)

	rows := make([][]string, 0, len(c.Mappings))
	for _, m := range c.Mappings {
		tolerance := "-"
		if m.Tolerance != nil {
			tolerance = fmt.Sprintf("%g", *m.Tolerance)
			if m.ToleranceKind != "" {
				tolerance += " " + strings.ToLower(string(m.ToleranceKind))
			}
		}
		enabled := "yes"
		if !m.IsEnabled() {
			enabled = "no"
		}
		rows = append(rows, []string{m.SourceAttribute, m.TargetAttribute, string(m.Comparison), tolerance, cli.StyleSeverity(m.Severity()), enabled})
	}
	b.WriteString(cli.RenderTable([]string{"SOURCE", "TARGET", "COMPARISON", "TOLERANCE", "SEVERITY", "ENABLED"}, rows))
	return b.String()
}

// describeSystem never prints connection strings or API keys.
func describeSystem(sys model.SourceSystem, spec model.ExtractionSpec) string {
	out := fmt.Sprintf("%s (%s)", sys.Code, sys.Type)
	switch sys.Type {
	case model.SystemFileSystem:
		out += " " + sys.FilePath
		if spec.FilePattern != "" {
			out += " " + spec.FilePattern
		}
	case model.SystemAPIEndpoint:
		if p := sys.Option("provider", ""); p != "" {
			out += " provider " + p
		} else {
			out += " " + sys.APIURL
		}
	case model.SystemGoogleSheets:
		out += " " + sys.Option("spreadsheet_id", sys.FilePath)
	}
	if spec.Query != "" {
		out += "\n  query: " + spec.Query
	}
	return out
}
