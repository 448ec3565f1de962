package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Veraticus/recon-flow/internal/cli"
	"github.com/Veraticus/recon-flow/internal/storage"
)

func migrateCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Initialize or update the database schema to the latest version.

This command ensures your local database has all the required
tables and indexes for the application to function properly.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, _ := cmd.Flags().GetBool("status")
			ctx := cmd.Context()

			store, err := storage.NewSQLiteStorage(s.app.DatabasePath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer func() { _ = store.Close() }()

			if !status {
				slog.Info("Running database migrations", "database", s.app.DatabasePath)
				if err := store.Migrate(ctx); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
			}
			version, err := store.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo(fmt.Sprintf("%s schema version %d", s.app.DatabasePath, version)))
			return nil
		},
	}

	cmd.Flags().Bool("status", false, "Show current schema version without applying changes")
	return cmd
}

func dbCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
	}

	snapshot := &cobra.Command{
		Use:   "snapshot",
		Short: "Create, list, restore and delete database snapshots",
	}
	snapshot.AddCommand(snapshotCreateCmd(s))
	snapshot.AddCommand(snapshotListCmd(s))
	snapshot.AddCommand(snapshotRestoreCmd(s))
	snapshot.AddCommand(snapshotDeleteCmd(s))
	cmd.AddCommand(migrateCmd(s))
	cmd.AddCommand(snapshot)
	return cmd
}

// withSnapshots opens the database and its snapshot manager for fn.
func (s *rootState) withSnapshots(cmd *cobra.Command, fn func(*storage.SQLiteStorage, *storage.SnapshotManager) error) error {
	store, err := openStorage(cmd.Context(), s.app)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	mgr, err := storage.NewSnapshotManager(store, s.app.SnapshotDir)
	if err != nil {
		return err
	}
	return fn(store, mgr)
}

// autoSnapshot protects destructive commands with a pruned automatic snapshot.
func (s *rootState) autoSnapshot(cmd *cobra.Command, a *application, operation string) error {
	mgr, err := storage.NewSnapshotManager(a.store, s.app.SnapshotDir)
	if err != nil {
		return err
	}
	info, err := mgr.Auto(cmd.Context(), operation)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("Snapshot "+info.ID+" taken"))
	return nil
}

func snapshotCreateCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create [id]",
		Short: "Copy the database into a named snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			description, _ := cmd.Flags().GetString("description")
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return s.withSnapshots(cmd, func(_ *storage.SQLiteStorage, mgr *storage.SnapshotManager) error {
				info, err := mgr.Create(cmd.Context(), id, description)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Created snapshot %s (%d runs, %d incidents)",
					info.ID, info.Runs(), info.Incidents())))
				return nil
			})
		},
	}
	cmd.Flags().String("description", "", "Free-form description")
	return cmd
}

func snapshotListCmd(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.withSnapshots(cmd, func(_ *storage.SQLiteStorage, mgr *storage.SnapshotManager) error {
				snapshots, err := mgr.List(cmd.Context())
				if err != nil {
					return err
				}
				if len(snapshots) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), cli.InfoStyle.Render("No snapshots."))
					return nil
				}
				rows := make([][]string, 0, len(snapshots))
				for _, info := range snapshots {
					kind := "manual"
					if info.IsAuto {
						kind = "auto"
					}
					rows = append(rows, []string{
						info.ID,
						kind,
						formatTime(&info.CreatedAt),
						fmt.Sprint(info.Runs()),
						fmt.Sprint(info.Incidents()),
						fmt.Sprintf("%.1f KB", float64(info.FileSize)/1024),
						info.Description,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable([]string{"ID", "KIND", "CREATED", "RUNS", "INCIDENTS", "SIZE", "DESCRIPTION"}, rows))
				return nil
			})
		},
	}
}

func snapshotRestoreCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <id>",
		Short: "Replace the database with a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				ok, err := cli.Confirm(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(),
					"Replace the database with snapshot "+args[0]+"?")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("Nothing restored."))
					return nil
				}
			}

			return s.withSnapshots(cmd, func(store *storage.SQLiteStorage, mgr *storage.SnapshotManager) error {
				if _, err := mgr.Get(cmd.Context(), args[0]); err != nil {
					return err
				}
				if _, err := mgr.Auto(cmd.Context(), "restore"); err != nil {
					return err
				}
				if err := store.Close(); err != nil {
					return fmt.Errorf("failed to close database: %w", err)
				}
				if err := mgr.Restore(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("Restored snapshot "+args[0]))
				return nil
			})
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func snapshotDeleteCmd(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withSnapshots(cmd, func(_ *storage.SQLiteStorage, mgr *storage.SnapshotManager) error {
				if err := mgr.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("Deleted snapshot "+args[0]))
				return nil
			})
		},
	}
}
