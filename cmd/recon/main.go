package main

import (
	"context"
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/config"
)

var version = "dev"

// rootState is shared by every command of one invocation.
type rootState struct {
	v       *viper.Viper
	app     *config.App
	cfgFile string
}

func newRootCmd() *cobra.Command {
	s := &rootState{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "recon",
		Short: "📒 Data reconciliation engine",
		Long: `recon compares the records of two systems, classifies every difference
and drives the follow-up investigation through a maker-checker workflow.

Reconciliations are defined in a YAML catalog; runs, discrepancies and
incidents are kept in a local SQLite database.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: s.initConfig,
	}

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&s.cfgFile, "config", "", "config file (default: $HOME/.config/recon/config.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	flags.String("db", "", "database path (overrides database.path)")
	flags.String("catalog", "", "reconciliation catalog (overrides catalog.path)")
	flags.String("user", defaultUser(), "acting user recorded in audit trails")

	// Bind flags to viper
	_ = s.v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = s.v.BindPFlag("logging.format", flags.Lookup("log-format"))
	_ = s.v.BindPFlag("database.path", flags.Lookup("db"))
	_ = s.v.BindPFlag("catalog.path", flags.Lookup("catalog"))
	_ = s.v.BindPFlag("user", flags.Lookup("user"))

	rootCmd.AddCommand(runCmd(s))
	rootCmd.AddCommand(runsCmd(s))
	rootCmd.AddCommand(discrepanciesCmd(s))
	rootCmd.AddCommand(incidentsCmd(s))
	rootCmd.AddCommand(configsCmd(s))
	rootCmd.AddCommand(dbCmd(s))
	rootCmd.AddCommand(authCmd(s))
	rootCmd.AddCommand(migrateCmd(s))
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		os.Exit(1)
	}
}

func (s *rootState) initConfig(cmd *cobra.Command, _ []string) error {
	if err := config.Setup(s.v, s.cfgFile); err != nil {
		return err
	}
	app, err := config.Load(s.v)
	if err != nil {
		return err
	}
	s.app = app

	if err := common.SetupLoggerTo(cmd.ErrOrStderr(), common.ParseLevel(app.LogLevel), app.LogFormat); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	return nil
}

// actor is the user named by --user, RECON_USER or the OS account.
func (s *rootState) actor() (string, error) {
	name := s.v.GetString("user")
	if name == "" {
		return "", common.NewValidationError("user", "is required; pass --user")
	}
	return name, nil
}

func defaultUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "recon version %s\n", version)
		},
	}
}
