package main

import (
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/recon-flow/internal/cli"
	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/config"
	"github.com/Veraticus/recon-flow/internal/plaid"
	"github.com/Veraticus/recon-flow/internal/service"
	"github.com/Veraticus/recon-flow/internal/sheets"
	"github.com/Veraticus/recon-flow/internal/simplefin"
)

func authCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authenticate with external services",
		Long:  `Authenticate with the external services reconciliation sources read from.`,
	}

	cmd.AddCommand(authSheetsCmd(s))
	cmd.AddCommand(authPlaidCmd(s))
	cmd.AddCommand(authSimpleFINCmd(s))
	return cmd
}

func authSheetsCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sheets",
		Short: "Authorize read access to Google Sheets",
		Long: `Run the Google OAuth2 consent flow and save the token.

Open the printed URL in a browser and approve read-only access to your
spreadsheets. The token is saved to sheets.token_file, which GOOGLE_SHEETS
sources then use.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("callback")
			cfg := s.app.Sheets
			if cfg.ClientID == "" || cfg.ClientSecret == "" {
				return common.NewUserError(
					"Google OAuth client missing. Set sheets.client_id and sheets.client_secret, or GOOGLE_SHEETS_CLIENT_ID and GOOGLE_SHEETS_CLIENT_SECRET.",
					common.ErrMissingConfig)
			}
			tokenFile := cfg.TokenFile
			if tokenFile == "" {
				tokenFile = filepath.Join(config.DefaultDir(), "sheets-token.json")
			}

			handler := cli.NewInterruptHandler(cmd.ErrOrStderr())
			ctx := handler.HandleInterrupts(cmd.Context(), "")
			_, err := sheets.AuthenticateOAuth2Interactive(ctx, sheets.OAuth2Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				TokenFile:    tokenFile,
				CallbackAddr: addr,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("Saved Google Sheets token to "+tokenFile))
			if cfg.TokenFile == "" {
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("Set sheets.token_file to "+tokenFile+" to use it"))
			}
			return nil
		},
	}
	cmd.Flags().String("callback", "", "Address of the local OAuth callback server (default localhost:8080)")
	return cmd
}

func authPlaidCmd(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "plaid",
		Short: "Check the configured Plaid credentials",
		Long: `Connect to Plaid with the configured client id, secret and access token
and list the accounts the token can read.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := plaid.NewClient(s.app.Plaid)
			if err != nil {
				return err
			}
			accounts, err := client.Accounts(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Plaid %s credentials work; %d accounts", s.app.Plaid.Environment, len(accounts))))
			for _, a := range accounts {
				fmt.Fprintln(out, "  • "+a)
			}
			return nil
		},
	}
}

func authSimpleFINCmd(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "simplefin [setup-token]",
		Short: "Claim a SimpleFIN setup token",
		Long: `Exchange a SimpleFIN setup token for an access URL and save it to
simplefin.state_file, where API_ENDPOINT systems with provider simplefin and
no api_url find it. Without a token, checks the saved access instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 {
				token = args[0]
			}
			httpClient := &http.Client{Timeout: s.app.HTTPTimeout}
			stateFile := s.app.SimpleFINState

			if token != "" {
				if _, err := simplefin.LoadState(stateFile); err == nil {
					fmt.Fprintln(cmd.OutOrStdout(), cli.FormatWarning("Replacing the saved SimpleFIN access in "+stateFile))
				}
				accessURL, err := simplefin.Claim(cmd.Context(), httpClient, token)
				if err != nil {
					return err
				}
				state := &simplefin.AuthState{AccessURL: accessURL, ClaimedAt: time.Now().UTC()}
				if err := simplefin.SaveState(stateFile, state); err != nil {
					return err
				}
			}

			state, err := simplefin.LoadOrClaim(cmd.Context(), httpClient, stateFile, "")
			if err != nil {
				return err
			}
			client, err := simplefin.NewClient(state.AccessURL, httpClient, service.DefaultRetryOptions)
			if err != nil {
				return err
			}
			accounts, err := client.Accounts(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("SimpleFIN access claimed %s works; %d accounts",
				state.ClaimedAt.Format(time.DateOnly), len(accounts))))
			for _, a := range accounts {
				fmt.Fprintln(out, "  • "+a)
			}
			return nil
		},
	}
}
