package config

import (
	"os"

	"github.com/spf13/viper"

	"github.com/Veraticus/recon-flow/internal/plaid"
	"github.com/Veraticus/recon-flow/internal/sheets"
)

// LoadSheetsConfig loads Google Sheets credentials. It follows this precedence:
// 1. Viper configuration (from config file or RECON_ env vars)
// 2. Direct environment variables (GOOGLE_SHEETS_*)
// 3. Default values
//
// The result is not validated: Sheets credentials only matter once a
// GOOGLE_SHEETS system is extracted.
func LoadSheetsConfig(v *viper.Viper) sheets.Config {
	config := sheets.DefaultConfig()

	config.ServiceAccountPath = ExpandPath(firstSet(v.GetString("sheets.service_account_path"), os.Getenv("GOOGLE_SHEETS_SERVICE_ACCOUNT_PATH")))
	config.ClientID = firstSet(v.GetString("sheets.client_id"), os.Getenv("GOOGLE_SHEETS_CLIENT_ID"))
	config.ClientSecret = firstSet(v.GetString("sheets.client_secret"), os.Getenv("GOOGLE_SHEETS_CLIENT_SECRET"))
	config.RefreshToken = firstSet(v.GetString("sheets.refresh_token"), os.Getenv("GOOGLE_SHEETS_REFRESH_TOKEN"))
	config.TokenFile = ExpandPath(v.GetString("sheets.token_file"))

	if n := v.GetInt("sheets.retry_attempts"); n > 0 {
		config.RetryAttempts = n
	}
	if d := v.GetDuration("sheets.retry_delay"); d > 0 {
		config.RetryDelay = d
	}
	return config
}

// LoadPlaidConfig loads the default Plaid credentials used by API_ENDPOINT
// systems with the plaid provider. Viper keys win over PLAID_* variables.
func LoadPlaidConfig(v *viper.Viper) plaid.Config {
	return plaid.Config{
		ClientID:    firstSet(v.GetString("plaid.client_id"), os.Getenv("PLAID_CLIENT_ID")),
		Secret:      firstSet(v.GetString("plaid.secret"), os.Getenv("PLAID_SECRET")),
		AccessToken: firstSet(v.GetString("plaid.access_token"), os.Getenv("PLAID_ACCESS_TOKEN")),
		Environment: firstSet(v.GetString("plaid.environment"), os.Getenv("PLAID_ENV"), "sandbox"),
	}
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
