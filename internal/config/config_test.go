package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
)

const catalogYAML = `
reconciliations:
  - code: GL_BANK
    name: General ledger vs bank
    key_attributes: [id]
    max_discrepancies: 500
    source:
      code: GL
      type: DATABASE
      connection_string: ${RECON_TEST_DSN}
    source_extraction:
      query: SELECT id, amount FROM ledger
    target:
      code: BANK
      type: FILE_SYSTEM
      file_path: /data/bank
      options:
        delimiter: ";"
    target_extraction:
      file_pattern: "*.csv"
    policy:
      trim_whitespace: true
      tolerance_percentage: 0.5
    mappings:
      - source: amount
        target: amt
        comparison: NUMERIC_TOLERANCE
        tolerance: 0.01
        severity: HIGH
      - source: memo
        target: description
        comparison: CASE_INSENSITIVE
        enabled: false
  - id: ar-psp
    code: AR_PSP
    active: false
    auto_create_incidents: false
    source: {code: AR, type: API_ENDPOINT, api_url: "https://ar.example/api"}
    target: {code: PSP, type: GOOGLE_SHEETS, options: {spreadsheet_id: abc}}
`

func TestParseCatalog(t *testing.T) {
	t.Setenv("RECON_TEST_DSN", "file:ledger.db")

	c, err := ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)

	configs, err := c.ListConfigs(context.Background())
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "AR_PSP", configs[0].Code)
	assert.Equal(t, "GL_BANK", configs[1].Code)

	cfg, err := c.GetConfigWithMappings(context.Background(), "gl_bank")
	require.NoError(t, err)
	assert.Equal(t, "gl_bank", cfg.ID)
	assert.True(t, cfg.Active)
	assert.True(t, cfg.AutoCreateIncidents)
	assert.Equal(t, 500, cfg.MaxDiscrepancies)
	assert.Equal(t, []string{"id"}, cfg.KeyAttributes)
	assert.Equal(t, "file:ledger.db", cfg.Source.ConnectionString)
	assert.Equal(t, model.SystemFileSystem, cfg.Target.Type)
	assert.Equal(t, ";", cfg.Target.Option("delimiter", ","))
	assert.Equal(t, "*.csv", cfg.TargetExtraction.FilePattern)
	assert.InDelta(t, 0.5, cfg.Policy.TolerancePercentage, 1e-9)

	require.Len(t, cfg.Mappings, 2)
	amount := cfg.Mappings[0]
	assert.Equal(t, model.CompareNumericTol, amount.Comparison)
	require.NotNil(t, amount.Tolerance)
	assert.InDelta(t, 0.01, *amount.Tolerance, 1e-9)
	assert.Equal(t, model.SeverityHigh, amount.Severity())
	assert.False(t, cfg.Mappings[1].IsEnabled())
	assert.Len(t, cfg.EnabledMappings(), 1)

	byCode, err := c.GetConfigWithMappings(context.Background(), "ar_psp")
	require.NoError(t, err)
	assert.Equal(t, "ar-psp", byCode.ID)
	assert.False(t, byCode.Active)
	assert.False(t, byCode.AutoCreateIncidents)
	assert.Equal(t, "AR_PSP", byCode.Name)

	_, err = c.GetConfigWithMappings(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestGetConfigReturnsCopy(t *testing.T) {
	c, err := ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)

	cfg, err := c.GetConfigWithMappings(context.Background(), "gl_bank")
	require.NoError(t, err)
	cfg.Mappings[0].SourceAttribute = "changed"

	again, err := c.GetConfigWithMappings(context.Background(), "gl_bank")
	require.NoError(t, err)
	assert.Equal(t, "amount", again.Mappings[0].SourceAttribute)
}

func TestParseCatalogRejects(t *testing.T) {
	systems := `
    source: {code: A, type: FILE_SYSTEM}
    target: {code: B, type: FILE_SYSTEM}`

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown field",
			yaml:    "reconciliations:\n  - code: X\n    colour: red" + systems,
			wantErr: "colour",
		},
		{
			name:    "missing code",
			yaml:    "reconciliations:\n  - name: X" + systems,
			wantErr: "invalid code",
		},
		{
			name:    "unknown system type",
			yaml:    "reconciliations:\n  - code: X\n    source: {code: A, type: FTP}\n    target: {code: B, type: FILE_SYSTEM}",
			wantErr: `unknown system type "FTP"`,
		},
		{
			name:    "unknown comparison",
			yaml:    "reconciliations:\n  - code: X" + systems + "\n    mappings: [{source: a, target: b, comparison: FUZZY}]",
			wantErr: `unknown comparison "FUZZY"`,
		},
		{
			name:    "duplicate code",
			yaml:    "reconciliations:\n  - code: X\n    id: one" + systems + "\n  - code: x\n    id: two" + systems,
			wantErr: `code "x" is used by one and two`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadCatalogMissingFile(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrMissingConfig)

	var userErr *common.UserError
	require.ErrorAs(t, err, &userErr)
	assert.Contains(t, userErr.UserMessage, "No reconciliation catalog")
}

func TestUsers(t *testing.T) {
	users, err := NewUsers(map[string][]string{
		"Alice": {"maker"},
		"bob":   {"Checker", " admin "},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, users.Len())

	roles, err := users.Roles(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []model.Role{model.RoleMaker}, roles)

	roles, err = users.Roles(context.Background(), "BOB")
	require.NoError(t, err)
	assert.Equal(t, []model.Role{model.RoleChecker, model.RoleAdmin}, roles)

	_, err = users.Roles(context.Background(), "mallory")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = NewUsers(map[string][]string{"eve": {"auditor"}})
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestLoadApp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  path: `+filepath.Join(dir, "recon.db")+`
logging:
  level: debug
  format: json
engine:
  serialize_per_config: true
  stuck_after: 30m
users:
  alice: [maker]
sheets:
  client_id: cid
  client_secret: secret
  refresh_token: rt
plaid:
  client_id: pid
  environment: production
`), 0o600))

	v := viper.New()
	require.NoError(t, Setup(v, path))
	app, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "recon.db"), app.DatabasePath)
	assert.Equal(t, "debug", app.LogLevel)
	assert.Equal(t, "json", app.LogFormat)
	assert.True(t, app.SerializePerConfig)
	assert.Equal(t, 30*time.Minute, app.StuckAfter)
	assert.Equal(t, 60*time.Second, app.HTTPTimeout)
	assert.Equal(t, map[string][]string{"alice": {"maker"}}, app.Users)
	assert.True(t, app.Sheets.HasOAuth())
	assert.Equal(t, 3, app.Sheets.RetryAttempts)
	assert.Equal(t, "pid", app.Plaid.ClientID)
	assert.Equal(t, "production", app.Plaid.Environment)
}

func TestLoadAppRejectsBadFormat(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("logging.format", "xml")

	_, err := Load(v)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestLoadPlaidConfigFallsBackToEnv(t *testing.T) {
	t.Setenv("PLAID_CLIENT_ID", "env-id")
	t.Setenv("PLAID_SECRET", "env-secret")
	t.Setenv("PLAID_ENV", "")

	cfg := LoadPlaidConfig(viper.New())
	assert.Equal(t, "env-id", cfg.ClientID)
	assert.Equal(t, "env-secret", cfg.Secret)
	assert.Equal(t, "sandbox", cfg.Environment)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	t.Setenv("RECON_TEST_DIR", "/srv/recon")

	assert.Equal(t, "", ExpandPath(""))
	assert.Equal(t, home, ExpandPath("~"))
	assert.Equal(t, filepath.Join(home, "data"), ExpandPath("~/data"))
	assert.Equal(t, "/srv/recon/db", ExpandPath("$RECON_TEST_DIR/db"))
}
