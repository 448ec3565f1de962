package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/plaid"
	"github.com/Veraticus/recon-flow/internal/sheets"
)

// EnvPrefix prefixes environment overrides, e.g. RECON_DATABASE_PATH.
const EnvPrefix = "RECON"

// App is the resolved application configuration.
type App struct {
	Users        map[string][]string
	DatabasePath string
	CatalogPath  string
	SnapshotDir  string
	LogLevel     string
	LogFormat    string
	Sheets       sheets.Config
	Plaid        plaid.Config
	StuckAfter   time.Duration
	HTTPTimeout  time.Duration
	// SimpleFINState holds the claimed SimpleFIN access URL.
	SimpleFINState string
	// SerializePerConfig runs at most one run per config at a time.
	SerializePerConfig bool
}

// DefaultDir is the directory holding config.yaml, the catalog and the database.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "recon")
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	dir := DefaultDir()
	v.SetDefault("database.path", filepath.Join(dir, "recon.db"))
	v.SetDefault("catalog.path", filepath.Join(dir, "reconciliations.yaml"))
	v.SetDefault("snapshots.dir", filepath.Join(dir, "snapshots"))
	v.SetDefault("simplefin.state_file", filepath.Join(dir, "simplefin.json"))
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("engine.serialize_per_config", false)
	v.SetDefault("engine.stuck_after", "2h")
	v.SetDefault("engine.http_timeout", "60s")
}

// Setup points v at configFile, or at config.yaml in DefaultDir or the working
// directory, and reads it. A missing default file is not an error.
func Setup(v *viper.Viper, configFile string) error {
	SetDefaults(v)
	if configFile != "" {
		v.SetConfigFile(ExpandPath(configFile))
	} else {
		v.AddConfigPath(DefaultDir())
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

// Load resolves the application configuration from v.
func Load(v *viper.Viper) (*App, error) {
	app := &App{
		DatabasePath:       ExpandPath(v.GetString("database.path")),
		CatalogPath:        ExpandPath(v.GetString("catalog.path")),
		SnapshotDir:        ExpandPath(v.GetString("snapshots.dir")),
		SimpleFINState:     ExpandPath(v.GetString("simplefin.state_file")),
		LogLevel:           v.GetString("logging.level"),
		LogFormat:          v.GetString("logging.format"),
		SerializePerConfig: v.GetBool("engine.serialize_per_config"),
		StuckAfter:         v.GetDuration("engine.stuck_after"),
		HTTPTimeout:        v.GetDuration("engine.http_timeout"),
		Users:              v.GetStringMapStringSlice("users"),
		Sheets:             LoadSheetsConfig(v),
		Plaid:              LoadPlaidConfig(v),
	}

	switch app.LogFormat {
	case "console", "json":
	default:
		return nil, common.NewValidationError("logging.format", fmt.Sprintf("%q is not console or json", app.LogFormat))
	}
	if app.DatabasePath == "" {
		return nil, common.NewValidationError("database.path", "is required")
	}
	if app.StuckAfter <= 0 {
		return nil, common.NewValidationError("engine.stuck_after", "must be positive")
	}
	return app, nil
}
