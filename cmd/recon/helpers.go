package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/recon-flow/internal/cli"
	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/config"
	"github.com/Veraticus/recon-flow/internal/engine"
	"github.com/Veraticus/recon-flow/internal/incident"
	"github.com/Veraticus/recon-flow/internal/lifecycle"
	"github.com/Veraticus/recon-flow/internal/source"
	"github.com/Veraticus/recon-flow/internal/storage"
)

// application is the wired object graph behind one command.
type application struct {
	cfg       *config.App
	store     *storage.SQLiteStorage
	incidents *incident.Service
	lifecycle *lifecycle.Controller
	catalog   *config.Catalog
	engine    *engine.Engine
}

// openStorage opens the database and brings the schema up to date.
func openStorage(ctx context.Context, cfg *config.App) (*storage.SQLiteStorage, error) {
	store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// openApp wires storage, the incident workflow and the run lifecycle. With
// withEngine the catalog is loaded and the reconciliation engine is built too.
func (s *rootState) openApp(ctx context.Context, withEngine bool) (*application, error) {
	store, err := openStorage(ctx, s.app)
	if err != nil {
		return nil, err
	}
	a := &application{
		cfg:       s.app,
		store:     store,
		lifecycle: lifecycle.NewController(store),
	}

	var opts []incident.Option
	if len(s.app.Users) > 0 {
		users, err := config.NewUsers(s.app.Users)
		if err != nil {
			a.close()
			return nil, err
		}
		opts = append(opts, incident.WithUserDirectory(users))
	}
	a.incidents = incident.NewService(store, opts...)

	if withEngine {
		if err := a.loadEngine(); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *application) loadEngine() error {
	catalog, err := config.LoadCatalog(a.cfg.CatalogPath)
	if err != nil {
		return err
	}
	a.catalog = catalog

	registry := source.NewDefaultRegistry(source.Settings{
		HTTPClient: &http.Client{Timeout: a.cfg.HTTPTimeout},
		Plaid:      a.cfg.Plaid,
		Sheets:     a.cfg.Sheets,

		SimpleFINState: a.cfg.SimpleFINState,
	})
	a.engine = engine.NewWithConfig(catalog, a.store, registry, a.incidents, engine.Config{
		SerializePerConfig: a.cfg.SerializePerConfig,
	})
	a.lifecycle = a.engine.Lifecycle()
	return nil
}

func (a *application) close() {
	if a.engine != nil {
		a.engine.Wait()
	}
	if err := a.store.Close(); err != nil {
		slog.Error("failed to close storage", "error", err)
	}
}

// parseAge accepts Go durations plus a day suffix, e.g. 90d.
func parseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, common.NewValidationError("age", fmt.Sprintf("%q is not a number of days", s))
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, common.NewValidationError("age", fmt.Sprintf("%q is not a positive duration", s))
	}
	return d, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatError prefers the user-facing message of a UserError.
func formatError(err error) string {
	var userErr *common.UserError
	if errors.As(err, &userErr) {
		return cli.FormatError(userErr.UserMessage)
	}
	return cli.FormatError(err.Error())
}
