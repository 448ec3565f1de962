// Package testutil provides shared fixtures for tests: an in-memory store and
// a fluent builder for reconciliation configurations.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/storage"
)

// TestDB wraps a migrated in-memory store.
type TestDB struct {
	Storage *storage.SQLiteStorage
	t       *testing.T
	seeded  int
}

// SetupTestDB creates a new in-memory test database.
// It automatically handles migrations and cleanup.
//
// Example:
//
//	db := testutil.SetupTestDB(t)
//	run := db.SeedRun(model.RunPending)
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		_ = store.Close()
	})

	return &TestDB{Storage: store, t: t}
}

// SeedRun inserts a run in the given status for the default test config.
func (db *TestDB) SeedRun(status model.RunStatus) *model.ReconciliationRun {
	db.t.Helper()
	cfg := NewConfig("GL_BANK").Build()
	now := time.Now()
	db.seeded++
	run := &model.ReconciliationRun{
		RunID:       fmt.Sprintf("%s-%d", model.NewRunID(cfg.Code, now), db.seeded),
		ConfigID:    cfg.ID,
		ConfigCode:  cfg.Code,
		ConfigName:  cfg.Name,
		Status:      status,
		TriggeredBy: "tester",
		CreatedAt:   now,
	}
	if err := db.Storage.CreateRun(context.Background(), run); err != nil {
		db.t.Fatalf("failed to seed run: %v", err)
	}
	return run
}
