package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Snapshot errors.
var (
	ErrSnapshotNotFound  = errors.New("snapshot not found")
	ErrSnapshotCorrupted = errors.New("snapshot integrity check failed")
	ErrSnapshotExists    = errors.New("snapshot already exists")
	ErrInMemoryDatabase  = errors.New("in-memory databases cannot be snapshotted")
)

// maxAutoSnapshots bounds how many automatic snapshots are retained.
const maxAutoSnapshots = 5

// SnapshotInfo describes one stored database snapshot.
type SnapshotInfo struct {
	CreatedAt     time.Time        `json:"created_at"`
	RowCounts     map[string]int64 `json:"row_counts"`
	ID            string           `json:"id"`
	Description   string           `json:"description"`
	FileSize      int64            `json:"file_size"`
	SchemaVersion int              `json:"schema_version"`
	IsAuto        bool             `json:"is_auto"`
}

// Runs returns the number of runs captured in the snapshot.
func (i SnapshotInfo) Runs() int64 { return i.RowCounts["runs"] }

// Incidents returns the number of incidents captured in the snapshot.
func (i SnapshotInfo) Incidents() int64 { return i.RowCounts["incidents"] }

// SnapshotManager copies the database to a snapshots directory next to it.
type SnapshotManager struct {
	db     *sql.DB
	dbPath string
	dir    string
}

// NewSnapshotManager creates the snapshots directory for a file-backed store.
// An empty dir means a snapshots directory next to the database.
func NewSnapshotManager(s *SQLiteStorage, dir string) (*SnapshotManager, error) {
	if s.dbPath == ":memory:" {
		return nil, ErrInMemoryDatabase
	}
	if dir == "" {
		dir = filepath.Join(filepath.Dir(s.dbPath), "snapshots")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create snapshots directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve snapshots directory: %w", err)
	}
	return &SnapshotManager{db: s.db, dbPath: s.dbPath, dir: abs}, nil
}

func validateSnapshotID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\'";`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid snapshot id %q", id)
	}
	return nil
}

func (m *SnapshotManager) paths(id string) (dbFile, metaFile string) {
	return filepath.Join(m.dir, id+".db"), filepath.Join(m.dir, id+".meta.json")
}

// Create writes a consistent copy of the database under the given id.
func (m *SnapshotManager) Create(ctx context.Context, id, description string) (*SnapshotInfo, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if id == "" {
		id = "snapshot-" + time.Now().Format("2006-01-02-150405")
	}
	if err := validateSnapshotID(id); err != nil {
		return nil, err
	}

	dbFile, metaFile := m.paths(id)
	if _, err := os.Stat(dbFile); err == nil {
		return nil, ErrSnapshotExists
	}

	var schemaVersion int
	if err := m.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&schemaVersion); err != nil {
		return nil, fmt.Errorf("failed to get schema version: %w", err)
	}
	counts, err := m.rowCounts(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := m.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	// #nosec G201 - dbFile is built from a validated id inside an absolute directory
	if _, err := m.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", dbFile)); err != nil {
		return nil, fmt.Errorf("failed to copy database: %w", err)
	}

	stat, err := os.Stat(dbFile)
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}

	info := &SnapshotInfo{
		ID:            id,
		CreatedAt:     time.Now(),
		Description:   description,
		FileSize:      stat.Size(),
		RowCounts:     counts,
		SchemaVersion: schemaVersion,
	}
	if err := writeJSONAtomic(metaFile, info); err != nil {
		if rmErr := os.Remove(dbFile); rmErr != nil {
			slog.Error("failed to remove snapshot after metadata failure", "error", rmErr)
		}
		return nil, fmt.Errorf("failed to save snapshot metadata: %w", err)
	}
	return info, nil
}

// Auto takes a snapshot before a destructive operation and prunes old automatic ones.
func (m *SnapshotManager) Auto(ctx context.Context, operation string) (*SnapshotInfo, error) {
	id := fmt.Sprintf("auto-%s-%s", operation, time.Now().Format("2006-01-02-150405"))
	info, err := m.Create(ctx, id, "Automatic snapshot before "+operation)
	if err != nil {
		return nil, fmt.Errorf("failed to create automatic snapshot: %w", err)
	}
	info.IsAuto = true
	_, metaFile := m.paths(id)
	if err := writeJSONAtomic(metaFile, info); err != nil {
		slog.Error("failed to mark snapshot as automatic", "snapshot", id, "error", err)
	}

	if err := m.pruneAuto(ctx); err != nil {
		slog.Warn("failed to prune automatic snapshots", "error", err)
	}
	return info, nil
}

func (m *SnapshotManager) pruneAuto(ctx context.Context) error {
	snapshots, err := m.List(ctx)
	if err != nil {
		return err
	}
	kept := 0
	for _, s := range snapshots {
		if !s.IsAuto {
			continue
		}
		kept++
		if kept > maxAutoSnapshots {
			if err := m.Delete(ctx, s.ID); err != nil {
				slog.Debug("failed to delete automatic snapshot", "snapshot", s.ID, "error", err)
			}
		}
	}
	return nil
}

// List returns all snapshots, newest first. Unreadable metadata is skipped.
func (m *SnapshotManager) List(_ context.Context) ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshots directory: %w", err)
	}

	var out []SnapshotInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta.json") {
			continue
		}
		info, err := readSnapshotInfo(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, *info)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Get returns the metadata of one snapshot.
func (m *SnapshotManager) Get(_ context.Context, id string) (*SnapshotInfo, error) {
	if err := validateSnapshotID(id); err != nil {
		return nil, err
	}
	_, metaFile := m.paths(id)
	info, err := readSnapshotInfo(metaFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSnapshotNotFound
	}
	return info, err
}

// Delete removes a snapshot and its metadata.
func (m *SnapshotManager) Delete(_ context.Context, id string) error {
	if err := validateSnapshotID(id); err != nil {
		return err
	}
	dbFile, metaFile := m.paths(id)
	if err := os.Remove(dbFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrSnapshotNotFound
		}
		return fmt.Errorf("failed to remove snapshot: %w", err)
	}
	if err := os.Remove(metaFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Debug("failed to remove snapshot metadata", "path", metaFile, "error", err)
	}
	return nil
}

// Restore replaces the database file with a snapshot. The manager's store
// must already be closed; callers reopen it afterwards.
func (m *SnapshotManager) Restore(_ context.Context, id string) error {
	if err := validateSnapshotID(id); err != nil {
		return err
	}
	dbFile, _ := m.paths(id)
	if _, err := os.Stat(dbFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrSnapshotNotFound
		}
		return fmt.Errorf("failed to access snapshot: %w", err)
	}
	if err := verifyIntegrity(dbFile); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupted, err)
	}

	backup := m.dbPath + ".restore-backup"
	if err := copyFile(m.dbPath, backup); err != nil {
		return fmt.Errorf("failed to back up current database: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(m.dbPath + suffix)
	}
	if err := copyFile(dbFile, m.dbPath); err != nil {
		if restoreErr := copyFile(backup, m.dbPath); restoreErr != nil {
			slog.Error("failed to put back database after restore failure", "error", restoreErr)
		}
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	if err := os.Remove(backup); err != nil {
		slog.Warn("failed to remove restore backup", "path", backup, "error", err)
	}
	return nil
}

func (m *SnapshotManager) rowCounts(ctx context.Context) (map[string]int64, error) {
	queries := map[string]string{
		"runs":          "SELECT COUNT(*) FROM runs",
		"discrepancies": "SELECT COUNT(*) FROM discrepancies",
		"incidents":     "SELECT COUNT(*) FROM incidents",
	}
	counts := make(map[string]int64, len(queries))
	for table, query := range queries {
		var n int64
		if err := m.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

func readSnapshotInfo(path string) (*SnapshotInfo, error) {
	// #nosec G304 - path is inside the snapshots directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info SnapshotInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func verifyIntegrity(path string) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}

func copyFile(src, dst string) error {
	// #nosec G304 - paths come from the manager
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
