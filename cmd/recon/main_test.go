package main

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/recon-flow/internal/common"
)

type workspace struct {
	dir    string
	config string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	for _, side := range []string{"ledger", "bank"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, side), 0o750))
	}
	writeFile(t, filepath.Join(dir, "ledger", "ledger.csv"), "id,amount,memo\n1,10.00,rent\n2,20.00,fees\n3,30.00,tax\n")
	writeFile(t, filepath.Join(dir, "bank", "bank.csv"), "id,amt\n1,10.00\n2,25.00\n4,40.00\n")

	writeFile(t, filepath.Join(dir, "reconciliations.yaml"), `
reconciliations:
  - code: GL_BANK
    name: Ledger vs bank
    key_attributes: [id]
    source: {code: GL, type: FILE_SYSTEM, file_path: `+filepath.Join(dir, "ledger")+`}
    source_extraction: {file_pattern: "*.csv"}
    target: {code: BANK, type: FILE_SYSTEM, file_path: `+filepath.Join(dir, "bank")+`}
    target_extraction: {file_pattern: "*.csv"}
    mappings:
      - source: amount
        target: amt
        comparison: NUMERIC_TOLERANCE
        tolerance: 0.01
        severity: HIGH
  - code: DORMANT
    active: false
    source: {code: A, type: FILE_SYSTEM, file_path: /nonexistent}
    target: {code: B, type: FILE_SYSTEM, file_path: /nonexistent}
`)

	cfg := filepath.Join(dir, "config.yaml")
	writeFile(t, cfg, `
database:
  path: `+filepath.Join(dir, "recon.db")+`
catalog:
  path: `+filepath.Join(dir, "reconciliations.yaml")+`
snapshots:
  dir: `+filepath.Join(dir, "snapshots")+`
users:
  alice: [maker]
  bob: [checker]
`)
	return &workspace{dir: dir, config: cfg}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// recon runs one command against the workspace and returns its stdout.
func (w *workspace) recon(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(append([]string{"--config", w.config}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.Execute()
	return out.String(), err
}

func (w *workspace) mustRecon(t *testing.T, args ...string) string {
	t.Helper()
	out, err := w.recon(t, "", args...)
	require.NoError(t, err, out)
	return out
}

var (
	runIDPattern      = regexp.MustCompile(`RUN-GL_BANK-\d+`)
	incidentIDPattern = regexp.MustCompile(`INC-\d{8}-\d{4}`)
)

func TestRunAndInvestigate(t *testing.T) {
	w := newWorkspace(t)

	out := w.mustRecon(t, "run", "gl_bank", "--user", "alice", "--no-progress", "--poll", "5ms")
	assert.Contains(t, out, "COMPLETED_WITH_DISCREPANCIES")
	assert.Contains(t, out, "Matched: 1")
	assert.Contains(t, out, "Discrepancies: 3 (3 stored)")
	runID := runIDPattern.FindString(out)
	require.NotEmpty(t, runID)

	out = w.mustRecon(t, "runs", "list")
	assert.Contains(t, out, runID)

	out = w.mustRecon(t, "runs", "summary", runID)
	assert.Contains(t, out, "MISSING_IN_SOURCE: 1")
	assert.Contains(t, out, "MISSING_IN_TARGET: 1")
	assert.Contains(t, out, "ATTRIBUTE_MISMATCH: 1")

	out = w.mustRecon(t, "runs", "discrepancies", runID, "--type", "attribute_mismatch")
	assert.Contains(t, out, "amount")
	assert.Contains(t, out, "25.00")

	out = w.mustRecon(t, "runs", "logs", runID)
	assert.Contains(t, out, "COMPARING")

	out = w.mustRecon(t, "incidents", "list", "--run", runID)
	number := incidentIDPattern.FindString(out)
	require.NotEmpty(t, number)
	assert.Contains(t, out, "HIGH")

	assert.Contains(t, w.mustRecon(t, "incidents", "assign", number, "alice", "--user", "bob"), "ASSIGNED")
	assert.Contains(t, w.mustRecon(t, "incidents", "investigate", number, "--user", "alice"), "UNDER_INVESTIGATION")
	assert.Contains(t, w.mustRecon(t, "incidents", "submit", number, "--user", "alice",
		"--root-cause", "bank fee booked twice", "--resolution", "reverse the duplicate"), "PENDING_CHECKER_REVIEW")

	_, err := w.recon(t, "", "incidents", "approve", number, "--user", "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	assert.Contains(t, w.mustRecon(t, "incidents", "approve", number, "--user", "bob", "--comments", "ok"), "RESOLVED")
	assert.Contains(t, w.mustRecon(t, "incidents", "close", number, "--user", "bob"), "CLOSED")
	w.mustRecon(t, "incidents", "comment", number, "reviewed with finance", "--user", "bob")

	out = w.mustRecon(t, "incidents", "history", number)
	for _, action := range []string{"CREATED", "ASSIGNED", "RESOLUTION_SUBMITTED", "APPROVED", "CLOSED"} {
		assert.Contains(t, out, action)
	}
	out = w.mustRecon(t, "incidents", "show", number)
	assert.Contains(t, out, "reverse the duplicate")
	assert.Contains(t, out, "reviewed with finance")
}

func TestRunRejectsInactiveAndUnknownConfigs(t *testing.T) {
	w := newWorkspace(t)

	_, err := w.recon(t, "", "run", "DORMANT", "--user", "alice")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = w.recon(t, "", "run", "NOPE", "--user", "alice")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDiscrepancyReview(t *testing.T) {
	w := newWorkspace(t)
	out := w.mustRecon(t, "run", "GL_BANK", "--user", "alice", "--no-progress", "--poll", "5ms")
	runID := runIDPattern.FindString(out)
	require.NotEmpty(t, runID)

	code := "DISC-" + runID + "-00000"
	assert.Contains(t, w.mustRecon(t, "discrepancies", "ack", code, "--user", "bob"), "Acknowledged "+code)

	_, err := w.recon(t, "", "discrepancies", "false-positive", code, "--user", "bob")
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	w.mustRecon(t, "discrepancies", "false-positive", code, "--user", "bob", "--reason", "timing")
	out = w.mustRecon(t, "discrepancies", "show", code)
	assert.Contains(t, out, "Acknowledged by bob")
	assert.Contains(t, out, "False positive: timing")
}

func TestConfigsCommands(t *testing.T) {
	w := newWorkspace(t)

	out := w.mustRecon(t, "configs", "list")
	assert.Contains(t, out, "GL_BANK")
	assert.Contains(t, out, "DORMANT")

	out = w.mustRecon(t, "configs", "show", "gl_bank")
	assert.Contains(t, out, "NUMERIC_TOLERANCE")
	assert.Contains(t, out, "Key: id")
}

func TestPurgeAsksFirst(t *testing.T) {
	w := newWorkspace(t)

	out, err := w.recon(t, "n\n", "runs", "purge", "--older-than", "30d")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing deleted")

	out = w.mustRecon(t, "runs", "purge", "--older-than", "30d", "--yes")
	assert.Contains(t, out, "Snapshot auto-purge-")
	assert.Contains(t, out, "Purged 0 runs")

	_, err = w.recon(t, "", "runs", "purge", "--older-than", "soon", "--yes")
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestSnapshotCommands(t *testing.T) {
	w := newWorkspace(t)
	w.mustRecon(t, "migrate")

	assert.Contains(t, w.mustRecon(t, "db", "snapshot", "create", "before-close", "--description", "month end"), "Created snapshot before-close")
	out := w.mustRecon(t, "db", "snapshot", "list")
	assert.Contains(t, out, "before-close")
	assert.Contains(t, out, "month end")

	assert.Contains(t, w.mustRecon(t, "db", "snapshot", "restore", "before-close", "--yes"), "Restored snapshot before-close")
	assert.Contains(t, w.mustRecon(t, "db", "snapshot", "delete", "before-close"), "Deleted snapshot before-close")

	_, err := w.recon(t, "", "db", "snapshot", "delete", "before-close")
	require.Error(t, err)
}

func TestRunsCancelFinishedRun(t *testing.T) {
	w := newWorkspace(t)
	out := w.mustRecon(t, "run", "GL_BANK", "--user", "alice", "--no-progress", "--poll", "5ms")
	runID := runIDPattern.FindString(out)

	_, err := w.recon(t, "", "runs", "cancel", runID, "--user", "alice")
	assert.ErrorIs(t, err, common.ErrInvalidTransition)

	out = w.mustRecon(t, "runs", "stuck", "--after", "1h")
	assert.Contains(t, out, "No runs stuck")
}

func TestParseAge(t *testing.T) {
	d, err := parseAge("90d")
	require.NoError(t, err)
	assert.Equal(t, "2160h0m0s", d.String())

	d, err = parseAge("36h")
	require.NoError(t, err)
	assert.Equal(t, "36h0m0s", d.String())

	for _, bad := range []string{"", "0d", "-1h", "xd", "soon"} {
		_, err := parseAge(bad)
		assert.ErrorIs(t, err, common.ErrInvalidInput, bad)
	}
}

func TestVersion(t *testing.T) {
	w := newWorkspace(t)
	assert.Contains(t, w.mustRecon(t, "version"), "recon version dev")
}
