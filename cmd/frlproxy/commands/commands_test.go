// SPDX-License-Identifier: MIT

package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frlproxy/frlproxy/internal/config"
	"github.com/frlproxy/frlproxy/internal/protocol"
	"github.com/frlproxy/frlproxy/internal/store"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	configPath = "" // reset the persistent flag between runs
	return out.String(), err
}

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "journal.sqlite")
	path := filepath.Join(dir, "frlproxy.yaml")
	require.NoError(t, config.Save(cfg, path))
	return path
}

func journalPending(t *testing.T, dbPath string) *store.StoredRequest {
	t.Helper()
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	req := &store.StoredRequest{
		ID:          uuid.NewString(),
		Kind:        protocol.KindFrlActivation,
		Target:      protocol.TargetLicense,
		Fingerprint: uuid.NewString(),
		GroupKey:    uuid.NewString(),
		Method:      http.MethodPost,
		Path:        "/asnp/frl_connected/values/v2",
		Headers:     map[string]string{"Content-Type": "application/json"},
		Body:        []byte(`{"npdId":"npd-1"}`),
		ReceivedAt:  time.Now(),
	}
	require.NoError(t, st.InsertRequest(context.Background(), req))
	return req
}

func pendingCount(t *testing.T, dbPath string) int {
	t.Helper()
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	counts, err := st.PendingCount(context.Background())
	require.NoError(t, err)
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, 1, exitCode(usageError{errors.New("invalid mode")}), "operator mistakes exit 1")
	assert.Equal(t, 2, exitCode(errors.New("journal open failed")), "runtime failures exit 2")
	assert.Equal(t, 3, exitCode(errUnreachable))

	// Wrapping keeps the classification.
	assert.Equal(t, 1, exitCode(fmt.Errorf("configure: %w", usageError{errors.New("bad port")})))
	assert.Equal(t, 3, exitCode(fmt.Errorf("forward: %w", errUnreachable)))
}

func TestExitCode_BrokenConfigIsUsageError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frlproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: offline\n"), 0o600))

	_, err := runCommand(t, "--config", path, "clear", "--all")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
}

func TestConfigure_WritesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frlproxy.yaml")

	out, err := runCommand(t, "--config", path, "configure",
		"--mode", "isolated", "--port", "9443", "--license-host", "https://frl.example.test")
	require.NoError(t, err)
	assert.Contains(t, out, "isolated")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.ModeIsolated, cfg.Mode)
	assert.Equal(t, 9443, cfg.Port)
	assert.Equal(t, "https://frl.example.test", cfg.FRL.RemoteHost)
}

func TestConfigure_UpdatesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)

	_, err := runCommand(t, "--config", path, "configure", "--mode", "passthrough")
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.ModePassthrough, cfg.Mode)
	assert.NotEmpty(t, cfg.DBPath, "untouched fields survive")
}

func TestConfigure_RepairRebuildsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frlproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: bogus\nport: -1\n"), 0o600))

	_, err := runCommand(t, "--config", path, "configure", "--repair")
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.ModeConnected, cfg.Mode)
}

func TestConfigure_RejectsInvalidFlagValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frlproxy.yaml")

	_, err := runCommand(t, "--config", path, "configure", "--mode", "offline")
	require.Error(t, err)
	assert.True(t, isUsageError(err))
}

func TestClear_RequiresSelection(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)

	_, err := runCommand(t, "--config", path, "clear")
	require.Error(t, err)
	assert.True(t, isUsageError(err))
}

func TestClear_All(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	journalPending(t, cfg.DBPath)

	out, err := runCommand(t, "--config", path, "clear", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "journal cleared")
	assert.Zero(t, pendingCount(t, cfg.DBPath))
}

func TestExportImport_MovesJournalBetweenDatabases(t *testing.T) {
	srcDir := t.TempDir()
	srcCfgPath := writeTestConfig(t, srcDir)
	srcCfg, err := config.Load(srcCfgPath)
	require.NoError(t, err)
	req := journalPending(t, srcCfg.DBPath)

	blobPath := filepath.Join(srcDir, "export.ndjson")
	out, err := runCommand(t, "--config", srcCfgPath, "export", blobPath)
	require.NoError(t, err)
	assert.Contains(t, out, "exported 1 requests")

	dstDir := t.TempDir()
	dstCfgPath := writeTestConfig(t, dstDir)
	out, err = runCommand(t, "--config", dstCfgPath, "import", blobPath)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 1 requests")

	dstCfg, err := config.Load(dstCfgPath)
	require.NoError(t, err)
	st, err := store.Open(dstCfg.DBPath)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	got, err := st.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatePending, got.State)
}

func TestForward_UnreachableUpstreamExitsWithCode3(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "journal.sqlite")
	cfg.FRL.RemoteHost = "http://127.0.0.1:1" // nothing listens here
	cfg.Log.RemoteHost = "http://127.0.0.1:1"
	cfg.Upstream.MaxAttempts = 1
	cfg.Upstream.Timeout = time.Second
	path := filepath.Join(dir, "frlproxy.yaml")
	require.NoError(t, config.Save(cfg, path))
	journalPending(t, cfg.DBPath)

	_, err := runCommand(t, "--config", path, "forward")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUnreachable))
	assert.Equal(t, 1, pendingCount(t, cfg.DBPath), "the request stays queued")
}

func TestForward_EmptyQueueSucceeds(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)

	out, err := runCommand(t, "--config", path, "forward")
	require.NoError(t, err)
	assert.Contains(t, out, "forwarded 0")
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "frlproxy")
}
