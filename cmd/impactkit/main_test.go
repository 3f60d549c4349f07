package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"impactkit/config"
	"impactkit/core"
	"impactkit/engine"
	"impactkit/scheduler"
)

func init() { color.NoColor = true }

// writeConfig points the ledger at a JSON file store under dir.
func writeConfig(t *testing.T, dir string, extra string) string {
	t.Helper()
	path := filepath.Join(dir, "impactkit.json")
	content := fmt.Sprintf(`{
  "storage": {"adapter": "file", "file": {"path": %q}},
  "logging": {"level": "error", "format": "text", "output": "stderr"},
  "scheduler": {"enabled": false}%s
}`, filepath.Join(dir, "ledger.json"), extra)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func seed(t *testing.T, src Source) {
	t.Helper()
	ctx := context.Background()
	app, cleanup, err := BuildApp(ctx, src)
	require.NoError(t, err)
	defer cleanup()

	for i, u := range []core.UserID{"alice", "bob"} {
		_, err := app.Kit.Aggregator.Register(ctx, u)
		require.NoError(t, err)
		ev := core.NewEventCompletion(u, "river-cleanup", "green-org", float64(i+1), time.Now().Add(-time.Hour))
		_, err = app.Kit.Aggregator.Apply(ctx, ev)
		require.NoError(t, err)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		source = Source{}
		leaderboardLimit = 10
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCommandsAgainstFileStore(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")
	seed(t, Source{Path: path})

	out, err := run(t, "--config", path, "leaderboard", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "PARTICIPANT")
	assert.Regexp(t, `(?m)^\s+1\s+bob\s+70`, out)
	assert.Regexp(t, `(?m)^\s+2\s+alice\s+60`, out)

	out, err = run(t, "--config", path, "snapshot", "weekly")
	require.NoError(t, err)
	assert.Contains(t, out, "created with 2 entries")

	out, err = run(t, "--config", path, "snapshot", "weekly")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")

	out, err = run(t, "--config", path, "replay", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "alice: 1 events replayed")
	assert.Contains(t, out, "no drift")

	out, err = run(t, "--config", path, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "scanned 0, reset 0")
}

func TestCommandErrors(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "")

	_, err := run(t, "--config", path, "snapshot", "yearly")
	assert.Error(t, err)

	_, err = run(t, "--config", path, "replay", "ghost")
	assert.ErrorIs(t, err, core.ErrUserNotFound)

	_, err = run(t, "--config", filepath.Join(t.TempDir(), "missing.toml"), "sweep")
	assert.ErrorContains(t, err, "initialize")
}

func TestBuildAppMetricsListener(t *testing.T) {
	dir := t.TempDir()

	app, cleanup, err := BuildApp(context.Background(), Source{Path: writeConfig(t, dir, `,
  "metrics": {"enabled": true, "address": ":9191", "path": "/metrics", "collect_system": false}`)})
	require.NoError(t, err)
	defer cleanup()
	require.NotNil(t, app.Metrics)
	assert.Equal(t, ":9191", app.Metrics.Addr)

	_, err = app.Kit.Aggregator.Register(context.Background(), "alice")
	require.NoError(t, err)
	_, err = app.Kit.Aggregator.Apply(context.Background(), core.NewDonation("alice", "org-1", 5, time.Now()))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.Metrics.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "impactkit_aggregator_activities_applied_total")
}

func TestBuildAppSharedMetricsListener(t *testing.T) {
	dir := t.TempDir()

	app, cleanup, err := BuildApp(context.Background(), Source{Path: writeConfig(t, dir, `,
  "server": {"address": ":8181"},
  "metrics": {"enabled": true, "address": ":8181", "path": "stats"}`)})
	require.NoError(t, err)
	defer cleanup()
	assert.Nil(t, app.Metrics)

	rec := httptest.NewRecorder()
	app.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProvideConfigFromProfile(t *testing.T) {
	cfg, err := provideConfig(context.Background(), Source{Profile: "testing"})
	require.NoError(t, err)
	assert.Equal(t, config.EnvTesting, cfg.Environment)
	assert.Equal(t, "memory", cfg.Storage.Adapter)
}

func TestMetricsPath(t *testing.T) {
	assert.Equal(t, "/metrics", metricsPath(&config.Config{}))
	assert.Equal(t, "/stats", metricsPath(&config.Config{Metrics: config.MetricsConfig{Path: "stats"}}))
}

func TestPrinters(t *testing.T) {
	var b bytes.Buffer
	printLeaderboard(&b, nil)
	assert.Equal(t, "no participants yet\n", b.String())

	b.Reset()
	printSweep(&b, scheduler.SweepReport{Cutoff: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Scanned: 3, Reset: 2, FailedBatches: 1})
	assert.Contains(t, b.String(), "scanned 3, reset 2")
	assert.Contains(t, b.String(), "1 batch(es) failed")

	b.Reset()
	printReplay(&b, engine.ReplayReport{UserID: "alice", Events: 2, Drift: []core.Drift{{Field: "total_points", Stored: 10, Computed: 12}}})
	assert.Contains(t, b.String(), "stored=10 computed=12")
}
