package sdk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"impactkit/api/httpapi"
	"impactkit/core"
	"impactkit/engine"
	"impactkit/gamify"
)

// newTestServer serves the real API over an in-memory ledger.
func newTestServer(t *testing.T, apiKeys ...string) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	kit := gamify.New(gamify.WithDispatchMode(engine.DispatchSync), gamify.WithLogger(log))
	h := httpapi.NewMux(httpapi.Deps{
		Aggregator: kit.Aggregator,
		Ranker:     kit.Ranker,
		Snapshots:  kit.Store,
		Jobs:       kit.Scheduler,
		Hub:        kit.Hub,
	}, httpapi.Options{PathPrefix: "/api", APIKeys: apiKeys, Logger: log})
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		_ = kit.Close()
	})
	return srv
}

func TestClient_RegisterApplyStatsHealth(t *testing.T) {
	srv := newTestServer(t, "k1")
	client, err := NewClient(srv.URL+"/api", WithAPIKey("k1"))
	require.NoError(t, err)
	ctx := context.Background()

	st, err := client.Register(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.UserID("alice"), st.ID)

	_, err = client.Register(ctx, "alice")
	assert.ErrorIs(t, err, core.ErrUserExists)

	ev := core.NewEventCompletion("alice", "park-cleanup", "org-1", 2, time.Now().Add(-time.Hour))
	ev.ID = "evt-1"
	out, err := client.Apply(ctx, ev)
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, int64(70), out.Stats.TotalPoints)

	out, err = client.Apply(ctx, ev)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)

	st, err = client.GetStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2.0, st.VolunteerHours)
	assert.Equal(t, int64(1), st.CompletedEvents)

	recs, err := client.History(ctx, "alice", 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "evt-1", recs[0].EventID)

	rank, err := client.Rank(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, rank)

	rep, err := client.Replay(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Events)

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
}

func TestClient_ErrorsMapToCoreSentinels(t *testing.T) {
	srv := newTestServer(t)
	client, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.GetStats(ctx, "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUserNotFound)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = client.Apply(ctx, core.ActivityEvent{Kind: core.KindDonation, OccurredAt: time.Now()})
	assert.ErrorIs(t, err, core.ErrInvalidPayload)

	_, err = client.GetStats(ctx, " ")
	assert.ErrorIs(t, err, ErrEmptyUserID)
}

func TestClient_Unauthorized(t *testing.T) {
	srv := newTestServer(t, "k1")
	client, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)

	_, err = client.Leaderboard(context.Background(), 10)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "unauthorized", apiErr.Code)
}

func TestClient_LeaderboardJobsSnapshots(t *testing.T) {
	srv := newTestServer(t)
	client, err := NewClient(srv.URL + "/api/")
	require.NoError(t, err)
	ctx := context.Background()

	for i, u := range []string{"alice", "bob"} {
		_, err := client.Register(ctx, u)
		require.NoError(t, err)
		_, err = client.Apply(ctx, core.NewDonation(core.UserID(u), "org-1", float64(10*(i+1)), time.Now().Add(-time.Hour)))
		require.NoError(t, err)
	}

	entries, err := client.Leaderboard(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, core.UserID("bob"), entries[0].UserID)

	rep, err := client.RunJob(ctx, "monthly_snapshot")
	require.NoError(t, err)
	assert.Equal(t, true, rep["created"])

	snaps, err := client.Snapshots(ctx, core.SnapshotMonthly, 5)
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	_, err = client.RunJob(ctx, "weekly_snapshot")
	require.NoError(t, err)
	snaps, err = client.Snapshots(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)

	snap, err := client.Snapshot(ctx, core.SnapshotMonthly, time.Now())
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 2)

	_, err = client.RunJob(ctx, "reindex")
	assert.Error(t, err)
}

func TestClient_SubscribeEvents(t *testing.T) {
	srv := newTestServer(t)
	client, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := client.SubscribeEvents(ctx, core.EventStatsUpdated)
	require.NoError(t, err)

	// the hub subscription is registered after the upgrade; retry until it is live
	_, err = client.Register(ctx, "alice")
	require.NoError(t, err)
	go func() {
		for i := 0; ctx.Err() == nil; i++ {
			_, _ = client.Apply(ctx, core.NewDonation("alice", "org-1", 5, time.Now().Add(-time.Duration(i+1)*time.Minute)))
			time.Sleep(20 * time.Millisecond)
		}
	}()

	select {
	case evt := <-events:
		assert.Equal(t, core.EventStatsUpdated, evt.Type)
		assert.Equal(t, core.UserID("alice"), evt.UserID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestClient_WatchLeaderboard(t *testing.T) {
	srv := newTestServer(t)
	client, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = client.Register(ctx, "alice")
	require.NoError(t, err)

	updates, err := client.WatchLeaderboard(ctx, 5)
	require.NoError(t, err)

	select {
	case entries := <-updates:
		require.Len(t, entries, 1)
		assert.Equal(t, core.UserID("alice"), entries[0].UserID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for ranking")
	}
}

func TestDeriveWSURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/api", deriveWSURL("http://localhost:8080/api"))
	assert.Equal(t, "wss://ledger.example.org", deriveWSURL("https://ledger.example.org/"))
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient("  ")
	assert.Error(t, err)
}
