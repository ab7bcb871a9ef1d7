package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ethomics/rigmonitor/internal/db"
	"github.com/ethomics/rigmonitor/internal/metrics"
	"github.com/ethomics/rigmonitor/internal/timewin"
)

const (
	testSetup   = "192.168.1.21"
	testAnimal  = "mouse_07"
	testSession = 3
)

var testStart = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func testDB(t *testing.T) *db.DB {
	t.Helper()
	dir := t.TempDir()
	d, err := db.Open(db.Paths{
		Experiment: filepath.Join(dir, "experiment.db"),
		Behavior:   filepath.Join(dir, "behavior.db"),
		Interface:  filepath.Join(dir, "interface.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

// seedSession installs a running control record, its session start,
// and the default port configuration (lick on ports 1-2, proximity on
// port 3).
func seedSession(t *testing.T, d *db.DB) {
	t.Helper()
	require.NoError(t, d.UpsertControl(db.ControlRecord{
		Setup:    testSetup,
		Status:   db.StatusRunning,
		AnimalID: ptr(testAnimal),
		Session:  ptr(testSession),
		LastPing: ptr(testStart.Add(7 * time.Second)),
	}))
	require.NoError(t, d.RecordSessionStart(testAnimal, testSession, testStart))
	require.NoError(t, d.AssignPort(testAnimal, testSession, 1, "lick"))
	require.NoError(t, d.AssignPort(testAnimal, testSession, 2, "lick"))
	require.NoError(t, d.AssignPort(testAnimal, testSession, 3, "proximity"))
}

func newAggregator(t *testing.T, d *db.DB, now time.Time) *Aggregator {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return New(d, m, WithClock(func() time.Time { return now }))
}

func TestAssembleNegativeThresholdKeepsAll(t *testing.T) {
	d := testDB(t)
	seedSession(t, d)
	require.NoError(t, d.InsertLickEvents(testAnimal, testSession, []db.LickEvent{
		{Port: 1, Time: 5000},
	}))

	// 8s into the session with a 10s lookback: threshold is -2000 and
	// everything qualifies.
	agg := newAggregator(t, d, testStart.Add(8*time.Second))
	snap, err := agg.Assemble(context.Background(), testSetup,
		timewin.Window{Seconds: 10})
	require.NoError(t, err)

	require.Len(t, snap.LickEvents, 1)
	require.Equal(t, 1, snap.LickEvents[0].Port)
	require.Equal(t, int64(5000), snap.LickEvents[0].MsTime)
	require.Equal(t,
		time.Date(2024, 1, 1, 10, 0, 5, 0, time.UTC), snap.LickEvents[0].Time)
	require.Equal(t, []int{1, 2}, snap.LickPorts)
	require.Equal(t, []int{3}, snap.ProximityPorts)
}

func TestAssembleWindowExcludesOldEvents(t *testing.T) {
	d := testDB(t)
	seedSession(t, d)
	require.NoError(t, d.InsertLickEvents(testAnimal, testSession, []db.LickEvent{
		{Port: 1, Time: 5000},
		{Port: 1, Time: 6000},
		{Port: 2, Time: 7000},
	}))

	// 8s in with a 2s lookback: threshold 6000, the 5000ms event ages out.
	agg := newAggregator(t, d, testStart.Add(8*time.Second))
	snap, err := agg.Assemble(context.Background(), testSetup,
		timewin.Window{Seconds: 2})
	require.NoError(t, err)

	require.Len(t, snap.LickEvents, 2)
	require.Equal(t, int64(6000), snap.LickEvents[0].MsTime)
	require.Equal(t, int64(7000), snap.LickEvents[1].MsTime)
}

func TestAssembleAllWindowMatchesElapsed(t *testing.T) {
	d := testDB(t)
	seedSession(t, d)
	require.NoError(t, d.InsertLickEvents(testAnimal, testSession, []db.LickEvent{
		{Port: 1, Time: 100},
		{Port: 1, Time: 250000},
	}))

	now := testStart.Add(300 * time.Second)
	agg := newAggregator(t, d, now)

	all, err := agg.Assemble(context.Background(), testSetup,
		timewin.Window{All: true})
	require.NoError(t, err)
	elapsed, err := agg.Assemble(context.Background(), testSetup,
		timewin.Window{Seconds: 300})
	require.NoError(t, err)

	require.Equal(t, elapsed.LickEvents, all.LickEvents)
	require.Len(t, all.LickEvents, 2)
}

func TestAssembleSetupNotFound(t *testing.T) {
	d := testDB(t)
	agg := newAggregator(t, d, testStart)

	_, err := agg.Assemble(context.Background(), "no-such-setup",
		timewin.Window{Seconds: 60})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAssembleNoAnimal(t *testing.T) {
	d := testDB(t)
	require.NoError(t, d.UpsertControl(db.ControlRecord{
		Setup:  testSetup,
		Status: db.StatusReady,
	}))

	agg := newAggregator(t, d, testStart)
	snap, err := agg.Assemble(context.Background(), testSetup,
		timewin.Window{Seconds: 60})
	require.ErrorIs(t, err, ErrNoSession)
	require.Nil(t, snap, "no partial snapshot on session errors")
}

func TestAssembleNoSessionStart(t *testing.T) {
	d := testDB(t)
	require.NoError(t, d.UpsertControl(db.ControlRecord{
		Setup:    testSetup,
		Status:   db.StatusRunning,
		AnimalID: ptr(testAnimal),
		Session:  ptr(testSession),
	}))
	// Control points at a session the registry has never seen.

	agg := newAggregator(t, d, testStart)
	_, err := agg.Assemble(context.Background(), testSetup,
		timewin.Window{Seconds: 60})
	require.ErrorIs(t, err, ErrNoSession)
}

func TestAssembleMissingChannelTableDegrades(t *testing.T) {
	d := testDB(t)
	seedSession(t, d)
	// Only the lick table is provisioned; proximity was never written.
	require.NoError(t, d.InsertLickEvents(testAnimal, testSession, []db.LickEvent{
		{Port: 1, Time: 1000},
	}))

	agg := newAggregator(t, d, testStart.Add(8*time.Second))
	snap, err := agg.Assemble(context.Background(), testSetup,
		timewin.Window{All: true})
	require.NoError(t, err)

	require.Len(t, snap.LickEvents, 1)
	require.NotNil(t, snap.ProximityEvents)
	require.Empty(t, snap.ProximityEvents)
	require.Equal(t, []int{3}, snap.ProximityPorts,
		"port config still reported for the unprovisioned channel")
}

func TestAssembleUnknownChannelTypeSkipped(t *testing.T) {
	d := testDB(t)
	seedSession(t, d)
	require.NoError(t, d.AssignPort(testAnimal, testSession, 9, "camera"))
	require.NoError(t, d.InsertLickEvents(testAnimal, testSession, []db.LickEvent{
		{Port: 1, Time: 1000},
	}))

	agg := newAggregator(t, d, testStart.Add(8*time.Second))
	snap, err := agg.Assemble(context.Background(), testSetup,
		timewin.Window{All: true})
	require.NoError(t, err, "off-list channel types must not fail the snapshot")
	require.Len(t, snap.LickEvents, 1)
}

func TestAssemblePortInTwoTypes(t *testing.T) {
	d := testDB(t)
	seedSession(t, d)
	// Port 2 is wired as both a lick detector and a proximity sensor.
	require.NoError(t, d.AssignPort(testAnimal, testSession, 2, "proximity"))
	require.NoError(t, d.InsertLickEvents(testAnimal, testSession, []db.LickEvent{
		{Port: 2, Time: 1000},
	}))
	require.NoError(t, d.InsertProximityEvents(testAnimal, testSession,
		[]db.ProximityEvent{{Port: 2, Time: 1500, InPosition: true}}))

	agg := newAggregator(t, d, testStart.Add(8*time.Second))
	snap, err := agg.Assemble(context.Background(), testSetup,
		timewin.Window{All: true})
	require.NoError(t, err)

	require.Equal(t, []int{1, 2}, snap.LickPorts)
	require.Equal(t, []int{2, 3}, snap.ProximityPorts)
	require.Len(t, snap.LickEvents, 1)
	require.Len(t, snap.ProximityEvents, 1)
	require.True(t, snap.ProximityEvents[0].InPosition)
}

func TestAssembleTrialEvents(t *testing.T) {
	d := testDB(t)
	seedSession(t, d)
	require.NoError(t, d.InsertTrialStates(testAnimal, testSession, []db.TrialState{
		{TrialIdx: 1, Time: 2000},
		{TrialIdx: 2, Time: 7000},
	}))

	agg := newAggregator(t, d, testStart.Add(8*time.Second))
	snap, err := agg.Assemble(context.Background(), testSetup,
		timewin.Window{Seconds: 2})
	require.NoError(t, err)

	require.Len(t, snap.TrialEvents, 1)
	require.Equal(t, 2, snap.TrialEvents[0].TrialIdx)
	require.Equal(t,
		time.Date(2024, 1, 1, 10, 0, 7, 0, time.UTC), snap.TrialEvents[0].Time)
}

func TestAssembleLastPingSeconds(t *testing.T) {
	d := testDB(t)
	seedSession(t, d)

	agg := newAggregator(t, d, testStart.Add(8*time.Second))
	snap, err := agg.Assemble(context.Background(), testSetup,
		timewin.Window{All: true})
	require.NoError(t, err)

	require.NotNil(t, snap.Control.LastPingSeconds)
	require.InDelta(t, 1.0, *snap.Control.LastPingSeconds, 0.001)
}

// Two assemblies under an unchanged store and a frozen clock must be
// byte-for-byte identical.
func TestAssembleIdempotent(t *testing.T) {
	d := testDB(t)
	seedSession(t, d)
	require.NoError(t, d.InsertLickEvents(testAnimal, testSession, []db.LickEvent{
		{Port: 1, Time: 1000},
		{Port: 2, Time: 3000},
	}))
	require.NoError(t, d.InsertTrialStates(testAnimal, testSession, []db.TrialState{
		{TrialIdx: 1, Time: 2000},
	}))

	agg := newAggregator(t, d, testStart.Add(8*time.Second))
	first, err := agg.Assemble(context.Background(), testSetup,
		timewin.Window{Seconds: 10})
	require.NoError(t, err)
	second, err := agg.Assemble(context.Background(), testSetup,
		timewin.Window{Seconds: 10})
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("snapshots differ (-first +second):\n%s", diff)
	}
}

// Cancellation must surface from the fan-out instead of being
// silently absorbed as a degraded channel.
func TestDiscoverCanceledContext(t *testing.T) {
	d := testDB(t)
	seedSession(t, d)
	require.NoError(t, d.InsertLickEvents(testAnimal, testSession, []db.LickEvent{
		{Port: 1, Time: 1000},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	agg := newAggregator(t, d, testStart.Add(8*time.Second))
	_, err := agg.Discover(ctx, testAnimal, testSession, 0,
		map[string][]int{ChannelLick: {1}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestAssembleCanceledContext(t *testing.T) {
	d := testDB(t)
	seedSession(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	agg := newAggregator(t, d, testStart.Add(8*time.Second))
	snap, err := agg.Assemble(ctx, testSetup, timewin.Window{All: true})
	require.Error(t, err)
	require.Nil(t, snap)
}

func TestAssembleWrapsSentinels(t *testing.T) {
	d := testDB(t)
	agg := newAggregator(t, d, testStart)

	_, err := agg.Assemble(context.Background(), testSetup,
		timewin.Window{Seconds: 60})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotFound))
	require.Contains(t, err.Error(), testSetup)
}
