// Package monitor assembles the live activity view: it resolves a
// setup to its running session, bounds the lookback window, fans out
// to the per-channel event stores, and converts session-relative
// offsets to absolute timestamps.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ethomics/rigmonitor/internal/db"
	"github.com/ethomics/rigmonitor/internal/metrics"
	"github.com/ethomics/rigmonitor/internal/timewin"
)

// ErrNotFound means no control record exists for the setup.
var ErrNotFound = errors.New("setup not found")

// ErrNoSession means the setup exists but has no resolvable session:
// either the control record carries no animal/session, or the session
// registry has no start time yet. Expected while a setup is idle.
var ErrNoSession = errors.New("no active session")

// Aggregator is the engine's composed entry point. One instance is
// shared by all requests; it holds no per-request state.
type Aggregator struct {
	db           *db.DB
	metrics      *metrics.Metrics
	now          func() time.Time
	queryTimeout time.Duration
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithQueryTimeout bounds each per-channel store query. A slow or
// unresponsive store then degrades to a missing channel on that poll
// instead of stalling the monitor.
func WithQueryTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.queryTimeout = d }
}

// New creates an Aggregator over the given stores.
func New(database *db.DB, m *metrics.Metrics, opts ...Option) *Aggregator {
	a := &Aggregator{
		db:           database,
		metrics:      m,
		now:          time.Now,
		queryTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ControlData is the control record snapshot returned to the monitor,
// extended with the derived heartbeat age.
type ControlData struct {
	db.ControlRecord
	LastPingSeconds *float64 `json:"last_ping_seconds"`
}

// LickEvent is a contact event with both the converted absolute time
// and the raw offset for round-trip verification.
type LickEvent struct {
	Port   int       `json:"port"`
	Time   time.Time `json:"time"`
	MsTime int64     `json:"ms_time"`
}

// ProximityEvent is a proximity transition with its sensor state.
type ProximityEvent struct {
	Port       int       `json:"port"`
	Time       time.Time `json:"time"`
	MsTime     int64     `json:"ms_time"`
	InPosition bool      `json:"in_position"`
}

// TrialEvent is a trial-state transition.
type TrialEvent struct {
	TrialIdx int       `json:"trial_idx"`
	Time     time.Time `json:"time"`
	MsTime   int64     `json:"ms_time"`
}

// Snapshot is one assembled activity view. Constructed per request
// and never cached.
type Snapshot struct {
	Control         ControlData      `json:"control_data"`
	LickEvents      []LickEvent      `json:"lick_events"`
	ProximityEvents []ProximityEvent `json:"proximity_events"`
	TrialEvents     []TrialEvent     `json:"trial_events"`
	LickPorts       []int            `json:"lick_ports"`
	ProximityPorts  []int            `json:"proximity_ports"`
}

// Assemble builds the activity snapshot for one setup and window.
// Orchestration order is fixed: control record, session identity,
// session start, threshold, port partition, then the per-channel
// queries run concurrently. A failed or missing channel degrades to an
// empty list; failures before the fan-out are fatal for the request.
func (a *Aggregator) Assemble(
	ctx context.Context, setup string, w timewin.Window,
) (*Snapshot, error) {
	now := a.now()

	ctrl, err := a.db.ControlBySetup(ctx, setup)
	if err != nil {
		a.metrics.PollsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if ctrl == nil {
		a.metrics.PollsTotal.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, setup)
	}

	if ctrl.AnimalID == nil || *ctrl.AnimalID == "" || ctrl.Session == nil {
		a.metrics.PollsTotal.WithLabelValues("no_session").Inc()
		return nil, fmt.Errorf("%w: setup %s has no animal/session", ErrNoSession, setup)
	}
	animal, session := *ctrl.AnimalID, *ctrl.Session

	start, ok, err := a.db.SessionStart(ctx, animal, session)
	if err != nil {
		a.metrics.PollsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if !ok {
		a.metrics.PollsTotal.WithLabelValues("no_session").Inc()
		return nil, fmt.Errorf("%w: no start time for %s/%d",
			ErrNoSession, animal, session)
	}

	threshold := timewin.Threshold(start, now, w)

	// Port configuration failures downgrade to an unconfigured
	// session: the control snapshot and trial events still render,
	// and the next poll retries.
	assignments, err := a.db.PortConfigs(ctx, animal, session)
	if err != nil {
		log.Printf("warning: port configs for %s/%d: %v", animal, session, err)
		assignments = nil
	}
	byType := groupByType(assignments)

	// The fan-out degrades per channel on store faults but aborts as a
	// unit when the request context dies; the group carries only that
	// cancellation.
	var (
		channels map[string][]ChannelEvent
		trials   []db.TrialState
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		channels, err = a.Discover(gctx, animal, session, threshold, byType)
		return err
	})
	g.Go(func() error {
		qctx, cancel := context.WithTimeout(gctx, a.queryTimeout)
		defer cancel()
		timer := time.Now()
		var err error
		trials, err = a.db.TrialStates(qctx, animal, session, threshold, nil)
		a.metrics.ChannelDuration.WithLabelValues("trial").
			Observe(time.Since(timer).Seconds())
		if err != nil {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			// Partial results beat an all-or-nothing failure; the
			// monitor polls again within a second.
			log.Printf("warning: trial states for %s/%d: %v", animal, session, err)
			a.metrics.ChannelsSkipped.WithLabelValues("trial", "store_error").Inc()
			trials = nil
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		a.metrics.PollsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	snap := &Snapshot{
		Control:         controlData(ctrl, now),
		LickEvents:      []LickEvent{},
		ProximityEvents: []ProximityEvent{},
		TrialEvents:     []TrialEvent{},
		LickPorts:       portsOf(byType, ChannelLick),
		ProximityPorts:  portsOf(byType, ChannelProximity),
	}
	for _, e := range channels[ChannelLick] {
		snap.LickEvents = append(snap.LickEvents, LickEvent{
			Port:   e.Port,
			Time:   timewin.ToAbsolute(start, e.MsTime),
			MsTime: e.MsTime,
		})
	}
	for _, e := range channels[ChannelProximity] {
		var inPos bool
		if e.InPosition != nil {
			inPos = *e.InPosition
		}
		snap.ProximityEvents = append(snap.ProximityEvents, ProximityEvent{
			Port:       e.Port,
			Time:       timewin.ToAbsolute(start, e.MsTime),
			MsTime:     e.MsTime,
			InPosition: inPos,
		})
	}
	for _, s := range trials {
		snap.TrialEvents = append(snap.TrialEvents, TrialEvent{
			TrialIdx: s.TrialIdx,
			Time:     timewin.ToAbsolute(start, s.Time),
			MsTime:   s.Time,
		})
	}

	a.metrics.PollsTotal.WithLabelValues("ok").Inc()
	return snap, nil
}

// controlData snapshots the control record and derives the heartbeat
// age. The age is computed from the request's notion of now so a
// snapshot is internally consistent.
func controlData(c *db.ControlRecord, now time.Time) ControlData {
	data := ControlData{ControlRecord: *c}
	if c.LastPing != nil {
		age := now.Sub(*c.LastPing).Seconds()
		data.LastPingSeconds = &age
	}
	return data
}

// portsOf returns the ports assigned to one channel type, in the
// directory's deterministic order.
func portsOf(byType map[string][]int, channel string) []int {
	ports := byType[channel]
	if ports == nil {
		return []int{}
	}
	return ports
}
