package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/ethomics/rigmonitor/internal/db"
)

func ptr[T any](v T) *T { return &v }

// seedDemoSession writes a plausible running session: a control
// record, its session start, port assignments, and a few minutes of
// lick, proximity, and trial events.
func seedDemoSession(
	database *db.DB, setup, animal string, session int, start time.Time,
) error {
	start = start.Add(-5 * time.Minute)

	if err := database.UpsertControl(db.ControlRecord{
		Setup:       setup,
		Status:      db.StatusRunning,
		LastPing:    ptr(time.Now().UTC()),
		Trials:      12,
		TotalLiquid: 0.36,
		AnimalID:    ptr(animal),
		Session:     ptr(session),
		StartTime:   ptr(start.Format(time.RFC3339)),
		UserName:    ptr("demo"),
	}); err != nil {
		return fmt.Errorf("upserting control: %w", err)
	}

	if err := database.RecordSessionStart(animal, session, start); err != nil {
		return fmt.Errorf("recording session start: %w", err)
	}

	for port, typ := range map[int]string{
		1: "lick", 2: "lick", 3: "proximity",
	} {
		if err := database.AssignPort(animal, session, port, typ); err != nil {
			return fmt.Errorf("assigning port %d: %w", port, err)
		}
	}

	rng := rand.New(rand.NewSource(42))

	licks := make([]db.LickEvent, 0, 120)
	for t := int64(0); t < 300_000; t += 2000 + rng.Int63n(3000) {
		licks = append(licks, db.LickEvent{
			Port: 1 + rng.Intn(2),
			Time: t,
		})
	}
	if err := database.InsertLickEvents(animal, session, licks); err != nil {
		return fmt.Errorf("inserting lick events: %w", err)
	}

	proxes := make([]db.ProximityEvent, 0, 40)
	inPos := false
	for t := int64(0); t < 300_000; t += 5000 + rng.Int63n(10_000) {
		inPos = !inPos
		proxes = append(proxes, db.ProximityEvent{
			Port: 3, Time: t, InPosition: inPos,
		})
	}
	if err := database.InsertProximityEvents(animal, session, proxes); err != nil {
		return fmt.Errorf("inserting proximity events: %w", err)
	}

	trials := make([]db.TrialState, 0, 12)
	for i := range 12 {
		trials = append(trials, db.TrialState{
			TrialIdx: i + 1,
			Time:     int64(i) * 25_000,
		})
	}
	if err := database.InsertTrialStates(animal, session, trials); err != nil {
		return fmt.Errorf("inserting trial states: %w", err)
	}
	return nil
}
