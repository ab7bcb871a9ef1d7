package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Behavior-store tables backing the event channels. Channel type
// labels map onto these through the monitor's allow-list; query text
// only ever uses these constants, never an interpolated label.
const (
	TableLick      = "activity__lick"
	TableProximity = "activity__proximity"
)

// LickEvent is one contact event: which port, at how many
// milliseconds after session start.
type LickEvent struct {
	Port int   `json:"port"`
	Time int64 `json:"time"`
}

// ProximityEvent is one proximity sensor transition. InPosition
// records the state the sensor moved into.
type ProximityEvent struct {
	Port       int   `json:"port"`
	Time       int64 `json:"time"`
	InPosition bool  `json:"in_position"`
}

// TrialState is one trial-state transition, keyed by trial index
// instead of port.
type TrialState struct {
	TrialIdx int   `json:"trial_idx"`
	Time     int64 `json:"time"`
}

// intPlaceholders renders an "IN (?, ?, ...)" fragment and its args.
func intPlaceholders(vals []int) (string, []any) {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return strings.Repeat(",?", len(vals))[1:], args
}

// LickEvents returns contact events at or after thresholdMs, ordered
// by (port, time). A non-empty ports slice restricts the result to
// those ports. If the backing table has not been provisioned yet the
// result is empty, not an error.
func (db *DB) LickEvents(
	ctx context.Context, animalID string, session int,
	thresholdMs int64, ports []int,
) ([]LickEvent, error) {
	exists, err := db.Behavior.TableExists(ctx, TableLick)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	query := `SELECT port, time FROM activity__lick
		WHERE animal_id = ? AND session = ? AND time >= ?`
	args := []any{animalID, session, thresholdMs}
	if len(ports) > 0 {
		ph, portArgs := intPlaceholders(ports)
		query += " AND port IN (" + ph + ")"
		args = append(args, portArgs...)
	}
	query += " ORDER BY port, time"

	rows, err := db.Behavior.Reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying lick events: %w", err)
	}
	defer rows.Close()

	var events []LickEvent
	for rows.Next() {
		var e LickEvent
		if err := rows.Scan(&e.Port, &e.Time); err != nil {
			return nil, fmt.Errorf("scanning lick event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ProximityEvents returns proximity events at or after thresholdMs,
// ordered by (port, time), with the same port filtering and
// missing-table contract as LickEvents.
func (db *DB) ProximityEvents(
	ctx context.Context, animalID string, session int,
	thresholdMs int64, ports []int,
) ([]ProximityEvent, error) {
	exists, err := db.Behavior.TableExists(ctx, TableProximity)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	query := `SELECT port, time, in_position FROM activity__proximity
		WHERE animal_id = ? AND session = ? AND time >= ?`
	args := []any{animalID, session, thresholdMs}
	if len(ports) > 0 {
		ph, portArgs := intPlaceholders(ports)
		query += " AND port IN (" + ph + ")"
		args = append(args, portArgs...)
	}
	query += " ORDER BY port, time"

	rows, err := db.Behavior.Reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying proximity events: %w", err)
	}
	defer rows.Close()

	var events []ProximityEvent
	for rows.Next() {
		var e ProximityEvent
		if err := rows.Scan(&e.Port, &e.Time, &e.InPosition); err != nil {
			return nil, fmt.Errorf("scanning proximity event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// TrialStates returns trial-state events at or after thresholdMs from
// the experiment store, ordered by (trial_idx, time). A non-empty
// trialIdxs slice restricts the result to those trials.
func (db *DB) TrialStates(
	ctx context.Context, animalID string, session int,
	thresholdMs int64, trialIdxs []int,
) ([]TrialState, error) {
	query := `SELECT trial_idx, time FROM trial
		WHERE animal_id = ? AND session = ? AND time >= ?`
	args := []any{animalID, session, thresholdMs}
	if len(trialIdxs) > 0 {
		ph, idxArgs := intPlaceholders(trialIdxs)
		query += " AND trial_idx IN (" + ph + ")"
		args = append(args, idxArgs...)
	}
	query += " ORDER BY trial_idx, time"

	rows, err := db.Experiment.Reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying trial states: %w", err)
	}
	defer rows.Close()

	var states []TrialState
	for rows.Next() {
		var s TrialState
		if err := rows.Scan(&s.TrialIdx, &s.Time); err != nil {
			return nil, fmt.Errorf("scanning trial state: %w", err)
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

// InsertLickEvents appends contact events, creating the lick table if
// the acquisition side has not provisioned it yet. Fixture write path.
func (db *DB) InsertLickEvents(
	animalID string, session int, events []LickEvent,
) error {
	return db.Behavior.Update(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS activity__lick (
				animal_id TEXT NOT NULL,
				session   INTEGER NOT NULL,
				port      INTEGER NOT NULL,
				time      INTEGER NOT NULL
			)`); err != nil {
			return fmt.Errorf("creating lick table: %w", err)
		}
		for _, e := range events {
			if _, err := tx.Exec(`
				INSERT INTO activity__lick (animal_id, session, port, time)
				VALUES (?, ?, ?, ?)`,
				animalID, session, e.Port, e.Time); err != nil {
				return fmt.Errorf("inserting lick event: %w", err)
			}
		}
		return nil
	})
}

// InsertProximityEvents appends proximity events, creating the table
// on demand. Fixture write path.
func (db *DB) InsertProximityEvents(
	animalID string, session int, events []ProximityEvent,
) error {
	return db.Behavior.Update(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS activity__proximity (
				animal_id   TEXT NOT NULL,
				session     INTEGER NOT NULL,
				port        INTEGER NOT NULL,
				time        INTEGER NOT NULL,
				in_position INTEGER NOT NULL DEFAULT 0
			)`); err != nil {
			return fmt.Errorf("creating proximity table: %w", err)
		}
		for _, e := range events {
			if _, err := tx.Exec(`
				INSERT INTO activity__proximity
					(animal_id, session, port, time, in_position)
				VALUES (?, ?, ?, ?, ?)`,
				animalID, session, e.Port, e.Time, e.InPosition); err != nil {
				return fmt.Errorf("inserting proximity event: %w", err)
			}
		}
		return nil
	})
}

// InsertTrialStates appends trial-state events to the experiment
// store. Fixture write path.
func (db *DB) InsertTrialStates(
	animalID string, session int, states []TrialState,
) error {
	return db.Experiment.Update(func(tx *sql.Tx) error {
		for _, s := range states {
			if _, err := tx.Exec(`
				INSERT INTO trial (animal_id, session, trial_idx, time)
				VALUES (?, ?, ?, ?)`,
				animalID, session, s.TrialIdx, s.Time); err != nil {
				return fmt.Errorf("inserting trial state: %w", err)
			}
		}
		return nil
	})
}
