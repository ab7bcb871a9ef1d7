package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionStart returns the absolute start timestamp for a recording
// session. The row is written once by the acquisition side when
// recording begins; absence means no data is available yet and is a
// normal outcome, reported as ok=false rather than an error.
func (db *DB) SessionStart(
	ctx context.Context, animalID string, session int,
) (time.Time, bool, error) {
	var tmst string
	err := db.Experiment.Reader().QueryRowContext(ctx,
		`SELECT session_tmst FROM session
		 WHERE animal_id = ? AND session = ?`,
		animalID, session,
	).Scan(&tmst)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf(
			"looking up session start %s/%d: %w", animalID, session, err)
	}

	t, err := time.Parse(time.RFC3339, tmst)
	if err != nil {
		return time.Time{}, false, fmt.Errorf(
			"parsing session_tmst %q: %w", tmst, err)
	}
	return t.UTC(), true, nil
}

// RecordSessionStart registers a session start timestamp. Write path
// for fixtures; production rows come from the acquisition side.
func (db *DB) RecordSessionStart(
	animalID string, session int, start time.Time,
) error {
	return db.Experiment.Update(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO session (animal_id, session, session_tmst)
			VALUES (?, ?, ?)
			ON CONFLICT(animal_id, session)
				DO UPDATE SET session_tmst = excluded.session_tmst`,
			animalID, session, start.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf(
				"recording session start %s/%d: %w", animalID, session, err)
		}
		return nil
	})
}
