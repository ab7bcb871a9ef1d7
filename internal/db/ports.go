package db

import (
	"context"
	"database/sql"
	"fmt"
)

// PortAssignment maps one hardware port to a channel type for a
// session. Set at configuration time, read-only here. Nothing
// prevents a port from being listed under two types; both channels
// will then report it.
type PortAssignment struct {
	Type string `json:"type"`
	Port int    `json:"port"`
}

// PortConfigs returns the (type, port) assignments configured for a
// session, ordered by type so grouping is deterministic. An empty
// result means the session is not configured yet.
func (db *DB) PortConfigs(
	ctx context.Context, animalID string, session int,
) ([]PortAssignment, error) {
	rows, err := db.Interface.Reader().QueryContext(ctx,
		`SELECT type, port FROM configuration__port
		 WHERE animal_id = ? AND session = ?
		 ORDER BY type, port`,
		animalID, session)
	if err != nil {
		return nil, fmt.Errorf("querying port configs: %w", err)
	}
	defer rows.Close()

	var assignments []PortAssignment
	for rows.Next() {
		var a PortAssignment
		if err := rows.Scan(&a.Type, &a.Port); err != nil {
			return nil, fmt.Errorf("scanning port config: %w", err)
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// AssignPort records a port/type assignment for a session. Write path
// for fixtures; production rows come from the session configuration
// tooling.
func (db *DB) AssignPort(
	animalID string, session, port int, channelType string,
) error {
	return db.Interface.Update(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO configuration__port (animal_id, session, port, type)
			VALUES (?, ?, ?, ?)`,
			animalID, session, port, channelType)
		if err != nil {
			return fmt.Errorf("assigning port %d: %w", port, err)
		}
		return nil
	})
}
