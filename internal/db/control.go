package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by write operations targeting a row that
// does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a control status change is
// not allowed by the status model.
var ErrInvalidTransition = errors.New("invalid status transition")

// Control statuses. New sessions begin by an external writer setting
// ready; stop is terminal.
const (
	StatusReady    = "ready"
	StatusRunning  = "running"
	StatusSleeping = "sleeping"
	StatusStop     = "stop"
)

// statusTransitions lists the allowed target statuses per current
// status. Anything absent is rejected, including stop -> stop.
var statusTransitions = map[string][]string{
	StatusReady:    {StatusRunning, StatusReady},
	StatusRunning:  {StatusStop, StatusRunning},
	StatusSleeping: {StatusStop, StatusSleeping},
}

// CanTransition reports whether a control record may move from one
// status to another. Unknown current statuses reject every target.
func CanTransition(from, to string) bool {
	for _, allowed := range statusTransitions[from] {
		if to == allowed {
			return true
		}
	}
	return false
}

// ControlRecord is one row of the control table: the live state of a
// physical setup. The aggregation engine reads it; only the CRUD
// surface mutates it.
type ControlRecord struct {
	Setup       string     `json:"setup"`
	Status      string     `json:"status"`
	LastPing    *time.Time `json:"last_ping"`
	QueueSize   int        `json:"queue_size"`
	Trials      int        `json:"trials"`
	TotalLiquid float64    `json:"total_liquid"`
	State       *string    `json:"state"`
	TaskIdx     int        `json:"task_idx"`
	AnimalID    *string    `json:"animal_id"`
	IP          *string    `json:"ip"`
	StartTime   *string    `json:"start_time"`
	StopTime    *string    `json:"stop_time"`
	Session     *int       `json:"session"`
	Difficulty  *int       `json:"difficulty"`
	Notes       *string    `json:"notes"`
	UserName    *string    `json:"user_name"`
}

const controlCols = `setup, status, last_ping, queue_size, trials,
	total_liquid, state, task_idx, animal_id, ip,
	start_time, stop_time, session, difficulty, notes, user_name`

// scanControlRow scans controlCols into a ControlRecord.
func scanControlRow(rs rowScanner) (ControlRecord, error) {
	var (
		c        ControlRecord
		lastPing sql.NullString
	)
	err := rs.Scan(
		&c.Setup, &c.Status, &lastPing, &c.QueueSize, &c.Trials,
		&c.TotalLiquid, &c.State, &c.TaskIdx, &c.AnimalID, &c.IP,
		&c.StartTime, &c.StopTime, &c.Session, &c.Difficulty,
		&c.Notes, &c.UserName,
	)
	if err != nil {
		return ControlRecord{}, err
	}
	if lastPing.Valid && lastPing.String != "" {
		t, err := time.Parse(time.RFC3339, lastPing.String)
		if err != nil {
			return ControlRecord{}, fmt.Errorf(
				"parsing last_ping %q: %w", lastPing.String, err)
		}
		utc := t.UTC()
		c.LastPing = &utc
	}
	return c, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows, allowing a
// single scan helper for both.
type rowScanner interface {
	Scan(dest ...any) error
}

// ControlBySetup returns the control record for a setup, or nil when
// no record exists.
func (db *DB) ControlBySetup(
	ctx context.Context, setup string,
) (*ControlRecord, error) {
	row := db.Experiment.Reader().QueryRowContext(ctx,
		"SELECT "+controlCols+" FROM control WHERE setup = ?", setup)

	c, err := scanControlRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting control %s: %w", setup, err)
	}
	return &c, nil
}

// ListControls returns all control records ordered by setup.
func (db *DB) ListControls(ctx context.Context) ([]ControlRecord, error) {
	rows, err := db.Experiment.Reader().QueryContext(ctx,
		"SELECT "+controlCols+" FROM control ORDER BY setup")
	if err != nil {
		return nil, fmt.Errorf("querying control table: %w", err)
	}
	defer rows.Close()

	var records []ControlRecord
	for rows.Next() {
		c, err := scanControlRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning control row: %w", err)
		}
		records = append(records, c)
	}
	return records, rows.Err()
}

// SetupInfo identifies a setup and what it is currently running,
// used by the monitor's setup picker.
type SetupInfo struct {
	Setup    string  `json:"setup"`
	AnimalID *string `json:"animal_id"`
	Session  *int    `json:"session"`
}

// ListSetups returns setup/animal/session triples for every control
// record.
func (db *DB) ListSetups(ctx context.Context) ([]SetupInfo, error) {
	rows, err := db.Experiment.Reader().QueryContext(ctx,
		"SELECT setup, animal_id, session FROM control ORDER BY setup")
	if err != nil {
		return nil, fmt.Errorf("querying setups: %w", err)
	}
	defer rows.Close()

	var setups []SetupInfo
	for rows.Next() {
		var s SetupInfo
		if err := rows.Scan(&s.Setup, &s.AnimalID, &s.Session); err != nil {
			return nil, fmt.Errorf("scanning setup: %w", err)
		}
		setups = append(setups, s)
	}
	return setups, rows.Err()
}

// UpsertControl inserts or replaces a full control record. Used by
// provisioning and fixtures, not by the status-change path.
func (db *DB) UpsertControl(c ControlRecord) error {
	var lastPing *string
	if c.LastPing != nil {
		s := c.LastPing.UTC().Format(time.RFC3339)
		lastPing = &s
	}
	return db.Experiment.Update(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO control (`+controlCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(setup) DO UPDATE SET
				status = excluded.status,
				last_ping = excluded.last_ping,
				queue_size = excluded.queue_size,
				trials = excluded.trials,
				total_liquid = excluded.total_liquid,
				state = excluded.state,
				task_idx = excluded.task_idx,
				animal_id = excluded.animal_id,
				ip = excluded.ip,
				start_time = excluded.start_time,
				stop_time = excluded.stop_time,
				session = excluded.session,
				difficulty = excluded.difficulty,
				notes = excluded.notes,
				user_name = excluded.user_name`,
			c.Setup, c.Status, lastPing, c.QueueSize, c.Trials,
			c.TotalLiquid, c.State, c.TaskIdx, c.AnimalID, c.IP,
			c.StartTime, c.StopTime, c.Session, c.Difficulty,
			c.Notes, c.UserName)
		if err != nil {
			return fmt.Errorf("upserting control %s: %w", c.Setup, err)
		}
		return nil
	})
}

// ControlUpdate holds the mutable control fields. Nil fields are left
// unchanged.
type ControlUpdate struct {
	Status     *string `json:"status"`
	AnimalID   *string `json:"animal_id"`
	TaskIdx    *int    `json:"task_idx"`
	StartTime  *string `json:"start_time"`
	StopTime   *string `json:"stop_time"`
	Difficulty *int    `json:"difficulty"`
	Notes      *string `json:"notes"`
	UserName   *string `json:"user_name"`
}

// UpdateControl applies a partial update to one control record. A
// status change is validated against the transition table inside the
// same transaction that applies it; an update without a status change
// skips validation. Returns ErrNotFound when the setup has no record
// and ErrInvalidTransition when the status change is not allowed.
func (db *DB) UpdateControl(setup string, upd ControlUpdate) error {
	return db.Experiment.Update(func(tx *sql.Tx) error {
		return applyControlUpdate(tx, setup, upd)
	})
}

// BulkUpdateControl applies the same partial update to several setups
// in one transaction. Any rejected transition rolls back the batch.
func (db *DB) BulkUpdateControl(setups []string, upd ControlUpdate) error {
	return db.Experiment.Update(func(tx *sql.Tx) error {
		for _, setup := range setups {
			if err := applyControlUpdate(tx, setup, upd); err != nil {
				return fmt.Errorf("updating %s: %w", setup, err)
			}
		}
		return nil
	})
}

func applyControlUpdate(tx *sql.Tx, setup string, upd ControlUpdate) error {
	var current string
	err := tx.QueryRow(
		"SELECT status FROM control WHERE setup = ?", setup,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading control %s: %w", setup, err)
	}

	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if upd.Status != nil {
		if !CanTransition(current, *upd.Status) {
			return fmt.Errorf("%w: %s -> %s",
				ErrInvalidTransition, current, *upd.Status)
		}
		add("status", *upd.Status)
	}
	if upd.AnimalID != nil {
		add("animal_id", *upd.AnimalID)
	}
	if upd.TaskIdx != nil {
		add("task_idx", *upd.TaskIdx)
	}
	if upd.StartTime != nil {
		add("start_time", *upd.StartTime)
	}
	if upd.StopTime != nil {
		add("stop_time", *upd.StopTime)
	}
	if upd.Difficulty != nil {
		add("difficulty", *upd.Difficulty)
	}
	if upd.Notes != nil {
		add("notes", *upd.Notes)
	}
	if upd.UserName != nil {
		add("user_name", *upd.UserName)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, setup)
	_, err = tx.Exec(
		"UPDATE control SET "+strings.Join(sets, ", ")+" WHERE setup = ?",
		args...)
	if err != nil {
		return fmt.Errorf("updating control %s: %w", setup, err)
	}
	return nil
}
