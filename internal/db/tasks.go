package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Task is one entry in the experiment task catalog. Control records
// point at a task through task_idx.
type Task struct {
	TaskIdx     int     `json:"task_idx"`
	Task        string  `json:"task"`
	Description *string `json:"description"`
	Timestamp   *string `json:"timestamp"`
}

// ListTasks returns the task catalog ordered by index.
func (db *DB) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := db.Experiment.Reader().QueryContext(ctx,
		`SELECT task_idx, task, description, timestamp
		 FROM task ORDER BY task_idx`)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(
			&t.TaskIdx, &t.Task, &t.Description, &t.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CreateTask inserts a new task. When TaskIdx is zero the next free
// index is assigned; the stored record is returned either way.
func (db *DB) CreateTask(t Task) (Task, error) {
	err := db.Experiment.Update(func(tx *sql.Tx) error {
		if t.TaskIdx == 0 {
			var next sql.NullInt64
			if err := tx.QueryRow(
				"SELECT MAX(task_idx) + 1 FROM task",
			).Scan(&next); err != nil {
				return fmt.Errorf("allocating task index: %w", err)
			}
			t.TaskIdx = 1
			if next.Valid {
				t.TaskIdx = int(next.Int64)
			}
		}
		if t.Timestamp == nil {
			ts := time.Now().UTC().Format(time.RFC3339)
			t.Timestamp = &ts
		}
		_, err := tx.Exec(`
			INSERT INTO task (task_idx, task, description, timestamp)
			VALUES (?, ?, ?, ?)`,
			t.TaskIdx, t.Task, t.Description, t.Timestamp)
		if err != nil {
			return fmt.Errorf("inserting task %d: %w", t.TaskIdx, err)
		}
		return nil
	})
	return t, err
}

// UpdateTask replaces the name and description of an existing task.
// Returns ErrNotFound when the index has no row.
func (db *DB) UpdateTask(t Task) error {
	return db.Experiment.Update(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE task SET task = ?, description = ?
			WHERE task_idx = ?`,
			t.Task, t.Description, t.TaskIdx)
		if err != nil {
			return fmt.Errorf("updating task %d: %w", t.TaskIdx, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ErrTaskInUse means a task is still referenced by a control record
// and cannot be deleted.
var ErrTaskInUse = errors.New("task is in use")

// DeleteTask removes a task. Tasks still referenced by a control
// record are kept to avoid dangling task_idx pointers.
func (db *DB) DeleteTask(taskIdx int) error {
	return db.Experiment.Update(func(tx *sql.Tx) error {
		var refs int
		if err := tx.QueryRow(
			"SELECT COUNT(*) FROM control WHERE task_idx = ?", taskIdx,
		).Scan(&refs); err != nil {
			return fmt.Errorf("checking task references: %w", err)
		}
		if refs > 0 {
			return fmt.Errorf(
				"%w: task %d is assigned to %d setup(s)",
				ErrTaskInUse, taskIdx, refs)
		}
		res, err := tx.Exec(
			"DELETE FROM task WHERE task_idx = ?", taskIdx)
		if err != nil {
			return fmt.Errorf("deleting task %d: %w", taskIdx, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
