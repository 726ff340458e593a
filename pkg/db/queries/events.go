package queries

import (
	"database/sql"
	"time"
)

type ChangeEvent struct {
	ID         int64
	ObjectPath string
	Kind       string // "added" or "removed"
	Timestamp  time.Time
}

func InsertChangeEvent(db *sql.DB, e *ChangeEvent) error {
	result, err := db.Exec(`
		INSERT INTO change_events (object_path, kind, timestamp)
		VALUES (?, ?, ?)
	`, e.ObjectPath, e.Kind, e.Timestamp.Unix())
	if err != nil {
		return err
	}
	e.ID, err = result.LastInsertId()
	return err
}

func ListChangeEvents(db *sql.DB, since time.Time, limit int) ([]*ChangeEvent, error) {
	query := `
		SELECT id, object_path, kind, timestamp
		FROM change_events
		WHERE 1=1
	`
	args := []interface{}{}

	if !since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, since.Unix())
	}

	query += " ORDER BY timestamp DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*ChangeEvent
	for rows.Next() {
		var e ChangeEvent
		var timestamp int64
		if err := rows.Scan(&e.ID, &e.ObjectPath, &e.Kind, &timestamp); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(timestamp, 0)
		events = append(events, &e)
	}

	return events, rows.Err()
}

// PruneChangeEvents deletes events older than the cutoff, keeping the
// journal bounded on long-running monitors.
func PruneChangeEvents(db *sql.DB, before time.Time) (int64, error) {
	result, err := db.Exec("DELETE FROM change_events WHERE timestamp < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
