package queries

import (
	"database/sql"
	"time"
)

type Anomaly struct {
	ID        int64
	Device    string
	Kind      string
	Detail    sql.NullString
	Timestamp time.Time
}

func InsertAnomaly(db *sql.DB, a *Anomaly) error {
	result, err := db.Exec(`
		INSERT INTO anomalies (device, kind, detail, timestamp)
		VALUES (?, ?, ?, ?)
	`, a.Device, a.Kind, a.Detail, a.Timestamp.Unix())
	if err != nil {
		return err
	}
	a.ID, err = result.LastInsertId()
	return err
}

func ListAnomalies(db *sql.DB, device string, since time.Time, limit int) ([]*Anomaly, error) {
	query := `
		SELECT id, device, kind, detail, timestamp
		FROM anomalies
		WHERE 1=1
	`
	args := []interface{}{}

	if device != "" {
		query += " AND device = ?"
		args = append(args, device)
	}

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

	var anomalies []*Anomaly
	for rows.Next() {
		var a Anomaly
		var timestamp int64
		if err := rows.Scan(&a.ID, &a.Device, &a.Kind, &a.Detail, &timestamp); err != nil {
			return nil, err
		}
		a.Timestamp = time.Unix(timestamp, 0)
		anomalies = append(anomalies, &a)
	}

	return anomalies, rows.Err()
}

func CountAnomalies(db *sql.DB, device string, since time.Time) (int64, error) {
	query := "SELECT COUNT(*) FROM anomalies WHERE 1=1"
	args := []interface{}{}

	if device != "" {
		query += " AND device = ?"
		args = append(args, device)
	}

	if !since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, since.Unix())
	}

	var count int64
	err := db.QueryRow(query, args...).Scan(&count)
	return count, err
}
