package db

import (
	"fmt"
	"time"

	"github.com/banshee-data/beacon.report/internal/frame"
)

// StoredReading is one persisted beacon distance.
type StoredReading struct {
	BeaconID       string       `json:"beacon_id"`
	DistanceMeters float64      `json:"distance_meters"`
	Format         frame.Format `json:"format"`
	Received       time.Time    `json:"received"`
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(f float64) time.Time {
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
}

// RecordReadings stores the readings of one frame in a single transaction.
func (db *DB) RecordReadings(format frame.Format, received time.Time, readings []frame.BeaconReading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO beacon_readings (beacon_id, distance_meters, source_format, received_unix)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ts := toUnix(received)
	for _, r := range readings {
		if _, err := stmt.Exec(r.BeaconID, r.DistanceMeters, string(format), ts); err != nil {
			return fmt.Errorf("failed to record reading for %q: %w", r.BeaconID, err)
		}
	}
	return tx.Commit()
}

// RecentReadings returns up to limit readings for beaconID received at or
// after since, oldest first. A non-positive limit means no limit.
func (db *DB) RecentReadings(beaconID string, since time.Time, limit int) ([]StoredReading, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT beacon_id, distance_meters, source_format, received_unix FROM (
			SELECT * FROM beacon_readings
			WHERE beacon_id = ? AND received_unix >= ?
			ORDER BY received_unix DESC, reading_id DESC
			LIMIT ?
		) ORDER BY received_unix ASC, reading_id ASC`,
		beaconID, toUnix(since), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredReading
	for rows.Next() {
		var r StoredReading
		var format string
		var ts float64
		if err := rows.Scan(&r.BeaconID, &r.DistanceMeters, &format, &ts); err != nil {
			return nil, err
		}
		r.Format = frame.Format(format)
		r.Received = fromUnix(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReadingBeaconIDs returns every beacon id with stored readings since the
// given time, sorted.
func (db *DB) ReadingBeaconIDs(since time.Time) ([]string, error) {
	rows, err := db.Query(`
		SELECT DISTINCT beacon_id FROM beacon_readings
		WHERE received_unix >= ? ORDER BY beacon_id`, toUnix(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneReadings deletes readings received before cutoff.
func (db *DB) PruneReadings(cutoff time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM beacon_readings WHERE received_unix < ?`, toUnix(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
