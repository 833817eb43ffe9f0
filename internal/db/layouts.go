package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/beacon.report/internal/grid"
)

var (
	ErrLayoutNotFound = errors.New("layout not found")
	ErrLayoutName     = errors.New("layout name is required")
)

// Layout is a saved floorplan: the grid input as typed, the image and the
// beacon registry.
type Layout struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Width       string                `json:"width"`
	Height      string                `json:"height"`
	GridSize    string                `json:"grid_size"`
	ImageWidth  int                   `json:"image_width"`
	ImageHeight int                   `json:"image_height"`
	Floorplan   []byte                `json:"-"`
	Beacons     map[string]grid.Coord `json:"beacons"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// LayoutSummary is a Layout without its image and beacons.
type LayoutSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	BeaconCount  int       `json:"beacon_count"`
	HasFloorplan bool      `json:"has_floorplan"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SaveLayout stores l under its name. Saving over an existing name replaces
// that layout and keeps its id and creation time. l's ID and timestamps are
// updated in place.
func (db *DB) SaveLayout(l *Layout) error {
	l.Name = strings.TrimSpace(l.Name)
	if l.Name == "" {
		return ErrLayoutName
	}
	now := db.clock.Now().UTC().Truncate(time.Second)

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id string
	var created int64
	err = tx.QueryRow(`SELECT layout_id, created_at FROM layouts WHERE name = ?`, l.Name).Scan(&id, &created)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.NewString()
		created = now.Unix()
		_, err = tx.Exec(`
			INSERT INTO layouts (
				layout_id, name, width, height, grid_size,
				image_width, image_height, floorplan, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, l.Name, l.Width, l.Height, l.GridSize,
			l.ImageWidth, l.ImageHeight, l.Floorplan, created, now.Unix(),
		)
	case err == nil:
		_, err = tx.Exec(`
			UPDATE layouts SET
				width = ?, height = ?, grid_size = ?,
				image_width = ?, image_height = ?, floorplan = ?, updated_at = ?
			WHERE layout_id = ?`,
			l.Width, l.Height, l.GridSize,
			l.ImageWidth, l.ImageHeight, l.Floorplan, now.Unix(), id,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to save layout %q: %w", l.Name, err)
	}

	if _, err := tx.Exec(`DELETE FROM layout_beacons WHERE layout_id = ?`, id); err != nil {
		return err
	}
	for beaconID, c := range l.Beacons {
		if _, err := tx.Exec(
			`INSERT INTO layout_beacons (layout_id, beacon_id, row_index, col_index) VALUES (?, ?, ?, ?)`,
			id, beaconID, c.Row, c.Col,
		); err != nil {
			return fmt.Errorf("failed to save beacon %q: %w", beaconID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	l.ID = id
	l.CreatedAt = time.Unix(created, 0).UTC()
	l.UpdatedAt = now
	return nil
}

// GetLayout loads a layout by id.
func (db *DB) GetLayout(id string) (*Layout, error) {
	l := &Layout{ID: id, Beacons: make(map[string]grid.Coord)}
	var created, updated int64
	err := db.QueryRow(`
		SELECT name, width, height, grid_size, image_width, image_height,
			floorplan, created_at, updated_at
		FROM layouts WHERE layout_id = ?`, id,
	).Scan(&l.Name, &l.Width, &l.Height, &l.GridSize, &l.ImageWidth, &l.ImageHeight,
		&l.Floorplan, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrLayoutNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	l.CreatedAt = time.Unix(created, 0).UTC()
	l.UpdatedAt = time.Unix(updated, 0).UTC()

	rows, err := db.Query(`SELECT beacon_id, row_index, col_index FROM layout_beacons WHERE layout_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var beaconID string
		var c grid.Coord
		if err := rows.Scan(&beaconID, &c.Row, &c.Col); err != nil {
			return nil, err
		}
		l.Beacons[beaconID] = c
	}
	return l, rows.Err()
}

// ListLayouts returns all layouts, most recently updated first.
func (db *DB) ListLayouts() ([]LayoutSummary, error) {
	rows, err := db.Query(`
		SELECT l.layout_id, l.name, l.floorplan IS NOT NULL, l.updated_at,
			(SELECT COUNT(*) FROM layout_beacons b WHERE b.layout_id = l.layout_id)
		FROM layouts l
		ORDER BY l.updated_at DESC, l.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []LayoutSummary{}
	for rows.Next() {
		var s LayoutSummary
		var updated int64
		if err := rows.Scan(&s.ID, &s.Name, &s.HasFloorplan, &updated, &s.BeaconCount); err != nil {
			return nil, err
		}
		s.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteLayout removes a layout and its beacons.
func (db *DB) DeleteLayout(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM layout_beacons WHERE layout_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM layouts WHERE layout_id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrLayoutNotFound, id)
	}
	return tx.Commit()
}
