package grid

import (
	"fmt"
	"sort"
	"strings"
)

// Toggle describes the effect of ToggleBeacon.
type Toggle struct {
	Placed   bool   `json:"placed"`
	BeaconID string `json:"beacon_id"`
	Coord
}

// ToggleBeacon places a beacon with the given id on an empty cell, or
// removes the beacon occupying the cell. On error nothing changes.
func (g *Grid) ToggleBeacon(c Coord, id string) (Toggle, error) {
	if !g.InBounds(c) {
		return Toggle{}, fmt.Errorf("%w: %s in %dx%d grid", ErrCellOutOfRange, c, g.rows, g.cols)
	}
	if existing, ok := g.byCell[c]; ok {
		g.removeBeacon(existing, c)
		return Toggle{Placed: false, BeaconID: existing, Coord: c}, nil
	}
	if err := g.placeBeacon(id, c); err != nil {
		return Toggle{}, err
	}
	return Toggle{Placed: true, BeaconID: strings.TrimSpace(id), Coord: c}, nil
}

func (g *Grid) placeBeacon(id string, c Coord) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyBeaconID
	}
	if at, ok := g.beacons[id]; ok {
		return fmt.Errorf("%w: %q already at %s", ErrDuplicateBeaconID, id, at)
	}
	g.beacons[id] = c
	g.byCell[c] = id
	g.cells[c.Row][c.Col].isBeacon = true
	return nil
}

func (g *Grid) removeBeacon(id string, c Coord) {
	delete(g.beacons, id)
	delete(g.byCell, c)
	g.cells[c.Row][c.Col].isBeacon = false
}

// PlaceBeacons adds every beacon of the mapping. The mapping is validated as
// a whole first; on error the registry is unchanged.
func (g *Grid) PlaceBeacons(beacons map[string]Coord) error {
	seen := make(map[Coord]string, len(beacons))
	ids := make(map[string]struct{}, len(beacons))
	for _, id := range sortedIDs(beacons) {
		c := beacons[id]
		switch {
		case strings.TrimSpace(id) == "":
			return ErrEmptyBeaconID
		case !g.InBounds(c):
			return fmt.Errorf("%w: beacon %q at %s in %dx%d grid", ErrCellOutOfRange, id, c, g.rows, g.cols)
		}
		trimmed := strings.TrimSpace(id)
		if _, ok := g.beacons[trimmed]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateBeaconID, id)
		}
		if _, ok := ids[trimmed]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateBeaconID, id)
		}
		ids[trimmed] = struct{}{}
		if other, ok := g.byCell[c]; ok {
			return fmt.Errorf("%w: %s holds %q", ErrCellOccupied, c, other)
		}
		if other, ok := seen[c]; ok {
			return fmt.Errorf("%w: %s claimed by %q and %q", ErrCellOccupied, c, other, id)
		}
		seen[c] = id
	}
	for id, c := range beacons {
		if err := g.placeBeacon(id, c); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the cell of a registered beacon.
func (g *Grid) Lookup(id string) (Coord, bool) {
	c, ok := g.beacons[id]
	return c, ok
}

// BeaconAt returns the id of the beacon placed at c.
func (g *Grid) BeaconAt(c Coord) (string, bool) {
	id, ok := g.byCell[c]
	return id, ok
}

// Beacons returns a copy of the registry.
func (g *Grid) Beacons() map[string]Coord {
	out := make(map[string]Coord, len(g.beacons))
	for id, c := range g.beacons {
		out[id] = c
	}
	return out
}

// BeaconIDs returns the registered ids in sorted order.
func (g *Grid) BeaconIDs() []string {
	return sortedIDs(g.beacons)
}

func sortedIDs(m map[string]Coord) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
