// Package coverage maps beacon range readings onto a grid.
//
// Apply is strictly additive: callers replacing a beacon's previous reading
// must Clear it first.
package coverage

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/banshee-data/beacon.report/internal/frame"
	"github.com/banshee-data/beacon.report/internal/grid"
)

// FullThreshold is the number of overlapping beacons needed to trilaterate.
const FullThreshold = 3

var ErrUnknownBeacon = errors.New("unknown beacon")

// Class is how a cell renders.
type Class uint8

const (
	Uncovered Class = iota
	Partial
	Full
	Beacon
)

var classNames = [...]string{
	Uncovered: "uncovered",
	Partial:   "partial",
	Full:      "full",
	Beacon:    "beacon",
}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("Class(%d)", c)
}

func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Class) UnmarshalText(b []byte) error {
	for i, name := range classNames {
		if string(b) == name {
			*c = Class(i)
			return nil
		}
	}
	return fmt.Errorf("unknown coverage class %q", b)
}

// Classify maps an overlap count to a coverage class.
func Classify(overlap int) Class {
	switch {
	case overlap <= 0:
		return Uncovered
	case overlap < FullThreshold:
		return Partial
	default:
		return Full
	}
}

// Engine applies readings to a grid. It does not lock; the grid's owner
// serialises calls.
type Engine struct {
	g *grid.Grid
}

func New(g *grid.Grid) *Engine {
	return &Engine{g: g}
}

func (e *Engine) Grid() *grid.Grid { return e.g }

// RadiusPixels converts a distance to a pixel radius. Cells are assumed
// square: only cellWidth is used, so on a non-square canvas the covered area
// is an ellipse in metres.
func (e *Engine) RadiusPixels(distanceMeters float64) float64 {
	return distanceMeters / e.g.CellSizeMeters() * e.g.CellWidth()
}

// Apply adds the reading's beacon to every cell whose centre lies within the
// reading's radius of the beacon's cell centre. It returns the number of
// cells newly covered. Readings for unregistered beacons return
// ErrUnknownBeacon and change nothing.
func (e *Engine) Apply(r frame.BeaconReading) (int, error) {
	at, ok := e.g.Lookup(r.BeaconID)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownBeacon, r.BeaconID)
	}
	if r.DistanceMeters < 0 || math.IsNaN(r.DistanceMeters) {
		return 0, fmt.Errorf("%w: distance %g for beacon %q", frame.ErrMalformedFrame, r.DistanceMeters, r.BeaconID)
	}

	center := e.g.CellCenter(at)
	radius := e.RadiusPixels(r.DistanceMeters)
	r0, c0, r1, c1 := e.candidates(center.Bound().Pad(radius))

	added := 0
	for row := r0; row <= r1; row++ {
		for col := c0; col <= c1; col++ {
			c := grid.Coord{Row: row, Col: col}
			if planar.Distance(center, e.g.CellCenter(c)) > radius {
				continue
			}
			if e.g.AddCoverage(c, r.BeaconID) {
				added++
			}
		}
	}
	return added, nil
}

// candidates returns the inclusive cell range whose centres may fall inside b.
func (e *Engine) candidates(b orb.Bound) (r0, c0, r1, c1 int) {
	cw, ch := e.g.CellWidth(), e.g.CellHeight()
	clamp := func(v float64, n int) int {
		if v < 0 {
			return 0
		}
		if v > float64(n-1) {
			return n - 1
		}
		return int(v)
	}
	// centre of cell i is (i+0.5)*size; one cell of slack absorbs rounding
	c0 = clamp(math.Ceil(b.Min.X()/cw-0.5)-1, e.g.Cols())
	c1 = clamp(math.Floor(b.Max.X()/cw-0.5)+1, e.g.Cols())
	r0 = clamp(math.Ceil(b.Min.Y()/ch-0.5)-1, e.g.Rows())
	r1 = clamp(math.Floor(b.Max.Y()/ch-0.5)+1, e.g.Rows())
	return r0, c0, r1, c1
}

// Clear removes the beacon from every cell and returns how many cells it was
// removed from. Clearing an absent beacon is a no-op.
func (e *Engine) Clear(beaconID string) int {
	removed := 0
	for row := 0; row < e.g.Rows(); row++ {
		for col := 0; col < e.g.Cols(); col++ {
			if e.g.RemoveCoverage(grid.Coord{Row: row, Col: col}, beaconID) {
				removed++
			}
		}
	}
	return removed
}

// ClassAt returns the render class of a cell. Beacon cells render as Beacon
// regardless of coverage.
func (e *Engine) ClassAt(c grid.Coord) Class {
	if e.g.IsBeacon(c) {
		return Beacon
	}
	return Classify(e.g.OverlapCount(c))
}

// CellState is one cell of a Snapshot.
type CellState struct {
	grid.Coord
	Class          Class    `json:"class"`
	OverlapCount   int      `json:"overlap_count"`
	InRangeBeacons []string `json:"in_range_beacons,omitempty"`
}

// Totals counts cells per render class.
type Totals struct {
	Uncovered int `json:"uncovered"`
	Partial   int `json:"partial"`
	Full      int `json:"full"`
	Beacon    int `json:"beacon"`
}

func (t *Totals) add(c Class) {
	switch c {
	case Uncovered:
		t.Uncovered++
	case Partial:
		t.Partial++
	case Full:
		t.Full++
	case Beacon:
		t.Beacon++
	}
}

// Snapshot is a render pass over the whole grid.
type Snapshot struct {
	Rows       int         `json:"rows"`
	Cols       int         `json:"cols"`
	CellWidth  float64     `json:"cell_width"`
	CellHeight float64     `json:"cell_height"`
	Cells      []CellState `json:"cells"`
	Totals     Totals      `json:"totals"`
}

// Snapshot classifies every cell in row-major order.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Rows:       e.g.Rows(),
		Cols:       e.g.Cols(),
		CellWidth:  e.g.CellWidth(),
		CellHeight: e.g.CellHeight(),
	}
	views := e.g.Cells()
	s.Cells = make([]CellState, 0, len(views))
	for _, v := range views {
		cls := Classify(v.OverlapCount)
		if v.IsBeacon {
			cls = Beacon
		}
		s.Totals.add(cls)
		s.Cells = append(s.Cells, CellState{
			Coord:          v.Coord,
			Class:          cls,
			OverlapCount:   v.OverlapCount,
			InRangeBeacons: v.InRangeBeacons,
		})
	}
	return s
}
