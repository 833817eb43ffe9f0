// Package grid models a floorplan subdivided into square-ish cells and the
// registry of beacons placed on those cells.
//
// A Grid is not safe for concurrent use; its owner serialises access.
package grid

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"

	"github.com/banshee-data/beacon.report/internal/monitoring"
)

// MaxCells bounds rows*cols so a typo in the cell size cannot allocate an
// unbounded grid.
const MaxCells = 250_000

var (
	ErrCellOutOfRange    = errors.New("cell out of range")
	ErrEmptyBeaconID     = errors.New("empty beacon id")
	ErrDuplicateBeaconID = errors.New("duplicate beacon id")
	ErrCellOccupied      = errors.New("cell already has a beacon")
)

// Coord addresses a cell. It is the only stable handle to a cell.
type Coord struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func (c Coord) String() string { return fmt.Sprintf("(%d, %d)", c.Row, c.Col) }

type cell struct {
	isBeacon bool
	inRange  map[string]struct{}
}

// CellView is a read-only copy of a cell's state.
type CellView struct {
	Coord
	IsBeacon       bool     `json:"is_beacon"`
	InRangeBeacons []string `json:"in_range_beacons,omitempty"`
	OverlapCount   int      `json:"overlap_count"`
}

// Grid is a rows×cols array of cells plus the beacon registry.
type Grid struct {
	params     Params
	rows, cols int
	cellWidth  float64
	cellHeight float64
	cells      [][]cell
	beacons    map[string]Coord
	byCell     map[Coord]string
}

// New builds an empty grid: no beacons and no coverage. A non-positive cell
// size falls back to DefaultCellSize.
func New(p Params) (*Grid, error) {
	if !(p.CellSizeMeters > 0) || math.IsInf(p.CellSizeMeters, 0) {
		monitoring.Logf("invalid grid size %g, using default value of %g", p.CellSizeMeters, DefaultCellSize)
		p.CellSizeMeters = DefaultCellSize
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	rows, cols := p.Dimensions()
	if rows > MaxCells || cols > MaxCells || rows*cols > MaxCells {
		return nil, fmt.Errorf("%w: %dx%d cells exceeds limit of %d", ErrInvalidGridParameters, rows, cols, MaxCells)
	}

	g := &Grid{
		params:     p,
		rows:       rows,
		cols:       cols,
		cellWidth:  float64(p.ImageWidth) / float64(cols),
		cellHeight: float64(p.ImageHeight) / float64(rows),
		cells:      make([][]cell, rows),
		beacons:    make(map[string]Coord),
		byCell:     make(map[Coord]string),
	}
	for r := range g.cells {
		g.cells[r] = make([]cell, cols)
	}
	return g, nil
}

func (g *Grid) Params() Params { return g.params }
func (g *Grid) Rows() int { return g.rows }
func (g *Grid) Cols() int { return g.cols }
func (g *Grid) CellWidth() float64 { return g.cellWidth }
func (g *Grid) CellHeight() float64 { return g.cellHeight }
func (g *Grid) CellSizeMeters() float64 { return g.params.CellSizeMeters }

// InBounds reports whether c addresses a cell of the grid.
func (g *Grid) InBounds(c Coord) bool {
	return c.Row >= 0 && c.Row < g.rows && c.Col >= 0 && c.Col < g.cols
}

// CellCenter returns the centre of a cell in image pixel coordinates.
func (g *Grid) CellCenter(c Coord) orb.Point {
	return orb.Point{
		float64(c.Col)*g.cellWidth + g.cellWidth/2,
		float64(c.Row)*g.cellHeight + g.cellHeight/2,
	}
}

// CellAt maps a pointer position to a cell. Positions outside the image are
// rejected.
func (g *Grid) CellAt(x, y float64) (Coord, bool) {
	x -= g.params.Origin.X()
	y -= g.params.Origin.Y()
	if x < 0 || y < 0 || x >= float64(g.params.ImageWidth) || y >= float64(g.params.ImageHeight) {
		return Coord{}, false
	}
	c := Coord{
		Row: min(g.rows-1, int(math.Floor(y/g.cellHeight))),
		Col: min(g.cols-1, int(math.Floor(x/g.cellWidth))),
	}
	return c, true
}

// Cell returns a copy of the cell at c.
func (g *Grid) Cell(c Coord) (CellView, error) {
	if !g.InBounds(c) {
		return CellView{}, fmt.Errorf("%w: %s in %dx%d grid", ErrCellOutOfRange, c, g.rows, g.cols)
	}
	return g.view(c), nil
}

func (g *Grid) view(c Coord) CellView {
	src := g.cells[c.Row][c.Col]
	v := CellView{Coord: c, IsBeacon: src.isBeacon, OverlapCount: len(src.inRange)}
	if len(src.inRange) > 0 {
		v.InRangeBeacons = make([]string, 0, len(src.inRange))
		for id := range src.inRange {
			v.InRangeBeacons = append(v.InRangeBeacons, id)
		}
		sort.Strings(v.InRangeBeacons)
	}
	return v
}

// Cells returns copies of every cell in row-major order.
func (g *Grid) Cells() []CellView {
	out := make([]CellView, 0, g.rows*g.cols)
	for r := 0; r < g.rows; r++ {
		for c := 0; c < g.cols; c++ {
			out = append(out, g.view(Coord{r, c}))
		}
	}
	return out
}

// OverlapCount returns the number of distinct beacons covering c.
func (g *Grid) OverlapCount(c Coord) int {
	if !g.InBounds(c) {
		return 0
	}
	return len(g.cells[c.Row][c.Col].inRange)
}

// IsBeacon reports whether a beacon is placed at c.
func (g *Grid) IsBeacon(c Coord) bool {
	return g.InBounds(c) && g.cells[c.Row][c.Col].isBeacon
}

// AddCoverage marks c as covered by id. It reports whether id was newly added.
func (g *Grid) AddCoverage(c Coord, id string) bool {
	if !g.InBounds(c) {
		return false
	}
	cl := &g.cells[c.Row][c.Col]
	if _, ok := cl.inRange[id]; ok {
		return false
	}
	if cl.inRange == nil {
		cl.inRange = make(map[string]struct{})
	}
	cl.inRange[id] = struct{}{}
	return true
}

// RemoveCoverage removes id from c. It reports whether id was present.
func (g *Grid) RemoveCoverage(c Coord, id string) bool {
	if !g.InBounds(c) {
		return false
	}
	cl := &g.cells[c.Row][c.Col]
	if _, ok := cl.inRange[id]; !ok {
		return false
	}
	delete(cl.inRange, id)
	return true
}
