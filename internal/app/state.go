// Package app owns the dashboard's mutable state: the grid, its beacon
// registry and the coverage derived from readings. Every mutation goes
// through State, which serialises them behind a single mutex.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/beacon.report/internal/coverage"
	"github.com/banshee-data/beacon.report/internal/floorplan"
	"github.com/banshee-data/beacon.report/internal/frame"
	"github.com/banshee-data/beacon.report/internal/grid"
	"github.com/banshee-data/beacon.report/internal/ingest"
	"github.com/banshee-data/beacon.report/internal/monitoring"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

// GridInput is the grid configuration as typed by the user. It is stored
// verbatim so that exports round-trip exactly.
type GridInput struct {
	Width    string `json:"width"`
	Height   string `json:"height"`
	GridSize string `json:"grid_size"`
}

// DefaultGridInput is used until the user configures a grid.
var DefaultGridInput = GridInput{Width: "10", Height: "8", GridSize: "0.5"}

type EventKind string

const (
	// EventReadings follows a batch being applied.
	EventReadings EventKind = "readings"
	// EventLayout follows any change to the grid or its beacons.
	EventLayout EventKind = "layout"
)

// Event is delivered to observers after the state changed. Batch is set for
// EventReadings only.
type Event struct {
	Kind    EventKind
	Version uint64
	Batch   ingest.Batch
}

// Observer is called after each change, outside the state lock. Observers
// must not block.
type Observer func(Event)

type latest struct {
	distance float64
	at       time.Time
}

// State is the single owner of the grid and coverage.
type State struct {
	mu       sync.Mutex
	input    GridInput
	g        *grid.Grid
	engine   *coverage.Engine
	bg       []byte
	latest   map[string]latest
	version  uint64
	counters *monitoring.Counters
	clock    timeutil.Clock

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int
}

// New builds a State over the grid described by in.
func New(in GridInput, counters *monitoring.Counters, clock timeutil.Clock) (*State, error) {
	if counters == nil {
		counters = &monitoring.Counters{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	g, err := build(in, grid.DefaultImageWidth, grid.DefaultImageHeight)
	if err != nil {
		return nil, err
	}
	return &State{
		input:     in,
		g:         g,
		engine:    coverage.New(g),
		latest:    make(map[string]latest),
		counters:  counters,
		clock:     clock,
		observers: make(map[int]Observer),
	}, nil
}

func build(in GridInput, imgW, imgH int) (*grid.Grid, error) {
	p, err := grid.ParseParams(in.Width, in.Height, in.GridSize)
	if err != nil {
		return nil, err
	}
	p.ImageWidth, p.ImageHeight = imgW, imgH
	return grid.New(p)
}

// Subscribe registers o and returns a function that removes it.
func (s *State) Subscribe(o Observer) (unsubscribe func()) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = o
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.observers, id)
	}
}

func (s *State) notify(e Event) {
	s.obsMu.Lock()
	obs := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		obs = append(obs, o)
	}
	s.obsMu.Unlock()
	for _, o := range obs {
		o(e)
	}
}

// bump must be called with mu held.
func (s *State) bump() uint64 {
	s.version++
	return s.version
}

// Version increases with every change.
func (s *State) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Input returns the grid configuration as last accepted.
func (s *State) Input() GridInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

// Regenerate replaces the grid with an empty one built from in. Beacons,
// coverage and latest readings are discarded. On error the current grid is
// kept.
func (s *State) Regenerate(in GridInput) error {
	s.mu.Lock()
	p := s.g.Params()
	g, err := build(in, p.ImageWidth, p.ImageHeight)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.input = in
	s.swap(g)
	v := s.bump()
	s.mu.Unlock()

	monitoring.Logf("grid regenerated: %dx%d cells of %gm", g.Rows(), g.Cols(), g.CellSizeMeters())
	s.notify(Event{Kind: EventLayout, Version: v})
	return nil
}

// swap must be called with mu held.
func (s *State) swap(g *grid.Grid) {
	s.g = g
	s.engine = coverage.New(g)
	s.latest = make(map[string]latest)
}

// SetBackground installs a floorplan image. The grid is rebuilt at the
// image's pixel size; beacons are kept and their latest readings reapplied.
func (s *State) SetBackground(img []byte) error {
	w, h, err := floorplan.Size(img)
	if err != nil {
		return err
	}

	s.mu.Lock()
	g, err := build(s.input, w, h)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := g.PlaceBeacons(s.g.Beacons()); err != nil {
		s.mu.Unlock()
		return err
	}
	prev := s.latest
	s.bg = img
	s.swap(g)
	for id, l := range prev {
		if _, err := s.engine.Apply(frame.BeaconReading{BeaconID: id, DistanceMeters: l.distance}); err == nil {
			s.latest[id] = l
		}
	}
	v := s.bump()
	s.mu.Unlock()

	s.notify(Event{Kind: EventLayout, Version: v})
	return nil
}

// Background returns the floorplan image, or nil when none is loaded.
func (s *State) Background() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bg
}

// Toggle places a beacon on an empty cell or removes the one there.
// Removing a beacon also clears its coverage.
func (s *State) Toggle(c grid.Coord, id string) (grid.Toggle, error) {
	s.mu.Lock()
	t, err := s.g.ToggleBeacon(c, id)
	if err != nil {
		s.mu.Unlock()
		return t, err
	}
	if !t.Placed {
		s.engine.Clear(t.BeaconID)
		delete(s.latest, t.BeaconID)
	}
	v := s.bump()
	s.mu.Unlock()

	s.notify(Event{Kind: EventLayout, Version: v})
	return t, nil
}

// ToggleAt is Toggle addressed by a pointer position in image pixels.
func (s *State) ToggleAt(x, y float64, id string) (grid.Toggle, error) {
	s.mu.Lock()
	c, ok := s.g.CellAt(x, y)
	s.mu.Unlock()
	if !ok {
		return grid.Toggle{}, fmt.Errorf("%w: position (%g, %g) is outside the floorplan", grid.ErrCellOutOfRange, x, y)
	}
	return s.Toggle(c, id)
}

// ApplyResult summarises Apply.
type ApplyResult struct {
	Applied int `json:"applied"`
	Unknown int `json:"unknown"`
}

// Apply replaces each reading's beacon coverage: the beacon is cleared and
// then applied at the new distance, in batch order.
func (s *State) Apply(b ingest.Batch) ApplyResult {
	var res ApplyResult
	s.mu.Lock()
	at := b.Received
	if at.IsZero() {
		at = s.clock.Now()
	}
	for _, r := range b.Readings {
		s.engine.Clear(r.BeaconID)
		if _, err := s.engine.Apply(r); err != nil {
			if errors.Is(err, coverage.ErrUnknownBeacon) {
				res.Unknown++
				s.counters.UnknownBeacons.Add(1)
			}
			delete(s.latest, r.BeaconID)
			monitoring.Logf("reading dropped: %v", err)
			continue
		}
		s.latest[r.BeaconID] = latest{distance: r.DistanceMeters, at: at}
		res.Applied++
	}
	s.counters.ReadingsApplied.Add(int64(res.Applied))
	v := s.bump()
	s.mu.Unlock()

	s.notify(Event{Kind: EventReadings, Version: v, Batch: b})
	return res
}

// Consume applies batches from in until it is closed or ctx is done.
func (s *State) Consume(ctx context.Context, in <-chan ingest.Batch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-in:
			if !ok {
				return nil
			}
			s.Apply(b)
		}
	}
}

// BeaconInfo is one entry of the beacon list.
type BeaconInfo struct {
	ID string `json:"id"`
	grid.Coord
	DistanceMeters *float64   `json:"distance_meters,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

// Snapshot is a consistent copy of the state for rendering.
type Snapshot struct {
	Version       uint64            `json:"version"`
	Input         GridInput         `json:"input"`
	CellSize      float64           `json:"cell_size"`
	ImageWidth    int               `json:"image_width"`
	ImageHeight   int               `json:"image_height"`
	HasBackground bool              `json:"has_background"`
	Coverage      coverage.Snapshot `json:"coverage"`
	Beacons       []BeaconInfo      `json:"beacons"`
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.g.Params()
	snap := Snapshot{
		Version:       s.version,
		Input:         s.input,
		CellSize:      p.CellSizeMeters,
		ImageWidth:    p.ImageWidth,
		ImageHeight:   p.ImageHeight,
		HasBackground: s.bg != nil,
		Coverage:      s.engine.Snapshot(),
		Beacons:       s.beaconsLocked(),
	}
	return snap
}

// Beacons returns the beacon list sorted by id.
func (s *State) Beacons() []BeaconInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beaconsLocked()
}

func (s *State) beaconsLocked() []BeaconInfo {
	placed := s.g.Beacons()
	out := make([]BeaconInfo, 0, len(placed))
	for id, c := range placed {
		info := BeaconInfo{ID: id, Coord: c}
		if l, ok := s.latest[id]; ok {
			d, at := l.distance, l.at
			info.DistanceMeters, info.UpdatedAt = &d, &at
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Export returns the metadata and image to write to a floorplan file. A
// blank canvas is rendered when no background is loaded.
func (s *State) Export() (floorplan.Metadata, []byte, error) {
	s.mu.Lock()
	md := floorplan.Metadata{
		Width:    s.input.Width,
		Height:   s.input.Height,
		GridSize: s.input.GridSize,
		Beacons:  s.g.Beacons(),
	}
	img, p := s.bg, s.g.Params()
	s.mu.Unlock()

	if img == nil {
		var err error
		if img, err = floorplan.Blank(p.ImageWidth, p.ImageHeight); err != nil {
			return md, nil, err
		}
	}
	return md, img, nil
}

// Restore replaces the grid, registry and background from an imported
// floorplan. img may be nil to keep the blank canvas. The import is
// validated in full first; on error nothing changes.
func (s *State) Restore(md floorplan.Metadata, img []byte) error {
	w, h := grid.DefaultImageWidth, grid.DefaultImageHeight
	if img != nil {
		var err error
		if w, h, err = floorplan.Size(img); err != nil {
			return err
		}
	}
	in := GridInput{Width: md.Width, Height: md.Height, GridSize: md.GridSize}
	g, err := build(in, w, h)
	if err != nil {
		return err
	}
	if err := g.PlaceBeacons(md.Beacons); err != nil {
		return err
	}

	s.mu.Lock()
	s.input = in
	s.bg = img
	s.swap(g)
	v := s.bump()
	s.mu.Unlock()

	monitoring.Logf("layout restored: %d beacons on %dx%d cells", len(md.Beacons), g.Rows(), g.Cols())
	s.notify(Event{Kind: EventLayout, Version: v})
	return nil
}
