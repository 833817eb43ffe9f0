package grid

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/banshee-data/beacon.report/internal/monitoring"
)

const (
	// DefaultCellSize is used when the requested cell size is missing,
	// unparseable or not positive.
	DefaultCellSize = 0.5

	// Canvas size used when no floorplan image has been loaded.
	DefaultImageWidth  = 1000
	DefaultImageHeight = 800
)

var ErrInvalidGridParameters = errors.New("invalid grid parameters")

// Params describes the physical area covered by a grid and the image it is
// drawn over.
type Params struct {
	WidthMeters    float64
	HeightMeters   float64
	CellSizeMeters float64

	// ImageWidth and ImageHeight are the floorplan size in pixels.
	ImageWidth  int
	ImageHeight int

	// Origin is the pixel offset of the image's top-left corner within the
	// pointer coordinate space.
	Origin orb.Point
}

// ParseParams parses the width, height and cell size exactly as typed by the
// user. An unusable cell size falls back to DefaultCellSize; an unusable
// width or height is an error. The image size defaults to the blank canvas.
func ParseParams(width, height, cellSize string) (Params, error) {
	p := Params{ImageWidth: DefaultImageWidth, ImageHeight: DefaultImageHeight}

	cs, err := strconv.ParseFloat(strings.TrimSpace(cellSize), 64)
	if err != nil || !(cs > 0) || math.IsInf(cs, 0) {
		monitoring.Logf("invalid grid size %q, using default value of %g", cellSize, DefaultCellSize)
		cs = DefaultCellSize
	}
	p.CellSizeMeters = cs

	if p.WidthMeters, err = strconv.ParseFloat(strings.TrimSpace(width), 64); err != nil {
		return p, fmt.Errorf("%w: width %q: %v", ErrInvalidGridParameters, width, err)
	}
	if p.HeightMeters, err = strconv.ParseFloat(strings.TrimSpace(height), 64); err != nil {
		return p, fmt.Errorf("%w: height %q: %v", ErrInvalidGridParameters, height, err)
	}
	return p, p.Validate()
}

// Validate checks the parameters without applying the cell size fallback.
func (p Params) Validate() error {
	if !finitePositive(p.WidthMeters) {
		return fmt.Errorf("%w: width must be positive, got %g", ErrInvalidGridParameters, p.WidthMeters)
	}
	if !finitePositive(p.HeightMeters) {
		return fmt.Errorf("%w: height must be positive, got %g", ErrInvalidGridParameters, p.HeightMeters)
	}
	if p.ImageWidth <= 0 || p.ImageHeight <= 0 {
		return fmt.Errorf("%w: image size must be positive, got %dx%d", ErrInvalidGridParameters, p.ImageWidth, p.ImageHeight)
	}
	return nil
}

// Dimensions returns the row and column count for the parameters.
func (p Params) Dimensions() (rows, cols int) {
	return cellCount(p.HeightMeters, p.CellSizeMeters), cellCount(p.WidthMeters, p.CellSizeMeters)
}

// cellCount is max(1, floor(extent/size)), saturated above MaxCells so the
// float to int conversion cannot overflow.
func cellCount(extent, size float64) int {
	n := math.Floor(extent / size)
	if n > MaxCells {
		return MaxCells + 1
	}
	return max(1, int(n))
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}
