package report

import (
	"bytes"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beacon.report/internal/coverage"
	"github.com/banshee-data/beacon.report/internal/db"
	"github.com/banshee-data/beacon.report/internal/grid"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func readings(ds ...float64) []db.StoredReading {
	out := make([]db.StoredReading, len(ds))
	for i, d := range ds {
		out[i] = db.StoredReading{BeaconID: "A", DistanceMeters: d, Received: epoch.Add(time.Duration(i) * time.Second)}
	}
	return out
}

func TestSummarise(t *testing.T) {
	s := Summarise("A", readings(2, 4, 4, 4, 5, 5, 7, 9))
	assert.Equal(t, 8, s.Count)
	assert.InDelta(t, 5.0, s.Mean, 1e-9)
	// sample standard deviation
	assert.InDelta(t, 2.138, s.StdDev, 1e-3)
	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 9.0, s.Max)
	assert.Equal(t, 4.0, s.Median)
	assert.Equal(t, 9.0, s.P90)
	assert.Equal(t, epoch, s.First)
	assert.Equal(t, epoch.Add(7*time.Second), s.Last)
}

func TestSummarise_EdgeCases(t *testing.T) {
	assert.Equal(t, BeaconStats{BeaconID: "none", Units: "m"}, Summarise("none", nil))

	one := Summarise("A", readings(1.5))
	assert.Equal(t, 1, one.Count)
	assert.Equal(t, 1.5, one.Median)
	assert.Zero(t, one.StdDev)
}

func TestBeaconStats_In(t *testing.T) {
	s := Summarise("A", readings(1, 2, 3)).In("cm")
	assert.Equal(t, "cm", s.Units)
	assert.InDelta(t, 200.0, s.Mean, 1e-9)
	assert.InDelta(t, 100.0, s.Min, 1e-9)
	assert.InDelta(t, 300.0, s.Max, 1e-9)
	assert.InDelta(t, 100.0, s.StdDev, 1e-9)

	assert.Equal(t, s, s.In("ft"), "already converted")
	m := Summarise("A", readings(1))
	assert.Equal(t, m, m.In("furlong"))
}

func TestWriteHistoryPNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHistoryPNG(&buf, "A", readings(1, 2, 1.5, 3)))
	cfg, err := png.DecodeConfig(&buf)
	require.NoError(t, err)
	assert.Equal(t, 960, cfg.Width)
	assert.Equal(t, 384, cfg.Height)

	assert.ErrorIs(t, WriteHistoryPNG(&buf, "A", nil), ErrNoReadings)
}

func TestRenderCoverageChart(t *testing.T) {
	g, err := grid.New(grid.Params{WidthMeters: 2, HeightMeters: 1, CellSizeMeters: 0.5, ImageWidth: 400, ImageHeight: 200})
	require.NoError(t, err)
	_, err = g.ToggleBeacon(grid.Coord{Row: 0, Col: 0}, "A")
	require.NoError(t, err)
	e := coverage.New(g)

	var buf bytes.Buffer
	require.NoError(t, RenderCoverageChart(&buf, e.Snapshot(), ""))
	html := buf.String()
	assert.True(t, strings.Contains(html, "Beacon Coverage"))
	assert.Contains(t, html, "heatmap")
	assert.Contains(t, html, "2x4 cells")
	assert.Contains(t, html, "beacons=1")
}
