package report

import (
	"errors"
	"fmt"
	"io"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	_ "gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/beacon.report/internal/db"
)

var ErrNoReadings = errors.New("no readings")

// History chart size.
const (
	HistoryWidth  = 10 * vg.Inch
	HistoryHeight = 4 * vg.Inch
)

// WriteHistoryPNG plots distance over time for one beacon, with the mean as
// a horizontal reference line.
func WriteHistoryPNG(w io.Writer, beaconID string, readings []db.StoredReading) error {
	if len(readings) == 0 {
		return fmt.Errorf("%w for beacon %q", ErrNoReadings, beaconID)
	}
	st := Summarise(beaconID, readings)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Beacon %s - Distance (n=%d)", beaconID, st.Count)
	p.X.Label.Text = "Time (UTC)"
	p.Y.Label.Text = "Distance (m)"
	p.X.Tick.Marker = plot.TimeTicks{Format: time.TimeOnly}
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(readings))
	for i, r := range readings {
		pts[i] = plotter.XY{X: float64(r.Received.UnixNano()) / 1e9, Y: r.DistanceMeters}
	}
	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return fmt.Errorf("failed to build history line: %w", err)
	}
	line.Width = vg.Points(1)
	points.Radius = vg.Points(1.5)
	p.Add(line, points)

	mean, err := plotter.NewLine(plotter.XYs{
		{X: pts[0].X, Y: st.Mean},
		{X: pts[len(pts)-1].X, Y: st.Mean},
	})
	if err != nil {
		return fmt.Errorf("failed to build mean line: %w", err)
	}
	mean.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(mean)
	p.Legend.Add("distance", line, points)
	p.Legend.Add(fmt.Sprintf("mean %.2fm", st.Mean), mean)
	p.Legend.Top = true
	p.Y.Min = 0

	wt, err := p.WriterTo(HistoryWidth, HistoryHeight, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}
