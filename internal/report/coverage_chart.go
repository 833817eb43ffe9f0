package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/beacon.report/internal/coverage"
)

// RenderCoverageChart writes an HTML heatmap of a coverage snapshot, one
// square per cell coloured by its class.
func RenderCoverageChart(w io.Writer, snap coverage.Snapshot, assetsHost string) error {
	cols := make([]string, snap.Cols)
	for i := range cols {
		cols[i] = strconv.Itoa(i)
	}
	rows := make([]string, snap.Rows)
	for i := range rows {
		rows[i] = strconv.Itoa(i)
	}

	data := make([]opts.HeatMapData, 0, len(snap.Cells))
	for _, c := range snap.Cells {
		data = append(data, opts.HeatMapData{
			Name:  c.Class.String(),
			Value: [3]interface{}{c.Col, c.Row, int(c.Class)},
		})
	}

	initOpts := opts.Initialization{PageTitle: "Beacon Coverage", Width: "900px", Height: "720px"}
	if assetsHost != "" {
		initOpts.AssetsHost = assetsHost
	}
	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts),
		charts.WithTitleOpts(opts.Title{
			Title: "Beacon Coverage",
			Subtitle: fmt.Sprintf("%dx%d cells  uncovered=%d partial=%d full=%d beacons=%d",
				snap.Rows, snap.Cols, snap.Totals.Uncovered, snap.Totals.Partial, snap.Totals.Full, snap.Totals.Beacon),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Name: "col", SplitArea: &opts.SplitArea{Show: opts.Bool(true)}}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Name: "row", Data: rows, Inverse: opts.Bool(true)}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Type:      "piecewise",
			Show:      opts.Bool(true),
			Dimension: "2",
			Pieces: []opts.Piece{
				{Lt: 0.5, Color: "#e0e0e0"},
				{Gte: 0.5, Lt: 1.5, Color: "#f5c542"},
				{Gte: 1.5, Lt: 2.5, Color: "#35b779"},
				{Gte: 2.5, Color: "#3e4989"},
			},
		}),
	)
	hm.SetXAxis(cols).AddSeries("coverage", data)
	return hm.Render(w)
}
