// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"image/color"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// Plot draws one chart per metric type (e.g. "loss" with "loss train" and "loss valid"), stacked
// vertically, and saves it as a PNG file.
func Plot(points Points, filePath string) error {
	names := points.MetricsNames()
	var metricTypes []string
	byType := make(map[string][]string)
	for _, name := range names {
		metricType := NewPoint(name, 0, 0).MetricType
		if _, found := byType[metricType]; !found {
			metricTypes = append(metricTypes, metricType)
		}
		byType[metricType] = append(byType[metricType], name)
	}
	if len(metricTypes) == 0 {
		return errors.New("no points to plot")
	}

	plots := make([][]*plot.Plot, len(metricTypes))
	for row, metricType := range metricTypes {
		p := plot.New()
		p.Title.Text = metricType
		p.X.Label.Text = "epoch"
		p.Add(plotter.NewGrid())
		for ii, name := range byType[metricType] {
			steps, values := points.Series(name)
			xys := make(plotter.XYs, len(steps))
			for jj := range steps {
				xys[jj].X = float64(steps[jj])
				xys[jj].Y = values[jj]
			}
			line, err := plotter.NewLine(xys)
			if err != nil {
				return errors.Wrapf(err, "plotting %q", name)
			}
			line.Color = plotutil.Color(ii)
			line.Dashes = plotutil.Dashes(ii)
			p.Add(line)
			p.Legend.Add(name, line)
		}
		p.Legend.Top = true
		plots[row] = []*plot.Plot{p}
	}

	const rowHeight = 3 * vg.Inch
	img := vgimg.NewWith(
		vgimg.UseWH(8*vg.Inch, vg.Length(len(plots))*rowHeight),
		vgimg.UseBackgroundColor(color.White))
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      len(plots),
		Cols:      1,
		PadTop:    vg.Millimeter,
		PadBottom: vg.Millimeter,
		PadX:      2 * vg.Millimeter,
		PadY:      2 * vg.Millimeter,
	}
	canvases := plot.Align(plots, tiles, dc)
	for row := range plots {
		plots[row][0].Draw(canvases[row][0])
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating plot file %q", filePath)
	}
	if _, err = (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing plot to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing plot file %q", filePath)
}
