// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gomlx/trainkit/pkg/support/sets"
	"github.com/gomlx/trainkit/pkg/tracking"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics of the tracking runs given as arguments, from their file %q", tracking.MetricsFileName))
	flagMetricsLabels = flag.Bool("metrics_labels", false,
		fmt.Sprintf("Lists the metrics names with their types from file %q", tracking.MetricsFileName))
	flagMetricsNames = flag.String("metrics_names", "", "Regular expression that if matches the name, the metric is included.")
	flagMetricsTypes = flag.String("metrics_types", "", "Comma-separate list of metric types to include in metrics Reports. ")
	flagPlot         = flag.Bool("plot", false,
		fmt.Sprintf("Plots the metrics of the tracking runs given as arguments into their file %q", tracking.PlotFileName))
)

// loadRunPoints loads the metrics of the tracking run in runDir.
func loadRunPoints(runDir string) tracking.Points {
	metricsPath := filepath.Join(runDir, tracking.MetricsFileName)
	points := must.M1(tracking.LoadPoints(metricsPath))
	if len(points) == 0 {
		klog.Errorf("No metrics found in %q", metricsPath)
	}
	return tracking.NewPoints(points)
}

// selectMetrics returns the metrics names selected by -metrics_names and -metrics_types.
func selectMetrics(points tracking.Points) []string {
	var matcher *regexp.Regexp
	if *flagMetricsNames != "" {
		var err error
		matcher, err = regexp.Compile(*flagMetricsNames)
		if err != nil {
			klog.Fatalf("Failed to compile -metrics_names=%q matcher: %v", *flagMetricsNames, err)
		}
	}
	var metricsTypes sets.Set[string]
	if *flagMetricsTypes != "" {
		metricsTypes = sets.MakeWith(strings.Split(*flagMetricsTypes, ",")...)
	}
	types := make(map[string]string)
	for _, stepPoints := range points {
		for _, p := range stepPoints {
			types[p.Name] = p.MetricType
		}
	}
	var selected []string
	for _, name := range points.MetricsNames() {
		if matcher == nil && metricsTypes == nil {
			selected = append(selected, name)
			continue
		}
		foundName := matcher != nil && matcher.MatchString(name)
		foundType := metricsTypes != nil && metricsTypes.Has(types[name])
		if foundName || foundType {
			selected = append(selected, name)
		}
	}
	return selected
}

func metrics(runDirs, names []string) {
	for ii, runDir := range runDirs {
		points := loadRunPoints(runDir)
		fmt.Println(titleStyle.Render(fmt.Sprintf("Metrics of %s", names[ii])))
		selected := selectMetrics(points)
		if len(selected) == 0 {
			fmt.Println("  (no metrics selected)")
			continue
		}
		fmt.Println(points.TableForMetrics(selected...))
	}
}

func metricsLabels(runDirs []string) {
	fmt.Println(titleStyle.Render("Metrics"))
	table := newPlainTable()
	table.Headers("Name", "Type", "# Points")
	counts := make(map[string]int)
	types := make(map[string]string)
	names := sets.Make[string]()
	for _, runDir := range runDirs {
		for _, stepPoints := range loadRunPoints(runDir) {
			for _, p := range stepPoints {
				names.Insert(p.Name)
				types[p.Name] = p.MetricType
				counts[p.Name]++
			}
		}
	}
	for _, name := range sets.Sorted(names) {
		table.Row(name, types[name], fmt.Sprintf("%d", counts[name]))
	}
	fmt.Println(table.Render())
}

func plot(runDirs, names []string) {
	for ii, runDir := range runDirs {
		points := loadRunPoints(runDir)
		selected := sets.MakeWith(selectMetrics(points)...)
		filtered := make(tracking.Points)
		for step, stepPoints := range points {
			for _, p := range stepPoints {
				if selected.Has(p.Name) {
					filtered[step] = append(filtered[step], p)
				}
			}
		}
		plotPath := filepath.Join(runDir, tracking.PlotFileName)
		must.M(tracking.Plot(filtered, plotPath))
		fmt.Printf("Plot of %s saved in %q\n", names[ii], plotPath)
	}
}
