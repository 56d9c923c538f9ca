// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/gomlx/trainkit/pkg/ml/context/checkpoints"
	"github.com/gomlx/trainkit/pkg/support/sets"
)

// MetadataReport prints the metrics and labels saved with each checkpoint, one column per
// checkpoint. Rows whose values differ across checkpoints are highlighted.
func MetadataReport(infos []*checkpoints.Info, names []string) {
	numCheckpoints := len(infos)
	fmt.Println(titleStyle.Render("Metadata"))
	table := newPlainTableWithReds()
	headers := []string{"Kind", "Name"}
	if numCheckpoints == 1 {
		headers = append(headers, "Value")
	} else {
		headers = append(headers, names...)
	}
	table.Table.Headers(headers...)

	metricNames := sets.Make[string]()
	labelNames := sets.Make[string]()
	for _, info := range infos {
		for name := range info.Metrics {
			metricNames.Insert(name)
		}
		for name := range info.Labels {
			labelNames.Insert(name)
		}
	}
	for _, name := range sets.Sorted(metricNames) {
		row := make([]string, 2+numCheckpoints)
		row[0], row[1] = "metric", name
		for ii, info := range infos {
			if v, found := info.Metrics[name]; found {
				row[2+ii] = fmt.Sprintf("%.6g", v)
			}
		}
		table.Row(!isAllEqual(row[2:]), row...)
	}
	for _, name := range sets.Sorted(labelNames) {
		row := make([]string, 2+numCheckpoints)
		row[0], row[1] = "label", name
		for ii, info := range infos {
			row[2+ii] = info.Labels[name]
		}
		table.Row(!isAllEqual(row[2:]), row...)
	}
	fmt.Println(table.Table.Render())
}
