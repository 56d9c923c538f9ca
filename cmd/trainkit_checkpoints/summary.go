// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/trainkit/pkg/ml/context/checkpoints"
)

// bytesPerValue of the parameters, saved as float64.
const bytesPerValue = 8

// Summary prints one column per checkpoint with its epoch, number of variables and parameters,
// and their size.
func Summary(infos []*checkpoints.Info, names []string) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row(append([]string{"checkpoint"}, names...)...)

	rows := [][]string{{"epoch"}, {"# variables"}, {"# parameters"}, {"# bytes"}, {"format"}, {"created"}}
	for _, info := range infos {
		var numParams int
		for _, v := range info.Variables {
			numParams += v.Length / bytesPerValue
		}
		rows[0] = append(rows[0], humanize.Comma(int64(info.Epoch)))
		rows[1] = append(rows[1], humanize.Comma(int64(len(info.Variables))))
		rows[2] = append(rows[2], humanize.Comma(int64(numParams)))
		rows[3] = append(rows[3], humanize.Bytes(uint64(numParams*bytesPerValue)))
		rows[4] = append(rows[4], info.BinFormat)
		created := ""
		if !info.CreatedAt.IsZero() {
			created = humanize.Time(info.CreatedAt)
		}
		rows[5] = append(rows[5], created)
	}
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}
