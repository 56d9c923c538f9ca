// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line: a progress bar
// attached to the training loop, the "-set" flag over the configuration, and reports of the results.
package commandline

import (
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/trainkit/pkg/ml/train"
)

// newTable returns an empty table in the style used by the package.
func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if col == 0 {
				return normalStyle
			}
			return rightAlignedStyle
		})
}

// ReportLogs writes to w a table with the values of the metrics in each of logs, one column per
// split. Splits with nil logs are omitted.
func ReportLogs(w io.Writer, splits []string, logs ...train.Logs) error {
	var keys []string
	headers := []string{"Metric"}
	for ii, l := range logs {
		if l == nil {
			continue
		}
		headers = append(headers, splits[ii])
		for _, key := range l.Keys() {
			if !slices.Contains(keys, key) {
				keys = append(keys, key)
			}
		}
	}
	table := newTable().Headers(headers...)
	for _, key := range keys {
		row := []string{key}
		for _, l := range logs {
			if l == nil {
				continue
			}
			value, found := l[key]
			if !found {
				row = append(row, "-")
				continue
			}
			row = append(row, formatValue(value))
		}
		table.Row(row...)
	}
	_, err := fmt.Fprintln(w, table.String())
	return err
}

// ReportResult writes to w a summary of the training result.
func ReportResult(w io.Writer, result *train.Result) error {
	summary := newTable()
	if result.RunName != "" {
		summary.Row("Run", result.RunName)
	}
	summary.Row("Epochs", fmt.Sprintf("%d", result.Epochs))
	if !math.IsInf(result.BestLoss, 1) {
		summary.Row("Smallest validation loss", formatValue(result.BestLoss))
		summary.Row("Best epoch", fmt.Sprintf("%d", result.BestEpoch))
	}
	if result.BestCheckpoint != "" {
		summary.Row("Best checkpoint", result.BestCheckpoint)
	}
	if result.StopReason != "" {
		summary.Row("Stopped", result.StopReason)
	}
	if _, err := fmt.Fprintln(w, summary.String()); err != nil {
		return err
	}
	return ReportLogs(w, []string{"Train", "Valid", "Test"}, result.TrainLogs, result.ValidLogs, result.TestLogs)
}

func formatValue(v float64) string {
	return fmt.Sprintf("%.4g", v)
}
