// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// trainkit_checkpoints reports on checkpoints saved by trainkit, and on the metrics of tracking runs.
//
// Usage:
//
//	trainkit_checkpoints [flags] <checkpoint|dir> [<checkpoint|dir> ...]
//
// Each argument is either the base path of a checkpoint (with or without the ".json"/".bin" suffix),
// or a directory, in which case all the checkpoints in the directory are reported. With -metrics or
// -plot, the arguments are tracking run directories instead.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/trainkit/pkg/ml/context/checkpoints"
	"github.com/gomlx/trainkit/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagSummary  = flag.Bool("summary", false, "Display a summary of the checkpoints: epoch, number of parameters and sizes.")
	flagParams   = flag.Bool("params", false, "Lists the metrics and labels saved with the checkpoints.")
	flagBackups  = flag.String("backups", "", "Lists the backups with the given prefix in the directories given. Use \"all\" to list all backups.")
	flagGlossary = flag.Bool("glossary", true, "Whether to list glossary of abbreviation on the bottom of tables.")
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	sectionStyle  = lipgloss.NewStyle().Bold(true)
	emphasisStyle = lipgloss.NewStyle().Bold(true)
	italicStyle   = lipgloss.NewStyle().Italic(true)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing checkpoint to read from. See 'trainkit_checkpoints -help'")
		os.Exit(1)
	}
	for ii, arg := range args {
		args[ii] = must.M1(fsutil.ReplaceTildeInDir(arg))
	}
	if *flagMetrics || *flagPlot || *flagMetricsLabels {
		names := MinimalUniquePaths(args...)
		if *flagMetricsLabels {
			metricsLabels(args)
		}
		if *flagMetrics {
			metrics(args, names)
		}
		if *flagPlot {
			plot(args, names)
		}
		return
	}
	if *flagBackups != "" {
		for _, dir := range args {
			listBackups(dir, *flagBackups)
		}
		return
	}
	if *flagPerturbVars != 0 {
		for _, path := range args {
			PerturbVars(path, *flagPerturbVars, *flagPerturbSeed)
		}
		return
	}

	paths := expandCheckpoints(args)
	if len(paths) == 0 {
		klog.Errorf("No checkpoints found in %v", args)
		os.Exit(1)
	}
	if !*flagSummary && !*flagParams && !*flagVars {
		*flagSummary = true
	}
	infos := make([]*checkpoints.Info, len(paths))
	for ii, path := range paths {
		infos[ii] = must.M1(checkpoints.ReadInfo(path))
	}
	names := MinimalUniquePaths(paths...)
	if *flagSummary {
		Summary(infos, names)
	}
	if *flagParams {
		MetadataReport(infos, names)
	}
	if *flagVars {
		for _, path := range paths {
			ListVariables(path)
		}
	}
}

// expandCheckpoints replaces directories in args by the checkpoints they contain.
func expandCheckpoints(args []string) []string {
	var paths []string
	for _, arg := range args {
		if info, err := os.Stat(arg); err == nil && info.IsDir() {
			handler := must.M1(checkpoints.Build(arg).Done())
			for _, name := range must.M1(handler.ListCheckpoints()) {
				paths = append(paths, handler.Path(name))
			}
			continue
		}
		paths = append(paths, checkpoints.TrimSuffixes(arg))
	}
	return paths
}

// listBackups prints the backups in dir with the given prefix ("all" for any prefix).
func listBackups(dir, prefix string) {
	if prefix == "all" {
		prefix = ""
	}
	handler := must.M1(checkpoints.Build(dir).Done())
	backups := must.M1(handler.ListBackups(prefix))
	fmt.Println(titleStyle.Render(fmt.Sprintf("Backups in %q", dir)))
	if len(backups) == 0 {
		fmt.Println("  (none)")
		return
	}
	infos := make([]*checkpoints.Info, len(backups))
	for ii, name := range backups {
		infos[ii] = must.M1(checkpoints.ReadInfo(handler.Path(name)))
	}
	Summary(infos, backups)
}
