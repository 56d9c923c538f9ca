// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/trainkit/pkg/config"
)

// CreateSettingsFlag creates a string flag in fs (flag.CommandLine if nil) with the given flagName
// (if empty it will be named "set"), and with a description of the settings available in conf.
//
// The flag should be created before the call to fs.Parse(), and its value given to
// config.Config.ApplySettings.
//
// Example usage:
//
//	func main() {
//		conf := config.Default()
//		settings := commandline.CreateSettingsFlag(nil, conf, "")
//		flag.Parse()
//		paramsSet, err := conf.ApplySettings(*settings)
//		if err != nil { ... }
//		fmt.Println(commandline.SprintModifiedSettings(conf, paramsSet))
//		...
//	}
func CreateSettingsFlag(fs *flag.FlagSet, conf *config.Config, flagName string) *string {
	if fs == nil {
		fs = flag.CommandLine
	}
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{fmt.Sprintf(
		`Set configuration values. `+
			`It should be a list of elements "path=value" separated by ";", where the path uses %q to separate `+
			`the section from the key, e.g. "optimizer%slr=0.01". `+
			`It can also be given an entry like: "file:settings_file.txt", in `+
			`which case the file will be read and the settings will be parsed, `+
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. `+
			`Current available settings:`,
		config.PathSeparator, config.PathSeparator)}
	flat := conf.Flatten()
	for _, path := range conf.Paths() {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", path, flat[path]))
	}
	return fs.String(flagName, "", strings.Join(parts, "\n"))
}

// SprintSettings pretty-prints all the configuration values into a string.
func SprintSettings(conf *config.Config) string {
	return sprintPaths(conf, conf.Paths())
}

// SprintModifiedSettings pretty-prints the values of the settings in paramsSet, as returned by
// config.Config.ApplySettings.
func SprintModifiedSettings(conf *config.Config, paramsSet []string) string {
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	return sprintPaths(conf, slices.Compact(paramsSet))
}

func sprintPaths(conf *config.Config, paths []string) string {
	flat := conf.Flatten()
	var parts []string
	for _, path := range paths {
		value, found := flat[path]
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", path, value, value))
	}
	return strings.Join(parts, "\n")
}
