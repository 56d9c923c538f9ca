// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// MinimalUniquePaths takes a list of file paths and returns a list of minimal unique identifiers
// that distinguish each path from others using the minimum necessary path parts.
//
// A single path is returned unchanged.
func MinimalUniquePaths(paths ...string) []string {
	if len(paths) <= 1 {
		return paths
	}
	splitPaths := make([][]string, len(paths))
	for ii, path := range paths {
		splitPaths[ii] = strings.Split(filepath.Clean(path), string(filepath.Separator))
	}

	result := make([]string, len(paths))
	for ii, components := range splitPaths {
		// Indices of the components that differ from some other path.
		var diffIndices []int
		for jj, other := range splitPaths {
			if ii == jj {
				continue
			}
			for k := range min(len(components), len(other)) {
				if components[k] != other[k] && !slices.Contains(diffIndices, k) {
					diffIndices = append(diffIndices, k)
				}
			}
		}
		slices.Sort(diffIndices)
		switch len(diffIndices) {
		case 0:
			result[ii] = components[len(components)-1]
		case 1:
			result[ii] = components[diffIndices[0]]
		default:
			result[ii] = components[diffIndices[0]] + "..." + components[diffIndices[len(diffIndices)-1]]
		}
	}
	return result
}
