// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"strings"

	"github.com/gomlx/trainkit/pkg/support/fsutil"
	"github.com/gomlx/trainkit/pkg/support/sets"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PathSeparator separates the section from the key in settings paths, e.g. "optimizer/lr".
const PathSeparator = "/"

// ApplySettings from settings, typically the contents of a "-set" flag set by the user.
// The settings are a list separated by ";": e.g.: "optimizer/lr=0.01;train/loss=L1Loss".
//
// Each path must already exist in the configuration, and the value is parsed as YAML and must
// be compatible with the type of the setting. For integer settings "_" is removed, so large numbers
// can be written as in Go (1_000_000). For list settings, values can be separated by ",".
//
// An entry "file:<path>" reads further settings from the file, one or more per line, ignoring
// empty lines and lines starting with "#".
//
// It returns the sorted list of paths set. On error the configuration is left unchanged.
func (conf *Config) ApplySettings(settings string) ([]string, error) {
	tree, err := conf.toTree()
	if err != nil {
		return nil, err
	}
	paramsSet := sets.Make[string]()
	for _, setting := range strings.Split(settings, ";") {
		if err = applySetting(tree, setting, paramsSet); err != nil {
			return nil, err
		}
	}
	if len(paramsSet) == 0 {
		return nil, nil
	}
	out, err := yaml.Marshal(tree)
	if err != nil {
		return nil, errors.Wrap(err, "failed to re-encode configuration")
	}
	newConf := Default()
	if err = newConf.decode(out); err != nil {
		return nil, errors.WithMessagef(err, "invalid value in settings %q", settings)
	}
	*conf = *newConf
	return sets.Sorted(paramsSet), nil
}

func applySetting(tree map[string]any, setting string, paramsSet sets.Set[string]) error {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return nil
	}
	if strings.HasPrefix(setting, "file:") {
		filePath, err := fsutil.ReplaceTildeInDir(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return err
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, s := range strings.Split(line, ";") {
				if err = applySetting(tree, s, paramsSet); err != nil {
					return err
				}
			}
		}
		return nil
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return errors.Errorf("can't parse setting %q: each setting requires the format \"<section>/<key>=<value>\"", setting)
	}
	paramPath = strings.TrimSpace(paramPath)
	parts := strings.Split(paramPath, PathSeparator)
	node := tree
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			return errors.Errorf("can't set %q: %q is not a known configuration section", paramPath, part)
		}
		node = child
	}
	key := parts[len(parts)-1]
	current, ok := node[key]
	if !ok {
		return errors.Errorf("can't set %q: unknown configuration key", paramPath)
	}
	if _, isSection := current.(map[string]any); isSection {
		return errors.Errorf("can't set %q: it is a section, not a value", paramPath)
	}

	value, err := parseValue(current, valueStr)
	if err != nil {
		return errors.WithMessagef(err, "failed to parse value %q for %q (current value is %#v)", valueStr, paramPath, current)
	}
	node[key] = value
	paramsSet.Insert(paramPath)
	return nil
}

// parseValue parses valueStr according to the type of the current value.
func parseValue(current any, valueStr string) (any, error) {
	switch current.(type) {
	case string:
		return valueStr, nil
	case int:
		valueStr = strings.ReplaceAll(valueStr, "_", "")
	case []any:
		if strings.TrimSpace(valueStr) == "" {
			return []any{}, nil
		}
		var values []any
		for _, part := range strings.Split(valueStr, ",") {
			v, err := parseYAML(strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return values, nil
	}
	return parseYAML(valueStr)
}

func parseYAML(valueStr string) (any, error) {
	var v any
	if err := yaml.Unmarshal([]byte(valueStr), &v); err != nil {
		return nil, errors.Wrap(err, "invalid YAML value")
	}
	return v, nil
}

// toTree converts the configuration to nested maps keyed by the YAML names.
func (conf *Config) toTree() (map[string]any, error) {
	out, err := yaml.Marshal(conf)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode configuration")
	}
	var tree map[string]any
	if err = yaml.Unmarshal(out, &tree); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration tree")
	}
	return tree, nil
}

// Flatten returns the configuration as a flat map from "section/key" paths to values, as used
// for experiment tracking.
func (conf *Config) Flatten() map[string]any {
	tree, err := conf.toTree()
	if err != nil {
		return nil
	}
	flat := make(map[string]any)
	var flatten func(prefix string, node map[string]any)
	flatten = func(prefix string, node map[string]any) {
		for key, value := range node {
			path := prefix + key
			if child, ok := value.(map[string]any); ok {
				flatten(path+PathSeparator, child)
				continue
			}
			flat[path] = value
		}
	}
	flatten("", tree)
	return flat
}

// Paths returns the sorted list of all settable paths.
func (conf *Config) Paths() []string {
	paths := sets.Make[string]()
	for path := range conf.Flatten() {
		paths.Insert(path)
	}
	return sets.Sorted(paths)
}
