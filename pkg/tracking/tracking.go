// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracking records experiments: the configuration of a run, the scalars logged at every
// epoch and selected files (e.g. the best checkpoint).
//
// Local stores each run in its own directory:
//
//	<dir>/<project>/<run name>/
//	    config.yaml
//	    metrics.jsonl
//	    metrics.png
//	    files/
package tracking

import (
	"fmt"
	"io"
	"maps"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/gomlx/trainkit/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Tracker of one experiment run.
type Tracker interface {
	// RunName identifies the run. It's empty for Noop.
	RunName() string

	// LogConfig records the configuration of the run.
	LogConfig(values map[string]any) error

	// Log the scalars of one step (epoch).
	Log(step int, values map[string]float64) error

	// SaveFile copies the file into the run.
	SaveFile(path string) error

	// Finish the run. The tracker can't be used afterwards.
	Finish() error
}

// Noop is a Tracker that records nothing.
type Noop struct{}

var _ Tracker = Noop{}

// RunName implements Tracker.
func (Noop) RunName() string { return "" }

// LogConfig implements Tracker.
func (Noop) LogConfig(map[string]any) error { return nil }

// Log implements Tracker.
func (Noop) Log(int, map[string]float64) error { return nil }

// SaveFile implements Tracker.
func (Noop) SaveFile(string) error { return nil }

// Finish implements Tracker.
func (Noop) Finish() error { return nil }

// File names within the run directory.
const (
	ConfigFileName = "config.yaml"
	PlotFileName   = "metrics.png"
	FilesDir       = "files"
)

// Local is a Tracker that writes the run to a local directory.
type Local struct {
	project, runName, dir string

	mu          sync.Mutex
	points      []Point
	pointWriter chan<- Point
	errReport   <-chan error
	finished    bool
}

var _ Tracker = (*Local)(nil)

var (
	adjectives = []string{"amber", "brisk", "calm", "dapper", "eager", "fuzzy", "gentle", "hazy",
		"icy", "jolly", "keen", "lucid", "mellow", "nimble", "polar", "quiet", "rapid", "sunny", "tidy", "vivid"}
	nouns = []string{"badger", "comet", "delta", "ember", "falcon", "glacier", "harbor", "island",
		"jungle", "lagoon", "meadow", "nebula", "orbit", "prairie", "quasar", "river", "summit", "tundra", "valley", "wave"}
)

// NewRunName returns a random, readable, unique run name, like "brisk-comet-1a2b3c4d".
func NewRunName() string {
	id := uuid.New()
	return fmt.Sprintf("%s-%s-%s", adjectives[rand.IntN(len(adjectives))], nouns[rand.IntN(len(nouns))],
		id.String()[:8])
}

// NewLocal creates a new run of project under dir (a "~" prefix is expanded).
func NewLocal(dir, project string) (*Local, error) {
	if project == "" {
		return nil, errors.New("tracking requires a project name")
	}
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	l := &Local{project: project, runName: NewRunName()}
	l.dir = filepath.Join(dir, project, l.runName)
	if err = fsutil.EnsureDir(filepath.Join(l.dir, FilesDir)); err != nil {
		return nil, errors.WithMessagef(err, "creating tracking run directory")
	}
	l.pointWriter, l.errReport = createPointsWriter(filepath.Join(l.dir, MetricsFileName))
	klog.Infof("Tracking run %q of project %q in %s", l.runName, project, l.dir)
	return l, nil
}

// RunName implements Tracker.
func (l *Local) RunName() string { return l.runName }

// Dir returns the directory of the run.
func (l *Local) Dir() string { return l.dir }

// LogConfig implements Tracker, writing the values to config.yaml.
func (l *Local) LogConfig(values map[string]any) error {
	contents, err := yaml.Marshal(values)
	if err != nil {
		return errors.Wrapf(err, "tracking run %q: encoding config", l.runName)
	}
	if err = fsutil.WriteFileAtomic(filepath.Join(l.dir, ConfigFileName), contents, 0o664); err != nil {
		return errors.WithMessagef(err, "tracking run %q", l.runName)
	}
	return nil
}

// Log implements Tracker. The points are appended to metrics.jsonl in the background.
// Non-finite values can't be encoded, and are skipped with a warning.
func (l *Local) Log(step int, values map[string]float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return errors.Errorf("tracking run %q already finished", l.runName)
	}
	for _, name := range slices.Sorted(maps.Keys(values)) {
		point := NewPoint(name, step, values[name])
		if math.IsNaN(point.Value) || math.IsInf(point.Value, 0) {
			klog.Warningf("tracking run %q: skipping %q=%g at step %d", l.runName, name, point.Value, step)
			continue
		}
		l.points = append(l.points, point)
		l.pointWriter <- point
	}
	return nil
}

// SaveFile implements Tracker, copying the file to the files/ subdirectory of the run.
func (l *Local) SaveFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "tracking run %q: failed to open %q", l.runName, path)
	}
	defer func() { _ = src.Close() }()
	dstPath := filepath.Join(l.dir, FilesDir, filepath.Base(path))
	dst, err := os.Create(dstPath)
	if err != nil {
		return errors.Wrapf(err, "tracking run %q: failed to create %q", l.runName, dstPath)
	}
	if _, err = io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return errors.Wrapf(err, "tracking run %q: failed to copy %q", l.runName, path)
	}
	return errors.Wrapf(dst.Close(), "tracking run %q: failed to close %q", l.runName, dstPath)
}

// Finish implements Tracker: it flushes the metrics and draws metrics.png.
func (l *Local) Finish() error {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return nil
	}
	l.finished = true
	close(l.pointWriter)
	points := NewPoints(l.points)
	l.mu.Unlock()

	if err := <-l.errReport; err != nil {
		return errors.WithMessagef(err, "tracking run %q", l.runName)
	}
	if len(points) > 0 {
		if err := Plot(points, filepath.Join(l.dir, PlotFileName)); err != nil {
			return errors.WithMessagef(err, "tracking run %q", l.runName)
		}
	}
	klog.V(1).Infof("Tracking run %q finished", l.runName)
	return nil
}
