// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/trainkit/pkg/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

var (
	flagVars        = flag.Bool("vars", false, "Lists the variables of the checkpoints, with statistics of their values.")
	flagPerturbVars = flag.Float64("perturb", 0,
		"Perturbs the parameters by <x>: it multiplies the values by 1.0+(RandomUniform(-1, 1)*x), "+
			"and saves the checkpoint back.")
	flagPerturbSeed = flag.Uint64("perturb_seed", 42, "Seed of the random perturbation of -perturb.")
)

// ListVariables list the variables of a checkpoint, with their shape and MAV (mean absolute value),
// RMS (root-mean-square) and MaxAV (max absolute value) values.
func ListVariables(checkpointPath string) {
	sd, _ := must.M2(checkpoints.Load(checkpointPath))
	fmt.Println(titleStyle.Render(fmt.Sprintf("Variables in %q", checkpointPath)))
	table := newPlainTable()
	table.Headers("Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, name := range sd.Names() {
		t := sd.Get(name)
		data := t.Data()
		var mav, rms, maxAV string
		if t.Size() == 1 {
			mav = fmt.Sprintf("%8v", data[0])
		} else if t.Size() > 0 {
			n := float64(len(data))
			mav = fmt.Sprintf("%.3g", floats.Norm(data, 1)/n)
			rms = fmt.Sprintf("%.3g", floats.Norm(data, 2)/math.Sqrt(n))
			maxAV = fmt.Sprintf("%.3g", floats.Norm(data, math.Inf(1)))
		}
		table.Row(name, t.ShapeString(),
			humanize.Comma(int64(t.Size())),
			humanize.Bytes(uint64(t.Size()*bytesPerValue)),
			mav, rms, maxAV)
	}
	fmt.Println(table.Render())
	if *flagGlossary {
		fmt.Printf("  %s:\n", sectionStyle.Render("Glossary"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("Scalar/MAV"), italicStyle.Render("If variable is a scalar then the value itself, else the Mean Absolute Value"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("RMS"), italicStyle.Render("Root Mean Square"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("MaxAV"), italicStyle.Render("Max Absolute Value"))
	}
}

// PerturbVars multiplies every parameter of the checkpoint by 1+U(-x, x), and saves it back.
func PerturbVars(checkpointPath string, x float64, seed uint64) {
	must.M(perturbVars(checkpointPath, x, seed))
	fmt.Printf("Parameters of %q perturbed by %g, checkpoint saved.\n", checkpointPath, x)
}

func perturbVars(checkpointPath string, x float64, seed uint64) error {
	basePath := checkpoints.TrimSuffixes(checkpointPath)
	sd, meta, err := checkpoints.Load(basePath)
	if err != nil {
		return err
	}
	if x < 0 || x >= 1 {
		return errors.Errorf("-perturb=%g must be in [0, 1)", x)
	}
	rng := rand.New(rand.NewPCG(seed, 0x70657274))
	for _, name := range sd.Names() {
		data := sd.Get(name).Data()
		for ii := range data {
			// Perturbation from -1 to 1, scaled to [1-x, 1+x].
			data[ii] *= 1 + (2*rng.Float64()-1)*x
		}
	}
	handler, err := checkpoints.Build(filepath.Dir(basePath)).Done()
	if err != nil {
		return err
	}
	_, err = handler.Save(filepath.Base(basePath), sd, *meta)
	return err
}
