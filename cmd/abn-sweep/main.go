// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

// abn-sweep trains the curvature VAEs: it enumerates every configured
// dataset sweep, runs a random hyperparameter search per sweep with
// successive halving, and leaves models, figures and curvature profiles
// under the output directory.
package main

import (
	"flag"
	"strings"

	"github.com/bioshape-lab/abn/curvature"
	"github.com/bioshape-lab/abn/tracker"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagOutputDir = flag.String("output", "~/work/abn", "Directory for the tracker database and run artifacts.")
	flagDataDir   = flag.String("data", "~/work/abn/data", "Directory with experimental recordings (CSV exports).")
	flagDatasets  = flag.String("datasets", "", "Comma-separated dataset names to sweep. Empty runs the default experiment.")
	flagSamples   = flag.Int("samples", 0, "Number of sampled runs per sweep. 0 keeps the default.")
	flagParallel  = flag.Int("parallel", 0, "Maximum concurrent trials. 0 keeps the default.")
	flagSteps     = flag.Int("steps", 0, "Training steps of the final halving stage. 0 keeps the default.")
	flagSeed      = flag.Int64("seed", 0, "Experiment seed.")
	flagVerbose   = flag.Bool("progress", true, "Show per-trial progress bars.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	exp := curvature.DefaultExperiment()
	if *flagDatasets != "" {
		exp.DatasetNames = strings.Split(*flagDatasets, ",")
	}
	if *flagSamples > 0 {
		exp.Space.NumSamples = *flagSamples
	}
	if *flagParallel > 0 {
		exp.Space.MaxParallel = *flagParallel
	}
	if *flagSteps > 0 {
		exp.TrainSteps = *flagSteps
	}
	exp.Seed = *flagSeed

	outputDir := fsutil.MustReplaceTildeInDir(*flagOutputDir)
	dataDir := fsutil.MustReplaceTildeInDir(*flagDataDir)

	backend := backends.MustNew()
	klog.Infof("backend %q: %s", backend.Name(), backend.Description())

	trk := must.M1(tracker.New(outputDir))
	defer func() { must.M(trk.Close()) }()

	runner := curvature.NewRunner(backend, trk, dataDir, exp.Seed, *flagVerbose)
	must.M(runner.RunAll(exp))
}
