// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

// abn-dimension runs the intrinsic-dimension estimation experiments on
// synthetic neural manifolds and writes the aggregated results and figures.
package main

import (
	"flag"
	"strconv"
	"strings"

	"github.com/bioshape-lab/abn/dimension"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagOutputDir  = flag.String("output", "~/work/abn/dimension", "Directory for result CSVs and figures.")
	flagMethods    = flag.String("methods", dimension.EstimatorAll, "Comma-separated estimator names, or \"all\".")
	flagManifold   = flag.String("manifold", dimension.ManifoldHypersphere, "Manifold family: hypersphere or hypertorus.")
	flagDimensions = flag.String("dimensions", "", "Comma-separated true dimensions. Empty keeps the default grid.")
	flagTrials     = flag.Int("trials", 0, "Trials per grid cell. 0 keeps the default.")
	flagPoints     = flag.Int("points", 0, "Points per manifold sample. 0 keeps the default.")
	flagNeurons    = flag.Int("neurons", 0, "Synthetic neurons per manifold. 0 keeps the default.")
	flagSeed       = flag.Int64("seed", 0, "Experiment seed.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := dimension.DefaultExperimentConfig()
	cfg.Methods = strings.Split(*flagMethods, ",")
	cfg.ManifoldType = *flagManifold
	if *flagDimensions != "" {
		cfg.Dimensions = must.M1(parseInts(*flagDimensions))
	}
	if *flagTrials > 0 {
		cfg.NumTrials = *flagTrials
	}
	if *flagPoints > 0 {
		cfg.NumPoints = *flagPoints
	}
	if *flagNeurons > 0 {
		cfg.NumNeurons = *flagNeurons
	}
	cfg.Seed = *flagSeed

	outputDir := fsutil.MustReplaceTildeInDir(*flagOutputDir)
	results := must.M1(dimension.RunAndPersist(cfg, outputDir))
	for _, cell := range results.Cells {
		klog.Infof("%s: true dim %d -> %.2f ± %.2f",
			cell.Method, cell.TrueDim, cell.Mean, cell.Std)
	}
}

func parseInts(list string) ([]int, error) {
	parts := strings.Split(list, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
