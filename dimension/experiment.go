// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

package dimension

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/bioshape-lab/abn/synthetic"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// Manifold families of the estimation experiment.
const (
	ManifoldHypersphere = "hypersphere"
	ManifoldHypertorus  = "hypertorus"
)

// ExperimentConfig is the grid of the dimension-estimation experiment:
// estimators × intrinsic dimensions × trials, each trial drawing a fresh
// neural manifold.
type ExperimentConfig struct {
	Methods      []string
	Dimensions   []int
	ManifoldType string
	NumTrials    int
	NumPoints    int
	NumNeurons   int
	Nonlinearity string

	// Observation noise model of the synthetic neurons.
	PoissonMultiplier float64
	RefFrequency      float64

	Seed int64
}

// DefaultExperimentConfig is the standard estimation grid: all estimators on
// hyperspheres of dimension 1 to 10, five trials per cell.
func DefaultExperimentConfig() ExperimentConfig {
	return ExperimentConfig{
		Methods:           []string{EstimatorAll},
		Dimensions:        []int{1, 2, 3, 5, 7, 10},
		ManifoldType:      ManifoldHypersphere,
		NumTrials:         5,
		NumPoints:         1000,
		NumNeurons:        100,
		Nonlinearity:      "sigmoid",
		PoissonMultiplier: 100,
		RefFrequency:      200,
		Seed:              0,
	}
}

// Result is one cell of the experiment grid: an estimator against a true
// dimension, aggregated over trials.
type Result struct {
	Method    string
	TrueDim   int
	Mean      float64
	Std       float64
	Estimates []float64
}

// Results of a full experiment, plus the noise level they were obtained at.
type Results struct {
	NoiseLevel float64
	Cells      []Result
}

// RunExperiment runs the estimation grid and returns the aggregated results.
func RunExperiment(cfg ExperimentConfig) (*Results, error) {
	estimators, err := ByNames(cfg.Methods)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	results := &Results{
		NoiseLevel: synthetic.NoiseLevel(cfg.RefFrequency, cfg.PoissonMultiplier),
	}
	klog.Infof("dimension estimation on %s manifolds, noise level %.4f",
		cfg.ManifoldType, results.NoiseLevel)

	bar := progressbar.Default(int64(len(estimators)*len(cfg.Dimensions)*cfg.NumTrials),
		"estimating")
	for _, estimator := range estimators {
		for _, dim := range cfg.Dimensions {
			estimates := make([]float64, 0, cfg.NumTrials)
			for trial := 0; trial < cfg.NumTrials; trial++ {
				activity, err := sampleActivity(cfg, dim, rng)
				if err != nil {
					return nil, err
				}
				estimate, err := estimator.Estimate(activity)
				if err != nil {
					return nil, errors.WithMessagef(err,
						"%s on %s dim %d trial %d", estimator.Name(), cfg.ManifoldType, dim, trial)
				}
				estimates = append(estimates, estimate)
				_ = bar.Add(1)
			}
			mean, std := stat.MeanStdDev(estimates, nil)
			results.Cells = append(results.Cells, Result{
				Method:    estimator.Name(),
				TrueDim:   dim,
				Mean:      mean,
				Std:       std,
				Estimates: estimates,
			})
		}
	}
	return results, nil
}

// sampleActivity draws one neural manifold: points on the configured
// manifold pushed through a random tuning model with Poisson noise.
func sampleActivity(cfg ExperimentConfig, dim int, rng *rand.Rand) (*mat.Dense, error) {
	var points *mat.Dense
	switch cfg.ManifoldType {
	case ManifoldHypersphere:
		points = synthetic.Hypersphere(dim, cfg.NumPoints, rng)
	case ManifoldHypertorus:
		points = synthetic.Hypertorus(dim, cfg.NumPoints, rng)
	default:
		return nil, errors.Errorf("unknown manifold type %q", cfg.ManifoldType)
	}
	activity, _, err := synthetic.NeuralManifold(points, cfg.NumNeurons, cfg.Nonlinearity,
		cfg.PoissonMultiplier, cfg.RefFrequency, nil, rng)
	return activity, err
}

// WriteCSV persists the aggregated grid, one row per estimator × dimension.
func (r *Results) WriteCSV(path string) error {
	n := len(r.Cells)
	methods := make([]string, n)
	trueDims := make([]int, n)
	means := make([]float64, n)
	stds := make([]float64, n)
	noise := make([]float64, n)
	for i, cell := range r.Cells {
		methods[i] = cell.Method
		trueDims[i] = cell.TrueDim
		means[i] = cell.Mean
		stds[i] = cell.Std
		noise[i] = r.NoiseLevel
	}
	df := dataframe.New(
		series.New(methods, series.String, "method"),
		series.New(trueDims, series.Int, "true_dim"),
		series.New(means, series.Float, "estimate_mean"),
		series.New(stds, series.Float, "estimate_std"),
		series.New(noise, series.Float, "noise_level"),
	)
	if df.Error() != nil {
		return errors.Wrap(df.Error(), "building results dataframe")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating results file %s", path)
	}
	defer func() { _ = f.Close() }()
	return errors.Wrapf(df.WriteCSV(f), "writing results %s", path)
}

// Plot renders estimated against true dimension with error bars, one series
// per estimator, plus the identity line.
func (r *Results) Plot(path string) error {
	p := plot.New()
	p.Title.Text = "Intrinsic dimension estimates"
	p.X.Label.Text = "true dimension"
	p.Y.Label.Text = "estimated dimension"

	byMethod := map[string][]Result{}
	var methods []string
	maxDim := 0.0
	for _, cell := range r.Cells {
		if _, seen := byMethod[cell.Method]; !seen {
			methods = append(methods, cell.Method)
		}
		byMethod[cell.Method] = append(byMethod[cell.Method], cell)
		if float64(cell.TrueDim) > maxDim {
			maxDim = float64(cell.TrueDim)
		}
	}

	identity := plotter.XYs{{X: 0, Y: 0}, {X: maxDim, Y: maxDim}}
	identityLine, err := plotter.NewLine(identity)
	if err != nil {
		return errors.Wrap(err, "building identity line")
	}
	identityLine.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
	p.Add(identityLine)

	for _, method := range methods {
		cells := byMethod[method]
		pts := make(plotter.XYs, len(cells))
		yErrs := make(plotter.YErrors, len(cells))
		for i, cell := range cells {
			pts[i].X = float64(cell.TrueDim)
			pts[i].Y = cell.Mean
			yErrs[i].Low = cell.Std
			yErrs[i].High = cell.Std
		}
		line, scatter, err := plotter.NewLinePoints(pts)
		if err != nil {
			return errors.Wrapf(err, "building series for %s", method)
		}
		bars, err := plotter.NewYErrorBars(struct {
			plotter.XYer
			plotter.YErrorer
		}{pts, yErrs})
		if err != nil {
			return errors.Wrapf(err, "building error bars for %s", method)
		}
		p.Add(line, scatter, bars)
		p.Legend.Add(method, line)
	}
	p.Legend.Top = true
	p.Legend.Left = true
	return errors.Wrapf(p.Save(6*vg.Inch, 4*vg.Inch, path), "saving figure %s", path)
}

// RunAndPersist runs the experiment and writes its CSV and figure into
// outDir.
func RunAndPersist(cfg ExperimentConfig, outDir string) (*Results, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating output directory %s", outDir)
	}
	results, err := RunExperiment(cfg)
	if err != nil {
		return nil, err
	}
	base := fmt.Sprintf("dimension_%s", cfg.ManifoldType)
	if err := results.WriteCSV(filepath.Join(outDir, base+".csv")); err != nil {
		return nil, err
	}
	if err := results.Plot(filepath.Join(outDir, base+".png")); err != nil {
		return nil, err
	}
	return results, nil
}
