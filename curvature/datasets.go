// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

package curvature

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/bioshape-lab/abn/curvature/models"
	"github.com/bioshape-lab/abn/synthetic"
	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// testFraction of the data held out for evaluation.
const testFraction = 0.2

// placeCellTuningWidth is the tuning curve width (radians) of the synthetic
// place-cell population.
const placeCellTuningWidth = 2 * math.Pi / 16

// Dataset is a loaded dataset: the gomlx train/test datasets fed to the
// trainer, plus the host-side matrices the evaluation and plots consume.
type Dataset struct {
	Train, Test train.Dataset

	// Activity is the full (nTimes, dataDim) matrix of neural activity.
	Activity *mat.Dense

	// LatentTargets is the (nTimes, k) matrix of unit-vector encodings of the
	// generative latent angles, used for latent supervision. Nil when the
	// dataset carries no latent labels.
	LatentTargets *mat.Dense

	// Labels are the generative latent angles, when known.
	Labels synthetic.Labels
}

// Supervised reports whether latent supervision labels exist.
func (ds *Dataset) Supervised() bool { return ds.LatentTargets != nil }

// LoadDataset loads the dataset named by cfg.DatasetName, updating cfg with
// the loaded data dimensions. dataDir is only consulted for the experimental
// dataset; synthetic datasets are generated from cfg.Seed.
func LoadDataset(backend backends.Backend, cfg *Config, dataDir string) (*Dataset, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	params := synthetic.ImmersionParams{
		NTimes:        cfg.NTimes,
		EmbeddingDim:  cfg.EmbeddingDim,
		Radius:        cfg.Radius,
		MajorRadius:   cfg.MajorRadius,
		MinorRadius:   cfg.MinorRadius,
		DistortionAmp: cfg.GeodesicDistortionAmp,
		NWiggles:      cfg.NWiggles,
		NoiseVar:      cfg.NoiseVar,
	}

	var (
		activity *mat.Dense
		labels   synthetic.Labels
		err      error
	)
	switch cfg.DatasetName {
	case DatasetS1Synthetic:
		activity, labels, err = synthetic.Circle(params, rng)
	case DatasetS2Synthetic:
		activity, labels, err = synthetic.Sphere(params, rng)
	case DatasetT2Synthetic:
		activity, labels, err = synthetic.Torus(params, rng)
	case DatasetThreePlaceCells:
		activity, labels = synthetic.PlaceCells(cfg.NTimes, 3, placeCellTuningWidth, rng)
	case DatasetGridCells:
		activity, labels = loadGridCells(cfg, rng)
	case DatasetExperimental:
		activity, labels, err = loadExperimental(cfg, dataDir)
	default:
		return nil, errors.Errorf("unknown dataset %q", cfg.DatasetName)
	}
	if err != nil {
		return nil, err
	}

	nTimes, dataDim := activity.Dims()
	cfg.DataNTimes = nTimes
	cfg.DataDim = dataDim

	ds := &Dataset{
		Activity:      activity,
		LatentTargets: latentTargets(cfg, labels),
		Labels:        labels,
	}
	if err := ds.split(backend, cfg); err != nil {
		return nil, err
	}
	return ds, nil
}

// loadGridCells generates the grid-cell responses and maps arena positions to
// the two torus angles of the grid period.
func loadGridCells(cfg *Config, rng *rand.Rand) (*mat.Dense, synthetic.Labels) {
	responses, positions := synthetic.GridCells(synthetic.GridCellParams{
		GridScale:       cfg.GridScale,
		ArenaDims:       cfg.ArenaDims,
		NCells:          cfg.NCells,
		OrientationMean: cfg.GridOrientationMean,
		OrientationStd:  cfg.GridOrientationStd,
		FieldWidth:      cfg.FieldWidth,
		Resolution:      cfg.Resolution,
	}, rng)
	n, _ := positions.Dims()
	labels := synthetic.Labels{
		Angles:  make([]float64, n),
		Angles2: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		labels.Angles[i] = math.Mod(2*math.Pi*positions.At(i, 0)/cfg.GridScale, 2*math.Pi)
		labels.Angles2[i] = math.Mod(2*math.Pi*positions.At(i, 1)/cfg.GridScale, 2*math.Pi)
	}
	return responses, labels
}

// loadExperimental reads a recording exported as CSV: one row per time bin,
// neuron columns named "neuron_<i>", a "angle" column with the tracked head
// angle in radians, and a "gain" column used to select the gain-1 condition.
// Recordings are exported once per binning timestep; a non-zero
// cfg.TimestepMicrosec selects the matching export. With cfg.Smooth the spike
// counts are smoothed over time after the gain selection.
func loadExperimental(cfg *Config, dataDir string) (*mat.Dense, synthetic.Labels, error) {
	name := fmt.Sprintf("expt%s.csv", cfg.ExptID)
	if cfg.TimestepMicrosec > 0 {
		name = fmt.Sprintf("expt%s_timestep%d.csv", cfg.ExptID, int64(cfg.TimestepMicrosec))
	}
	path := filepath.Join(dataDir, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, synthetic.Labels{}, errors.Wrapf(err, "opening recording %s", path)
	}
	defer func() { _ = f.Close() }()

	df := dataframe.ReadCSV(f)
	if df.Error() != nil {
		return nil, synthetic.Labels{}, errors.Wrapf(df.Error(), "parsing recording %s", path)
	}
	names := df.Names()
	var neuronCols []string
	hasGain := false
	for _, name := range names {
		switch {
		case name == "gain":
			hasGain = true
		case name == "angle":
		default:
			neuronCols = append(neuronCols, name)
		}
	}
	if len(neuronCols) == 0 {
		return nil, synthetic.Labels{}, errors.Errorf("recording %s has no neuron columns", path)
	}

	angleCol := df.Col("angle").Float()
	var gainCol []float64
	if hasGain {
		gainCol = df.Col("gain").Float()
	}
	keep := func(row int) bool {
		if !hasGain {
			return true
		}
		isGain1 := math.Abs(gainCol[row]-1) < 1e-9
		return isGain1 == cfg.SelectGain1
	}

	var rows []int
	for i := 0; i < df.Nrow(); i++ {
		if keep(i) {
			rows = append(rows, i)
		}
	}
	if len(rows) == 0 {
		return nil, synthetic.Labels{}, errors.Errorf("recording %s has no rows for gain selection", path)
	}

	activity := mat.NewDense(len(rows), len(neuronCols), nil)
	labels := synthetic.Labels{Angles: make([]float64, len(rows))}
	for j, name := range neuronCols {
		col := df.Col(name).Float()
		for i, row := range rows {
			activity.Set(i, j, col[row])
		}
	}
	for i, row := range rows {
		labels.Angles[i] = angleCol[row]
	}
	if cfg.Smooth {
		smoothColumns(activity)
	}
	return activity, labels, nil
}

// smoothColumns applies a centered binomial (1, 2, 1)/4 filter along time to
// every column, clamping at the boundary rows.
func smoothColumns(m *mat.Dense) {
	rows, cols := m.Dims()
	if rows < 2 {
		return
	}
	for j := 0; j < cols; j++ {
		raw := make([]float64, rows)
		for i := 0; i < rows; i++ {
			raw[i] = m.At(i, j)
		}
		for i := 0; i < rows; i++ {
			prev, next := i-1, i+1
			if prev < 0 {
				prev = 0
			}
			if next >= rows {
				next = rows - 1
			}
			m.Set(i, j, (raw[prev]+2*raw[i]+raw[next])/4)
		}
	}
}

// latentTargets encodes the generative angles as points on the latent
// manifold of cfg's posterior type, matching the projected latent sample the
// supervision loss compares against.
func latentTargets(cfg *Config, labels synthetic.Labels) *mat.Dense {
	if labels.Angles == nil {
		return nil
	}
	n := len(labels.Angles)
	switch cfg.PosteriorType {
	case models.PosteriorToroidal:
		targets := mat.NewDense(n, 4, nil)
		for i := 0; i < n; i++ {
			targets.Set(i, 0, math.Cos(labels.Angles[i]))
			targets.Set(i, 1, math.Sin(labels.Angles[i]))
			targets.Set(i, 2, math.Cos(labels.Angles2[i]))
			targets.Set(i, 3, math.Sin(labels.Angles2[i]))
		}
		return targets
	case models.PosteriorHyperspherical:
		if cfg.LatentDim == 3 {
			targets := mat.NewDense(n, 3, nil)
			for i := 0; i < n; i++ {
				x, y, z := synthetic.SphereImmersionPoint(labels.Angles[i], labels.Angles2[i], 1)
				targets.Set(i, 0, x)
				targets.Set(i, 1, y)
				targets.Set(i, 2, z)
			}
			return targets
		}
		targets := mat.NewDense(n, 2, nil)
		for i := 0; i < n; i++ {
			targets.Set(i, 0, math.Cos(labels.Angles[i]))
			targets.Set(i, 1, math.Sin(labels.Angles[i]))
		}
		return targets
	default:
		return nil
	}
}

// split builds the gomlx train/test datasets with a deterministic interleaved
// holdout, so the split does not depend on batch or shuffle order.
func (ds *Dataset) split(backend backends.Backend, cfg *Config) error {
	nTimes, _ := ds.Activity.Dims()
	stride := int(math.Round(1 / testFraction))
	var trainRows, testRows []int
	for i := 0; i < nTimes; i++ {
		if i%stride == stride-1 {
			testRows = append(testRows, i)
		} else {
			trainRows = append(trainRows, i)
		}
	}

	build := func(name string, rows []int) (*datasets.InMemoryDataset, error) {
		x := rowsToF32(ds.Activity, rows)
		labels := []any{x}
		if ds.LatentTargets != nil {
			labels = append(labels, rowsToF32(ds.LatentTargets, rows))
		}
		return datasets.InMemoryFromData(backend, name, []any{x}, labels)
	}

	trainDS, err := build("train", trainRows)
	if err != nil {
		return errors.WithMessagef(err, "building train dataset for %s", cfg.DatasetName)
	}
	testDS, err := build("test", testRows)
	if err != nil {
		return errors.WithMessagef(err, "building test dataset for %s", cfg.DatasetName)
	}
	batchSize := cfg.BatchSize
	if batchSize > len(testRows) {
		batchSize = len(testRows)
	}
	ds.Train = trainDS.Shuffle().Infinite(true).BatchSize(cfg.BatchSize, true)
	ds.Test = testDS.BatchSize(batchSize, false)
	return nil
}

func rowsToF32(m *mat.Dense, rows []int) [][]float32 {
	_, cols := m.Dims()
	out := make([][]float32, len(rows))
	for i, row := range rows {
		out[i] = make([]float32, cols)
		for j := 0; j < cols; j++ {
			out[i][j] = float32(m.At(row, j))
		}
	}
	return out
}
