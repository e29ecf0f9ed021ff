// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

// Package curvature trains variational autoencoders on neural manifold data
// and evaluates the extrinsic curvature of the learned latent immersion
// against ground truth.
//
// The package is organized around sweeps: for every combination of dataset
// parameters a sweep of training runs is launched, each run drawing its
// hyperparameters from the sweep space. See Experiment and Runner.
package curvature

import (
	"fmt"

	"github.com/bioshape-lab/abn/curvature/models"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Dataset names understood by LoadDataset.
const (
	DatasetS1Synthetic     = "s1_synthetic"
	DatasetS2Synthetic     = "s2_synthetic"
	DatasetT2Synthetic     = "t2_synthetic"
	DatasetExperimental    = "experimental"
	DatasetGridCells       = "grid_cells"
	DatasetThreePlaceCells = "three_place_cells_synthetic"
)

// SyntheticDatasets are the datasets with an analytic ground-truth immersion,
// for which true curvature profiles can be computed.
var SyntheticDatasets = []string{DatasetS1Synthetic, DatasetS2Synthetic, DatasetT2Synthetic}

// Config is the flat run configuration: the merge of sweep-chosen and fixed
// hyperparameters. It determines the run name and all output paths uniquely,
// and is serialized to JSON next to every run's artifacts.
type Config struct {
	// Identification. RunName is filled in by the Runner once a run starts.
	DatasetName string `json:"dataset_name"`
	SweepName   string `json:"sweep_name"`
	RunName     string `json:"run_name,omitempty"`

	// Experimental dataset parameters.
	ExptID           string  `json:"expt_id,omitempty"`
	TimestepMicrosec float64 `json:"timestep_microsec,omitempty"`
	Smooth           bool    `json:"smooth,omitempty"`
	SelectGain1      bool    `json:"select_gain_1,omitempty"`

	// Synthetic dataset parameters.
	NTimes                int     `json:"n_times,omitempty"`
	EmbeddingDim          int     `json:"embedding_dim,omitempty"`
	GeodesicDistortionAmp float64 `json:"geodesic_distortion_amp,omitempty"`
	NoiseVar              float64 `json:"noise_var,omitempty"`

	// Grid-cell dataset parameters.
	GridScale           float64 `json:"grid_scale,omitempty"`
	ArenaDims           float64 `json:"arena_dims,omitempty"`
	NCells              int     `json:"n_cells,omitempty"`
	GridOrientationMean float64 `json:"grid_orientation_mean,omitempty"`
	GridOrientationStd  float64 `json:"grid_orientation_std,omitempty"`
	FieldWidth          float64 `json:"field_width,omitempty"`
	Resolution          int     `json:"resolution,omitempty"`

	// Fixed per-dataset geometry.
	ManifoldDim   int     `json:"manifold_dim"`
	LatentDim     int     `json:"latent_dim"`
	PosteriorType string  `json:"posterior_type"`
	NWiggles      int     `json:"n_wiggles"`
	Radius        float64 `json:"radius"`
	MajorRadius   float64 `json:"major_radius"`
	MinorRadius   float64 `json:"minor_radius"`

	// Training. Seed fixes the dataset; ModelSeed varies per trial so model
	// initializations differ within a sweep.
	Seed              int64   `json:"seed"`
	ModelSeed         int64   `json:"model_seed"`
	TrainSteps        int     `json:"train_steps"`
	LR                float64 `json:"lr"`
	BatchSize         int     `json:"batch_size"`
	EncoderWidth      int     `json:"encoder_width"`
	EncoderDepth      int     `json:"encoder_depth"`
	DecoderWidth      int     `json:"decoder_width"`
	DecoderDepth      int     `json:"decoder_depth"`
	DropoutP          float64 `json:"drop_out_p"`
	Alpha             float64 `json:"alpha"`
	Beta              float64 `json:"beta"`
	Gamma             float64 `json:"gamma"`
	SftBeta           float64 `json:"sftbeta"`
	GenLikelihoodType string  `json:"gen_likelihood_type"`

	// Evaluation.
	NGridPoints int `json:"n_grid_points"`

	// Derived from the loaded dataset.
	DataNTimes int `json:"data_n_times,omitempty"`
	DataDim    int `json:"data_dim,omitempty"`
}

// SweepSpace lists the hyperparameter choices a sweep samples runs from, and
// how the sweep is scheduled.
type SweepSpace struct {
	LR           []float64
	BatchSize    []int
	EncoderWidth []int
	EncoderDepth []int
	DecoderWidth []int
	DecoderDepth []int
	DropoutP     []float64

	// NumSamples is the number of runs sampled per sweep.
	NumSamples int

	// MaxParallel bounds how many trials train concurrently.
	MaxParallel int

	// ReductionFactor of the successive-halving schedule: after every stage
	// only 1/ReductionFactor of the trials advance.
	ReductionFactor int
}

// Experiment is the static experiment description: which datasets to sweep,
// the parameter grids per dataset family, and the shared sweep space.
type Experiment struct {
	DatasetNames []string

	// Synthetic grids.
	NTimes                []int
	EmbeddingDim          []int
	GeodesicDistortionAmp []float64
	NoiseVar              []float64

	// Experimental grids.
	ExptID           []string
	TimestepMicrosec []float64
	Smooth           []bool
	SelectGain1      []bool

	// Grid-cell grids.
	GridScale           []float64
	ArenaDims           []float64
	NCells              []int
	GridOrientationMean []float64
	GridOrientationStd  []float64
	FieldWidth          []float64
	Resolution          []int

	Space SweepSpace

	// Shared training settings.
	Seed        int64
	TrainSteps  int
	Alpha       float64
	Beta        float64
	Gamma       float64
	SftBeta     float64
	NGridPoints int
}

// DefaultExperiment is the standard experiment: the three synthetic manifolds
// at two noise levels, with a small random-search space per sweep.
func DefaultExperiment() *Experiment {
	return &Experiment{
		DatasetNames:          []string{DatasetS1Synthetic, DatasetS2Synthetic, DatasetT2Synthetic},
		NTimes:                []int{1500},
		EmbeddingDim:          []int{5},
		GeodesicDistortionAmp: []float64{0.4},
		NoiseVar:              []float64{1e-3, 1e-2},

		ExptID:           []string{"34", "41"},
		TimestepMicrosec: []float64{1e6},
		Smooth:           []bool{true},
		SelectGain1:      []bool{true, false},

		GridScale:           []float64{1.0},
		ArenaDims:           []float64{4.0},
		NCells:              []int{256},
		GridOrientationMean: []float64{0},
		GridOrientationStd:  []float64{0, 3},
		FieldWidth:          []float64{0.8},
		Resolution:          []int{50},

		Space: SweepSpace{
			LR:              []float64{1e-3, 1e-4},
			BatchSize:       []int{64, 128},
			EncoderWidth:    []int{200, 400},
			EncoderDepth:    []int{4, 6},
			DecoderWidth:    []int{200, 400},
			DecoderDepth:    []int{4, 6},
			DropoutP:        []float64{0.0, 0.2},
			NumSamples:      16,
			MaxParallel:     4,
			ReductionFactor: 8,
		},

		Seed:        0,
		TrainSteps:  4000,
		Alpha:       1.0,
		Beta:        0.03,
		Gamma:       1.0,
		SftBeta:     4.5,
		NGridPoints: 100,
	}
}

// datasetGeometry is the per-dataset fixed configuration: the latent topology
// the VAE is given and the ground-truth geometry of the generator.
type datasetGeometry struct {
	manifoldDim   int
	latentDim     int
	posteriorType string
	nWiggles      int
	radius        float64
	majorRadius   float64
	minorRadius   float64
	genLikelihood string
}

var datasetGeometries = map[string]datasetGeometry{
	DatasetS1Synthetic: {
		manifoldDim: 1, latentDim: 2, posteriorType: models.PosteriorHyperspherical,
		nWiggles: 3, radius: 1, genLikelihood: models.LikelihoodGaussian,
	},
	DatasetS2Synthetic: {
		manifoldDim: 2, latentDim: 3, posteriorType: models.PosteriorHyperspherical,
		nWiggles: 3, radius: 1, genLikelihood: models.LikelihoodGaussian,
	},
	DatasetT2Synthetic: {
		manifoldDim: 2, latentDim: 2, posteriorType: models.PosteriorToroidal,
		nWiggles: 3, majorRadius: 2, minorRadius: 1, genLikelihood: models.LikelihoodGaussian,
	},
	DatasetExperimental: {
		manifoldDim: 1, latentDim: 2, posteriorType: models.PosteriorHyperspherical,
		radius: 1, genLikelihood: models.LikelihoodPoisson,
	},
	DatasetGridCells: {
		manifoldDim: 2, latentDim: 2, posteriorType: models.PosteriorToroidal,
		majorRadius: 2, minorRadius: 1, genLikelihood: models.LikelihoodPoisson,
	},
	DatasetThreePlaceCells: {
		manifoldDim: 1, latentDim: 2, posteriorType: models.PosteriorHyperspherical,
		radius: 1, genLikelihood: models.LikelihoodPoisson,
	},
}

// applyGeometry copies the fixed per-dataset parameters into cfg.
func (cfg *Config) applyGeometry() error {
	geometry, found := datasetGeometries[cfg.DatasetName]
	if !found {
		return errors.Errorf("unknown dataset %q", cfg.DatasetName)
	}
	cfg.ManifoldDim = geometry.manifoldDim
	cfg.LatentDim = geometry.latentDim
	cfg.PosteriorType = geometry.posteriorType
	cfg.NWiggles = geometry.nWiggles
	cfg.Radius = geometry.radius
	cfg.MajorRadius = geometry.majorRadius
	cfg.MinorRadius = geometry.minorRadius
	cfg.GenLikelihoodType = geometry.genLikelihood
	return nil
}

// Validate rejects configurations that cannot produce a well-defined dataset.
// This is the single explicit validation of the pipeline; all other failures
// propagate from the underlying libraries.
func (cfg *Config) Validate() error {
	switch cfg.DatasetName {
	case DatasetS2Synthetic, DatasetT2Synthetic:
		if cfg.EmbeddingDim <= 2 {
			return errors.Errorf("manifold %s cannot be embedded in %d dimensions",
				cfg.DatasetName, cfg.EmbeddingDim)
		}
	case DatasetS1Synthetic:
		if cfg.EmbeddingDim < 2 {
			return errors.Errorf("manifold %s cannot be embedded in %d dimensions",
				cfg.DatasetName, cfg.EmbeddingDim)
		}
	}
	if cfg.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0, got %d", cfg.BatchSize)
	}
	return nil
}

// ContextParams returns the hyperparameters the model graph and optimizer
// read from the gomlx context.
func (cfg *Config) ContextParams() map[string]any {
	return map[string]any{
		models.ParamPosteriorType:    cfg.PosteriorType,
		models.ParamLatentDim:        cfg.LatentDim,
		models.ParamEncoderWidth:     cfg.EncoderWidth,
		models.ParamEncoderDepth:     cfg.EncoderDepth,
		models.ParamDecoderWidth:     cfg.DecoderWidth,
		models.ParamDecoderDepth:     cfg.DecoderDepth,
		models.ParamDropoutRate:      cfg.DropoutP,
		models.ParamSftBeta:          cfg.SftBeta,
		models.ParamLikelihood:       cfg.GenLikelihoodType,
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: cfg.LR,
	}
}

// sweepName derives the unique sweep name from the dataset parameter tuple.
func (cfg *Config) sweepName() string {
	switch cfg.DatasetName {
	case DatasetExperimental:
		name := fmt.Sprintf("%s_%s", cfg.DatasetName, cfg.ExptID)
		if cfg.SelectGain1 {
			return name + "_gain_1"
		}
		return name + "_other_gain"
	case DatasetS1Synthetic, DatasetS2Synthetic, DatasetT2Synthetic:
		return fmt.Sprintf("%s_noise_var_%g_embedding_dim_%d",
			cfg.DatasetName, cfg.NoiseVar, cfg.EmbeddingDim)
	case DatasetGridCells:
		return fmt.Sprintf("%s_orientation_std_%g_ncells_%d",
			cfg.DatasetName, cfg.GridOrientationStd, cfg.NCells)
	default:
		return cfg.DatasetName
	}
}
