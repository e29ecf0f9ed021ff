// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

package curvature

import (
	"testing"

	"github.com/bioshape-lab/abn/curvature/models"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyGeometry(t *testing.T) {
	cfg := Config{DatasetName: DatasetS1Synthetic}
	require.NoError(t, cfg.applyGeometry())
	assert.Equal(t, 1, cfg.ManifoldDim)
	assert.Equal(t, 2, cfg.LatentDim)
	assert.Equal(t, models.PosteriorHyperspherical, cfg.PosteriorType)
	assert.Equal(t, 3, cfg.NWiggles)
	assert.Equal(t, models.LikelihoodGaussian, cfg.GenLikelihoodType)

	cfg = Config{DatasetName: DatasetT2Synthetic}
	require.NoError(t, cfg.applyGeometry())
	assert.Equal(t, 3, cfg.NWiggles, "the torus tube is distorted like the circle")

	cfg = Config{DatasetName: DatasetGridCells}
	require.NoError(t, cfg.applyGeometry())
	assert.Equal(t, models.PosteriorToroidal, cfg.PosteriorType)
	assert.Equal(t, models.LikelihoodPoisson, cfg.GenLikelihoodType)

	cfg = Config{DatasetName: "unknown"}
	require.Error(t, cfg.applyGeometry())
}

func TestValidateEmbeddingDim(t *testing.T) {
	cfg := Config{DatasetName: DatasetS2Synthetic, EmbeddingDim: 2, BatchSize: 16}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be embedded in 2 dimensions")

	cfg = Config{DatasetName: DatasetT2Synthetic, EmbeddingDim: 2, BatchSize: 16}
	require.Error(t, cfg.Validate())

	cfg = Config{DatasetName: DatasetS2Synthetic, EmbeddingDim: 3, BatchSize: 16}
	require.NoError(t, cfg.Validate())

	cfg = Config{DatasetName: DatasetS1Synthetic, EmbeddingDim: 2, BatchSize: 16}
	require.NoError(t, cfg.Validate())

	cfg = Config{DatasetName: DatasetS1Synthetic, EmbeddingDim: 2, BatchSize: 0}
	require.Error(t, cfg.Validate())
}

func TestSweepNames(t *testing.T) {
	cfg := Config{DatasetName: DatasetS1Synthetic, NoiseVar: 1e-3, EmbeddingDim: 5}
	assert.Equal(t, "s1_synthetic_noise_var_0.001_embedding_dim_5", cfg.sweepName())

	cfg = Config{DatasetName: DatasetExperimental, ExptID: "34", SelectGain1: true}
	assert.Equal(t, "experimental_34_gain_1", cfg.sweepName())
	cfg.SelectGain1 = false
	assert.Equal(t, "experimental_34_other_gain", cfg.sweepName())

	cfg = Config{DatasetName: DatasetGridCells, GridOrientationStd: 3, NCells: 256}
	assert.Equal(t, "grid_cells_orientation_std_3_ncells_256", cfg.sweepName())

	cfg = Config{DatasetName: DatasetThreePlaceCells}
	assert.Equal(t, "three_place_cells_synthetic", cfg.sweepName())
}

func TestEnumerateSweepsUniqueNames(t *testing.T) {
	exp := DefaultExperiment()
	exp.DatasetNames = []string{
		DatasetS1Synthetic, DatasetS2Synthetic, DatasetT2Synthetic,
		DatasetGridCells, DatasetThreePlaceCells,
	}
	sweeps, err := EnumerateSweeps(exp)
	require.NoError(t, err)
	require.NotEmpty(t, sweeps)

	seen := map[string]bool{}
	for _, sweep := range sweeps {
		assert.False(t, seen[sweep.Name], "duplicate sweep name %q", sweep.Name)
		seen[sweep.Name] = true
		assert.Equal(t, sweep.Name, sweep.Base.SweepName)
		assert.Equal(t, exp.TrainSteps, sweep.Base.TrainSteps)
		assert.NotEmpty(t, sweep.Base.PosteriorType)
	}
	// 2 noise levels per synthetic dataset, 2 orientation stds for grid
	// cells, 1 place-cell sweep.
	assert.Len(t, sweeps, 3*2+2+1)
}

func TestEnumerateSweepsRejectsBadEmbedding(t *testing.T) {
	exp := DefaultExperiment()
	exp.DatasetNames = []string{DatasetS2Synthetic}
	exp.EmbeddingDim = []int{2}
	_, err := EnumerateSweeps(exp)
	require.Error(t, err)
}

func TestContextParams(t *testing.T) {
	cfg := Config{
		PosteriorType: models.PosteriorToroidal,
		LatentDim:     2,
		EncoderWidth:  400, EncoderDepth: 4,
		DecoderWidth: 200, DecoderDepth: 6,
		DropoutP: 0.2, SftBeta: 4.5,
		GenLikelihoodType: models.LikelihoodPoisson,
		LR:                1e-4,
	}
	params := cfg.ContextParams()
	assert.Equal(t, models.PosteriorToroidal, params[models.ParamPosteriorType])
	assert.Equal(t, 2, params[models.ParamLatentDim])
	assert.Equal(t, 0.2, params[models.ParamDropoutRate])
	assert.Equal(t, models.LikelihoodPoisson, params[models.ParamLikelihood])
	assert.Equal(t, "adam", params[optimizers.ParamOptimizer])
	assert.Equal(t, 1e-4, params[optimizers.ParamLearningRate])
}
