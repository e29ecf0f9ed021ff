// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

package curvature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProduct(t *testing.T) {
	var seen [][]int
	product([]int{2, 3}, func(idx []int) {
		seen = append(seen, append([]int(nil), idx...))
	})
	require.Len(t, seen, 6)
	assert.Equal(t, []int{0, 0}, seen[0])
	assert.Equal(t, []int{0, 1}, seen[1])
	assert.Equal(t, []int{1, 2}, seen[5])

	called := false
	product([]int{2, 0}, func(idx []int) { called = true })
	assert.False(t, called, "empty axis must yield no combinations")
}

func TestHalvingStages(t *testing.T) {
	assert.Equal(t, 2, halvingStages(16, 8))
	assert.Equal(t, 3, halvingStages(64, 8))
	assert.Equal(t, 1, halvingStages(7, 8))
	assert.Equal(t, 1, halvingStages(16, 1))
}

func TestStageBudgets(t *testing.T) {
	assert.Equal(t, []int{500, 4000}, stageBudgets(4000, 2, 8))
	assert.Equal(t, []int{62, 500, 4000}, stageBudgets(4000, 3, 8))
	assert.Equal(t, []int{4000}, stageBudgets(4000, 1, 8))
	// Budgets never round down to zero.
	assert.Equal(t, []int{1, 10}, stageBudgets(10, 2, 100))
}

func TestKeepCount(t *testing.T) {
	assert.Equal(t, 2, keepCount(16, 8))
	assert.Equal(t, 1, keepCount(8, 8))
	assert.Equal(t, 1, keepCount(3, 8))
	assert.Equal(t, 3, keepCount(17, 8))
}

func TestArgsort(t *testing.T) {
	order := argsort([]float64{3, 1, 2})
	assert.Equal(t, []int{1, 2, 0}, order)
	assert.Empty(t, argsort(nil))
}

func TestSampleConfigs(t *testing.T) {
	exp := DefaultExperiment()
	exp.DatasetNames = []string{DatasetS1Synthetic}
	sweeps, err := EnumerateSweeps(exp)
	require.NoError(t, err)
	sweep := sweeps[0]

	runner := NewRunner(nil, nil, "", 17, false)
	configs := runner.sampleConfigs(sweep, exp.Space)
	require.Len(t, configs, exp.Space.NumSamples)

	for i, cfg := range configs {
		assert.Equal(t, sweep.Name, cfg.SweepName)
		assert.Equal(t, exp.Seed, cfg.Seed, "dataset seed is shared across the sweep")
		assert.Equal(t, exp.Seed+int64(i)+1, cfg.ModelSeed)
		assert.Contains(t, exp.Space.LR, cfg.LR)
		assert.Contains(t, exp.Space.BatchSize, cfg.BatchSize)
		assert.Contains(t, exp.Space.EncoderWidth, cfg.EncoderWidth)
		assert.Contains(t, exp.Space.DecoderDepth, cfg.DecoderDepth)
		assert.Contains(t, exp.Space.DropoutP, cfg.DropoutP)
		require.NoError(t, cfg.Validate())
	}

	// Same runner seed, same draws.
	again := NewRunner(nil, nil, "", 17, false).sampleConfigs(sweep, exp.Space)
	for i := range configs {
		assert.Equal(t, *configs[i], *again[i])
	}
}

func TestSampleConfigsEmptySpaceFallbacks(t *testing.T) {
	exp := DefaultExperiment()
	exp.DatasetNames = []string{DatasetS1Synthetic}
	sweeps, err := EnumerateSweeps(exp)
	require.NoError(t, err)

	space := SweepSpace{NumSamples: 2}
	configs := NewRunner(nil, nil, "", 0, false).sampleConfigs(sweeps[0], space)
	require.Len(t, configs, 2)
	assert.Equal(t, 1e-3, configs[0].LR)
	assert.Equal(t, 64, configs[0].BatchSize)
	assert.Equal(t, 400, configs[0].EncoderWidth)
}
