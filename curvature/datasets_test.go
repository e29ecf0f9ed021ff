// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

package curvature

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testBackendOnce sync.Once
	testBackend     backends.Backend
)

func getTestBackend() backends.Backend {
	testBackendOnce.Do(func() {
		testBackend = must.M1(backends.NewWithConfig("go"))
	})
	return testBackend
}

func testConfig(t *testing.T, dataset string) *Config {
	t.Helper()
	cfg := &Config{
		DatasetName:           dataset,
		NTimes:                100,
		EmbeddingDim:          5,
		GeodesicDistortionAmp: 0.4,
		NoiseVar:              1e-3,
		Seed:                  7,
		BatchSize:             16,
	}
	require.NoError(t, cfg.applyGeometry())
	return cfg
}

func TestLoadCircleDataset(t *testing.T) {
	cfg := testConfig(t, DatasetS1Synthetic)
	ds, err := LoadDataset(getTestBackend(), cfg, "")
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.DataNTimes)
	assert.Equal(t, 5, cfg.DataDim)
	rows, cols := ds.Activity.Dims()
	assert.Equal(t, 100, rows)
	assert.Equal(t, 5, cols)

	require.True(t, ds.Supervised())
	tRows, tCols := ds.LatentTargets.Dims()
	assert.Equal(t, 100, tRows)
	assert.Equal(t, 2, tCols, "circle targets are unit 2-vectors")
	assert.Len(t, ds.Labels.Angles, 100)
	require.NotNil(t, ds.Train)
	require.NotNil(t, ds.Test)
}

func TestLatentTargetDims(t *testing.T) {
	sphere := testConfig(t, DatasetS2Synthetic)
	ds, err := LoadDataset(getTestBackend(), sphere, "")
	require.NoError(t, err)
	_, cols := ds.LatentTargets.Dims()
	assert.Equal(t, 3, cols, "sphere targets live on the unit sphere")

	torus := testConfig(t, DatasetT2Synthetic)
	ds, err = LoadDataset(getTestBackend(), torus, "")
	require.NoError(t, err)
	_, cols = ds.LatentTargets.Dims()
	assert.Equal(t, 4, cols, "torus targets hold one unit 2-vector per angle")
}

func TestLoadDatasetDeterministic(t *testing.T) {
	a, err := LoadDataset(getTestBackend(), testConfig(t, DatasetS1Synthetic), "")
	require.NoError(t, err)
	b, err := LoadDataset(getTestBackend(), testConfig(t, DatasetS1Synthetic), "")
	require.NoError(t, err)
	assert.Equal(t, a.Labels.Angles, b.Labels.Angles)
	assert.Equal(t, a.Activity.RawMatrix().Data, b.Activity.RawMatrix().Data)
}

func TestGridCellAngles(t *testing.T) {
	cfg := testConfig(t, DatasetGridCells)
	cfg.GridScale = 1
	cfg.ArenaDims = 2
	cfg.NCells = 8
	cfg.FieldWidth = 0.8
	cfg.Resolution = 10
	ds, err := LoadDataset(getTestBackend(), cfg, "")
	require.NoError(t, err)

	require.NotNil(t, ds.Labels.Angles2, "grid-cell latents are two torus angles")
	for i := range ds.Labels.Angles {
		assert.GreaterOrEqual(t, ds.Labels.Angles[i], 0.0)
		assert.Less(t, ds.Labels.Angles[i], 2*math.Pi)
		assert.GreaterOrEqual(t, ds.Labels.Angles2[i], 0.0)
	}
	require.True(t, ds.Supervised())
	_, cols := ds.LatentTargets.Dims()
	assert.Equal(t, 4, cols)
}

func TestLoadExperimentalCSV(t *testing.T) {
	dir := t.TempDir()
	csv := "neuron_0,neuron_1,angle,gain\n" +
		"1,2,0.1,1\n" +
		"3,4,0.2,0.5\n" +
		"5,6,0.3,1\n" +
		"7,8,0.4,0.5\n" +
		"9,10,0.5,1\n" +
		"11,12,0.6,0.5\n" +
		"13,14,0.7,1\n" +
		"15,16,0.8,0.5\n" +
		"17,18,0.9,1\n" +
		"19,20,1.0,0.5\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "expt34.csv"), []byte(csv), 0o644))

	cfg := testConfig(t, DatasetExperimental)
	cfg.ExptID = "34"
	cfg.SelectGain1 = true
	cfg.BatchSize = 2
	ds, err := LoadDataset(getTestBackend(), cfg, dir)
	require.NoError(t, err)

	rows, cols := ds.Activity.Dims()
	assert.Equal(t, 5, rows, "the gain-0.5 rows are dropped")
	assert.Equal(t, 2, cols)
	assert.Equal(t, []float64{0.1, 0.3, 0.5, 0.7, 0.9}, ds.Labels.Angles)
	assert.True(t, ds.Supervised())

	cfg = testConfig(t, DatasetExperimental)
	cfg.ExptID = "34"
	cfg.SelectGain1 = false
	cfg.BatchSize = 2
	ds, err = LoadDataset(getTestBackend(), cfg, dir)
	require.NoError(t, err)
	rows, _ = ds.Activity.Dims()
	assert.Equal(t, 5, rows)
	assert.Equal(t, []float64{0.2, 0.4, 0.6, 0.8, 1.0}, ds.Labels.Angles)
}

func TestLoadExperimentalSmoothAndTimestep(t *testing.T) {
	dir := t.TempDir()
	csv := "neuron_0,angle,gain\n" +
		"0,0.1,1\n" +
		"4,0.2,1\n" +
		"0,0.3,1\n" +
		"4,0.4,1\n" +
		"0,0.5,1\n"
	// The export name carries the binning timestep.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "expt34_timestep1000000.csv"), []byte(csv), 0o644))

	cfg := testConfig(t, DatasetExperimental)
	cfg.ExptID = "34"
	cfg.SelectGain1 = true
	cfg.TimestepMicrosec = 1e6
	cfg.Smooth = true
	cfg.BatchSize = 1
	ds, err := LoadDataset(getTestBackend(), cfg, dir)
	require.NoError(t, err)

	// (1, 2, 1)/4 smoothing of [0, 4, 0, 4, 0], clamped at the ends.
	want := []float64{1, 2, 2, 2, 1}
	rows, _ := ds.Activity.Dims()
	require.Equal(t, len(want), rows)
	for i, w := range want {
		assert.InDelta(t, w, ds.Activity.At(i, 0), 1e-12, "row %d", i)
	}

	// Without the matching timestep export the load fails.
	cfg = testConfig(t, DatasetExperimental)
	cfg.ExptID = "34"
	cfg.TimestepMicrosec = 2e6
	_, err = LoadDataset(getTestBackend(), cfg, dir)
	require.Error(t, err)
}

func TestLoadExperimentalMissingFile(t *testing.T) {
	cfg := testConfig(t, DatasetExperimental)
	cfg.ExptID = "99"
	_, err := LoadDataset(getTestBackend(), cfg, t.TempDir())
	require.Error(t, err)
}

func TestUnknownDataset(t *testing.T) {
	cfg := &Config{DatasetName: "mnist", NTimes: 10, BatchSize: 2}
	_, err := LoadDataset(getTestBackend(), cfg, "")
	require.Error(t, err)
}
