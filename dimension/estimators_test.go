// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

package dimension

import (
	"math/rand"
	"testing"

	"github.com/bioshape-lab/abn/synthetic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestLPCAOnLinearSubspace(t *testing.T) {
	// Points on a 3-dimensional linear subspace of R^8: local PCA must find
	// exactly 3 directions everywhere.
	rng := rand.New(rand.NewSource(1))
	n := 400
	basis := synthetic.RandomRotation(8, rng).Slice(0, 8, 0, 3)
	coords := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < 3; j++ {
			coords.Set(i, j, rng.NormFloat64())
		}
	}
	var points mat.Dense
	points.Mul(coords, basis.T())

	estimate, err := LPCA{}.Estimate(&points)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, estimate, 1e-9)
}

func TestTwoNNOnSphere(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	points := synthetic.Hypersphere(2, 1500, rng)
	estimate, err := TwoNN{}.Estimate(points)
	require.NoError(t, err)
	assert.Greater(t, estimate, 1.5)
	assert.Less(t, estimate, 2.6)
}

func TestMLEOnTorus(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	points := synthetic.Hypertorus(2, 1500, rng)
	estimate, err := MLE{}.Estimate(points)
	require.NoError(t, err)
	assert.Greater(t, estimate, 1.5)
	assert.Less(t, estimate, 2.8)
}

func TestEstimatorsRejectTinyClouds(t *testing.T) {
	tiny := mat.NewDense(2, 3, nil)
	for _, e := range All() {
		_, err := e.Estimate(tiny)
		assert.Error(t, err, e.Name())
	}
}

func TestByNames(t *testing.T) {
	estimators, err := ByNames([]string{"twonn", "mle"})
	require.NoError(t, err)
	require.Len(t, estimators, 2)
	assert.Equal(t, "twonn", estimators[0].Name())
	assert.Equal(t, "mle", estimators[1].Name())

	estimators, err = ByNames([]string{EstimatorAll})
	require.NoError(t, err)
	assert.Len(t, estimators, 3)

	_, err = ByNames([]string{"umap"})
	require.Error(t, err)

	_, err = ByNames(nil)
	require.Error(t, err)
}

func TestNearestIndicesOrdering(t *testing.T) {
	row := []float64{0, 3, 1, 2}
	assert.Equal(t, []int{2, 3}, nearestIndices(row, 0, 2))
	assert.Equal(t, []int{0, 2, 3}, nearestIndices(row, 1, 3))
}
