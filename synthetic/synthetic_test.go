// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

package synthetic

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestCircleDeterministic(t *testing.T) {
	params := ImmersionParams{
		NTimes: 100, EmbeddingDim: 5, Radius: 1,
		DistortionAmp: 0.4, NWiggles: 3, NoiseVar: 1e-3,
	}
	a, labelsA, err := Circle(params, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	b, labelsB, err := Circle(params, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	assert.True(t, mat.Equal(a, b), "same seed must give the same dataset")
	assert.Equal(t, labelsA.Angles, labelsB.Angles)

	rows, cols := a.Dims()
	assert.Equal(t, 100, rows)
	assert.Equal(t, 5, cols)
	assert.Len(t, labelsA.Angles, 100)
	assert.Nil(t, labelsA.Angles2)
}

func TestCircleRejectsLowEmbedding(t *testing.T) {
	_, _, err := Circle(ImmersionParams{NTimes: 10, EmbeddingDim: 1, Radius: 1}, rand.New(rand.NewSource(0)))
	require.Error(t, err)
}

func TestCircleNormsPreservedByRotation(t *testing.T) {
	// Without distortion or noise every point sits at distance Radius from
	// the origin, and the random rotation must preserve that.
	params := ImmersionParams{NTimes: 50, EmbeddingDim: 7, Radius: 2}
	points, _, err := Circle(params, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	rows, _ := points.Dims()
	for i := 0; i < rows; i++ {
		norm := mat.Norm(points.RowView(i), 2)
		assert.InDelta(t, 2.0, norm, 1e-9)
	}
}

func TestSphereRejectsLowEmbedding(t *testing.T) {
	_, _, err := Sphere(ImmersionParams{NTimes: 10, EmbeddingDim: 2, Radius: 1}, rand.New(rand.NewSource(0)))
	require.Error(t, err)
	_, _, err = Torus(ImmersionParams{NTimes: 10, EmbeddingDim: 2, MajorRadius: 2, MinorRadius: 1}, rand.New(rand.NewSource(0)))
	require.Error(t, err)
}

func TestTorusImmersionPoint(t *testing.T) {
	x, y, z := TorusImmersionPoint(0, 0, 2, 1)
	assert.InDelta(t, 3.0, x, 1e-12)
	assert.InDelta(t, 0.0, y, 1e-12)
	assert.InDelta(t, 0.0, z, 1e-12)

	x, y, z = TorusImmersionPoint(math.Pi/2, 0, 2, 1)
	assert.InDelta(t, 2.0, x, 1e-12)
	assert.InDelta(t, 0.0, y, 1e-12)
	assert.InDelta(t, 1.0, z, 1e-12)
}

func TestKleinImmersionIdentification(t *testing.T) {
	// The figure-8 immersion must respect (θ+2π, -φ) ~ (θ, φ).
	theta, phi := 1.1, 2.3
	x1, y1, z1 := KleinImmersionPoint(theta, phi, 2)
	x2, y2, z2 := KleinImmersionPoint(theta+2*math.Pi, -phi, 2)
	assert.InDelta(t, x1, x2, 1e-12)
	assert.InDelta(t, y1, y2, 1e-12)
	assert.InDelta(t, z1, z2, 1e-12)
}

func TestDistortedImmersionPoints(t *testing.T) {
	// Zero amplitude reduces to the undistorted immersions.
	x0, y0, z0 := SphereImmersionPoint(0.7, 1.9, 3)
	x, y, z := DistortedSphereImmersionPoint(0.7, 1.9, 3, 0, 3)
	assert.InDelta(t, x0, x, 1e-12)
	assert.InDelta(t, y0, y, 1e-12)
	assert.InDelta(t, z0, z, 1e-12)

	x0, y0, z0 = TorusImmersionPoint(0.7, 1.9, 2, 1)
	x, y, z = DistortedTorusImmersionPoint(0.7, 1.9, 2, 1, 0, 3)
	assert.InDelta(t, x0, x, 1e-12)
	assert.InDelta(t, y0, y, 1e-12)
	assert.InDelta(t, z0, z, 1e-12)

	// The distorted sphere sits at distance R(1+amp·cos(3θ)) from the origin.
	theta := 0.7
	x, y, z = DistortedSphereImmersionPoint(theta, 1.9, 3, 0.4, 3)
	want := 3 * (1 + 0.4*math.Cos(3*theta))
	assert.InDelta(t, want, math.Sqrt(x*x+y*y+z*z), 1e-12)

	// At θ=φ=0 the distorted torus tube radius is r(1+amp).
	x, y, z = DistortedTorusImmersionPoint(0, 0, 2, 1, 0.4, 3)
	assert.InDelta(t, 2+1.4, x, 1e-12)
	assert.InDelta(t, 0.0, y, 1e-12)
	assert.InDelta(t, 0.0, z, 1e-12)
}

func TestDistortionAmpChangesSphereAndTorus(t *testing.T) {
	flat := ImmersionParams{NTimes: 50, EmbeddingDim: 4, Radius: 1, MajorRadius: 2, MinorRadius: 1, NWiggles: 3}
	wiggly := flat
	wiggly.DistortionAmp = 0.4

	a, _, err := Sphere(flat, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	b, _, err := Sphere(wiggly, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	assert.False(t, mat.Equal(a, b), "distortion amplitude must change the sphere data")

	a, _, err = Torus(flat, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	b, _, err = Torus(wiggly, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	assert.False(t, mat.Equal(a, b), "distortion amplitude must change the torus data")
}

func TestSphereImmersionPointNorm(t *testing.T) {
	for _, angles := range [][2]float64{{0.3, 1.2}, {1.5, 4.0}, {2.8, 0.1}} {
		x, y, z := SphereImmersionPoint(angles[0], angles[1], 3)
		assert.InDelta(t, 3.0, math.Sqrt(x*x+y*y+z*z), 1e-12)
	}
}

func TestHypersphereUnitNorm(t *testing.T) {
	points := Hypersphere(4, 200, rand.New(rand.NewSource(7)))
	rows, cols := points.Dims()
	assert.Equal(t, 200, rows)
	assert.Equal(t, 5, cols)
	for i := 0; i < rows; i++ {
		assert.InDelta(t, 1.0, mat.Norm(points.RowView(i), 2), 1e-9)
	}
}

func TestHypertorusCircleNorms(t *testing.T) {
	points := Hypertorus(3, 100, rand.New(rand.NewSource(7)))
	rows, cols := points.Dims()
	assert.Equal(t, 100, rows)
	assert.Equal(t, 6, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < 3; j++ {
			c := points.At(i, 2*j)
			s := points.At(i, 2*j+1)
			assert.InDelta(t, 1.0, c*c+s*s, 1e-9)
		}
	}
}

func TestPlaceCellsPeakAtCenter(t *testing.T) {
	responses, labels := PlaceCells(64, 4, 0.3, rand.New(rand.NewSource(0)))
	rows, cols := responses.Dims()
	require.Equal(t, 64, rows)
	require.Equal(t, 4, cols)
	// The cell centered at angle 0 must peak at the first time bin.
	assert.InDelta(t, 1.0, responses.At(0, 0), 1e-12)
	assert.Len(t, labels.Angles, 64)
}

func TestGridCellsShapes(t *testing.T) {
	responses, positions := GridCells(GridCellParams{
		GridScale: 1, ArenaDims: 2, NCells: 8,
		OrientationMean: 0, OrientationStd: 3,
		FieldWidth: 0.8, Resolution: 10,
	}, rand.New(rand.NewSource(3)))
	rows, cols := responses.Dims()
	assert.Equal(t, 100, rows)
	assert.Equal(t, 8, cols)
	pRows, pCols := positions.Dims()
	assert.Equal(t, 100, pRows)
	assert.Equal(t, 2, pCols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			assert.GreaterOrEqual(t, responses.At(i, j), 0.0)
		}
	}
}

func TestNeuralManifold(t *testing.T) {
	points := Hypersphere(2, 50, rand.New(rand.NewSource(11)))
	activity, rates, err := NeuralManifold(points, 30, "sigmoid", 100, 200, nil, rand.New(rand.NewSource(11)))
	require.NoError(t, err)
	rows, cols := activity.Dims()
	assert.Equal(t, 50, rows)
	assert.Equal(t, 30, cols)
	rRows, rCols := rates.Dims()
	assert.Equal(t, 50, rRows)
	assert.Equal(t, 30, rCols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			assert.GreaterOrEqual(t, activity.At(i, j), 0.0)
			assert.GreaterOrEqual(t, rates.At(i, j), 0.0)
			// Sigmoid rates are bounded by the reference frequency.
			assert.LessOrEqual(t, rates.At(i, j), 200.0)
		}
	}
}

func TestNeuralManifoldDeterministic(t *testing.T) {
	points := Hypersphere(2, 40, rand.New(rand.NewSource(23)))
	a, _, err := NeuralManifold(points, 20, "sigmoid", 100, 200, nil, rand.New(rand.NewSource(23)))
	require.NoError(t, err)
	b, _, err := NeuralManifold(points, 20, "sigmoid", 100, 200, nil, rand.New(rand.NewSource(23)))
	require.NoError(t, err)
	assert.True(t, mat.Equal(a, b), "same seed must give the same spike counts")
}

func TestNeuralManifoldUnknownNonlinearity(t *testing.T) {
	points := Hypersphere(2, 10, rand.New(rand.NewSource(0)))
	_, _, err := NeuralManifold(points, 5, "softmax", 100, 200, nil, rand.New(rand.NewSource(0)))
	require.Error(t, err)
}

func TestNoiseLevel(t *testing.T) {
	assert.InDelta(t, math.Sqrt(1.0/(200*100)), NoiseLevel(200, 100), 1e-15)
}

func TestRandomRotationOrthogonal(t *testing.T) {
	q := RandomRotation(6, rand.New(rand.NewSource(5)))
	var qtq mat.Dense
	qtq.Mul(q.T(), q)
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			assert.InDelta(t, want, qtq.At(i, j), 1e-10)
		}
	}
}
