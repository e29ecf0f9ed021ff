// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

package evaluate

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bioshape-lab/abn/synthetic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func circleImmersion(radius float64) ImmersionFn {
	return func(angles *mat.Dense) (*mat.Dense, error) {
		n, _ := angles.Dims()
		out := mat.NewDense(n, 2, nil)
		for i := 0; i < n; i++ {
			theta := angles.At(i, 0)
			out.Set(i, 0, radius*math.Cos(theta))
			out.Set(i, 1, radius*math.Sin(theta))
		}
		return out, nil
	}
}

func sphereImmersion(radius float64) ImmersionFn {
	return func(angles *mat.Dense) (*mat.Dense, error) {
		n, _ := angles.Dims()
		out := mat.NewDense(n, 3, nil)
		for i := 0; i < n; i++ {
			x, y, z := synthetic.SphereImmersionPoint(angles.At(i, 0), angles.At(i, 1), radius)
			out.Set(i, 0, x)
			out.Set(i, 1, y)
			out.Set(i, 2, z)
		}
		return out, nil
	}
}

func torusImmersion(major, minor float64) ImmersionFn {
	return func(angles *mat.Dense) (*mat.Dense, error) {
		n, _ := angles.Dims()
		out := mat.NewDense(n, 3, nil)
		for i := 0; i < n; i++ {
			x, y, z := synthetic.TorusImmersionPoint(angles.At(i, 0), angles.At(i, 1), major, minor)
			out.Set(i, 0, x)
			out.Set(i, 1, y)
			out.Set(i, 2, z)
		}
		return out, nil
	}
}

func TestCircleCurvature(t *testing.T) {
	// A circle of radius R has constant curvature 1/R.
	for _, radius := range []float64{1, 2, 0.5} {
		profile, err := ComputeProfile(circleImmersion(radius), 1, 100)
		require.NoError(t, err)
		require.Len(t, profile.CurvatureNorm, 100)
		for _, k := range profile.CurvatureNorm {
			assert.InDelta(t, 1/radius, k, 1e-3)
		}
	}
}

func TestSphereCurvature(t *testing.T) {
	// The mean curvature vector of a sphere of radius R has norm 2/R.
	profile, err := ComputeProfile(sphereImmersion(2), 2, 30)
	require.NoError(t, err)
	for _, k := range profile.CurvatureNorm {
		assert.InDelta(t, 1.0, k, 5e-2)
	}
}

func TestTorusCurvature(t *testing.T) {
	// Torus principal curvatures are 1/r and cosθ/(R+r·cosθ), with θ the
	// tube angle.
	major, minor := 2.0, 1.0
	n := 20
	profile, err := ComputeProfile(torusImmersion(major, minor), 2, n)
	require.NoError(t, err)
	for i, k := range profile.CurvatureNorm {
		theta := profile.GridTheta[i]
		want := math.Abs(1/minor + math.Cos(theta)/(major+minor*math.Cos(theta)))
		assert.InDelta(t, want, k, 5e-2, "tube angle %.3f", theta)
	}
}

func TestProfileErrorZeroForIdentical(t *testing.T) {
	profile, err := ComputeProfile(circleImmersion(1), 1, 50)
	require.NoError(t, err)
	errValue, err := ProfileError(profile, profile)
	require.NoError(t, err)
	assert.Zero(t, errValue)
}

func TestProfileErrorNormalization(t *testing.T) {
	truth := &Profile{CurvatureNorm: []float64{1, 1, 1, 1}}
	learned := &Profile{CurvatureNorm: []float64{2, 2, 2, 2}}
	errValue, err := ProfileError(learned, truth)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, errValue, 1e-12)

	_, err = ProfileError(&Profile{CurvatureNorm: []float64{1}}, truth)
	require.Error(t, err)
}

func TestProfileMeanStd(t *testing.T) {
	profile := &Profile{CurvatureNorm: []float64{1, 1, 1}}
	mean, std := profile.MeanStd()
	assert.InDelta(t, 1.0, mean, 1e-12)
	assert.InDelta(t, 0.0, std, 1e-12)
}

func TestWriteCSV(t *testing.T) {
	dir := t.TempDir()

	oneD, err := ComputeProfile(circleImmersion(1), 1, 10)
	require.NoError(t, err)
	path1 := filepath.Join(dir, "profile1d.csv")
	require.NoError(t, oneD.WriteCSV(path1))
	data, err := os.ReadFile(path1)
	require.NoError(t, err)
	header := strings.SplitN(string(data), "\n", 2)[0]
	assert.Equal(t, "z_grid,geodesic_dist,curv_norm", header)

	twoD, err := ComputeProfile(torusImmersion(2, 1), 2, 5)
	require.NoError(t, err)
	path2 := filepath.Join(dir, "profile2d.csv")
	require.NoError(t, twoD.WriteCSV(path2))
	data, err = os.ReadFile(path2)
	require.NoError(t, err)
	header = strings.SplitN(string(data), "\n", 2)[0]
	assert.Equal(t, "z_grid_theta,z_grid_phi,geodesic_dist,curv_norm", header)
}

func TestUnsupportedManifoldDim(t *testing.T) {
	_, err := ComputeProfile(circleImmersion(1), 3, 10)
	require.Error(t, err)
}
