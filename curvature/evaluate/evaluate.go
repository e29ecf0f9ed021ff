// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluate computes extrinsic curvature profiles of latent
// immersions. An immersion maps latent angles to ambient points; it may be a
// trained decoder or an analytic ground-truth surface, and both go through
// the same finite-difference pipeline so the profiles are directly
// comparable.
package evaluate

import (
	"math"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ImmersionFn maps a batch of latent angles, shaped (n, manifoldDim), to
// ambient points shaped (n, ambientDim).
type ImmersionFn func(angles *mat.Dense) (*mat.Dense, error)

// Profile is a curvature profile over a regular grid of latent angles.
// For one-dimensional manifolds GridPhi is nil and the grid covers [0, 2π);
// for two-dimensional manifolds the grid is the n×n product, flattened with
// theta as the outer index.
type Profile struct {
	GridTheta     []float64
	GridPhi       []float64
	GeodesicDist  []float64
	CurvatureNorm []float64
}

// relStep is the finite-difference step relative to the grid spacing.
const relStep = 0.1

// ComputeProfile evaluates the mean-curvature-vector norm of the immersion on
// a regular latent grid. The immersion is called once, on the grid plus its
// finite-difference stencil. Geodesic distances are measured intrinsically
// from the first grid point.
func ComputeProfile(immersion ImmersionFn, manifoldDim, nGridPoints int) (*Profile, error) {
	switch manifoldDim {
	case 1:
		return profile1D(immersion, nGridPoints)
	case 2:
		return profile2D(immersion, nGridPoints)
	}
	return nil, errors.Errorf("curvature profiles support manifold dimensions 1 and 2, got %d", manifoldDim)
}

func profile1D(immersion ImmersionFn, n int) (*Profile, error) {
	spacing := 2 * math.Pi / float64(n)
	h := relStep * spacing
	grid := make([]float64, n)
	queries := mat.NewDense(3*n, 1, nil)
	for i := 0; i < n; i++ {
		theta := float64(i) * spacing
		grid[i] = theta
		queries.Set(3*i, 0, theta-h)
		queries.Set(3*i+1, 0, theta)
		queries.Set(3*i+2, 0, theta+h)
	}
	points, err := immersion(queries)
	if err != nil {
		return nil, errors.WithMessage(err, "evaluating immersion on grid")
	}
	_, dim := points.Dims()

	profile := &Profile{
		GridTheta:     grid,
		GeodesicDist:  make([]float64, n),
		CurvatureNorm: make([]float64, n),
	}
	first, center, second := make([]float64, dim), make([]float64, dim), make([]float64, dim)
	for i := 0; i < n; i++ {
		prev := points.RawRowView(3 * i)
		mid := points.RawRowView(3*i + 1)
		next := points.RawRowView(3*i + 2)
		for j := 0; j < dim; j++ {
			center[j] = mid[j]
			first[j] = (next[j] - prev[j]) / (2 * h)
			second[j] = (next[j] - 2*mid[j] + prev[j]) / (h * h)
		}
		profile.GeodesicDist[i] = grid[i]
		profile.CurvatureNorm[i] = curveCurvature(first, second)
	}
	return profile, nil
}

// curveCurvature is the norm of the mean curvature vector of a curve: the
// normal component of the acceleration divided by the squared speed.
func curveCurvature(first, second []float64) float64 {
	speed2 := dot(first, first)
	if speed2 == 0 {
		return 0
	}
	tangential := dot(first, second) / speed2
	normal2 := 0.0
	for j := range second {
		d := second[j] - tangential*first[j]
		normal2 += d * d
	}
	return math.Sqrt(normal2) / speed2
}

func profile2D(immersion ImmersionFn, n int) (*Profile, error) {
	spacing := 2 * math.Pi / float64(n)
	h := relStep * spacing

	// Seven-point stencil per grid point: center, ±h along each angle, and
	// (+h, +h) for the mixed derivative.
	const stencil = 7
	offsets := [stencil][2]float64{
		{0, 0}, {-h, 0}, {h, 0}, {0, -h}, {0, h}, {h, h}, {-h, -h},
	}
	queries := mat.NewDense(stencil*n*n, 2, nil)
	gridTheta := make([]float64, n*n)
	gridPhi := make([]float64, n*n)
	// The half-spacing offset keeps the grid away from parameterization
	// singularities (the poles of the sphere chart).
	idx := 0
	for i := 0; i < n; i++ {
		theta := (float64(i) + 0.5) * spacing
		for j := 0; j < n; j++ {
			phi := float64(j) * spacing
			gridTheta[idx] = theta
			gridPhi[idx] = phi
			for s, off := range offsets {
				queries.Set(stencil*idx+s, 0, theta+off[0])
				queries.Set(stencil*idx+s, 1, phi+off[1])
			}
			idx++
		}
	}
	points, err := immersion(queries)
	if err != nil {
		return nil, errors.WithMessage(err, "evaluating immersion on grid")
	}
	_, dim := points.Dims()

	profile := &Profile{
		GridTheta:     gridTheta,
		GridPhi:       gridPhi,
		GeodesicDist:  make([]float64, n*n),
		CurvatureNorm: make([]float64, n*n),
	}
	fu := make([]float64, dim)
	fv := make([]float64, dim)
	fuu := make([]float64, dim)
	fvv := make([]float64, dim)
	fuv := make([]float64, dim)
	for p := 0; p < n*n; p++ {
		c := points.RawRowView(stencil * p)
		um := points.RawRowView(stencil*p + 1)
		up := points.RawRowView(stencil*p + 2)
		vm := points.RawRowView(stencil*p + 3)
		vp := points.RawRowView(stencil*p + 4)
		pp := points.RawRowView(stencil*p + 5)
		mm := points.RawRowView(stencil*p + 6)
		for j := 0; j < dim; j++ {
			fu[j] = (up[j] - um[j]) / (2 * h)
			fv[j] = (vp[j] - vm[j]) / (2 * h)
			fuu[j] = (up[j] - 2*c[j] + um[j]) / (h * h)
			fvv[j] = (vp[j] - 2*c[j] + vm[j]) / (h * h)
			// Mixed derivative from the diagonal stencil:
			// f(+h,+h) + f(-h,-h) - f(+h,0) - f(-h,0) - f(0,+h) - f(0,-h) + 2f(0,0).
			fuv[j] = (pp[j] + mm[j] - up[j] - um[j] - vp[j] - vm[j] + 2*c[j]) / (2 * h * h)
		}
		profile.GeodesicDist[p] = math.Hypot(gridTheta[p], gridPhi[p])
		profile.CurvatureNorm[p] = surfaceCurvature(fu, fv, fuu, fuv, fvv)
	}
	return profile, nil
}

// surfaceCurvature is the norm of the mean curvature vector of a surface in
// arbitrary codimension: the metric trace of the normal component of the
// second derivatives. For a sphere of radius r this is 2/r.
func surfaceCurvature(fu, fv, fuu, fuv, fvv []float64) float64 {
	e := dot(fu, fu)
	f := dot(fu, fv)
	g := dot(fv, fv)
	det := e*g - f*f
	if det <= 0 {
		return 0
	}

	dim := len(fu)
	hVec := make([]float64, dim)
	for j := 0; j < dim; j++ {
		hVec[j] = (g*fuu[j] - 2*f*fuv[j] + e*fvv[j]) / det
	}
	// Remove the tangential part of the trace.
	hu := dot(hVec, fu)
	hv := dot(hVec, fv)
	// Solve the 2x2 system for tangential coefficients.
	a := (g*hu - f*hv) / det
	b := (e*hv - f*hu) / det
	norm2 := 0.0
	for j := 0; j < dim; j++ {
		d := hVec[j] - a*fu[j] - b*fv[j]
		norm2 += d * d
	}
	return math.Sqrt(norm2)
}

// ProfileError is the normalized mean squared difference between two
// curvature-norm profiles on the same grid.
func ProfileError(learned, truth *Profile) (float64, error) {
	if len(learned.CurvatureNorm) != len(truth.CurvatureNorm) {
		return 0, errors.Errorf("profile grids differ: %d vs %d points",
			len(learned.CurvatureNorm), len(truth.CurvatureNorm))
	}
	var num, den float64
	for i := range truth.CurvatureNorm {
		d := learned.CurvatureNorm[i] - truth.CurvatureNorm[i]
		num += d * d
		den += truth.CurvatureNorm[i] * truth.CurvatureNorm[i]
	}
	if den == 0 {
		return 0, errors.New("true curvature profile is identically zero")
	}
	return num / den, nil
}

// MeanStd returns the mean and standard deviation of the curvature norms.
func (p *Profile) MeanStd() (mean, std float64) {
	mean, std = stat.MeanStdDev(p.CurvatureNorm, nil)
	return mean, std
}

// WriteCSV persists the profile. One-dimensional profiles get columns
// (z_grid, geodesic_dist, curv_norm); two-dimensional ones split the grid
// into z_grid_theta and z_grid_phi.
func (p *Profile) WriteCSV(path string) error {
	var cols []series.Series
	if p.GridPhi == nil {
		cols = append(cols, series.New(p.GridTheta, series.Float, "z_grid"))
	} else {
		cols = append(cols,
			series.New(p.GridTheta, series.Float, "z_grid_theta"),
			series.New(p.GridPhi, series.Float, "z_grid_phi"))
	}
	cols = append(cols,
		series.New(p.GeodesicDist, series.Float, "geodesic_dist"),
		series.New(p.CurvatureNorm, series.Float, "curv_norm"))
	df := dataframe.New(cols...)
	if df.Error() != nil {
		return errors.Wrap(df.Error(), "building profile dataframe")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating profile file %s", path)
	}
	defer func() { _ = f.Close() }()
	return errors.Wrapf(df.WriteCSV(f), "writing profile %s", path)
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
