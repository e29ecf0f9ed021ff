// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

// Package dimension estimates the intrinsic dimensionality of neural
// population activity, and evaluates linear decodability of the underlying
// manifold through PLS/PCA projections.
//
// Estimators are selected by name, with "all" expanding to every registered
// estimator.
package dimension

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// EstimatorAll selects every registered estimator.
const EstimatorAll = "all"

// Estimator fits a point cloud, shaped (n, ambientDim), and returns the
// estimated intrinsic dimension. Estimates are real-valued; callers round if
// they need an integer dimension.
type Estimator interface {
	Name() string
	Estimate(points *mat.Dense) (float64, error)
}

// LPCA estimates dimension by local PCA: the average number of local
// principal components needed before the spectrum drops below AlphaRatio of
// the leading eigenvalue.
type LPCA struct {
	// KNeighbors is the local neighborhood size. Defaults to min(n-1, 100).
	KNeighbors int

	// AlphaRatio is the eigenvalue cutoff relative to the largest local
	// eigenvalue. Defaults to 0.05.
	AlphaRatio float64
}

func (e LPCA) Name() string { return "lpca" }

func (e LPCA) Estimate(points *mat.Dense) (float64, error) {
	n, dim := points.Dims()
	if n < 3 {
		return 0, errors.Errorf("lpca needs at least 3 points, got %d", n)
	}
	k := e.KNeighbors
	if k <= 0 {
		k = 100
	}
	if k > n-1 {
		k = n - 1
	}
	alpha := e.AlphaRatio
	if alpha <= 0 {
		alpha = 0.05
	}

	dists := pairwiseDistances(points)
	total := 0.0
	for i := 0; i < n; i++ {
		neighbors := nearestIndices(dists[i], i, k)
		local := mat.NewDense(len(neighbors), dim, nil)
		for r, j := range neighbors {
			local.SetRow(r, points.RawRowView(j))
		}
		centerColumns(local)
		var svd mat.SVD
		if !svd.Factorize(local, mat.SVDNone) {
			return 0, errors.New("lpca local SVD failed to converge")
		}
		values := svd.Values(nil)
		if len(values) == 0 || values[0] == 0 {
			continue
		}
		count := 0
		lead := values[0] * values[0]
		for _, s := range values {
			if s*s > alpha*lead {
				count++
			}
		}
		total += float64(count)
	}
	return total / float64(n), nil
}

// TwoNN is the Facco two-nearest-neighbor estimator: the ratio of second to
// first neighbor distance follows a Pareto law with shape equal to the
// intrinsic dimension, recovered as the slope of the empirical log-CDF
// against the log-ratios.
type TwoNN struct {
	// DiscardFraction of the largest ratios dropped before the fit, guarding
	// against outliers. Defaults to 0.1.
	DiscardFraction float64
}

func (e TwoNN) Name() string { return "twonn" }

func (e TwoNN) Estimate(points *mat.Dense) (float64, error) {
	n, _ := points.Dims()
	if n < 3 {
		return 0, errors.Errorf("twonn needs at least 3 points, got %d", n)
	}
	discard := e.DiscardFraction
	if discard <= 0 {
		discard = 0.1
	}

	dists := pairwiseDistances(points)
	logRatios := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		neighbors := nearestIndices(dists[i], i, 2)
		r1 := dists[i][neighbors[0]]
		r2 := dists[i][neighbors[1]]
		if r1 == 0 || r2 == 0 {
			continue
		}
		logRatios = append(logRatios, math.Log(r2/r1))
	}
	if len(logRatios) == 0 {
		return 0, errors.New("twonn found no usable neighbor ratios (duplicate points?)")
	}
	// Fit -log(1 - F(μ)) = d·log(μ) through the origin on the kept fraction
	// of the sorted ratios, with F the empirical CDF.
	sort.Float64s(logRatios)
	nAll := len(logRatios)
	nKept := int(math.Floor(float64(nAll) * (1 - discard)))
	if nKept < 1 {
		nKept = 1
	}
	var sxx, sxy float64
	for i := 0; i < nKept; i++ {
		x := logRatios[i]
		y := -math.Log(1 - float64(i+1)/float64(nAll+1))
		sxx += x * x
		sxy += x * y
	}
	if sxx == 0 {
		return 0, errors.New("twonn neighbor ratios are degenerate")
	}
	return sxy / sxx, nil
}

// MLE is the Levina-Bickel maximum-likelihood estimator averaged over points.
type MLE struct {
	// KNeighbors used per point. Defaults to 20.
	KNeighbors int
}

func (e MLE) Name() string { return "mle" }

func (e MLE) Estimate(points *mat.Dense) (float64, error) {
	n, _ := points.Dims()
	k := e.KNeighbors
	if k <= 0 {
		k = 20
	}
	if k > n-1 {
		k = n - 1
	}
	if k < 2 {
		return 0, errors.Errorf("mle needs at least 3 points, got %d", n)
	}

	dists := pairwiseDistances(points)
	total := 0.0
	used := 0
	for i := 0; i < n; i++ {
		neighbors := nearestIndices(dists[i], i, k)
		tk := dists[i][neighbors[k-1]]
		if tk == 0 {
			continue
		}
		sum := 0.0
		for j := 0; j < k-1; j++ {
			tj := dists[i][neighbors[j]]
			if tj == 0 {
				continue
			}
			sum += math.Log(tk / tj)
		}
		if sum == 0 {
			continue
		}
		total += float64(k-1) / sum
		used++
	}
	if used == 0 {
		return 0, errors.New("mle found no usable neighborhoods (duplicate points?)")
	}
	return total / float64(used), nil
}

// All returns every registered estimator with default settings.
func All() []Estimator {
	return []Estimator{LPCA{}, TwoNN{}, MLE{}}
}

// ByNames resolves estimator names, expanding "all".
func ByNames(names []string) ([]Estimator, error) {
	var out []Estimator
	for _, name := range names {
		if name == EstimatorAll {
			return All(), nil
		}
		found := false
		for _, e := range All() {
			if e.Name() == name {
				out = append(out, e)
				found = true
				break
			}
		}
		if !found {
			return nil, errors.Errorf("unknown dimension estimator %q", name)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no dimension estimators selected")
	}
	return out, nil
}

// pairwiseDistances is the dense euclidean distance matrix.
func pairwiseDistances(points *mat.Dense) [][]float64 {
	n, dim := points.Dims()
	dists := make([][]float64, n)
	for i := range dists {
		dists[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		ri := points.RawRowView(i)
		for j := i + 1; j < n; j++ {
			rj := points.RawRowView(j)
			sum := 0.0
			for c := 0; c < dim; c++ {
				d := ri[c] - rj[c]
				sum += d * d
			}
			d := math.Sqrt(sum)
			dists[i][j] = d
			dists[j][i] = d
		}
	}
	return dists
}

// nearestIndices returns the k indices with the smallest distance to self,
// excluding self, ordered nearest first.
func nearestIndices(row []float64, self, k int) []int {
	order := make([]int, 0, len(row)-1)
	for j := range row {
		if j != self {
			order = append(order, j)
		}
	}
	sort.Slice(order, func(a, b int) bool { return row[order[a]] < row[order[b]] })
	return order[:k]
}

func centerColumns(m *mat.Dense) {
	rows, cols := m.Dims()
	for j := 0; j < cols; j++ {
		sum := 0.0
		for i := 0; i < rows; i++ {
			sum += m.At(i, j)
		}
		mean := sum / float64(rows)
		for i := 0; i < rows; i++ {
			m.Set(i, j, m.At(i, j)-mean)
		}
	}
}
