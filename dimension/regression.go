// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

package dimension

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// splitSeed fixes the train/test split across evaluations so R² curves for
// different component counts are comparable.
const splitSeed = 42

// nipalsIterations bounds the NIPALS power iterations per component.
const nipalsIterations = 500

// nipalsTol is the convergence tolerance on the weight vector.
const nipalsTol = 1e-8

// SplitTrainTest partitions rows of X and Y with the fixed split seed.
func SplitTrainTest(x, y *mat.Dense, testFraction float64) (xTrain, xTest, yTrain, yTest *mat.Dense) {
	n, _ := x.Dims()
	perm := rand.New(rand.NewSource(splitSeed)).Perm(n)
	nTest := int(math.Round(float64(n) * testFraction))
	testRows, trainRows := perm[:nTest], perm[nTest:]
	return selectRows(x, trainRows), selectRows(x, testRows),
		selectRows(y, trainRows), selectRows(y, testRows)
}

// PLSWeights computes k partial-least-squares projection directions of X
// against Y with the NIPALS algorithm, returning the (ambientDim, k) weight
// matrix. X and Y are centered internally.
func PLSWeights(x, y *mat.Dense, k int) (*mat.Dense, error) {
	n, dim := x.Dims()
	yn, yDim := y.Dims()
	if n != yn {
		return nil, errors.Errorf("pls: X has %d rows, Y has %d", n, yn)
	}
	if k > dim {
		return nil, errors.Errorf("pls: %d components exceed ambient dimension %d", k, dim)
	}
	xd := mat.DenseCopyOf(x)
	yd := mat.DenseCopyOf(y)
	centerColumns(xd)
	centerColumns(yd)

	weights := mat.NewDense(dim, k, nil)
	w := mat.NewVecDense(dim, nil)
	t := mat.NewVecDense(n, nil)
	p := mat.NewVecDense(dim, nil)
	c := mat.NewVecDense(yDim, nil)
	for comp := 0; comp < k; comp++ {
		// Start the score proxy from Y's first column.
		u := yd.ColView(0)
		prev := mat.NewVecDense(dim, nil)
		for iter := 0; iter < nipalsIterations; iter++ {
			w.MulVec(xd.T(), u)
			norm := mat.Norm(w, 2)
			if norm == 0 {
				return nil, errors.Errorf("pls: component %d collapsed (Y deflated to zero?)", comp)
			}
			w.ScaleVec(1/norm, w)
			t.MulVec(xd, w)
			tt := mat.Dot(t, t)
			if tt == 0 {
				return nil, errors.Errorf("pls: component %d has zero score", comp)
			}
			c.MulVec(yd.T(), t)
			c.ScaleVec(1/tt, c)
			cNorm := mat.Norm(c, 2)
			if cNorm == 0 {
				return nil, errors.Errorf("pls: component %d found no Y covariance", comp)
			}
			uNew := mat.NewVecDense(n, nil)
			uNew.MulVec(yd, c)
			uNew.ScaleVec(1/mat.Dot(c, c), uNew)
			u = uNew

			var diff mat.VecDense
			diff.SubVec(w, prev)
			if mat.Norm(&diff, 2) < nipalsTol {
				break
			}
			prev.CopyVec(w)
		}
		weights.SetCol(comp, rawVec(w))

		// Deflate X and Y by the extracted component.
		tt := mat.Dot(t, t)
		p.MulVec(xd.T(), t)
		p.ScaleVec(1/tt, p)
		var outer mat.Dense
		outer.Mul(t, p.T())
		xd.Sub(xd, &outer)
		var yOuter mat.Dense
		yOuter.Mul(t, c.T())
		yd.Sub(yd, &yOuter)
	}
	return weights, nil
}

// PCAWeights computes the k leading principal directions of X, returning the
// (ambientDim, k) weight matrix.
func PCAWeights(x *mat.Dense, k int) (*mat.Dense, error) {
	_, dim := x.Dims()
	if k > dim {
		return nil, errors.Errorf("pca: %d components exceed ambient dimension %d", k, dim)
	}
	xd := mat.DenseCopyOf(x)
	centerColumns(xd)
	var svd mat.SVD
	if !svd.Factorize(xd, mat.SVDThinV) {
		return nil, errors.New("pca SVD failed to converge")
	}
	var v mat.Dense
	svd.VTo(&v)
	weights := mat.NewDense(dim, k, nil)
	for j := 0; j < k; j++ {
		for i := 0; i < dim; i++ {
			weights.Set(i, j, v.At(i, j))
		}
	}
	return weights, nil
}

// LinearRegression is a multi-output ordinary least squares fit with
// intercept.
type LinearRegression struct {
	coef      *mat.Dense // (features, outputs)
	intercept []float64
}

// FitLinear fits Y against X by least squares, one output column at a time
// sharing the same design factorization.
func FitLinear(x, y *mat.Dense) (*LinearRegression, error) {
	n, features := x.Dims()
	yn, outputs := y.Dims()
	if n != yn {
		return nil, errors.Errorf("regression: X has %d rows, Y has %d", n, yn)
	}
	// Design matrix with a leading ones column for the intercept.
	design := mat.NewDense(n, features+1, nil)
	for i := 0; i < n; i++ {
		design.Set(i, 0, 1)
		for j := 0; j < features; j++ {
			design.Set(i, j+1, x.At(i, j))
		}
	}
	var qr mat.QR
	qr.Factorize(design)
	var solution mat.Dense
	if err := qr.SolveTo(&solution, false, y); err != nil {
		return nil, errors.Wrap(err, "regression least-squares solve")
	}

	model := &LinearRegression{
		coef:      mat.NewDense(features, outputs, nil),
		intercept: make([]float64, outputs),
	}
	for o := 0; o < outputs; o++ {
		model.intercept[o] = solution.At(0, o)
		for j := 0; j < features; j++ {
			model.coef.Set(j, o, solution.At(j+1, o))
		}
	}
	return model, nil
}

// Predict returns the model outputs for x.
func (m *LinearRegression) Predict(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	_, outputs := m.coef.Dims()
	var pred mat.Dense
	pred.Mul(x, m.coef)
	for i := 0; i < n; i++ {
		for o := 0; o < outputs; o++ {
			pred.Set(i, o, pred.At(i, o)+m.intercept[o])
		}
	}
	return &pred
}

// R2UniformAverage is the coefficient of determination averaged uniformly
// over output columns.
func R2UniformAverage(yTrue, yPred *mat.Dense) float64 {
	n, outputs := yTrue.Dims()
	total := 0.0
	for o := 0; o < outputs; o++ {
		mean := 0.0
		for i := 0; i < n; i++ {
			mean += yTrue.At(i, o)
		}
		mean /= float64(n)
		var ssRes, ssTot float64
		for i := 0; i < n; i++ {
			d := yTrue.At(i, o) - yPred.At(i, o)
			ssRes += d * d
			t := yTrue.At(i, o) - mean
			ssTot += t * t
		}
		if ssTot == 0 {
			if ssRes == 0 {
				total += 1
			}
			continue
		}
		total += 1 - ssRes/ssTot
	}
	return total / float64(outputs)
}

// ProjectionKind selects the projection evaluated by EvaluateProjection.
type ProjectionKind string

const (
	ProjectionPLS ProjectionKind = "pls"
	ProjectionPCA ProjectionKind = "pca"
)

// EvaluateProjection measures, for each component count K, the uniform
// average R² of a linear regression from the K-dimensional projection of the
// activity back to the manifold coordinates, on a fixed held-out split.
func EvaluateProjection(kind ProjectionKind, activity, manifold *mat.Dense, ks []int, testFraction float64) ([]float64, error) {
	xTrain, xTest, yTrain, yTest := SplitTrainTest(activity, manifold, testFraction)
	scores := make([]float64, len(ks))
	for i, k := range ks {
		var weights *mat.Dense
		var err error
		switch kind {
		case ProjectionPLS:
			weights, err = PLSWeights(xTrain, yTrain, k)
		case ProjectionPCA:
			weights, err = PCAWeights(xTrain, k)
		default:
			return nil, errors.Errorf("unknown projection %q", kind)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "projection %s with %d components", kind, k)
		}
		var projTrain, projTest mat.Dense
		projTrain.Mul(xTrain, weights)
		projTest.Mul(xTest, weights)
		model, err := FitLinear(&projTrain, yTrain)
		if err != nil {
			return nil, errors.WithMessagef(err, "regression with %d components", k)
		}
		scores[i] = R2UniformAverage(yTest, model.Predict(&projTest))
	}
	return scores, nil
}

func selectRows(m *mat.Dense, rows []int) *mat.Dense {
	_, cols := m.Dims()
	out := mat.NewDense(len(rows), cols, nil)
	for i, r := range rows {
		out.SetRow(i, m.RawRowView(r))
	}
	return out
}

func rawVec(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}
