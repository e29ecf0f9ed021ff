// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

// Package synthetic generates point clouds on known manifolds and projects
// them into synthetic neural population activity.
//
// The generators come in two flavors: low-dimensional immersions with optional
// geodesic distortion and noise (Circle, Sphere, Torus), used as ground truth
// for curvature experiments, and unit-radius families parameterized by
// intrinsic dimension (Hypersphere, Hypertorus), used for dimension-estimation
// experiments. NeuralManifold maps any of them through a random sigmoidal
// tuning model with Poisson-like noise.
package synthetic

import (
	"math"
	"math/rand"
	randv2 "math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ImmersionParams control the synthetic manifold immersions.
type ImmersionParams struct {
	// NTimes is the number of sampled points.
	NTimes int

	// EmbeddingDim is the ambient dimension the manifold is rotated into.
	EmbeddingDim int

	// Radius of the circle or sphere. For the torus see MajorRadius/MinorRadius.
	Radius float64

	// MajorRadius and MinorRadius of the torus.
	MajorRadius, MinorRadius float64

	// DistortionAmp is the amplitude of the geodesic distortion ("wiggles").
	DistortionAmp float64

	// NWiggles is the angular frequency of the distortion.
	NWiggles int

	// NoiseVar is the variance of the additive Gaussian observation noise.
	NoiseVar float64
}

// Labels carry the generative latent variables of a synthetic dataset.
// Angles2 is only set for two-dimensional manifolds.
type Labels struct {
	Angles  []float64
	Angles2 []float64
}

// Circle samples a distorted circle immersed in params.EmbeddingDim dimensions.
// The distortion modulates the radius as r(θ) = R·(1 + amp·cos(NWiggles·θ)).
func Circle(params ImmersionParams, rng *rand.Rand) (*mat.Dense, Labels, error) {
	if params.EmbeddingDim < 2 {
		return nil, Labels{}, errors.Errorf("circle cannot be embedded in %d dimensions", params.EmbeddingDim)
	}
	angles := linspaceAngles(params.NTimes)
	planar := mat.NewDense(params.NTimes, 2, nil)
	for i, theta := range angles {
		r := params.Radius * (1 + params.DistortionAmp*math.Cos(float64(params.NWiggles)*theta))
		planar.Set(i, 0, r*math.Cos(theta))
		planar.Set(i, 1, r*math.Sin(theta))
	}
	points := embed(planar, params.EmbeddingDim, params.NoiseVar, rng)
	return points, Labels{Angles: angles}, nil
}

// CircleImmersionPoint returns the undistorted-ambient coordinates of the
// distorted circle at angle theta, in the canonical (unrotated) plane.
// It is the analytic immersion the curvature evaluation differentiates.
func CircleImmersionPoint(theta, radius, distortionAmp float64, nWiggles int) (x, y float64) {
	r := radius * (1 + distortionAmp*math.Cos(float64(nWiggles)*theta))
	return r * math.Cos(theta), r * math.Sin(theta)
}

// Sphere samples a distorted sphere of the given radius immersed in
// params.EmbeddingDim dimensions. Points are drawn uniformly on the sphere;
// the distortion modulates the radius along the polar angle as for Circle.
func Sphere(params ImmersionParams, rng *rand.Rand) (*mat.Dense, Labels, error) {
	if params.EmbeddingDim <= 2 {
		return nil, Labels{}, errors.Errorf("sphere cannot be embedded in %d dimensions", params.EmbeddingDim)
	}
	thetas := make([]float64, params.NTimes) // Polar angle in [0, π].
	phis := make([]float64, params.NTimes)   // Azimuthal angle in [0, 2π).
	ambient := mat.NewDense(params.NTimes, 3, nil)
	for i := range thetas {
		thetas[i] = math.Acos(1 - 2*rng.Float64())
		phis[i] = 2 * math.Pi * rng.Float64()
		x, y, z := DistortedSphereImmersionPoint(thetas[i], phis[i],
			params.Radius, params.DistortionAmp, params.NWiggles)
		ambient.Set(i, 0, x)
		ambient.Set(i, 1, y)
		ambient.Set(i, 2, z)
	}
	points := embed(ambient, params.EmbeddingDim, params.NoiseVar, rng)
	return points, Labels{Angles: thetas, Angles2: phis}, nil
}

// SphereImmersionPoint is the canonical sphere immersion at polar angle theta
// and azimuthal angle phi.
func SphereImmersionPoint(theta, phi, radius float64) (x, y, z float64) {
	return radius * math.Sin(theta) * math.Cos(phi),
		radius * math.Sin(theta) * math.Sin(phi),
		radius * math.Cos(theta)
}

// DistortedSphereImmersionPoint modulates the sphere radius along the polar
// angle as r(θ) = R·(1 + amp·cos(NWiggles·θ)).
func DistortedSphereImmersionPoint(theta, phi, radius, distortionAmp float64, nWiggles int) (x, y, z float64) {
	r := radius * (1 + distortionAmp*math.Cos(float64(nWiggles)*theta))
	return SphereImmersionPoint(theta, phi, r)
}

// Torus samples a distorted torus with the given major/minor radii immersed
// in params.EmbeddingDim dimensions. Angles are sampled uniformly, which is
// not uniform on the surface but matches a uniform latent prior. The
// distortion modulates the tube radius along the tube angle.
func Torus(params ImmersionParams, rng *rand.Rand) (*mat.Dense, Labels, error) {
	if params.EmbeddingDim <= 2 {
		return nil, Labels{}, errors.Errorf("torus cannot be embedded in %d dimensions", params.EmbeddingDim)
	}
	thetas := make([]float64, params.NTimes)
	phis := make([]float64, params.NTimes)
	ambient := mat.NewDense(params.NTimes, 3, nil)
	for i := range thetas {
		thetas[i] = 2 * math.Pi * rng.Float64()
		phis[i] = 2 * math.Pi * rng.Float64()
		x, y, z := DistortedTorusImmersionPoint(thetas[i], phis[i],
			params.MajorRadius, params.MinorRadius, params.DistortionAmp, params.NWiggles)
		ambient.Set(i, 0, x)
		ambient.Set(i, 1, y)
		ambient.Set(i, 2, z)
	}
	points := embed(ambient, params.EmbeddingDim, params.NoiseVar, rng)
	return points, Labels{Angles: thetas, Angles2: phis}, nil
}

// TorusImmersionPoint is the canonical torus immersion: theta runs along the
// tube (minor circle), phi around the central axis.
func TorusImmersionPoint(theta, phi, majorRadius, minorRadius float64) (x, y, z float64) {
	w := majorRadius + minorRadius*math.Cos(theta)
	return w * math.Cos(phi), w * math.Sin(phi), minorRadius * math.Sin(theta)
}

// DistortedTorusImmersionPoint modulates the tube radius along the tube angle
// as r(θ) = r·(1 + amp·cos(NWiggles·θ)), wiggling the tube cross-section the
// same way the distorted circle wiggles.
func DistortedTorusImmersionPoint(theta, phi, majorRadius, minorRadius, distortionAmp float64, nWiggles int) (x, y, z float64) {
	r := minorRadius * (1 + distortionAmp*math.Cos(float64(nWiggles)*theta))
	return TorusImmersionPoint(theta, phi, majorRadius, r)
}

// KleinImmersionPoint is the figure-8 immersion of the Klein bottle in R^3,
// with the given bagel radius. It realizes the identification
// (theta+2π, -phi) ~ (theta, phi).
func KleinImmersionPoint(theta, phi, radius float64) (x, y, z float64) {
	ch, sh := math.Cos(theta/2), math.Sin(theta/2)
	tube := radius + ch*math.Sin(phi) - sh*math.Sin(2*phi)
	return tube * math.Cos(theta),
		tube * math.Sin(theta),
		sh*math.Sin(phi) + ch*math.Sin(2*phi)
}

// Hypersphere samples numPoints points uniformly on the unit d-sphere
// embedded in R^(dim+1).
func Hypersphere(dim, numPoints int, rng *rand.Rand) *mat.Dense {
	points := mat.NewDense(numPoints, dim+1, nil)
	for i := 0; i < numPoints; i++ {
		var norm float64
		row := make([]float64, dim+1)
		for norm == 0 {
			for j := range row {
				row[j] = rng.NormFloat64()
			}
			norm = mat.Norm(mat.NewVecDense(dim+1, row), 2)
		}
		for j := range row {
			points.Set(i, j, row[j]/norm)
		}
	}
	return points
}

// Hypertorus samples numPoints points uniformly on the flat d-torus
// (product of d unit circles) embedded in R^(2d).
func Hypertorus(dim, numPoints int, rng *rand.Rand) *mat.Dense {
	points := mat.NewDense(numPoints, 2*dim, nil)
	for i := 0; i < numPoints; i++ {
		for j := 0; j < dim; j++ {
			angle := 2 * math.Pi * rng.Float64()
			points.Set(i, 2*j, math.Cos(angle))
			points.Set(i, 2*j+1, math.Sin(angle))
		}
	}
	return points
}

// PlaceCells simulates the responses of place cells with Gaussian tuning
// curves centered at evenly spaced positions on a circular track.
// Returns the (nTimes, numCells) response matrix and the track angles.
func PlaceCells(nTimes, numCells int, tuningWidth float64, rng *rand.Rand) (*mat.Dense, Labels) {
	angles := linspaceAngles(nTimes)
	centers := linspaceAngles(numCells)
	responses := mat.NewDense(nTimes, numCells, nil)
	for i, theta := range angles {
		for j, center := range centers {
			d := angularDistance(theta, center)
			responses.Set(i, j, math.Exp(-d*d/(2*tuningWidth*tuningWidth)))
		}
	}
	return responses, Labels{Angles: angles}
}

// GridCellParams configure a synthetic grid-cell population.
type GridCellParams struct {
	GridScale       float64 // Spacing of the firing fields.
	ArenaDims       float64 // Side length of the square arena.
	NCells          int
	OrientationMean float64 // Mean grid orientation, in degrees.
	OrientationStd  float64 // Orientation jitter across cells, in degrees.
	FieldWidth      float64 // Width of each firing field relative to scale.
	Resolution      int     // Arena is sampled on a Resolution x Resolution lattice.
}

// GridCells simulates grid-cell responses over a square arena, using the
// standard sum-of-three-cosines rate model. Returns the
// (Resolution², NCells) response matrix and the flattened (x, y) positions.
func GridCells(params GridCellParams, rng *rand.Rand) (*mat.Dense, *mat.Dense) {
	n := params.Resolution * params.Resolution
	responses := mat.NewDense(n, params.NCells, nil)
	positions := mat.NewDense(n, 2, nil)

	orientations := make([]float64, params.NCells)
	phaseX := make([]float64, params.NCells)
	phaseY := make([]float64, params.NCells)
	for c := range orientations {
		orientations[c] = (params.OrientationMean + params.OrientationStd*rng.NormFloat64()) * math.Pi / 180
		phaseX[c] = rng.Float64() * params.GridScale
		phaseY[c] = rng.Float64() * params.GridScale
	}

	k := 4 * math.Pi / (math.Sqrt(3) * params.GridScale)
	idx := 0
	for i := 0; i < params.Resolution; i++ {
		for j := 0; j < params.Resolution; j++ {
			x := params.ArenaDims * float64(i) / float64(params.Resolution-1)
			y := params.ArenaDims * float64(j) / float64(params.Resolution-1)
			positions.Set(idx, 0, x)
			positions.Set(idx, 1, y)
			for c := 0; c < params.NCells; c++ {
				rate := 0.0
				for m := 0; m < 3; m++ {
					angle := orientations[c] + float64(m)*math.Pi/3
					u := math.Cos(angle)*(x-phaseX[c]) + math.Sin(angle)*(y-phaseY[c])
					rate += math.Cos(k * u)
				}
				// Rescale the sum of cosines from [-1.5, 3] to [0, 1], then sharpen.
				rate = (rate + 1.5) / 4.5
				responses.Set(idx, c, math.Pow(rate, 1/params.FieldWidth))
			}
			idx++
		}
	}
	return responses, positions
}

// NeuralManifold projects manifold points through a random tuning model into
// the activity of numNeurons neurons: rates = scale·σ(W·x + b)·refFrequency,
// observed with Poisson noise scaled by poissonMultiplier. Returns the noisy
// activity and the noiseless rates, both (nPoints, numNeurons).
//
// The nonlinearity is selected by name: "sigmoid", "relu" or "tanh".
func NeuralManifold(points *mat.Dense, numNeurons int, nonlinearity string,
	poissonMultiplier, refFrequency float64, scales []float64, rng *rand.Rand) (*mat.Dense, *mat.Dense, error) {

	nPoints, dim := points.Dims()
	if scales != nil && len(scales) != numNeurons {
		return nil, nil, errors.Errorf("got %d scales for %d neurons", len(scales), numNeurons)
	}
	nl, err := nonlinearityByName(nonlinearity)
	if err != nil {
		return nil, nil, err
	}

	weights := mat.NewDense(numNeurons, dim, nil)
	biases := make([]float64, numNeurons)
	for i := 0; i < numNeurons; i++ {
		for j := 0; j < dim; j++ {
			weights.Set(i, j, rng.NormFloat64()/math.Sqrt(float64(dim)))
		}
		biases[i] = 0.1 * rng.NormFloat64()
	}

	rates := mat.NewDense(nPoints, numNeurons, nil)
	activity := mat.NewDense(nPoints, numNeurons, nil)
	var projected mat.Dense
	projected.Mul(points, weights.T())
	for i := 0; i < nPoints; i++ {
		for j := 0; j < numNeurons; j++ {
			scale := 1.0
			if scales != nil {
				scale = scales[j]
			}
			rate := scale * nl(projected.At(i, j)+biases[j]) * refFrequency
			rates.Set(i, j, rate)
			lambda := rate * poissonMultiplier
			if lambda <= 0 {
				activity.Set(i, j, 0)
				continue
			}
			poisson := distuv.Poisson{Lambda: lambda, Src: randv2.NewPCG(rng.Uint64(), rng.Uint64())}
			activity.Set(i, j, poisson.Rand()/poissonMultiplier)
		}
	}
	return activity, rates, nil
}

// NoiseLevel is the relative noise of the Poisson observation model, used to
// annotate dimension-estimation experiments.
func NoiseLevel(refFrequency, poissonMultiplier float64) float64 {
	return math.Sqrt(1 / (refFrequency * poissonMultiplier))
}

func nonlinearityByName(name string) (func(float64) float64, error) {
	switch name {
	case "sigmoid":
		return func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }, nil
	case "relu":
		return func(x float64) float64 { return math.Max(0, x) }, nil
	case "tanh":
		return math.Tanh, nil
	}
	return nil, errors.Errorf("unknown nonlinearity %q", name)
}

// RandomRotation draws a uniformly random rotation of R^dim, as the Q factor
// of a Gaussian matrix with sign-corrected diagonal.
func RandomRotation(dim int, rng *rand.Rand) *mat.Dense {
	gaussian := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			gaussian.Set(i, j, rng.NormFloat64())
		}
	}
	var qr mat.QR
	qr.Factorize(gaussian)
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)
	// Fix the signs so the distribution is Haar-uniform.
	for j := 0; j < dim; j++ {
		if r.At(j, j) < 0 {
			for i := 0; i < dim; i++ {
				q.Set(i, j, -q.At(i, j))
			}
		}
	}
	return &q
}

// embed pads points with zeros up to embeddingDim, applies a random rotation
// and adds Gaussian noise with the given variance.
func embed(points *mat.Dense, embeddingDim int, noiseVar float64, rng *rand.Rand) *mat.Dense {
	nPoints, dim := points.Dims()
	padded := mat.NewDense(nPoints, embeddingDim, nil)
	for i := 0; i < nPoints; i++ {
		for j := 0; j < dim && j < embeddingDim; j++ {
			padded.Set(i, j, points.At(i, j))
		}
	}
	rotation := RandomRotation(embeddingDim, rng)
	var rotated mat.Dense
	rotated.Mul(padded, rotation.T())
	if noiseVar > 0 {
		std := math.Sqrt(noiseVar)
		for i := 0; i < nPoints; i++ {
			for j := 0; j < embeddingDim; j++ {
				rotated.Set(i, j, rotated.At(i, j)+std*rng.NormFloat64())
			}
		}
	}
	out := mat.DenseCopyOf(&rotated)
	return out
}

func linspaceAngles(n int) []float64 {
	angles := make([]float64, n)
	for i := range angles {
		angles[i] = 2 * math.Pi * float64(i) / float64(n)
	}
	return angles
}

func angularDistance(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 2*math.Pi)
	if d > math.Pi {
		d = 2*math.Pi - d
	}
	return d
}
