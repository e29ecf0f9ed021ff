// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

// Package models implements the variational autoencoders used by the
// curvature experiments: a NeuralVAE with a Gaussian or hyperspherical
// posterior, a ToroidalVAE and a KleinBottleVAE. The model is selected by the
// "posterior_type" hyperparameter of the gomlx context, following the same
// string dispatch the datasets use.
//
// All models share the same encoder/decoder FNN structure; they differ in how
// the latent sample is projected onto the latent manifold and in the feature
// map fed to the decoder.
package models

import (
	"slices"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"
)

// Posterior types selecting the model class.
const (
	PosteriorGaussian       = "gaussian"
	PosteriorHyperspherical = "hyperspherical"
	PosteriorToroidal       = "toroidal"
	PosteriorKleinBottle    = "klein_bottle"
)

// ValidPosteriorTypes is the list of supported posterior types.
var ValidPosteriorTypes = []string{
	PosteriorGaussian, PosteriorHyperspherical, PosteriorToroidal, PosteriorKleinBottle,
}

// Generative likelihood types for the reconstruction term.
const (
	LikelihoodGaussian = "gaussian"
	LikelihoodPoisson  = "poisson"
)

// Context hyperparameters read by the model graphs.
const (
	ParamPosteriorType = "posterior_type"
	ParamLatentDim     = "latent_dim"
	ParamEncoderWidth  = "encoder_width"
	ParamEncoderDepth  = "encoder_depth"
	ParamDecoderWidth  = "decoder_width"
	ParamDecoderDepth  = "decoder_depth"
	ParamDropoutRate   = "drop_out_p"
	ParamSftBeta       = "sftbeta"
	ParamLikelihood    = "gen_likelihood_type"
)

// kleinBagelRadius is the tube offset of the figure-8 Klein bottle immersion
// fed to the KleinBottleVAE decoder.
const kleinBagelRadius = 2.0

// Model outputs, by index, as returned by the graph functions.
const (
	OutputRecon = iota
	OutputLatentMean
	OutputLatentLogVar
	OutputLatentSample
	NumOutputs
)

// SelectModelFn returns the model graph function for the posterior type set
// in ctx, or an error for an unknown type.
func SelectModelFn(ctx *context.Context) (train.ModelFn, error) {
	posteriorType := context.GetParamOr(ctx, ParamPosteriorType, PosteriorGaussian)
	if slices.Index(ValidPosteriorTypes, posteriorType) == -1 {
		return nil, errors.Errorf("parameter %q must take one value from %v, got %q",
			ParamPosteriorType, ValidPosteriorTypes, posteriorType)
	}
	return VAEGraph, nil
}

// VAEGraph implements train.ModelFn for all posterior types. The input is the
// batch of neural activity, shaped (batch, dataDim). It returns
// [reconstruction, latentMean, latentLogVar, latentSample].
func VAEGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	x := inputs[0]
	g := x.Graph()
	dataDim := x.Shape().Dimensions[1]

	mean, logVar := EncoderGraph(ctx, x)

	// Reparameterize, then project the sample onto the latent manifold.
	// Evaluation uses the posterior mean.
	var sample *Node
	if ctx.IsTraining(g) {
		eps := ctx.In("sampler").RandomNormal(g, mean.Shape())
		sample = Add(mean, Mul(Exp(MulScalar(logVar, 0.5)), eps))
	} else {
		sample = mean
	}
	posteriorType := context.GetParamOr(ctx, ParamPosteriorType, PosteriorGaussian)
	mean = projectLatent(posteriorType, mean)
	sample = projectLatent(posteriorType, sample)

	features := decoderFeatures(posteriorType, sample)
	recon := DecoderGraph(ctx, features, dataDim)
	return []*Node{recon, mean, logVar, sample}
}

// EncoderGraph maps activity to the mean and log-variance of the
// (pre-projection) Gaussian posterior.
func EncoderGraph(ctx *context.Context, x *Node) (mean, logVar *Node) {
	width := context.GetParamOr(ctx, ParamEncoderWidth, 400)
	depth := context.GetParamOr(ctx, ParamEncoderDepth, 4)
	dropout := context.GetParamOr(ctx, ParamDropoutRate, 0.0)
	paramDim := latentParamDim(ctx)

	hidden := fnn.New(ctx.In("encoder"), x, width).
		NumHiddenLayers(depth-1, width).
		Activation(activations.TypeRelu).
		Dropout(dropout).
		Done()
	hidden = activations.Relu(hidden)
	mean = layers.Dense(ctx.In("latent_mean"), hidden, true, paramDim)
	logVar = layers.Dense(ctx.In("latent_log_var"), hidden, true, paramDim)
	return mean, logVar
}

// DecoderGraph maps decoder features back to activity space. For a Poisson
// likelihood the output passes through a sharpened softplus so it is a valid
// non-negative rate.
func DecoderGraph(ctx *context.Context, features *Node, dataDim int) *Node {
	width := context.GetParamOr(ctx, ParamDecoderWidth, 400)
	depth := context.GetParamOr(ctx, ParamDecoderDepth, 4)
	recon := fnn.New(ctx.In("decoder"), features, dataDim).
		NumHiddenLayers(depth-1, width).
		Activation(activations.TypeRelu).
		Done()
	if context.GetParamOr(ctx, ParamLikelihood, LikelihoodGaussian) == LikelihoodPoisson {
		sftBeta := context.GetParamOr(ctx, ParamSftBeta, 4.5)
		recon = softplusBeta(recon, sftBeta)
	}
	return recon
}

// latentParamDim is the dimension of the underlying Gaussian posterior
// parameters, which differs from the latent manifold dimension for the
// angle-based posteriors.
func latentParamDim(ctx *context.Context) int {
	latentDim := context.GetParamOr(ctx, ParamLatentDim, 2)
	switch context.GetParamOr(ctx, ParamPosteriorType, PosteriorGaussian) {
	case PosteriorToroidal, PosteriorKleinBottle:
		// Two unit 2-vectors, one per angle.
		return 4
	default:
		return latentDim
	}
}

// projectLatent maps the Gaussian sample onto the latent manifold of the
// posterior type: the unit sphere for hyperspherical posteriors, a unit
// circle per angle for toroidal and Klein-bottle posteriors.
func projectLatent(posteriorType string, z *Node) *Node {
	switch posteriorType {
	case PosteriorHyperspherical:
		return L2NormalizeWithEpsilon(z, 1e-12, -1)
	case PosteriorToroidal, PosteriorKleinBottle:
		first := L2NormalizeWithEpsilon(sliceCols(z, 0, 2), 1e-12, -1)
		second := L2NormalizeWithEpsilon(sliceCols(z, 2, 4), 1e-12, -1)
		return Concatenate([]*Node{first, second}, -1)
	default:
		return z
	}
}

// decoderFeatures is the feature map from the projected latent sample to the
// decoder input. For the Klein bottle the latent pair (half-angle circle,
// minor circle) is pushed through the figure-8 immersion, which realizes the
// Klein identification (θ+2π, -φ) ~ (θ, φ).
func decoderFeatures(posteriorType string, z *Node) *Node {
	if posteriorType != PosteriorKleinBottle {
		return z
	}
	// z = (cos θ/2, sin θ/2, cos φ, sin φ).
	ch, sh := sliceCol(z, 0), sliceCol(z, 1)
	cp, sp := sliceCol(z, 2), sliceCol(z, 3)
	cosTheta := Sub(Mul(ch, ch), Mul(sh, sh))
	sinTheta := MulScalar(Mul(ch, sh), 2)
	sin2Phi := MulScalar(Mul(cp, sp), 2)
	tube := AddScalar(Sub(Mul(ch, sp), Mul(sh, sin2Phi)), kleinBagelRadius)
	xs := Mul(tube, cosTheta)
	ys := Mul(tube, sinTheta)
	zs := Add(Mul(sh, sp), Mul(ch, sin2Phi))
	return Concatenate([]*Node{xs, ys, zs}, -1)
}

// MakeVAELoss returns the weighted ELBO loss: alpha·reconstruction + beta·KL,
// plus a gamma-weighted latent supervision term when the dataset carries
// latent labels. Labels are [activity, latentTarget]; predictions are the
// VAEGraph outputs.
//
// Built as a closure over the static configuration, like losses.MakeHuberLoss.
func MakeVAELoss(genLikelihood string, alpha, beta, gamma float64, supervised bool) losses.LossFn {
	return func(labels, predictions []*Node) *Node {
		x := labels[0]
		recon := predictions[OutputRecon]
		mean := predictions[OutputLatentMean]
		logVar := predictions[OutputLatentLogVar]

		var reconLoss *Node
		switch genLikelihood {
		case LikelihoodPoisson:
			// Poisson negative log-likelihood up to a constant in x.
			perExample := ReduceSum(Sub(recon, Mul(x, Log(AddScalar(recon, 1e-8)))), -1)
			reconLoss = ReduceAllMean(perExample)
		default:
			reconLoss = ReduceAllMean(ReduceSum(Mul(Sub(x, recon), Sub(x, recon)), -1))
		}

		kl := MulScalar(
			ReduceAllMean(ReduceSum(
				Sub(Add(Mul(mean, mean), Exp(logVar)), AddScalar(logVar, 1)), -1)),
			0.5)
		loss := Add(MulScalar(reconLoss, alpha), MulScalar(kl, beta))

		if supervised && gamma > 0 {
			target := labels[1]
			z := predictions[OutputLatentSample]
			diff := Sub(z, target)
			latentLoss := ReduceAllMean(ReduceSum(Mul(diff, diff), -1))
			loss = Add(loss, MulScalar(latentLoss, gamma))
		}
		return loss
	}
}

// NewEncodeExec returns an executor mapping activity to the projected
// posterior mean, reusing the trained variables of ctx.
func NewEncodeExec(backend backends.Backend, ctx *context.Context) (*context.Exec, error) {
	return context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, x *Node) *Node {
		mean, _ := EncoderGraph(ctx, x)
		posteriorType := context.GetParamOr(ctx, ParamPosteriorType, PosteriorGaussian)
		return projectLatent(posteriorType, mean)
	})
}

// NewDecodeAnglesExec returns an executor that decodes a grid of latent
// angles through the trained decoder. Angles are shaped (n, 1) for
// one-dimensional latent manifolds and (n, 2) otherwise; the angle-to-latent
// feature map depends on the posterior type:
//
//   - hyperspherical, 1 angle: point on the unit circle;
//   - hyperspherical, 2 angles: point on the unit sphere (polar, azimuthal);
//   - toroidal and klein_bottle: one unit 2-vector per angle.
func NewDecodeAnglesExec(backend backends.Backend, ctx *context.Context, dataDim int) (*context.Exec, error) {
	return context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, angles *Node) *Node {
		posteriorType := context.GetParamOr(ctx, ParamPosteriorType, PosteriorGaussian)
		var features *Node
		numAngles := angles.Shape().Dimensions[1]
		switch {
		case posteriorType == PosteriorHyperspherical && numAngles == 1:
			theta := sliceCol(angles, 0)
			features = Concatenate([]*Node{Cos(theta), Sin(theta)}, -1)
		case posteriorType == PosteriorHyperspherical:
			theta, phi := sliceCol(angles, 0), sliceCol(angles, 1)
			features = Concatenate([]*Node{
				Mul(Sin(theta), Cos(phi)),
				Mul(Sin(theta), Sin(phi)),
				Cos(theta),
			}, -1)
		case posteriorType == PosteriorKleinBottle:
			// The latent pair holds the half-angle circle.
			half := MulScalar(sliceCol(angles, 0), 0.5)
			phi := sliceCol(angles, 1)
			features = Concatenate([]*Node{Cos(half), Sin(half), Cos(phi), Sin(phi)}, -1)
		default:
			theta, phi := sliceCol(angles, 0), sliceCol(angles, 1)
			features = Concatenate([]*Node{Cos(theta), Sin(theta), Cos(phi), Sin(phi)}, -1)
		}
		features = decoderFeatures(posteriorType, features)
		return DecoderGraph(ctx, features, dataDim)
	})
}

// NewReconstructExec returns an executor mapping activity through the full
// autoencoder, using the posterior mean.
func NewReconstructExec(backend backends.Backend, ctx *context.Context) (*context.Exec, error) {
	return context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, x *Node) *Node {
		dataDim := x.Shape().Dimensions[1]
		mean, _ := EncoderGraph(ctx, x)
		posteriorType := context.GetParamOr(ctx, ParamPosteriorType, PosteriorGaussian)
		z := projectLatent(posteriorType, mean)
		return DecoderGraph(ctx, decoderFeatures(posteriorType, z), dataDim)
	})
}

// softplusBeta is softplus with a sharpness parameter:
// softplus_β(x) = log(1+exp(β·x))/β.
func softplusBeta(x *Node, beta float64) *Node {
	return DivScalar(Softplus(MulScalar(x, beta)), beta)
}

func sliceCol(x *Node, col int) *Node {
	return Slice(x, AxisRange(), AxisRange(col, col+1))
}

func sliceCols(x *Node, from, to int) *Node {
	return Slice(x, AxisRange(), AxisRange(from, to))
}
