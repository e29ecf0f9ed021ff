// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

// Package viz renders the per-run figures as PNG files: loss curves, latent
// spaces, reconstructions and curvature profiles.
package viz

import (
	"image/color"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

const (
	figWidth  = 6 * vg.Inch
	figHeight = 4 * vg.Inch
)

var (
	trainColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	testColor  = color.RGBA{R: 255, G: 127, B: 14, A: 255}
)

// LossCurves plots train and test loss against the training step, both on
// the same axes.
func LossCurves(trainSteps []int, trainLoss []float64, testSteps []int, testLoss []float64, path string) error {
	p := plot.New()
	p.Title.Text = "ELBO loss"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"

	trainLine, err := plotter.NewLine(xys(trainSteps, trainLoss))
	if err != nil {
		return errors.Wrap(err, "building train loss line")
	}
	trainLine.Color = trainColor
	testLine, err := plotter.NewLine(xys(testSteps, testLoss))
	if err != nil {
		return errors.Wrap(err, "building test loss line")
	}
	testLine.Color = testColor

	p.Add(trainLine, testLine)
	p.Legend.Add("train", trainLine)
	p.Legend.Add("test", testLine)
	p.Legend.Top = true
	return save(p, path)
}

// LatentScatter plots the first two coordinates of the latent embedding,
// colored by the generative angle when available (colors may be nil).
func LatentScatter(latent *mat.Dense, colors []float64, path string) error {
	n, dim := latent.Dims()
	if dim < 2 {
		return errors.Errorf("latent scatter needs at least 2 dimensions, got %d", dim)
	}
	pts := make(plotter.XYs, n)
	for i := 0; i < n; i++ {
		pts[i].X = latent.At(i, 0)
		pts[i].Y = latent.At(i, 1)
	}
	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return errors.Wrap(err, "building latent scatter")
	}
	scatter.GlyphStyle.Radius = vg.Points(1.5)
	if colors != nil && len(colors) == n {
		cmap := moreland.SmoothBlueRed()
		cmin, cmax := minMax(colors)
		cmap.SetMin(cmin)
		if cmax <= cmin {
			cmax = cmin + 1
		}
		cmap.SetMax(cmax)
		scatter.GlyphStyleFunc = func(i int) draw.GlyphStyle {
			c, err := cmap.At(colors[i])
			if err != nil {
				c = color.Black
			}
			return draw.GlyphStyle{
				Color:  c,
				Radius: vg.Points(1.5),
				Shape:  draw.CircleGlyph{},
			}
		}
	}

	p := plot.New()
	p.Title.Text = "Latent space"
	p.X.Label.Text = "z1"
	p.Y.Label.Text = "z2"
	p.Add(scatter)
	return save(p, path)
}

// ReconstructionPerAngle plots one neuron's measured activity and its
// reconstruction against the generative angle.
func ReconstructionPerAngle(angles, activity, recon []float64, path string) error {
	p := plot.New()
	p.Title.Text = "Reconstruction"
	p.X.Label.Text = "angle"
	p.Y.Label.Text = "activity"

	measured, err := plotter.NewScatter(xysF(angles, activity))
	if err != nil {
		return errors.Wrap(err, "building activity scatter")
	}
	measured.GlyphStyle.Radius = vg.Points(1.5)
	measured.GlyphStyle.Color = trainColor
	reconScatter, err := plotter.NewScatter(xysF(angles, recon))
	if err != nil {
		return errors.Wrap(err, "building reconstruction scatter")
	}
	reconScatter.GlyphStyle.Radius = vg.Points(1.5)
	reconScatter.GlyphStyle.Color = testColor

	p.Add(measured, reconScatter)
	p.Legend.Add("data", measured)
	p.Legend.Add("reconstruction", reconScatter)
	p.Legend.Top = true
	return save(p, path)
}

// ReconstructionPerTime plots one neuron's measured activity and its
// reconstruction over the sample index.
func ReconstructionPerTime(activity, recon []float64, path string) error {
	steps := make([]int, len(activity))
	for i := range steps {
		steps[i] = i
	}
	p := plot.New()
	p.Title.Text = "Reconstruction over time"
	p.X.Label.Text = "time"
	p.Y.Label.Text = "activity"

	measured, err := plotter.NewLine(xys(steps, activity))
	if err != nil {
		return errors.Wrap(err, "building activity line")
	}
	measured.Color = trainColor
	reconLine, err := plotter.NewLine(xys(steps, recon))
	if err != nil {
		return errors.Wrap(err, "building reconstruction line")
	}
	reconLine.Color = testColor

	p.Add(measured, reconLine)
	p.Legend.Add("data", measured)
	p.Legend.Add("reconstruction", reconLine)
	p.Legend.Top = true
	return save(p, path)
}

// CurvatureProfiles plots learned and true curvature norms against geodesic
// distance. The true series may be nil for datasets without ground truth.
func CurvatureProfiles(geodesicDist, learned, truth []float64, path string) error {
	p := plot.New()
	p.Title.Text = "Curvature profile"
	p.X.Label.Text = "geodesic distance"
	p.Y.Label.Text = "mean curvature norm"

	learnedScatter, err := plotter.NewScatter(xysF(geodesicDist, learned))
	if err != nil {
		return errors.Wrap(err, "building learned profile")
	}
	learnedScatter.GlyphStyle.Radius = vg.Points(1.5)
	learnedScatter.GlyphStyle.Color = trainColor
	p.Add(learnedScatter)
	p.Legend.Add("learned", learnedScatter)

	if truth != nil {
		trueScatter, err := plotter.NewScatter(xysF(geodesicDist, truth))
		if err != nil {
			return errors.Wrap(err, "building true profile")
		}
		trueScatter.GlyphStyle.Radius = vg.Points(1.5)
		trueScatter.GlyphStyle.Color = testColor
		p.Add(trueScatter)
		p.Legend.Add("true", trueScatter)
	}
	p.Legend.Top = true
	return save(p, path)
}

func save(p *plot.Plot, path string) error {
	return errors.Wrapf(p.Save(figWidth, figHeight, path), "saving figure %s", path)
}

func xys(xs []int, ys []float64) plotter.XYs {
	pts := make(plotter.XYs, len(xs))
	for i := range xs {
		pts[i].X = float64(xs[i])
		pts[i].Y = ys[i]
	}
	return pts
}

func xysF(xs, ys []float64) plotter.XYs {
	pts := make(plotter.XYs, len(xs))
	for i := range xs {
		pts[i].X = xs[i]
		pts[i].Y = ys[i]
	}
	return pts
}

func minMax(values []float64) (lo, hi float64) {
	lo, hi = values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
