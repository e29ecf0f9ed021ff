// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

package curvature

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bioshape-lab/abn/curvature/evaluate"
	"github.com/bioshape-lab/abn/curvature/models"
	"github.com/bioshape-lab/abn/curvature/viz"
	"github.com/bioshape-lab/abn/synthetic"
	"github.com/bioshape-lab/abn/tracker"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// Scalar series logged to the tracker.
const (
	ScalarTrainLoss      = "train_loss"
	ScalarTestLoss       = "test_loss"
	ScalarCurvatureError = "curvature_error"
	ScalarCurvatureMean  = "curv_norm_mean"
	ScalarCurvatureStd   = "curv_norm_std"
)

// trainLossLogSteps is how often the batch train loss is recorded.
const trainLossLogSteps = 50

// numCheckpoints kept per run.
const numCheckpoints = 3

// Trial is one training run of a sweep: a model, its datasets and its
// training loop, advanced in stages so the scheduler can prune it between
// stages.
type Trial struct {
	Config *Config
	Run    *tracker.Run

	backend    backends.Backend
	ctx        *context.Context // Root context; the model lives in scope "model".
	modelCtx   *context.Context
	ds         *Dataset
	trainer    *train.Trainer
	loop       *train.Loop
	checkpoint *checkpoints.Handler
	stepsDone  int
	verbose    bool
}

// NewTrial loads the trial's dataset, registers the run with the tracker and
// assembles the trainer. The run's config JSON is on disk before any
// training happens.
func NewTrial(backend backends.Backend, cfg *Config, trk *tracker.Tracker, dataDir string, verbose bool) (*Trial, error) {
	ctx := context.New()
	ctx.SetParams(cfg.ContextParams())
	if err := ctx.SetRNGStateFromSeed(cfg.ModelSeed); err != nil {
		return nil, errors.WithMessagef(err, "seeding model of sweep %s", cfg.SweepName)
	}

	ds, err := LoadDataset(backend, cfg, dataDir)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading dataset for sweep %s", cfg.SweepName)
	}

	id := tracker.NewRunID()
	cfg.RunName = fmt.Sprintf("run_%s_%s", id, cfg.SweepName)
	run, err := trk.StartRun(id, cfg.RunName, cfg.SweepName, cfg)
	if err != nil {
		return nil, err
	}

	checkpoint, err := checkpoints.Build(ctx).
		Dir(filepath.Join(run.Dir(), "checkpoint")).
		Keep(numCheckpoints).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "building checkpoint for run %s", cfg.RunName)
	}

	modelFn, err := models.SelectModelFn(ctx)
	if err != nil {
		return nil, err
	}
	lossFn := models.MakeVAELoss(cfg.GenLikelihoodType, cfg.Alpha, cfg.Beta, cfg.Gamma, ds.Supervised())

	modelCtx := ctx.In("model")
	trainer := train.NewTrainer(backend, modelCtx, modelFn, lossFn,
		optimizers.FromContext(modelCtx),
		nil, // trainMetrics
		nil) // evalMetrics

	loop := train.NewLoop(trainer)
	if verbose {
		commandline.AttachProgressBar(loop)
	}

	// Checkpoint saving: every 3 minutes of training.
	train.PeriodicCallback(loop, 3*time.Minute, true, "saving checkpoint", 100,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			return checkpoint.Save()
		})

	t := &Trial{
		Config:     cfg,
		Run:        run,
		backend:    backend,
		ctx:        ctx,
		modelCtx:   modelCtx,
		ds:         ds,
		trainer:    trainer,
		loop:       loop,
		checkpoint: checkpoint,
		verbose:    verbose,
	}
	train.EveryNSteps(loop, trainLossLogSteps, "log train loss", 100,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			loss, ok := t.lossFromTrainMetrics(metrics)
			if !ok {
				return nil
			}
			return t.Run.LogScalar(ScalarTrainLoss, loop.LoopStep, loss)
		})
	return t, nil
}

// StepsDone is the number of training steps run so far.
func (t *Trial) StepsDone() int { return t.stepsDone }

// Advance trains for the given number of additional steps and returns the
// test loss afterwards.
func (t *Trial) Advance(steps int) (float64, error) {
	if _, err := t.loop.RunSteps(t.ds.Train, steps); err != nil {
		return 0, errors.WithMessagef(err, "training run %s", t.Config.RunName)
	}
	t.stepsDone += steps
	testLoss, err := t.EvalTestLoss()
	if err != nil {
		return 0, err
	}
	if err := t.Run.LogScalar(ScalarTestLoss, t.stepsDone, testLoss); err != nil {
		return 0, err
	}
	return testLoss, nil
}

// EvalTestLoss evaluates the mean loss on the held-out split.
func (t *Trial) EvalTestLoss() (float64, error) {
	values, err := t.trainer.Eval(t.ds.Test)
	if err != nil {
		return 0, errors.WithMessagef(err, "evaluating run %s", t.Config.RunName)
	}
	t.ds.Test.Reset()
	for i, metric := range t.trainer.EvalMetrics() {
		if strings.Contains(metric.ShortName(), "loss") {
			return tensorToFloat(values[i]), nil
		}
	}
	if len(values) == 0 {
		return 0, errors.Errorf("run %s evaluation returned no metrics", t.Config.RunName)
	}
	return tensorToFloat(values[0]), nil
}

func (t *Trial) lossFromTrainMetrics(values []*tensors.Tensor) (float64, bool) {
	for i, metric := range t.trainer.TrainMetrics() {
		if i < len(values) && strings.Contains(metric.ShortName(), "loss") {
			return tensorToFloat(values[i]), true
		}
	}
	if len(values) == 0 {
		return 0, false
	}
	return tensorToFloat(values[0]), true
}

// Stop marks a pruned trial. No artifacts beyond the config and logged
// scalars are kept.
func (t *Trial) Stop() error {
	return t.Run.Finish(tracker.StatePruned)
}

// Fail marks the trial failed.
func (t *Trial) Fail() error {
	return t.Run.Finish(tracker.StateFailed)
}

// Finalize persists the trained model twice (checkpoint and flat state-dict
// JSON), renders the run figures, computes the curvature profiles and closes
// the run.
func (t *Trial) Finalize() error {
	cfg := t.Config
	if err := t.checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint of run %s", cfg.RunName)
	}
	if err := t.exportStateDict(filepath.Join(t.Run.Dir(), "state_dict.json")); err != nil {
		return err
	}
	if err := t.renderFigures(); err != nil {
		return err
	}
	if err := t.computeCurvature(); err != nil {
		return err
	}
	if err := t.Run.Finish(tracker.StateFinished); err != nil {
		return err
	}
	klog.V(1).Infof("run %s finished after %d steps", cfg.RunName, t.stepsDone)
	return nil
}

// exportStateDict writes every context variable as a flat JSON dictionary of
// scope/name to shape and values.
func (t *Trial) exportStateDict(path string) error {
	type entry struct {
		Shape  []int `json:"shape"`
		Values any   `json:"values"`
	}
	dict := make(map[string]entry)
	var firstErr error
	t.ctx.EnumerateVariables(func(v *context.Variable) {
		value, err := v.Value()
		if err != nil {
			if firstErr == nil {
				firstErr = errors.WithMessagef(err, "reading variable %s", v.ScopeAndName())
			}
			return
		}
		dict[v.ScopeAndName()] = entry{
			Shape:  v.Shape().Dimensions,
			Values: value.Value(),
		}
	})
	if firstErr != nil {
		return firstErr
	}
	data, err := json.Marshal(dict)
	if err != nil {
		return errors.Wrapf(err, "serializing state dict of run %s", t.Config.RunName)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing state dict of run %s", t.Config.RunName)
	}
	return nil
}

func (t *Trial) renderFigures() error {
	cfg := t.Config
	dir := t.Run.Dir()

	// Loss curves from the logged scalar series.
	trainSteps, trainLoss, err := t.scalars(ScalarTrainLoss)
	if err != nil {
		return err
	}
	testSteps, testLoss, err := t.scalars(ScalarTestLoss)
	if err != nil {
		return err
	}
	lossPath := filepath.Join(dir, "losses.png")
	if err := viz.LossCurves(trainSteps, trainLoss, testSteps, testLoss, lossPath); err != nil {
		return err
	}
	if err := t.Run.LogFigure("losses", lossPath); err != nil {
		return err
	}

	// Latent embedding of the full dataset, colored by the generative angle.
	encode, err := models.NewEncodeExec(t.backend, t.modelCtx)
	if err != nil {
		return errors.WithMessagef(err, "building encoder for run %s", cfg.RunName)
	}
	latent, err := execMatrix(encode, t.ds.Activity)
	if err != nil {
		return errors.WithMessagef(err, "encoding dataset of run %s", cfg.RunName)
	}
	latentPath := filepath.Join(dir, "latent.png")
	if err := viz.LatentScatter(latent, t.ds.Labels.Angles, latentPath); err != nil {
		return err
	}
	if err := t.Run.LogFigure("latent", latentPath); err != nil {
		return err
	}

	// Reconstruction of the first neuron, per angle and per time.
	reconstruct, err := models.NewReconstructExec(t.backend, t.modelCtx)
	if err != nil {
		return errors.WithMessagef(err, "building reconstruction for run %s", cfg.RunName)
	}
	recon, err := execMatrix(reconstruct, t.ds.Activity)
	if err != nil {
		return errors.WithMessagef(err, "reconstructing dataset of run %s", cfg.RunName)
	}
	activityCol := colSlice(t.ds.Activity, 0)
	reconCol := colSlice(recon, 0)
	if t.ds.Labels.Angles != nil {
		perAnglePath := filepath.Join(dir, "recon_per_angle.png")
		if err := viz.ReconstructionPerAngle(t.ds.Labels.Angles, activityCol, reconCol, perAnglePath); err != nil {
			return err
		}
		if err := t.Run.LogFigure("recon_per_angle", perAnglePath); err != nil {
			return err
		}
	}
	perTimePath := filepath.Join(dir, "recon_per_time.png")
	if err := viz.ReconstructionPerTime(activityCol, reconCol, perTimePath); err != nil {
		return err
	}
	return t.Run.LogFigure("recon_per_time", perTimePath)
}

// computeCurvature evaluates the learned curvature profile and, for synthetic
// datasets, the ground-truth profile and their normalized error.
func (t *Trial) computeCurvature() error {
	cfg := t.Config
	dir := t.Run.Dir()

	start := time.Now()
	learnedImmersion, err := t.learnedImmersion()
	if err != nil {
		return err
	}
	learned, err := evaluate.ComputeProfile(learnedImmersion, cfg.ManifoldDim, cfg.NGridPoints)
	if err != nil {
		return errors.WithMessagef(err, "learned curvature of run %s", cfg.RunName)
	}
	klog.V(1).Infof("run %s: learned curvature profile in %s", cfg.RunName, time.Since(start))

	learnedPath := filepath.Join(dir, "curv_profile_learned.csv")
	if err := learned.WriteCSV(learnedPath); err != nil {
		return err
	}
	mean, std := learned.MeanStd()
	if err := t.Run.LogScalar(ScalarCurvatureMean, t.stepsDone, mean); err != nil {
		return err
	}
	if err := t.Run.LogScalar(ScalarCurvatureStd, t.stepsDone, std); err != nil {
		return err
	}

	truthImmersion := trueImmersion(cfg)
	if truthImmersion == nil {
		figPath := filepath.Join(dir, "curv_profile.png")
		if err := viz.CurvatureProfiles(learned.GeodesicDist, learned.CurvatureNorm, nil, figPath); err != nil {
			return err
		}
		return t.Run.LogFigure("curv_profile", figPath)
	}

	truth, err := evaluate.ComputeProfile(truthImmersion, cfg.ManifoldDim, cfg.NGridPoints)
	if err != nil {
		return errors.WithMessagef(err, "true curvature of run %s", cfg.RunName)
	}
	truthPath := filepath.Join(dir, "curv_profile_true.csv")
	if err := truth.WriteCSV(truthPath); err != nil {
		return err
	}
	curvErr, err := evaluate.ProfileError(learned, truth)
	if err != nil {
		return errors.WithMessagef(err, "curvature error of run %s", cfg.RunName)
	}
	if err := t.Run.LogScalar(ScalarCurvatureError, t.stepsDone, curvErr); err != nil {
		return err
	}
	klog.V(1).Infof("run %s: curvature error %.6g", cfg.RunName, curvErr)

	figPath := filepath.Join(dir, "curv_profile.png")
	if err := viz.CurvatureProfiles(learned.GeodesicDist, learned.CurvatureNorm, truth.CurvatureNorm, figPath); err != nil {
		return err
	}
	return t.Run.LogFigure("curv_profile", figPath)
}

// learnedImmersion wraps the trained decoder as a batched immersion over
// latent angles.
func (t *Trial) learnedImmersion() (evaluate.ImmersionFn, error) {
	decode, err := models.NewDecodeAnglesExec(t.backend, t.modelCtx, t.Config.DataDim)
	if err != nil {
		return nil, errors.WithMessagef(err, "building decoder for run %s", t.Config.RunName)
	}
	return func(angles *mat.Dense) (*mat.Dense, error) {
		return execMatrix(decode, angles)
	}, nil
}

// trueImmersion returns the analytic ground-truth immersion of synthetic
// datasets, or nil when there is none.
func trueImmersion(cfg *Config) evaluate.ImmersionFn {
	switch cfg.DatasetName {
	case DatasetS1Synthetic:
		return func(angles *mat.Dense) (*mat.Dense, error) {
			n, _ := angles.Dims()
			out := mat.NewDense(n, 2, nil)
			for i := 0; i < n; i++ {
				x, y := synthetic.CircleImmersionPoint(
					angles.At(i, 0), cfg.Radius, cfg.GeodesicDistortionAmp, cfg.NWiggles)
				out.Set(i, 0, x)
				out.Set(i, 1, y)
			}
			return out, nil
		}
	case DatasetS2Synthetic:
		return func(angles *mat.Dense) (*mat.Dense, error) {
			n, _ := angles.Dims()
			out := mat.NewDense(n, 3, nil)
			for i := 0; i < n; i++ {
				x, y, z := synthetic.DistortedSphereImmersionPoint(
					angles.At(i, 0), angles.At(i, 1), cfg.Radius,
					cfg.GeodesicDistortionAmp, cfg.NWiggles)
				out.Set(i, 0, x)
				out.Set(i, 1, y)
				out.Set(i, 2, z)
			}
			return out, nil
		}
	case DatasetT2Synthetic:
		return func(angles *mat.Dense) (*mat.Dense, error) {
			n, _ := angles.Dims()
			out := mat.NewDense(n, 3, nil)
			for i := 0; i < n; i++ {
				x, y, z := synthetic.DistortedTorusImmersionPoint(
					angles.At(i, 0), angles.At(i, 1), cfg.MajorRadius, cfg.MinorRadius,
					cfg.GeodesicDistortionAmp, cfg.NWiggles)
				out.Set(i, 0, x)
				out.Set(i, 1, y)
				out.Set(i, 2, z)
			}
			return out, nil
		}
	}
	return nil
}

func (t *Trial) scalars(name string) ([]int, []float64, error) {
	steps, values, err := t.Run.Scalars(name)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "reading scalar %s of run %s", name, t.Config.RunName)
	}
	return steps, values, nil
}

// execMatrix runs a single-output executor over the float32 conversion of m
// and converts the result back.
func execMatrix(exec *context.Exec, m *mat.Dense) (*mat.Dense, error) {
	rows, cols := m.Dims()
	input := make([][]float32, rows)
	for i := 0; i < rows; i++ {
		input[i] = make([]float32, cols)
		for j := 0; j < cols; j++ {
			input[i][j] = float32(m.At(i, j))
		}
	}
	outTensor, err := exec.Exec1(input)
	if err != nil {
		return nil, err
	}
	outValues, ok := outTensor.Value().([][]float32)
	if !ok {
		return nil, errors.Errorf("executor returned %s, want a 2D float32 tensor", outTensor.Shape())
	}
	out := mat.NewDense(len(outValues), len(outValues[0]), nil)
	for i, row := range outValues {
		for j, v := range row {
			out.Set(i, j, float64(v))
		}
	}
	return out, nil
}

func colSlice(m *mat.Dense, col int) []float64 {
	rows, _ := m.Dims()
	out := make([]float64, rows)
	for i := range out {
		out[i] = m.At(i, col)
	}
	return out
}

func tensorToFloat(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		return math.NaN()
	}
}
