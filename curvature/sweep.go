// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

package curvature

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/bioshape-lab/abn/tracker"
	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Sweep is one enumerated dataset configuration: a unique name and the base
// run configuration every trial of the sweep starts from.
type Sweep struct {
	Name string
	Base Config
}

// EnumerateSweeps expands the experiment's per-dataset parameter grids into
// the full list of sweeps. Invalid combinations fail here, before anything
// trains.
func EnumerateSweeps(exp *Experiment) ([]Sweep, error) {
	var sweeps []Sweep
	add := func(cfg Config) error {
		if err := cfg.applyGeometry(); err != nil {
			return err
		}
		cfg.Seed = exp.Seed
		cfg.TrainSteps = exp.TrainSteps
		cfg.Alpha = exp.Alpha
		cfg.Beta = exp.Beta
		cfg.Gamma = exp.Gamma
		cfg.SftBeta = exp.SftBeta
		cfg.NGridPoints = exp.NGridPoints
		cfg.SweepName = cfg.sweepName()
		sweeps = append(sweeps, Sweep{Name: cfg.SweepName, Base: cfg})
		return nil
	}

	var err error
	for _, dataset := range exp.DatasetNames {
		switch dataset {
		case DatasetS1Synthetic, DatasetS2Synthetic, DatasetT2Synthetic:
			product([]int{
				len(exp.NTimes), len(exp.EmbeddingDim),
				len(exp.GeodesicDistortionAmp), len(exp.NoiseVar),
			}, func(idx []int) {
				if err != nil {
					return
				}
				cfg := Config{
					DatasetName:           dataset,
					NTimes:                exp.NTimes[idx[0]],
					EmbeddingDim:          exp.EmbeddingDim[idx[1]],
					GeodesicDistortionAmp: exp.GeodesicDistortionAmp[idx[2]],
					NoiseVar:              exp.NoiseVar[idx[3]],
				}
				if vErr := cfg.validateEmbedding(); vErr != nil {
					err = vErr
					return
				}
				err = add(cfg)
			})
		case DatasetExperimental:
			product([]int{
				len(exp.ExptID), len(exp.TimestepMicrosec),
				len(exp.Smooth), len(exp.SelectGain1),
			}, func(idx []int) {
				if err != nil {
					return
				}
				err = add(Config{
					DatasetName:      dataset,
					ExptID:           exp.ExptID[idx[0]],
					TimestepMicrosec: exp.TimestepMicrosec[idx[1]],
					Smooth:           exp.Smooth[idx[2]],
					SelectGain1:      exp.SelectGain1[idx[3]],
				})
			})
		case DatasetGridCells:
			product([]int{
				len(exp.GridScale), len(exp.ArenaDims), len(exp.NCells),
				len(exp.GridOrientationMean), len(exp.GridOrientationStd),
				len(exp.FieldWidth), len(exp.Resolution),
			}, func(idx []int) {
				if err != nil {
					return
				}
				err = add(Config{
					DatasetName:         dataset,
					GridScale:           exp.GridScale[idx[0]],
					ArenaDims:           exp.ArenaDims[idx[1]],
					NCells:              exp.NCells[idx[2]],
					GridOrientationMean: exp.GridOrientationMean[idx[3]],
					GridOrientationStd:  exp.GridOrientationStd[idx[4]],
					FieldWidth:          exp.FieldWidth[idx[5]],
					Resolution:          exp.Resolution[idx[6]],
				})
			})
		case DatasetThreePlaceCells:
			err = add(Config{DatasetName: dataset, NTimes: firstOr(exp.NTimes, 1500)})
		default:
			err = errors.Errorf("unknown dataset %q", dataset)
		}
		if err != nil {
			return nil, err
		}
	}
	return sweeps, nil
}

// validateEmbedding is the pre-sweep slice of Validate: it only needs the
// dataset parameters, which are known before hyperparameters are sampled.
func (cfg *Config) validateEmbedding() error {
	probe := *cfg
	probe.BatchSize = 1
	return probe.Validate()
}

// product iterates the cartesian product of index ranges with the given
// lengths.
func product(lengths []int, fn func(idx []int)) {
	for _, n := range lengths {
		if n == 0 {
			return
		}
	}
	idx := make([]int, len(lengths))
	for {
		fn(idx)
		pos := len(idx) - 1
		for ; pos >= 0; pos-- {
			idx[pos]++
			if idx[pos] < lengths[pos] {
				break
			}
			idx[pos] = 0
		}
		if pos < 0 {
			return
		}
	}
}

func firstOr(values []int, fallback int) int {
	if len(values) == 0 {
		return fallback
	}
	return values[0]
}

// Runner executes sweeps: random search over the sweep space with staged
// successive halving on the test loss.
type Runner struct {
	Backend backends.Backend
	Tracker *tracker.Tracker
	DataDir string
	Verbose bool

	rng *rand.Rand
	mu  sync.Mutex
}

// NewRunner returns a Runner sampling hyperparameters from the given seed.
func NewRunner(backend backends.Backend, trk *tracker.Tracker, dataDir string, seed int64, verbose bool) *Runner {
	return &Runner{
		Backend: backend,
		Tracker: trk,
		DataDir: dataDir,
		Verbose: verbose,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// RunAll enumerates and runs every sweep of the experiment, reporting the
// best run of each.
func (r *Runner) RunAll(exp *Experiment) error {
	sweeps, err := EnumerateSweeps(exp)
	if err != nil {
		return err
	}
	klog.Infof("running %d sweeps", len(sweeps))
	for _, sweep := range sweeps {
		best, err := r.RunSweep(sweep, exp.Space)
		if err != nil {
			return errors.WithMessagef(err, "sweep %s", sweep.Name)
		}
		klog.Infof("sweep %s best: %s", sweep.Name, best)
	}
	return nil
}

// RunSweep samples the sweep's trials, trains them in halving stages with
// bounded parallelism, and returns the best run.
func (r *Runner) RunSweep(sweep Sweep, space SweepSpace) (tracker.RunSummary, error) {
	configs := r.sampleConfigs(sweep, space)
	trials := make([]*Trial, 0, len(configs))
	for _, cfg := range configs {
		trial, err := NewTrial(r.Backend, cfg, r.Tracker, r.DataDir, r.Verbose)
		if err != nil {
			return tracker.RunSummary{}, err
		}
		trials = append(trials, trial)
	}

	stages := halvingStages(len(trials), space.ReductionFactor)
	alive := trials
	for stage, targetSteps := range stageBudgets(sweep.Base.TrainSteps, stages, space.ReductionFactor) {
		losses := make([]float64, len(alive))
		group := new(errgroup.Group)
		group.SetLimit(max(1, space.MaxParallel))
		for i, trial := range alive {
			group.Go(func() error {
				loss, err := trial.Advance(targetSteps - trial.StepsDone())
				if err != nil {
					if fErr := trial.Fail(); fErr != nil {
						klog.Warningf("marking run %s failed: %v", trial.Config.RunName, fErr)
					}
					return err
				}
				losses[i] = loss
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return tracker.RunSummary{}, err
		}

		if stage == stages-1 {
			break
		}
		keep := keepCount(len(alive), space.ReductionFactor)
		order := argsort(losses)
		next := make([]*Trial, 0, keep)
		for rank, i := range order {
			trial := alive[i]
			if rank < keep {
				next = append(next, trial)
				continue
			}
			if err := trial.Stop(); err != nil {
				return tracker.RunSummary{}, err
			}
		}
		klog.V(1).Infof("sweep %s stage %d: kept %d of %d trials at %d steps",
			sweep.Name, stage, keep, len(alive), targetSteps)
		alive = next
	}

	for _, trial := range alive {
		if err := trial.Finalize(); err != nil {
			return tracker.RunSummary{}, err
		}
	}
	return r.Tracker.BestRun(sweep.Name, ScalarTestLoss)
}

// sampleConfigs draws the sweep's trial configurations from the choice lists.
func (r *Runner) sampleConfigs(sweep Sweep, space SweepSpace) []*Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	configs := make([]*Config, space.NumSamples)
	for i := range configs {
		cfg := sweep.Base
		cfg.LR = choiceF(r.rng, space.LR, 1e-3)
		cfg.BatchSize = choiceI(r.rng, space.BatchSize, 64)
		cfg.EncoderWidth = choiceI(r.rng, space.EncoderWidth, 400)
		cfg.EncoderDepth = choiceI(r.rng, space.EncoderDepth, 4)
		cfg.DecoderWidth = choiceI(r.rng, space.DecoderWidth, 400)
		cfg.DecoderDepth = choiceI(r.rng, space.DecoderDepth, 4)
		cfg.DropoutP = choiceF(r.rng, space.DropoutP, 0)
		cfg.ModelSeed = cfg.Seed + int64(i) + 1
		configs[i] = &cfg
	}
	return configs
}

// halvingStages is the number of successive-halving stages for the given
// number of trials.
func halvingStages(numTrials, reductionFactor int) int {
	if reductionFactor <= 1 {
		return 1
	}
	stages := 1
	for n := numTrials; n >= reductionFactor; n /= reductionFactor {
		stages++
	}
	return stages
}

// stageBudgets returns the cumulative step target of each stage: the final
// stage reaches totalSteps, each earlier stage a reductionFactor-th of the
// next.
func stageBudgets(totalSteps, stages, reductionFactor int) []int {
	budgets := make([]int, stages)
	for i := stages - 1; i >= 0; i-- {
		budgets[i] = totalSteps / intPow(reductionFactor, stages-1-i)
		if budgets[i] < 1 {
			budgets[i] = 1
		}
	}
	return budgets
}

func keepCount(n, reductionFactor int) int {
	keep := int(math.Ceil(float64(n) / float64(reductionFactor)))
	if keep < 1 {
		keep = 1
	}
	return keep
}

func intPow(base, exp int) int {
	out := 1
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

func argsort(values []float64) []int {
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return values[order[a]] < values[order[b]] })
	return order
}

func choiceF(rng *rand.Rand, choices []float64, fallback float64) float64 {
	if len(choices) == 0 {
		return fallback
	}
	return choices[rng.Intn(len(choices))]
}

func choiceI(rng *rand.Rand, choices []int, fallback int) int {
	if len(choices) == 0 {
		return fallback
	}
	return choices[rng.Intn(len(choices))]
}
