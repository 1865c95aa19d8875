// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer trains the Mix model: Adam over sparse categorical cross-entropy, one held-out
// evaluation after every pass over the training data, and the artifact saved whenever the
// BestTracker says so.
package trainer

import (
	"fmt"
	"math"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/mixnet/pkg/artifact"
	"github.com/gomlx/mixnet/pkg/evaluator"
	"github.com/gomlx/mixnet/pkg/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PassResult summarizes one pass over the training data.
type PassResult struct {
	// Epoch is 1-based.
	Epoch, NumEpochs int

	// Loss is the sum of the batch (mean) losses divided by the number of training batches.
	Loss float64

	// Train counts the correct predictions made during the pass, with dropout active.
	Train evaluator.Counts

	// Test counts the held-out evaluation after the pass.
	Test evaluator.Counts

	// IsBest is what the summary line reports, and Saved whether the artifact was written.
	IsBest, Saved bool
}

// seedContext sets the random number generator state of ctx from the "seed" hyperparameter,
// if it is not 0.
func seedContext(ctx *context.Context) error {
	seed := context.GetParamOr(ctx, ParamSeed, 0)
	if seed == 0 {
		return nil
	}
	if err := ctx.SetRNGStateFromSeed(int64(seed)); err != nil {
		return errors.WithMessagef(err, "failed to seed the random number generator with %d", seed)
	}
	return nil
}

// FormatPass returns the summary line of a pass, without the trailing new line.
func FormatPass(r PassResult) string {
	best := "No"
	if r.IsBest {
		best = "Yes"
	}
	return fmt.Sprintf("Epoch: %2d / %2d | Loss: %.4f | Train Acc: %2.2f%% | Test Acc: %2.2f%% | Best: %s",
		r.Epoch, r.NumEpochs, r.Loss, r.Train.PassAccuracy(), r.Test.PassAccuracy(), best)
}

const (
	correctMetricShortName = "#correct"
	samplesMetricShortName = "#n"
)

// correctGraph counts, as a float32 scalar, the predictions matching the labels.
func correctGraph(_ *context.Context, labels, predictions []*Node) *Node {
	logits := predictions[0]
	choices := ArgMax(logits, -1, labels[0].DType())
	return ReduceAllSum(ConvertDType(Equal(choices, Squeeze(labels[0], -1)), dtypes.Float32))
}

// samplesGraph returns the batch size, as a float32 scalar.
func samplesGraph(_ *context.Context, labels, _ []*Node) *Node {
	return Scalar(labels[0].Graph(), dtypes.Float32, float64(labels[0].Shape().Dimensions[0]))
}

func countPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%d", int(math.Round(scalarValue(value))))
}

func scalarValue(t *tensors.Tensor) float64 {
	return shapes.ConvertTo[float64](t.Value())
}

// metricIndex returns the position of the train metric with the given short name in the metrics
// passed to the OnStep hooks.
func metricIndex(trainer *train.Trainer, shortName string) (int, error) {
	for i, m := range trainer.TrainMetrics() {
		if m.ShortName() == shortName {
			return i, nil
		}
	}
	return -1, errors.Errorf("train metric %q not found", shortName)
}

// passAccumulator is reset at the start of every pass and updated after every train step.
type passAccumulator struct {
	lossSum float64
	counts  evaluator.Counts
}

// Train runs config.NumEpochs passes over trainDS, evaluating on testDS after each one.
//
// It prints the summary line of each pass to config.Output, and saves the model to config.ArtifactPath
// whenever the BestTracker decides so. It returns the results of the passes completed, also on error.
func Train(backend backends.Backend, ctx *context.Context, trainDS, testDS train.Dataset, config Config) ([]PassResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	output := config.Output
	if output == nil {
		output = os.Stdout
	}
	arch := model.ArchitectureFromContext(ctx)
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	if err := seedContext(ctx); err != nil {
		return nil, err
	}
	klog.V(1).Infof("hyperparameters:\n%s", commandline.SprintContextSettings(ctx))

	var optimizer optimizers.Interface
	err := exceptions.TryCatch[error](func() { optimizer = optimizers.FromContext(ctx) })
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create optimizer")
	}
	trainMetrics := []metrics.Interface{
		metrics.NewBaseMetric("Correct predictions", correctMetricShortName, metrics.AccuracyMetricType, correctGraph, countPPrint),
		metrics.NewBaseMetric("Samples", samplesMetricShortName, "count", samplesGraph, countPPrint),
	}
	trainer := train.NewTrainer(backend, ctx, model.MixModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizer,
		trainMetrics,
		nil)
	correctIdx, err := metricIndex(trainer, correctMetricShortName)
	if err != nil {
		return nil, err
	}
	samplesIdx, err := metricIndex(trainer, samplesMetricShortName)
	if err != nil {
		return nil, err
	}

	loop := train.NewLoop(trainer)
	if config.ProgressBar {
		commandline.AttachProgressBar(loop)
	}
	var pass passAccumulator
	loop.OnStep("mix_pass_accumulator", 100, func(_ *train.Loop, stepMetrics []*tensors.Tensor) error {
		pass.lossSum += scalarValue(stepMetrics[0])
		pass.counts.Add(evaluator.Counts{
			Correct: int(math.Round(scalarValue(stepMetrics[correctIdx]))),
			Samples: int(math.Round(scalarValue(stepMetrics[samplesIdx]))),
			Batches: 1,
		})
		return nil
	})

	tracker := NewBestTracker(config.BestBy)
	runID := artifact.NewRunID()
	params := Params(ctx)
	history := &History{}
	var eval *evaluator.Evaluator
	for epoch := 1; epoch <= config.NumEpochs; epoch++ {
		pass = passAccumulator{}
		lastMetrics, err := loop.RunEpochs(trainDS, 1)
		for _, m := range lastMetrics {
			m.MustFinalizeAll()
		}
		if err != nil {
			return history.Passes, errors.WithMessagef(err, "training pass %d of %d", epoch, config.NumEpochs)
		}
		if pass.counts.Batches == 0 {
			return history.Passes, errors.Errorf("training dataset %q yielded no batches", trainDS.Name())
		}

		// Variables only exist after the first train step built the graph.
		if eval == nil {
			if eval, err = evaluator.New(backend, ctx); err != nil {
				return history.Passes, err
			}
		}
		test, err := eval.Count(testDS)
		if err != nil {
			return history.Passes, errors.WithMessagef(err, "held-out evaluation after pass %d", epoch)
		}

		result := PassResult{
			Epoch:     epoch,
			NumEpochs: config.NumEpochs,
			Loss:      pass.lossSum / float64(pass.counts.Batches),
			Train:     pass.counts,
			Test:      test,
		}
		var shouldSave bool
		result.IsBest, shouldSave = tracker.Observe(test)
		if _, err = fmt.Fprintln(output, FormatPass(result)); err != nil {
			return history.Passes, errors.Wrap(err, "failed to print pass summary")
		}
		if shouldSave {
			if err = artifact.Save(config.ArtifactPath, ctx, arch, params, runID); err != nil {
				return history.Passes, errors.WithMessagef(err, "saving model after pass %d", epoch)
			}
			result.Saved = true
			klog.V(1).Infof("pass %d: best %s score %.4f, model saved to %q", epoch, tracker.By(), tracker.Best(), config.ArtifactPath)
		}
		history.Add(result)
	}

	if config.HistoryDir != "" {
		if err := history.Save(config.HistoryDir); err != nil {
			return history.Passes, err
		}
		klog.Infof("training history saved to %q", config.HistoryDir)
	}
	return history.Passes, nil
}
