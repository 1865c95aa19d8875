// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/mixnet/pkg/mnist"
	"github.com/gomlx/mixnet/pkg/model"
	"github.com/pkg/errors"
)

// Hyperparameters read from the context, besides the ones of model.Architecture and of the optimizer.
const (
	ParamNumEpochs       = "num_epochs"
	ParamBatchSize       = "batch_size"
	ParamEvalBatchSize   = "eval_batch_size"
	ParamNumWorkers      = "num_workers"
	ParamRandomGrayscale = "random_grayscale"
	ParamShuffle         = "shuffle"

	// ParamSeed seeds the data shuffling, the augmentation and the context RNG. 0 means random.
	ParamSeed = "seed"

	// ParamBestBy selects the quantity compared against the best accuracy so far to decide
	// whether to save the artifact, see BestTracker.
	ParamBestBy = "best_by"

	// ParamHistoryDir, if set, is where the per-pass history CSV and plot are written.
	ParamHistoryDir = "history_dir"
)

// CreateDefaultContext returns a context with all hyperparameters set to their default values.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	params := map[string]any{
		ParamNumEpochs:       20,
		ParamBatchSize:       128,
		ParamEvalBatchSize:   128,
		ParamNumWorkers:      2,
		ParamRandomGrayscale: mnist.DefaultGrayscaleProbability,
		ParamShuffle:         true,
		ParamSeed:            0,
		ParamBestBy:          string(BestByBatches),
		ParamHistoryDir:      "",

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: optimizers.AdamDefaultLearningRate,
		optimizers.ParamAdamBeta1:    0.9,
		optimizers.ParamAdamBeta2:    0.999,
		optimizers.ParamAdamEpsilon:  1e-8,
	}
	maps.Copy(params, model.DefaultParams())
	ctx.SetParams(params)
	return ctx
}

// Config of a training run.
type Config struct {
	// NumEpochs is the number of passes over the training set.
	NumEpochs int

	// ArtifactPath where the best model is saved. Its parent directory must exist.
	ArtifactPath string

	BestBy BestBy

	// HistoryDir, if not empty, receives history.csv and history.png at the end of training.
	HistoryDir string

	// ProgressBar attaches a console progress bar to each pass.
	ProgressBar bool

	// Output receives the per-pass summary lines. Defaults to os.Stdout.
	Output io.Writer
}

// ConfigFromContext creates the run configuration from the context hyperparameters.
func ConfigFromContext(ctx *context.Context, artifactPath string) (Config, error) {
	config := Config{
		NumEpochs:    context.GetParamOr(ctx, ParamNumEpochs, 20),
		ArtifactPath: artifactPath,
		BestBy:       BestBy(context.GetParamOr(ctx, ParamBestBy, string(BestByBatches))),
		HistoryDir:   context.GetParamOr(ctx, ParamHistoryDir, ""),
		ProgressBar:  true,
		Output:       os.Stdout,
	}
	return config, config.Validate()
}

// Validate returns an error if the configuration can't be used for training.
func (c Config) Validate() error {
	if c.NumEpochs <= 0 {
		return errors.Errorf("%s must be > 0, got %d", ParamNumEpochs, c.NumEpochs)
	}
	if c.ArtifactPath == "" {
		return errors.New("an artifact path is required")
	}
	return c.BestBy.Validate()
}

// DatasetsConfigFromContext returns the data loading configuration for dataDir from the context hyperparameters.
func DatasetsConfigFromContext(ctx *context.Context, dataDir string) mnist.DatasetsConfig {
	return mnist.DatasetsConfig{
		DataDir:              dataDir,
		BatchSize:            context.GetParamOr(ctx, ParamBatchSize, 128),
		EvalBatchSize:        context.GetParamOr(ctx, ParamEvalBatchSize, 128),
		NumWorkers:           context.GetParamOr(ctx, ParamNumWorkers, 2),
		GrayscaleProbability: context.GetParamOr(ctx, ParamRandomGrayscale, mnist.DefaultGrayscaleProbability),
		Shuffle:              context.GetParamOr(ctx, ParamShuffle, true),
		Seed:                 int64(context.GetParamOr(ctx, ParamSeed, 0)),
	}
}

// Params returns the root scope hyperparameters stringified, as stored in the artifact header.
func Params(ctx *context.Context) map[string]string {
	params := make(map[string]string)
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		params[key] = fmt.Sprintf("%v", value)
	})
	return params
}

// BestBy selects the denominator of the accuracy compared by BestTracker to decide on saving.
type BestBy string

const (
	// BestByBatches compares the held-out correct count divided by the number of held-out batches.
	BestByBatches BestBy = "batches"

	// BestBySamples compares the held-out accuracy, correct count divided by the number of samples.
	BestBySamples BestBy = "samples"
)

// Validate returns an error for unknown values.
func (b BestBy) Validate() error {
	valid := []BestBy{BestByBatches, BestBySamples}
	if !slices.Contains(valid, b) {
		return errors.Errorf("invalid %s=%q, valid values are %q", ParamBestBy, b, valid)
	}
	return nil
}
