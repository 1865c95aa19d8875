// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// mixnet trains the Mix convolutional network on MNIST, evaluates saved models and classifies images.
//
// With no flags it downloads MNIST into ./data (if missing), trains for 20 passes and keeps the best
// model in model/Mix.pkl. The model directory must exist.
//
//	$ mkdir -p model && mixnet
//	$ mixnet -eval
//	$ mixnet -inspect
//	$ mixnet -classify=digit1.png,digit2.png
//	$ mixnet -set="num_epochs=3;batch_size=256;best_by=samples" -device=cpu
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/mixnet/internal/device"
	"github.com/gomlx/mixnet/pkg/artifact"
	"github.com/gomlx/mixnet/pkg/classifier"
	"github.com/gomlx/mixnet/pkg/evaluator"
	"github.com/gomlx/mixnet/pkg/mnist"
	"github.com/gomlx/mixnet/pkg/trainer"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagTrain    = flag.Bool("train", true, "Train the model. Skipped by default if -eval, -inspect or -classify are given.")
	flagEval     = flag.Bool("eval", false, "Evaluate the saved model on the MNIST test set.")
	flagDownload = flag.Bool("download", true, "Download MNIST into -data if it is not there yet.")
	flagInspect  = flag.Bool("inspect", false, "Print the contents of the saved model.")
	flagClassify = flag.String("classify", "", "Comma-separated list of image files to classify with the saved model.")

	flagDataDir  = flag.String("data", "./data", "Directory with the MNIST files.")
	flagArtifact = flag.String("artifact", "model/Mix.pkl", "Path of the saved model. Its directory is not created.")
	flagDevice   = flag.String("device", device.Auto, `Device to run on: "auto", "cpu", "cuda", "go" or a GoMLX backend configuration.`)
)

func main() {
	ctx := trainer.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	err := exceptions.TryCatch[error](func() { run(ctx, *settings) })
	if err != nil {
		klog.Errorf("Error:\n%+v", err)
		os.Exit(1)
	}
}

func run(ctx *context.Context, settings string) {
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, settings))
	if len(paramsSet) > 0 {
		klog.Infof("hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	*flagDataDir = must.M1(fsutil.ReplaceTildeInDir(*flagDataDir))
	*flagArtifact = must.M1(fsutil.ReplaceTildeInDir(*flagArtifact))

	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	todo := selectActions(flagValues{
		Train:    *flagTrain,
		TrainSet: explicit["train"],
		Download: *flagDownload,
		Eval:     *flagEval,
		Inspect:  *flagInspect,
		Classify: *flagClassify,
	})

	if todo.Download {
		must.M(mnist.Download(*flagDataDir))
	}
	if !todo.NeedsBackend() {
		if todo.Inspect {
			inspect()
		}
		return
	}

	// The device is resolved once, and the same backend is used by everything below.
	backend := must.M1(device.New(*flagDevice))
	defer backend.Finalize()

	if todo.Train {
		trainModel(backend, ctx)
	}
	if todo.Inspect {
		inspect()
	}
	if todo.Eval {
		evaluate(backend, ctx)
	}
	if todo.Classify {
		classify(backend)
	}
}

func trainModel(backend backends.Backend, ctx *context.Context) {
	config := must.M1(trainer.ConfigFromContext(ctx, *flagArtifact))
	d := must.M1(mnist.CreateDatasets(trainer.DatasetsConfigFromContext(ctx, *flagDataDir)))
	defer d.Done()
	results := must.M1(trainer.Train(backend, ctx, d.Train, d.Test, config))

	var saved int
	for _, r := range results {
		if r.Saved {
			saved++
		}
	}
	klog.Infof("trained %d passes, model saved %d times to %q", len(results), saved, *flagArtifact)
}

func evaluate(backend backends.Backend, ctx *context.Context) {
	ds := must.M1(mnist.NewDataset("test", *flagDataDir, mnist.TestSplit, mnist.DatasetConfig{
		BatchSize: context.GetParamOr(ctx, trainer.ParamEvalBatchSize, 128),
		Transform: mnist.EvalTransform(),
	}))
	_ = must.M1(evaluator.Run(backend, *flagArtifact, ds, os.Stdout))
}

func inspect() {
	a := must.M1(artifact.Load(*flagArtifact))
	must.M(artifact.Fprint(os.Stdout, a))
}

func classify(backend backends.Backend) {
	c := must.M1(classifier.New(backend, *flagArtifact))
	for _, filePath := range strings.Split(*flagClassify, ",") {
		filePath = strings.TrimSpace(filePath)
		if filePath == "" {
			continue
		}
		class := must.M1(c.ClassifyFile(filePath))
		fmt.Printf("%s: %d\n", filePath, class)
	}
}
