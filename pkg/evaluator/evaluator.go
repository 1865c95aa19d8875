// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluator measures the accuracy of a Mix model over a held-out dataset.
//
// The model runs in inference mode (dropout disabled), and no gradient graph is built.
package evaluator

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/mixnet/pkg/artifact"
	"github.com/gomlx/mixnet/pkg/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Counts accumulated over one pass of a dataset.
type Counts struct {
	Correct, Samples, Batches int
}

// Add accumulates other into c.
func (c *Counts) Add(other Counts) {
	c.Correct += other.Correct
	c.Samples += other.Samples
	c.Batches += other.Batches
}

// Fraction of correct predictions, in [0, 1]. It is 0 if there were no samples.
func (c Counts) Fraction() float64 {
	if c.Samples == 0 {
		return 0
	}
	return float64(c.Correct) / float64(c.Samples)
}

// PassAccuracy is Fraction()*100, the percentage reported in the training pass summaries.
// It can differ from Accuracy in the last bits, which shows around rounding edges: 23 correct out
// of 160 is reported as 14.37 in the summary, and 14.38 by Accuracy.
func (c Counts) PassAccuracy() float64 { return c.Fraction() * 100 }

// Accuracy in percent, in [0, 100], computed as 100*correct/samples. It is 0 if there were no samples.
func (c Counts) Accuracy() float64 {
	if c.Samples == 0 {
		return 0
	}
	return float64(100*c.Correct) / float64(c.Samples)
}

// FormatAccuracy formats a percentage with the shortest decimal representation that
// round-trips, always with a decimal point: 98.87, 100.0.
func FormatAccuracy(accuracy float64) string {
	s := strconv.FormatFloat(accuracy, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Evaluator counts correct predictions of the model stored in a context.
type Evaluator struct {
	exec *context.Exec
}

// New creates an Evaluator for the model variables in ctx (created under the "/model" scope).
// The variables must already exist or be available from the ctx loader, see artifact.Artifact.Apply.
func New(backend backends.Backend, ctx *context.Context) (*Evaluator, error) {
	exec, err := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, images, labels *Node) *Node {
		ctx.SetTraining(images.Graph(), false)
		logits := model.MixModelGraph(ctx, nil, []*Node{images})[0]
		predictions := ArgMax(logits, -1, labels.DType())
		correct := ConvertDType(Equal(predictions, Squeeze(labels, -1)), dtypes.Int32)
		return ReduceAllSum(correct)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create evaluation executor")
	}
	return &Evaluator{exec: exec}, nil
}

// Batch returns the number of correct predictions for one batch.
func (e *Evaluator) Batch(images, labels *tensors.Tensor) (int, error) {
	var correctT *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		var execErr error
		correctT, execErr = e.exec.Exec1(images, labels)
		if execErr != nil {
			panic(execErr)
		}
	})
	if err != nil {
		return 0, errors.WithMessage(err, "failed to evaluate batch")
	}
	correct := int(tensors.ToScalar[int32](correctT))
	correctT.MustFinalizeAll()
	return correct, nil
}

// Count runs one full epoch of ds and returns the accumulated counts. The dataset is Reset at the end.
func (e *Evaluator) Count(ds train.Dataset) (counts Counts, err error) {
	for {
		_, inputs, labels, yieldErr := ds.Yield()
		if yieldErr == io.EOF {
			break
		}
		if yieldErr != nil {
			return counts, errors.WithMessagef(yieldErr, "failed reading from dataset %q", ds.Name())
		}
		if len(inputs) != 1 || len(labels) != 1 {
			return counts, errors.Errorf("dataset %q yielded %d inputs and %d labels, expected 1 of each",
				ds.Name(), len(inputs), len(labels))
		}
		batchSize := labels[0].Shape().Dimensions[0]
		correct, err := e.Batch(inputs[0], labels[0])
		inputs[0].MustFinalizeAll()
		labels[0].MustFinalizeAll()
		if err != nil {
			return counts, errors.WithMessagef(err, "dataset %q, batch #%d", ds.Name(), counts.Batches)
		}
		counts.Add(Counts{Correct: correct, Samples: batchSize, Batches: 1})
	}
	ds.Reset()
	if counts.Samples == 0 {
		klog.Warningf("dataset %q yielded no samples to evaluate", ds.Name())
	}
	return counts, nil
}

// Evaluate loads the artifact at artifactPath and counts its correct predictions over ds.
func Evaluate(backend backends.Backend, artifactPath string, ds train.Dataset) (Counts, error) {
	a, err := artifact.Load(artifactPath)
	if err != nil {
		return Counts{}, err
	}
	klog.V(1).Infof("loaded %s", a)
	ctx := context.New()
	a.Apply(ctx)
	e, err := New(backend, ctx)
	if err != nil {
		return Counts{}, err
	}
	return e.Count(ds)
}

// Run is the evaluation routine: it evaluates the artifact over ds and prints "Accuracy: X%" to w.
func Run(backend backends.Backend, artifactPath string, ds train.Dataset, w io.Writer) (Counts, error) {
	counts, err := Evaluate(backend, artifactPath, ds)
	if err != nil {
		return counts, err
	}
	if _, err = fmt.Fprintf(w, "Accuracy: %s%%\n", FormatAccuracy(counts.Accuracy())); err != nil {
		return counts, errors.Wrap(err, "failed to print accuracy")
	}
	return counts, nil
}

// Count is a shortcut for New followed by Evaluator.Count.
func Count(backend backends.Backend, ctx *context.Context, ds train.Dataset) (Counts, error) {
	e, err := New(backend, ctx)
	if err != nil {
		return Counts{}, err
	}
	return e.Count(ds)
}
