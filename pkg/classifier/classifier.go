// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier serves a trained Mix model for inference.
//
// Create a Classifier with New, and call Classify with any image: it is converted to grayscale
// and resized to 28x28 before being fed to the model. Like MNIST, digits are expected to be light
// on a dark background.
package classifier

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/mixnet/pkg/artifact"
	"github.com/gomlx/mixnet/pkg/mnist"
	"github.com/gomlx/mixnet/pkg/model"
	"github.com/pkg/errors"
)

// Classifier holds a Mix model compiled for inference.
type Classifier struct {
	backend backends.Backend

	// ctx with the model's weights.
	ctx  *context.Context
	arch model.Architecture

	// exec returns the chosen class for a batch of images.
	exec *context.Exec
}

// New loads the artifact and creates a Classifier running on backend.
func New(backend backends.Backend, artifactPath string) (*Classifier, error) {
	a, err := artifact.Load(artifactPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading Mix model from %q", artifactPath)
	}
	c := &Classifier{
		backend: backend,
		ctx:     context.New(),
		arch:    a.Header.Architecture,
	}
	if c.arch.InputChannels != 1 || c.arch.InputHeight != mnist.Height || c.arch.InputWidth != mnist.Width {
		return nil, errors.Errorf("model in %q takes %dx%dx%d inputs, only 1x%dx%d is supported",
			artifactPath, c.arch.InputChannels, c.arch.InputHeight, c.arch.InputWidth, mnist.Height, mnist.Width)
	}
	a.Apply(c.ctx)
	// Creating a new variable is an error from here on: every weight must come from the artifact.
	c.ctx = c.ctx.Reuse()

	c.exec, err = context.NewExec(c.backend, c.ctx, func(ctx *context.Context, images *graph.Node) *graph.Node {
		logits := model.MixModelGraph(ctx, nil, []*graph.Node{images})[0]
		// Take the class with highest logit value.
		return graph.ArgMax(logits, -1, dtypes.Int32)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create classifier executor")
	}
	return c, nil
}

// Architecture of the loaded model.
func (c *Classifier) Architecture() model.Architecture { return c.arch }

// ToMNIST converts any image to a 28x28 grayscale MNIST image.
func ToMNIST(img image.Image) *mnist.Image {
	gray := imaging.Grayscale(img)
	if b := gray.Bounds(); b.Dx() != mnist.Width || b.Dy() != mnist.Height {
		gray = imaging.Resize(gray, mnist.Width, mnist.Height, imaging.Lanczos)
	}
	var out mnist.Image
	for y := range mnist.Height {
		for x := range mnist.Width {
			// Grayscale sets R, G and B to the same value.
			out.Set(x, y, gray.Pix[y*gray.Stride+x*4])
		}
	}
	return &out
}

// Classify returns the digit, from 0 to 9, the model sees in img.
func (c *Classifier) Classify(img image.Image) (int32, error) {
	classes, err := c.ClassifyBatch([]image.Image{img})
	if err != nil {
		return 0, err
	}
	return classes[0], nil
}

// ClassifyBatch classifies all images in one execution.
func (c *Classifier) ClassifyBatch(imgs []image.Image) ([]int32, error) {
	if len(imgs) == 0 {
		return nil, nil
	}
	transform := mnist.EvalTransform()
	flat := make([]float32, 0, len(imgs)*mnist.Width*mnist.Height)
	for _, img := range imgs {
		s := transform(nil, mnist.NewSample(ToMNIST(img)))
		flat = append(flat, s.Pixels...)
	}
	input := tensors.FromFlatDataAndDimensions(flat, len(imgs), 1, mnist.Height, mnist.Width)
	defer input.MustFinalizeAll()

	var output *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		var execErr error
		output, execErr = c.exec.Exec1(input)
		if execErr != nil {
			panic(execErr)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to classify images")
	}
	classes := tensors.MustCopyFlatData[int32](output) // Convert tensor to Go values.
	output.MustFinalizeAll()
	return classes, nil
}

// ClassifyFile opens an image file (any format supported by imaging) and classifies it.
func (c *Classifier) ClassifyFile(filePath string) (int32, error) {
	img, err := imaging.Open(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open image %q", filePath)
	}
	return c.Classify(img)
}
