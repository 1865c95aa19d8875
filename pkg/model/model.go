// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the "Mix" convolutional network for MNIST digits.
//
// The network is:
//
//	conv(1->64, 3x3, pad 1) -> ReLU -> conv(64->128, 3x3, pad 1) -> ReLU -> max-pool(2x2, stride 2) ->
//	flatten -> dense(1024) -> ReLU -> dropout(0.5, training only) -> dense(10)
//
// Widths and the dropout rate are context hyperparameters, see Architecture.
package model

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Name of the architecture, as recorded in saved artifacts.
const Name = "mix"

// Scope under which the model variables are created.
const Scope = "model"

// Hyperparameters read from the context by ArchitectureFromContext.
const (
	ParamConv1Channels = "conv1_channels"
	ParamConv2Channels = "conv2_channels"
	ParamKernelSize    = "kernel_size"
	ParamPoolWindow    = "pool_window"
	ParamDenseUnits    = "dense_units"
	ParamDropoutRate   = "dropout_rate"
	ParamNumClasses    = "num_classes"
)

// Architecture describes the shape of the network. It is stored in the artifact header, so
// a saved model can be rebuilt without any other configuration.
type Architecture struct {
	Name string

	// Input image shape, channels first.
	InputChannels, InputHeight, InputWidth int

	Conv1Channels, Conv2Channels int
	KernelSize                   int
	PoolWindow                   int
	DenseUnits                   int
	DropoutRate                  float64
	NumClasses                   int
}

// DefaultArchitecture returns the standard Mix network for 28x28 single channel digits.
func DefaultArchitecture() Architecture {
	return Architecture{
		Name:          Name,
		InputChannels: 1,
		InputHeight:   28,
		InputWidth:    28,
		Conv1Channels: 64,
		Conv2Channels: 128,
		KernelSize:    3,
		PoolWindow:    2,
		DenseUnits:    1024,
		DropoutRate:   0.5,
		NumClasses:    10,
	}
}

// DefaultParams returns the architecture hyperparameters with their default values, in
// the form accepted by context.Context.SetParams.
func DefaultParams() map[string]any {
	return DefaultArchitecture().Params()
}

// Params returns the architecture as context hyperparameters.
func (a Architecture) Params() map[string]any {
	return map[string]any{
		ParamConv1Channels: a.Conv1Channels,
		ParamConv2Channels: a.Conv2Channels,
		ParamKernelSize:    a.KernelSize,
		ParamPoolWindow:    a.PoolWindow,
		ParamDenseUnits:    a.DenseUnits,
		ParamDropoutRate:   a.DropoutRate,
		ParamNumClasses:    a.NumClasses,
	}
}

// SetParams writes the architecture hyperparameters into ctx.
func (a Architecture) SetParams(ctx *context.Context) {
	ctx.SetParams(a.Params())
}

// ArchitectureFromContext reads the architecture hyperparameters from ctx, using the
// defaults for the ones not set.
func ArchitectureFromContext(ctx *context.Context) Architecture {
	a := DefaultArchitecture()
	a.Conv1Channels = context.GetParamOr(ctx, ParamConv1Channels, a.Conv1Channels)
	a.Conv2Channels = context.GetParamOr(ctx, ParamConv2Channels, a.Conv2Channels)
	a.KernelSize = context.GetParamOr(ctx, ParamKernelSize, a.KernelSize)
	a.PoolWindow = context.GetParamOr(ctx, ParamPoolWindow, a.PoolWindow)
	a.DenseUnits = context.GetParamOr(ctx, ParamDenseUnits, a.DenseUnits)
	a.DropoutRate = context.GetParamOr(ctx, ParamDropoutRate, a.DropoutRate)
	a.NumClasses = context.GetParamOr(ctx, ParamNumClasses, a.NumClasses)
	return a
}

// Validate checks that the architecture can be built.
func (a Architecture) Validate() error {
	if a.Name != Name {
		return errors.Errorf("unknown architecture %q, only %q is supported", a.Name, Name)
	}
	for _, v := range []struct {
		name  string
		value int
	}{
		{"input channels", a.InputChannels}, {"input height", a.InputHeight}, {"input width", a.InputWidth},
		{ParamConv1Channels, a.Conv1Channels}, {ParamConv2Channels, a.Conv2Channels},
		{ParamKernelSize, a.KernelSize}, {ParamPoolWindow, a.PoolWindow},
		{ParamDenseUnits, a.DenseUnits}, {ParamNumClasses, a.NumClasses},
	} {
		if v.value <= 0 {
			return errors.Errorf("architecture %s must be > 0, got %d", v.name, v.value)
		}
	}
	if a.KernelSize%2 == 0 {
		return errors.Errorf("architecture %s must be odd to keep the spatial size, got %d", ParamKernelSize, a.KernelSize)
	}
	if a.InputHeight%a.PoolWindow != 0 || a.InputWidth%a.PoolWindow != 0 {
		return errors.Errorf("input %dx%d is not divisible by the pool window %d",
			a.InputHeight, a.InputWidth, a.PoolWindow)
	}
	if a.DropoutRate < 0 || a.DropoutRate >= 1 {
		return errors.Errorf("architecture %s must be in [0, 1), got %g", ParamDropoutRate, a.DropoutRate)
	}
	return nil
}

// FlattenedSize is the number of features fed into the first dense layer: 14*14*128 for the default.
func (a Architecture) FlattenedSize() int {
	return (a.InputHeight / a.PoolWindow) * (a.InputWidth / a.PoolWindow) * a.Conv2Channels
}

var _ train.ModelFn = MixModelGraph

// MixModelGraph implements train.ModelFn: inputs[0] is a batch of images shaped
// [batch_size, 1, 28, 28] and it returns the logits shaped [batch_size, num_classes].
//
// Variables are created under the Scope ("/model") sub-scope of ctx.
func MixModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	arch := ArchitectureFromContext(ctx)
	if err := arch.Validate(); err != nil {
		panic(err)
	}
	return []*Node{Logits(ctx.In(Scope), arch, inputs[0])}
}

// Logits builds the network described by arch over x, creating variables in ctx directly.
func Logits(ctx *context.Context, arch Architecture, x *Node) *Node {
	batchSize := x.Shape().Dimensions[0]
	x.AssertDims(batchSize, arch.InputChannels, arch.InputHeight, arch.InputWidth)
	g := x.Graph()

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	x = layers.Convolution(nextCtx("conv"), x).
		ChannelsAxis(images.ChannelsFirst).
		Channels(arch.Conv1Channels).
		KernelSize(arch.KernelSize).
		PadSame().
		Done()
	x = activations.Relu(x)
	x = layers.Convolution(nextCtx("conv"), x).
		ChannelsAxis(images.ChannelsFirst).
		Channels(arch.Conv2Channels).
		KernelSize(arch.KernelSize).
		PadSame().
		Done()
	x = activations.Relu(x)
	x = MaxPool(x).ChannelsAxis(images.ChannelsFirst).Window(arch.PoolWindow).Done()
	x.AssertDims(batchSize, arch.Conv2Channels, arch.InputHeight/arch.PoolWindow, arch.InputWidth/arch.PoolWindow)

	// Channels first, so the flattened order is [channel, row, column].
	x = Reshape(x, batchSize, arch.FlattenedSize())
	x = layers.Dense(nextCtx("dense"), x, true, arch.DenseUnits)
	x = activations.Relu(x)
	dropoutCtx := nextCtx("dropout")
	if arch.DropoutRate > 0 {
		// No-op when ctx is not in training mode.
		x = layers.DropoutNormalize(dropoutCtx, x, Scalar(g, x.DType(), arch.DropoutRate), true)
	}
	logits := layers.Dense(nextCtx("dense"), x, true, arch.NumClasses)
	logits.AssertDims(batchSize, arch.NumClasses)
	return logits
}
