// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"math/rand"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// smallArchitecture keeps the Mix topology but shrinks the widths, to keep tests fast.
func smallArchitecture() Architecture {
	a := DefaultArchitecture()
	a.Conv1Channels = 4
	a.Conv2Channels = 8
	a.DenseUnits = 32
	return a
}

func randomImages(n int, seed int64) *tensors.Tensor {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float32, n*28*28)
	for i := range data {
		data[i] = rng.Float32()
	}
	return tensors.FromFlatDataAndDimensions(data, n, 1, 28, 28)
}

func newModelExec(t *testing.T, ctx *context.Context, training bool) *context.Exec {
	backend := graphtest.BuildTestBackend()
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		ctx.SetTraining(x.Graph(), training)
		return MixModelGraph(ctx, nil, []*Node{x})[0]
	})
	require.NoError(t, err)
	return exec
}

func TestMixOutputShape(t *testing.T) {
	ctx := context.New()
	DefaultArchitecture().SetParams(ctx)
	exec := newModelExec(t, ctx, false)
	for _, n := range []int{1, 3} {
		logits, err := exec.Exec1(randomImages(n, int64(n)))
		require.NoError(t, err)
		require.Equal(t, []int{n, 10}, logits.Shape().Dimensions)
	}

	// Variables are created under /model, with the expected dense input size.
	v := ctx.GetVariableByScopeAndName("/model/002_dense/dense", "weights")
	require.NotNil(t, v, "first dense layer weights not found")
	require.Equal(t, []int{14 * 14 * 128, 1024}, v.Shape().Dimensions)
}

func TestDropoutTrainingOnly(t *testing.T) {
	ctx := context.New()
	smallArchitecture().SetParams(ctx)
	images := randomImages(4, 7)

	evalExec := newModelExec(t, ctx, false)
	first, err := evalExec.Exec1(images)
	require.NoError(t, err)
	second, err := evalExec.Exec1(images)
	require.NoError(t, err)
	require.Equal(t, tensors.MustCopyFlatData[float32](first), tensors.MustCopyFlatData[float32](second),
		"evaluation must be deterministic")

	trainExec := newModelExec(t, ctx.Reuse(), true)
	first, err = trainExec.Exec1(images)
	require.NoError(t, err)
	second, err = trainExec.Exec1(images)
	require.NoError(t, err)
	require.NotEqual(t, tensors.MustCopyFlatData[float32](first), tensors.MustCopyFlatData[float32](second),
		"training mode must sample a new dropout mask on every call")
}

func TestArchitectureFromContext(t *testing.T) {
	ctx := context.New()
	require.Equal(t, DefaultArchitecture(), ArchitectureFromContext(ctx))

	small := smallArchitecture()
	small.SetParams(ctx)
	require.Equal(t, small, ArchitectureFromContext(ctx))
	require.Equal(t, 14*14*8, small.FlattenedSize())
}

func TestArchitectureValidate(t *testing.T) {
	require.NoError(t, DefaultArchitecture().Validate())

	for name, mutate := range map[string]func(a *Architecture){
		"name":          func(a *Architecture) { a.Name = "lenet" },
		"conv1":         func(a *Architecture) { a.Conv1Channels = 0 },
		"dense":         func(a *Architecture) { a.DenseUnits = -1 },
		"even kernel":   func(a *Architecture) { a.KernelSize = 4 },
		"pool":          func(a *Architecture) { a.PoolWindow = 3 },
		"dropout range": func(a *Architecture) { a.DropoutRate = 1 },
	} {
		a := DefaultArchitecture()
		mutate(&a)
		require.Errorf(t, a.Validate(), "%s: expected validation error", name)
	}
}
