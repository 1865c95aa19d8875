// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/mixnet/pkg/artifact"
	"github.com/gomlx/mixnet/pkg/mnist"
	"github.com/gomlx/mixnet/pkg/model"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// saveRandomModel saves a freshly initialized small Mix model and returns the logits function
// of the original context.
func saveRandomModel(t *testing.T, artifactPath string) func(*tensors.Tensor) []float32 {
	arch := model.DefaultArchitecture()
	arch.Conv1Channels, arch.Conv2Channels, arch.DenseUnits = 2, 4, 8
	ctx := context.New()
	arch.SetParams(ctx)
	exec := must.M1(context.NewExec(graphtest.BuildTestBackend(), ctx, func(ctx *context.Context, x *Node) *Node {
		return model.MixModelGraph(ctx, nil, []*Node{x})[0]
	}))
	logitsFn := func(x *tensors.Tensor) []float32 {
		return tensors.MustCopyFlatData[float32](must.M1(exec.Exec1(x)))
	}
	_ = logitsFn(tensors.FromFlatDataAndDimensions(make([]float32, 28*28), 1, 1, 28, 28))
	require.NoError(t, artifact.Save(artifactPath, ctx, arch, nil, artifact.NewRunID()))
	return logitsFn
}

func argMax(values []float32) int32 {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return int32(best)
}

func digitImage(size int, c func(v uint8) color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		for x := range size {
			v := uint8(0)
			if x > size/3 && x < 2*size/3 {
				v = 255
			}
			img.Set(x, y, c(v))
		}
	}
	return img
}

func TestToMNIST(t *testing.T) {
	gray := func(v uint8) color.Color { return color.Gray{Y: v} }
	small := ToMNIST(digitImage(28, gray))
	assert.Equal(t, uint8(0), small[0])
	assert.Equal(t, uint8(255), small[14])

	// Larger colored images are resized and converted.
	red := func(v uint8) color.Color { return color.RGBA{R: v, A: 255} }
	large := ToMNIST(digitImage(112, red))
	assert.Equal(t, uint8(0), large[0])
	assert.Greater(t, large[14*mnist.Width+14], uint8(40))
	assert.Less(t, large[14*mnist.Width+14], uint8(255))
}

func TestClassify(t *testing.T) {
	dir := t.TempDir()
	artifactPath := filepath.Join(dir, "Mix.pkl")
	logitsFn := saveRandomModel(t, artifactPath)

	c, err := New(graphtest.BuildTestBackend(), artifactPath)
	require.NoError(t, err)
	require.Equal(t, 8, c.Architecture().DenseUnits)

	img := digitImage(28, func(v uint8) color.Color { return color.Gray{Y: v} })
	s := mnist.EvalTransform()(nil, mnist.NewSample(ToMNIST(img)))
	want := argMax(logitsFn(tensors.FromFlatDataAndDimensions(s.Pixels, 1, 1, 28, 28)))

	got, err := c.Classify(img)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.GreaterOrEqual(t, got, int32(0))
	require.Less(t, got, int32(10))

	batch, err := c.ClassifyBatch([]image.Image{img, img, img})
	require.NoError(t, err)
	require.Equal(t, []int32{want, want, want}, batch)

	pngPath := filepath.Join(dir, "digit.png")
	f, err := os.Create(pngPath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	got, err = c.ClassifyFile(pngPath)
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = c.ClassifyFile(filepath.Join(dir, "missing.png"))
	require.Error(t, err)
	_, err = New(graphtest.BuildTestBackend(), filepath.Join(dir, "missing.pkl"))
	require.Error(t, err)
}
