// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"bytes"
	"io"
	"regexp"
	"sort"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticSamples creates n images whose first pixel encodes the sample index (mod 256)
// and whose label is index%10.
func syntheticSamples(n int) ([]Image, []Label) {
	images := make([]Image, n)
	labels := make([]Label, n)
	for i := range n {
		images[i][0] = byte(i % 256)
		images[i][Width*Height-1] = 255
		labels[i] = Label(i % NumClasses)
	}
	return images, labels
}

func TestIdxRoundTrip(t *testing.T) {
	images, labels := syntheticSamples(7)
	var buf bytes.Buffer
	require.NoError(t, WriteImages(&buf, images))
	gotImages, err := ReadImages(&buf)
	require.NoError(t, err)
	require.Equal(t, images, gotImages)

	buf.Reset()
	require.NoError(t, WriteLabels(&buf, labels))
	gotLabels, err := ReadLabels(&buf)
	require.NoError(t, err)
	require.Equal(t, labels, gotLabels)
}

func TestIdxErrors(t *testing.T) {
	// Labels stream read as images: wrong magic.
	var buf bytes.Buffer
	require.NoError(t, WriteLabels(&buf, []Label{1, 2}))
	_, err := ReadImages(bytes.NewReader(buf.Bytes()))
	require.ErrorContains(t, err, "invalid idx images magic number 0x00000801")

	// Images stream read as labels.
	images, _ := syntheticSamples(2)
	buf.Reset()
	require.NoError(t, WriteImages(&buf, images))
	_, err = ReadLabels(bytes.NewReader(buf.Bytes()))
	require.ErrorContains(t, err, "invalid idx labels magic number 0x00000803")

	// Header truncated after a valid magic number.
	_, err = ReadImages(bytes.NewReader(buf.Bytes()[:6]))
	require.ErrorContains(t, err, "failed to read idx images header")

	// Truncated image data.
	_, err = ReadImages(bytes.NewReader(buf.Bytes()[:buf.Len()-10]))
	require.Error(t, err)

	// Out of range label.
	buf.Reset()
	require.NoError(t, WriteLabels(&buf, []Label{3, 12}))
	_, err = ReadLabels(&buf)
	require.ErrorContains(t, err, "label #1")
}

func TestChecksums(t *testing.T) {
	sha256Hex := regexp.MustCompile(`^[0-9a-f]{64}$`)
	for _, split := range []Split{TrainSplit, TestSplit} {
		imagesFile, labelsFile, err := split.Files()
		require.NoError(t, err)
		for _, file := range []string{imagesFile, labelsFile} {
			require.Regexp(t, sha256Hex, checksums[file], "missing SHA-256 for %q", file)
		}
	}
	require.Len(t, checksums, 4)
}

func TestLoadSplit(t *testing.T) {
	dir := t.TempDir()
	images, labels := syntheticSamples(5)
	require.NoError(t, WriteSplit(dir, TestSplit, images, labels))
	gotImages, gotLabels, err := LoadSplit(dir, TestSplit)
	require.NoError(t, err)
	require.Equal(t, images, gotImages)
	require.Equal(t, labels, gotLabels)

	_, _, err = LoadSplit(dir, TrainSplit)
	require.Error(t, err, "train split was never written")
	_, _, err = LoadSplit(dir, Split("validation"))
	require.ErrorContains(t, err, "unknown MNIST split")
}

// drain reads one epoch, returning the first-pixel codes and labels of every sample, plus the batch sizes.
func drain(t *testing.T, ds train.Dataset) (codes []int, labels []int, batchSizes []int) {
	for {
		_, inputs, labelsT, err := ds.Yield()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		require.Len(t, labelsT, 1)
		dims := inputs[0].Shape().Dimensions
		n := dims[0]
		require.Equal(t, []int{n, 1, Height, Width}, dims)
		require.Equal(t, []int{n, 1}, labelsT[0].Shape().Dimensions)
		pixels := tensors.MustCopyFlatData[float32](inputs[0])
		labelValues := tensors.MustCopyFlatData[int32](labelsT[0])
		for i := range n {
			codes = append(codes, int(pixels[i*Width*Height]*255+0.5))
			labels = append(labels, int(labelValues[i]))
			assert.InDelta(t, 1.0, pixels[(i+1)*Width*Height-1], 1e-6, "ToTensor must scale 255 to 1")
		}
		batchSizes = append(batchSizes, n)
	}
}

func TestDatasetBatching(t *testing.T) {
	images, labels := syntheticSamples(300)
	ds, err := NewDatasetFromSamples("test", images, labels, DatasetConfig{BatchSize: 128})
	require.NoError(t, err)
	require.Equal(t, 3, ds.NumBatches())
	// The train loop finalizes each batch after use.
	var dsTrain train.Dataset = ds
	owned, ok := dsTrain.(train.DatasetCustomOwnership)
	require.True(t, ok)
	require.True(t, owned.IsOwnershipTransferred())

	codes, gotLabels, batchSizes := drain(t, ds)
	require.Equal(t, []int{128, 128, 44}, batchSizes)
	for i := range 300 {
		require.Equal(t, i%256, codes[i], "unshuffled dataset must be in order")
		require.Equal(t, i%10, gotLabels[i])
	}

	// Stays at EOF until Reset.
	_, _, _, err = ds.Yield()
	require.Equal(t, io.EOF, err)
	ds.Reset()
	codes2, _, _ := drain(t, ds)
	require.Equal(t, codes, codes2)
}

func TestDatasetShuffle(t *testing.T) {
	images, labels := syntheticSamples(200)
	ds, err := NewDatasetFromSamples("train", images, labels, DatasetConfig{BatchSize: 32, Shuffle: true, Seed: 42})
	require.NoError(t, err)
	epoch1, _, _ := drain(t, ds)
	ds.Reset()
	epoch2, _, _ := drain(t, ds)
	require.NotEqual(t, epoch1, epoch2, "each epoch should be reshuffled")
	sort.Ints(epoch1)
	for i := range 200 {
		require.Equal(t, i, epoch1[i], "shuffled epoch must contain every sample exactly once")
	}
}

func TestDatasetConfigErrors(t *testing.T) {
	images, labels := syntheticSamples(3)
	_, err := NewDatasetFromSamples("x", images, labels[:2], DatasetConfig{BatchSize: 1})
	require.Error(t, err)
	_, err = NewDatasetFromSamples("x", images, labels, DatasetConfig{BatchSize: 0})
	require.Error(t, err)
}

func TestCreateDatasetsParallel(t *testing.T) {
	trainImages, trainLabels := syntheticSamples(250)
	testImages, testLabels := syntheticSamples(1)
	d, err := CreateDatasetsFromSamples(DatasetsConfig{
		BatchSize:            64,
		NumWorkers:           2,
		GrayscaleProbability: DefaultGrayscaleProbability,
		Shuffle:              true,
		Seed:                 1,
	}, trainImages, trainLabels, testImages, testLabels)
	require.NoError(t, err)
	defer requireDone(t, d)

	for range 2 {
		codes, _, batchSizes := drain(t, d.Train)
		require.Len(t, codes, 250)
		require.Len(t, batchSizes, 4)
		sort.Ints(codes)
		for i, c := range codes {
			require.Equal(t, i%256, c)
		}
		d.Train.Reset()
	}

	// A held-out set of a single sample is still one (size 1) batch.
	codes, _, batchSizes := drain(t, d.Test)
	require.Equal(t, []int{0}, codes)
	require.Equal(t, []int{1}, batchSizes)
}

// requireDone calls d.Done and fails the test if it doesn't return promptly.
func requireDone(t *testing.T, d *Datasets) {
	done := make(chan struct{})
	go func() {
		d.Done()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Datasets.Done() didn't return after 5s")
	}
}

func TestDatasetsDone(t *testing.T) {
	config := DatasetsConfig{BatchSize: 16, NumWorkers: 2, Seed: 1}

	// Both splits fit in the buffer: workers finish the epoch before anything is read.
	trainImages, trainLabels := syntheticSamples(20)
	testImages, testLabels := syntheticSamples(1)
	d, err := CreateDatasetsFromSamples(config, trainImages, trainLabels, testImages, testLabels)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	requireDone(t, d)
	// Calling it again is a no-op.
	requireDone(t, d)

	// Stopped in the middle of an epoch, with workers blocked on a full buffer.
	trainImages, trainLabels = syntheticSamples(1000)
	d, err = CreateDatasetsFromSamples(config, trainImages, trainLabels, testImages, testLabels)
	require.NoError(t, err)
	_, inputs, _, err := d.Train.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	requireDone(t, d)

	// Stopped after a full epoch followed by a Reset, as the trainer leaves them.
	d, err = CreateDatasetsFromSamples(config, trainImages, trainLabels, testImages, testLabels)
	require.NoError(t, err)
	codes, _, _ := drain(t, d.Test)
	require.Len(t, codes, 1)
	d.Test.Reset()
	requireDone(t, d)
}
