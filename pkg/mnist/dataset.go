// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"io"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DatasetConfig configures how a Dataset batches and preprocesses its samples.
type DatasetConfig struct {
	// BatchSize is the maximum number of samples per batch. The last batch of an epoch may be smaller.
	BatchSize int

	// Shuffle the order of the samples at the start of every epoch.
	Shuffle bool

	// Seed for shuffling and random transforms. If 0 a time based seed is used.
	Seed int64

	// Transform applied to each sample. Defaults to EvalTransform.
	Transform Transform
}

// Dataset implements train.Dataset over in-memory MNIST images.
//
// It yields inputs shaped [batch_size, 1, 28, 28] (float32, channels first) and labels shaped
// [batch_size, 1] (int32). It is safe for concurrent use, so it can be wrapped by
// datasets.CustomParallel.
type Dataset struct {
	name      string
	images    []Image
	labels    []Label
	batchSize int
	shuffle   bool
	transform Transform

	mu       sync.Mutex
	rng      *rand.Rand
	order    []int
	position int
}

var (
	_ train.Dataset                = (*Dataset)(nil)
	_ train.HasShortName           = (*Dataset)(nil)
	_ train.DatasetCustomOwnership = (*Dataset)(nil)
)

// NewDataset loads the split from dataDir (see Download) and returns a Dataset over it.
func NewDataset(name, dataDir string, split Split, config DatasetConfig) (*Dataset, error) {
	images, labels, err := LoadSplit(dataDir, split)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load MNIST %s split for dataset %q", split, name)
	}
	return NewDatasetFromSamples(name, images, labels, config)
}

// NewDatasetFromSamples returns a Dataset over the given images and labels. The slices are
// not copied and shouldn't be changed afterwards.
func NewDatasetFromSamples(name string, images []Image, labels []Label, config DatasetConfig) (*Dataset, error) {
	if len(images) != len(labels) {
		return nil, errors.Errorf("dataset %q: %d images but %d labels", name, len(images), len(labels))
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("dataset %q: batch size must be > 0, got %d", name, config.BatchSize)
	}
	for i, l := range labels {
		if l >= NumClasses {
			return nil, errors.Errorf("dataset %q: label #%d is %d, expected a value in [0, %d)", name, i, l, NumClasses)
		}
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UTC().UnixNano()
	}
	ds := &Dataset{
		name:      name,
		images:    images,
		labels:    labels,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		transform: config.Transform,
		rng:       rand.New(rand.NewSource(seed)),
		order:     make([]int, len(images)),
	}
	if ds.transform == nil {
		ds.transform = EvalTransform()
	}
	for i := range ds.order {
		ds.order[i] = i
	}
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// ShortName implements train.HasShortName.
func (ds *Dataset) ShortName() string {
	if len(ds.name) <= 4 {
		return ds.name
	}
	return ds.name[:4]
}

// Len returns the number of samples.
func (ds *Dataset) Len() int { return len(ds.images) }

// BatchSize returns the configured batch size.
func (ds *Dataset) BatchSize() int { return ds.batchSize }

// NumBatches returns the number of batches in one epoch, counting the last partial batch.
func (ds *Dataset) NumBatches() int {
	return (len(ds.images) + ds.batchSize - 1) / ds.batchSize
}

// Sample returns the i-th image and label in storage order (not affected by shuffling).
func (ds *Dataset) Sample(i int) (*Image, Label) {
	return &ds.images[i], ds.labels[i]
}

// IsOwnershipTransferred implements train.DatasetCustomOwnership: every batch is freshly allocated,
// and the caller may finalize it once used.
func (ds *Dataset) IsOwnershipTransferred() bool { return true }

// exhaust moves the epoch to its end, so the following Yield calls return io.EOF until Reset.
// Batches already being prepared are still returned.
func (ds *Dataset) exhaust() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.position = len(ds.order)
}

// Reset implements train.Dataset. It restarts the epoch, reshuffling if configured.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.position = 0
	if ds.shuffle {
		ds.rng.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// Yield implements train.Dataset. It returns io.EOF at the end of the epoch, until Reset is called.
// The first value returned is always nil.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	if ds.position >= len(ds.order) {
		ds.mu.Unlock()
		return nil, nil, nil, io.EOF
	}
	end := min(ds.position+ds.batchSize, len(ds.order))
	indices := slices.Clone(ds.order[ds.position:end])
	ds.position = end
	rng := rand.New(rand.NewSource(ds.rng.Int63()))
	ds.mu.Unlock()

	// Preprocessing happens outside the lock, so parallel readers overlap.
	imagesT, labelsT, err := ds.batch(rng, indices)
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{imagesT}, []*tensors.Tensor{labelsT}, nil
}

func (ds *Dataset) batch(rng *rand.Rand, indices []int) (imagesT, labelsT *tensors.Tensor, err error) {
	n := len(indices)
	var flat []float32
	labelsFlat := make([]int32, n)
	channels := 0
	for i, idx := range indices {
		s := ds.transform(rng, NewSample(&ds.images[idx]))
		if i == 0 {
			channels = s.Channels
			flat = make([]float32, 0, n*channels*Height*Width)
		}
		if err = validateSample(s, channels); err != nil {
			return nil, nil, errors.WithMessagef(err, "dataset %q, sample #%d", ds.name, idx)
		}
		flat = append(flat, s.Pixels...)
		labelsFlat[i] = int32(ds.labels[idx])
	}
	imagesT = tensors.FromFlatDataAndDimensions(flat, n, channels, Height, Width)
	labelsT = tensors.FromFlatDataAndDimensions(labelsFlat, n, 1)
	return
}

// DatasetsConfig configures CreateDatasets.
type DatasetsConfig struct {
	// DataDir holds the idx files, see Download.
	DataDir string

	// BatchSize for training, EvalBatchSize for the held-out set.
	BatchSize, EvalBatchSize int

	// NumWorkers is the number of goroutines preparing batches for each dataset. 0 reads them inline.
	NumWorkers int

	// GrayscaleProbability for RandomGrayscale on training samples.
	GrayscaleProbability float64

	// Shuffle the training set every epoch. The held-out set is always read in order.
	Shuffle bool

	// Seed for shuffling and augmentation, 0 for a time based one.
	Seed int64
}

// Datasets holds the training and held-out datasets created by CreateDatasets.
type Datasets struct {
	// Train and Test are what the trainer should read from. They may be parallel wrappers
	// around TrainBase and TestBase.
	Train, Test train.Dataset

	// TrainBase and TestBase are the underlying in-memory datasets.
	TrainBase, TestBase *Dataset

	parallel []parallelReader
}

// parallelReader is a started datasets.ParallelDataset and the Dataset it reads from.
type parallelReader struct {
	pds  *datasets.ParallelDataset
	base *Dataset
}

// CreateDatasets loads both splits from config.DataDir.
func CreateDatasets(config DatasetsConfig) (*Datasets, error) {
	trainImages, trainLabels, err := LoadSplit(config.DataDir, TrainSplit)
	if err != nil {
		return nil, err
	}
	testImages, testLabels, err := LoadSplit(config.DataDir, TestSplit)
	if err != nil {
		return nil, err
	}
	return CreateDatasetsFromSamples(config, trainImages, trainLabels, testImages, testLabels)
}

// CreateDatasetsFromSamples is like CreateDatasets, but with the samples given in memory.
func CreateDatasetsFromSamples(config DatasetsConfig, trainImages []Image, trainLabels []Label,
	testImages []Image, testLabels []Label) (*Datasets, error) {
	evalBatchSize := config.EvalBatchSize
	if evalBatchSize <= 0 {
		evalBatchSize = config.BatchSize
	}
	trainDS, err := NewDatasetFromSamples("train", trainImages, trainLabels, DatasetConfig{
		BatchSize: config.BatchSize,
		Shuffle:   config.Shuffle,
		Seed:      config.Seed,
		Transform: TrainTransform(config.GrayscaleProbability),
	})
	if err != nil {
		return nil, err
	}
	testDS, err := NewDatasetFromSamples("test", testImages, testLabels, DatasetConfig{
		BatchSize: evalBatchSize,
		Transform: EvalTransform(),
	})
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("MNIST datasets: %d training samples (%d batches), %d held-out samples (%d batches)",
		trainDS.Len(), trainDS.NumBatches(), testDS.Len(), testDS.NumBatches())

	d := &Datasets{Train: trainDS, Test: testDS, TrainBase: trainDS, TestBase: testDS}
	if config.NumWorkers > 0 {
		d.Train = d.startParallel(trainDS, config.NumWorkers)
		d.Test = d.startParallel(testDS, config.NumWorkers)
	}
	return d, nil
}

func (d *Datasets) startParallel(ds *Dataset, numWorkers int) train.Dataset {
	pds := datasets.CustomParallel(ds).Parallelism(numWorkers).Buffer(numWorkers).Start()
	d.parallel = append(d.parallel, parallelReader{pds: pds, base: ds})
	return pds
}

// Done stops the goroutines of the parallel readers, if any. Train and Test can't be used afterwards.
//
// ParallelDataset.Done only returns if some worker is still running, which isn't the case once
// a small split has been fully read into the buffer. Instead, the underlying dataset is moved to the
// end of its epoch, and the buffer is drained until io.EOF: at that point every worker has exited.
func (d *Datasets) Done() {
	for _, p := range d.parallel {
		p.base.exhaust()
		for {
			_, inputs, labels, err := p.pds.Yield()
			if err != nil || len(inputs) == 0 {
				break
			}
			for _, t := range inputs {
				t.MustFinalizeAll()
			}
			for _, t := range labels {
				t.MustFinalizeAll()
			}
		}
	}
	d.parallel = nil
}
