// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mnist loads the MNIST database of handwritten digits and serves it as a train.Dataset.
//
// The files are the original idx gzip files, downloaded on demand into a cache directory
// with Download.
package mnist

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/gomlx/mixnet/internal/downloader"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DownloadURL is the base URL the idx files are fetched from.
	DownloadURL = "https://storage.googleapis.com/cvdf-datasets/mnist"

	// Width, Height of the MNIST images. They have only one channel.
	Width, Height = 28, 28

	// NumClasses is the number of digits.
	NumClasses = 10

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// Split selects the training or the held-out (test) part of MNIST.
type Split string

const (
	TrainSplit Split = "train"
	TestSplit  Split = "test"
)

var splitFiles = map[Split][2]string{
	TrainSplit: {"train-images-idx3-ubyte.gz", "train-labels-idx1-ubyte.gz"},
	TestSplit:  {"t10k-images-idx3-ubyte.gz", "t10k-labels-idx1-ubyte.gz"},
}

// checksums are the SHA-256 of the files served under DownloadURL.
var checksums = map[string]string{
	"train-images-idx3-ubyte.gz": "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609",
	"train-labels-idx1-ubyte.gz": "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c",
	"t10k-images-idx3-ubyte.gz":  "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6",
	"t10k-labels-idx1-ubyte.gz":  "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6",
}

// Files returns the image and label file names of the split.
func (s Split) Files() (imagesFile, labelsFile string, err error) {
	files, found := splitFiles[s]
	if !found {
		return "", "", errors.Errorf("unknown MNIST split %q, valid values are %q and %q", s, TrainSplit, TestSplit)
	}
	return files[0], files[1], nil
}

// Image is one MNIST digit: 0 is the background, 255 the digit stroke.
type Image [Width * Height]byte

// Label is the digit label from 0 to 9.
type Label = uint8

var _ image.Image = (*Image)(nil)

// ColorModel implements image.Image.
func (img *Image) ColorModel() color.Model { return color.GrayModel }

// Bounds implements image.Image.
func (img *Image) Bounds() image.Rectangle { return image.Rect(0, 0, Width, Height) }

// At implements image.Image.
func (img *Image) At(x, y int) color.Color { return color.Gray{Y: img[y*Width+x]} }

// Set modifies the pixel at (x,y).
func (img *Image) Set(x, y int, v byte) { img[y*Width+x] = v }

// Download the idx files of both splits into dataDir, if they are not there yet, and verifies
// their checksums. A corrupted file is removed, so calling Download again fetches it anew.
func Download(dataDir string) error {
	for _, split := range []Split{TrainSplit, TestSplit} {
		files := splitFiles[split]
		for _, file := range files {
			fileURL, err := url.JoinPath(DownloadURL, file)
			if err != nil {
				return errors.Wrapf(err, "invalid download URL for %q", file)
			}
			if err = downloader.DownloadIfMissing(fileURL, filepath.Join(dataDir, file), checksums[file]); err != nil {
				return errors.WithMessagef(err, "while downloading MNIST %s split", split)
			}
		}
	}
	klog.V(1).Infof("MNIST files available in %q", dataDir)
	return nil
}

// LoadSplit reads the images and labels of a split from dataDir.
func LoadSplit(dataDir string, split Split) ([]Image, []Label, error) {
	imagesFile, labelsFile, err := split.Files()
	if err != nil {
		return nil, nil, err
	}
	images, err := LoadImagesFile(filepath.Join(dataDir, imagesFile))
	if err != nil {
		return nil, nil, err
	}
	labels, err := LoadLabelsFile(filepath.Join(dataDir, labelsFile))
	if err != nil {
		return nil, nil, err
	}
	if len(images) != len(labels) {
		return nil, nil, errors.Errorf("MNIST %s split has %d images but %d labels", split, len(images), len(labels))
	}
	return images, labels, nil
}

// imageFileHeader and labelFileHeader follow the 4 bytes magic number of their files.
type imageFileHeader struct {
	NumImages, Height, Width int32
}

type labelFileHeader struct {
	NumLabels int32
}

// readMagic reads the magic number first, so a file of the wrong type is reported as such,
// even if it is shorter than the expected header.
func readMagic(r io.Reader, want int32, kind string) error {
	var magic int32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return errors.Wrapf(err, "failed to read idx %s magic number", kind)
	}
	if magic != want {
		return errors.Errorf("invalid idx %s magic number 0x%08x, expected 0x%08x", kind, magic, want)
	}
	return nil
}

func openGzip(filePath string, fn func(r io.Reader) error) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return errors.Wrapf(err, "failed to un-gzip %q", filePath)
	}
	defer func() { _ = gz.Close() }()
	return errors.WithMessagef(fn(gz), "while reading %q", filePath)
}

// LoadImagesFile parses a gzip compressed idx3 images file.
func LoadImagesFile(filePath string) (images []Image, err error) {
	err = openGzip(filePath, func(r io.Reader) error {
		images, err = ReadImages(r)
		return err
	})
	return
}

// ReadImages parses an uncompressed idx3 images stream.
func ReadImages(r io.Reader) ([]Image, error) {
	if err := readMagic(r, imageMagic, "images"); err != nil {
		return nil, err
	}
	var header imageFileHeader
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "failed to read idx images header")
	}
	if header.Width != Width || header.Height != Height {
		return nil, errors.Errorf("idx images are %dx%d, expected %dx%d", header.Width, header.Height, Width, Height)
	}
	if header.NumImages < 0 {
		return nil, errors.Errorf("invalid number of images %d", header.NumImages)
	}
	images := make([]Image, header.NumImages)
	for i := range images {
		if _, err := io.ReadFull(r, images[i][:]); err != nil {
			return nil, errors.Wrapf(err, "failed to read image #%d of %d", i, header.NumImages)
		}
	}
	return images, nil
}

// LoadLabelsFile parses a gzip compressed idx1 labels file.
func LoadLabelsFile(filePath string) (labels []Label, err error) {
	err = openGzip(filePath, func(r io.Reader) error {
		labels, err = ReadLabels(r)
		return err
	})
	return
}

// ReadLabels parses an uncompressed idx1 labels stream.
func ReadLabels(r io.Reader) ([]Label, error) {
	if err := readMagic(r, labelMagic, "labels"); err != nil {
		return nil, err
	}
	var header labelFileHeader
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "failed to read idx labels header")
	}
	if header.NumLabels < 0 {
		return nil, errors.Errorf("invalid number of labels %d", header.NumLabels)
	}
	labels := make([]Label, header.NumLabels)
	if _, err := io.ReadFull(r, labels); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d labels", header.NumLabels)
	}
	for i, l := range labels {
		if l >= NumClasses {
			return nil, errors.Errorf("label #%d is %d, expected a value in [0, %d)", i, l, NumClasses)
		}
	}
	return labels, nil
}

// WriteImages writes images as an uncompressed idx3 stream. It's the inverse of ReadImages.
func WriteImages(w io.Writer, images []Image) error {
	header := imageFileHeader{NumImages: int32(len(images)), Height: Height, Width: Width}
	if err := binary.Write(w, binary.BigEndian, int32(imageMagic)); err != nil {
		return errors.Wrap(err, "failed to write idx images magic number")
	}
	if err := binary.Write(w, binary.BigEndian, header); err != nil {
		return errors.Wrap(err, "failed to write idx images header")
	}
	for i := range images {
		if _, err := w.Write(images[i][:]); err != nil {
			return errors.Wrapf(err, "failed to write image #%d", i)
		}
	}
	return nil
}

// WriteLabels writes labels as an uncompressed idx1 stream. It's the inverse of ReadLabels.
func WriteLabels(w io.Writer, labels []Label) error {
	header := labelFileHeader{NumLabels: int32(len(labels))}
	if err := binary.Write(w, binary.BigEndian, int32(labelMagic)); err != nil {
		return errors.Wrap(err, "failed to write idx labels magic number")
	}
	if err := binary.Write(w, binary.BigEndian, header); err != nil {
		return errors.Wrap(err, "failed to write idx labels header")
	}
	_, err := w.Write(labels)
	return errors.Wrap(err, "failed to write idx labels")
}

// WriteSplit stores images and labels as the gzip compressed idx files of the split in dataDir,
// the same layout Download produces. Used to cache synthetic or converted data.
func WriteSplit(dataDir string, split Split, images []Image, labels []Label) error {
	imagesFile, labelsFile, err := split.Files()
	if err != nil {
		return err
	}
	if err = os.MkdirAll(dataDir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create %q", dataDir)
	}
	write := func(name string, fn func(w io.Writer) error) error {
		filePath := filepath.Join(dataDir, name)
		f, err := os.Create(filePath)
		if err != nil {
			return errors.Wrapf(err, "failed to create %q", filePath)
		}
		gz := gzip.NewWriter(f)
		if err = fn(gz); err != nil {
			_ = f.Close()
			return errors.WithMessagef(err, "while writing %q", filePath)
		}
		if err = gz.Close(); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to flush %q", filePath)
		}
		return errors.Wrapf(f.Close(), "failed to close %q", filePath)
	}
	if err = write(imagesFile, func(w io.Writer) error { return WriteImages(w, images) }); err != nil {
		return err
	}
	return write(labelsFile, func(w io.Writer) error { return WriteLabels(w, labels) })
}
