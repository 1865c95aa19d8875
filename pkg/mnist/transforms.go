// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Sample is one image in planar channels-first layout, before it is batched into a tensor.
// Pixels has Channels*Height*Width values, and starts with the raw byte values [0, 255].
type Sample struct {
	Channels, Height, Width int
	Pixels                  []float32
}

// NewSample converts an MNIST image to a single-channel Sample with the raw pixel values.
func NewSample(img *Image) Sample {
	s := Sample{Channels: 1, Height: Height, Width: Width, Pixels: make([]float32, Width*Height)}
	for i, v := range img {
		s.Pixels[i] = float32(v)
	}
	return s
}

// Transform maps a sample to a new one. Random transformations draw from rng, which is
// owned by the caller for the duration of the call.
type Transform func(rng *rand.Rand, s Sample) Sample

// Compose chains transforms from left to right.
func Compose(transforms ...Transform) Transform {
	return func(rng *rand.Rand, s Sample) Sample {
		for _, t := range transforms {
			s = t(rng, s)
		}
		return s
	}
}

// ToTensor scales pixel values from [0, 255] to [0, 1].
func ToTensor() Transform {
	return func(_ *rand.Rand, s Sample) Sample {
		for i, v := range s.Pixels {
			s.Pixels[i] = v / 255.0
		}
		return s
	}
}

// DefaultGrayscaleProbability is the probability used by RandomGrayscale when not otherwise configured.
const DefaultGrayscaleProbability = 0.1

// RandomGrayscale converts a sample to grayscale with probability p, keeping its number of channels:
// a 3-channel sample gets the luminance replicated on all channels, and a single-channel sample is
// returned unchanged. A coin is drawn for every sample regardless, so the random stream doesn't
// depend on the number of channels.
func RandomGrayscale(p float64) Transform {
	return func(rng *rand.Rand, s Sample) Sample {
		if rng.Float64() >= p || s.Channels != 3 {
			return s
		}
		plane := s.Height * s.Width
		r, g, b := s.Pixels[:plane], s.Pixels[plane:2*plane], s.Pixels[2*plane:]
		for i := range plane {
			l := 0.299*r[i] + 0.587*g[i] + 0.114*b[i]
			r[i], g[i], b[i] = l, l, l
		}
		return s
	}
}

// TrainTransform is the default preprocessing of the training data: RandomGrayscale with
// probability p followed by ToTensor. If p <= 0 only ToTensor is used.
func TrainTransform(p float64) Transform {
	if p <= 0 {
		return ToTensor()
	}
	return Compose(RandomGrayscale(p), ToTensor())
}

// EvalTransform is the preprocessing of held-out data.
func EvalTransform() Transform {
	return ToTensor()
}

func validateSample(s Sample, channels int) error {
	if s.Channels != channels || s.Height != Height || s.Width != Width {
		return errors.Errorf("transformed sample has shape [%d, %d, %d], expected [%d, %d, %d]",
			s.Channels, s.Height, s.Width, channels, Height, Width)
	}
	if len(s.Pixels) != s.Channels*s.Height*s.Width {
		return errors.Errorf("transformed sample has %d values, expected %d", len(s.Pixels), s.Channels*s.Height*s.Width)
	}
	return nil
}
