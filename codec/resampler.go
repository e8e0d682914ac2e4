package codec

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// Resampler converts mono PCM between sample rates using linear
// interpolation. Good enough for voice; no external dependency.
//
// The resampler keeps the last input sample and the fractional read
// position between calls, so frame boundaries interpolate smoothly
// across a stream and no input sample is ever skipped.
type Resampler struct {
	inputRate  int
	outputRate int
	lastSample int16
	position   float64
}

// NewResampler creates a resampler for the given rate pair. Any
// positive pair is accepted; equal rates turn Resample into a copy.
func NewResampler(inputRate, outputRate int) (*Resampler, error) {
	if inputRate <= 0 || outputRate <= 0 {
		logrus.WithFields(logrus.Fields{
			"function":    "NewResampler",
			"input_rate":  inputRate,
			"output_rate": outputRate,
		}).Error("Invalid resampler rates")
		return nil, fmt.Errorf("%w: rates %d -> %d", ErrInvalidParameters, inputRate, outputRate)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewResampler",
		"input_rate":  inputRate,
		"output_rate": outputRate,
		"ratio":       float64(inputRate) / float64(outputRate),
	}).Debug("Created resampler")

	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
	}, nil
}

// Resample converts input at the configured input rate to the output
// rate. Equal rates return a copy of the input unchanged.
func (r *Resampler) Resample(input []int16) []int16 {
	if len(input) == 0 {
		return nil
	}

	if r.inputRate == r.outputRate {
		out := make([]int16, len(input))
		copy(out, input)
		return out
	}

	ratio := float64(r.inputRate) / float64(r.outputRate)
	output := make([]int16, 0, r.OutputSize(len(input))+1)

	// Positions past the final input sample need the next frame's first
	// sample to interpolate against, so they wait for the next call.
	// The position then carries over negative, down to -1, where it
	// reads the previous frame's final sample.
	limit := float64(len(input) - 1)
	for r.position < limit {
		idx := int(math.Floor(r.position))
		frac := r.position - float64(idx)

		output = append(output, r.interpolate(input, idx, frac))
		r.position += ratio
	}

	r.position -= float64(len(input))
	r.lastSample = input[len(input)-1]

	return output
}

// interpolate produces one output sample at a fractional input
// position. Position -1 is the previous call's final sample.
func (r *Resampler) interpolate(input []int16, idx int, frac float64) int16 {
	if idx < 0 {
		a := float64(r.lastSample)
		b := float64(input[0])
		return int16(a*(1-frac) + b*frac)
	}
	if idx >= len(input)-1 {
		return input[len(input)-1]
	}

	a := float64(input[idx])
	b := float64(input[idx+1])
	return int16(a*(1-frac) + b*frac)
}

// InputRate returns the configured input rate in Hz.
func (r *Resampler) InputRate() int {
	return r.inputRate
}

// OutputRate returns the configured output rate in Hz.
func (r *Resampler) OutputRate() int {
	return r.outputRate
}

// Reset clears interpolation state, for stream discontinuities.
func (r *Resampler) Reset() {
	r.position = 0
	r.lastSample = 0
}

// OutputSize estimates the output sample count for an input of the
// given length.
func (r *Resampler) OutputSize(inputLen int) int {
	if r.inputRate == r.outputRate {
		return inputLen
	}
	return int(float64(inputLen)*float64(r.outputRate)/float64(r.inputRate) + 0.5)
}
