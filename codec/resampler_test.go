package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResamplerValidation(t *testing.T) {
	r, err := NewResampler(48000, 16000)
	require.NoError(t, err)
	assert.Equal(t, 48000, r.InputRate())
	assert.Equal(t, 16000, r.OutputRate())

	_, err = NewResampler(0, 16000)
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = NewResampler(48000, -1)
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestResampleEqualRatesCopies(t *testing.T) {
	r, err := NewResampler(16000, 16000)
	require.NoError(t, err)

	input := []int16{1, 2, 3, 4}
	output := r.Resample(input)

	assert.Equal(t, input, output)
	// Must be a copy, not an alias.
	output[0] = 99
	assert.Equal(t, int16(1), input[0])
}

func TestResampleEmptyInput(t *testing.T) {
	r, err := NewResampler(48000, 16000)
	require.NoError(t, err)
	assert.Nil(t, r.Resample(nil))
}

func TestDownsampleThreeToOne(t *testing.T) {
	r, err := NewResampler(48000, 16000)
	require.NoError(t, err)

	input := make([]int16, 480)
	for i := range input {
		input[i] = int16(i)
	}

	output := r.Resample(input)
	assert.Len(t, output, 160)

	// Downsampling a ramp keeps it a ramp at triple the step.
	assert.Equal(t, int16(0), output[0])
	assert.Equal(t, int16(3), output[1])
	assert.Equal(t, int16(30), output[10])
}

func TestUpsampleOneToThree(t *testing.T) {
	r, err := NewResampler(16000, 48000)
	require.NoError(t, err)

	input := []int16{0, 30, 60, 90}
	output := r.Resample(input)

	// The final input interval waits for the next frame, so one frame
	// yields 3*(len-1) samples.
	assert.Len(t, output, 9)
	// Linear interpolation fills the gaps of a ramp, give or take a
	// count of truncation.
	assert.Equal(t, int16(0), output[0])
	assert.InDelta(t, 10, float64(output[1]), 1)
	assert.InDelta(t, 20, float64(output[2]), 1)
	assert.InDelta(t, 30, float64(output[3]), 1)

	// The deferred sample leads the next frame.
	next := r.Resample([]int16{120, 150})
	require.NotEmpty(t, next)
	assert.Equal(t, int16(90), next[0])
}

func TestResamplerInterpolatesAcrossFrameBoundary(t *testing.T) {
	r, err := NewResampler(16000, 48000)
	require.NoError(t, err)

	first := r.Resample([]int16{0, 30})
	second := r.Resample([]int16{60, 90})

	// A ramp split across two frames must stay a ramp through the
	// boundary.
	combined := append(append([]int16(nil), first...), second...)
	require.Len(t, combined, 9)
	for i, s := range combined {
		assert.InDelta(t, i*10, float64(s), 1, "sample %d", i)
	}
}

func TestDownsampleCarriesFractionAcrossPeriods(t *testing.T) {
	r, err := NewResampler(48000, 16000)
	require.NoError(t, err)

	// 1024 is not a multiple of the 3:1 ratio, so the read position
	// lands mid-interval at every period boundary. Over three periods
	// the counts must still add up exactly, with no input skipped.
	frame := make([]int16, 1024)
	total := 0
	for i := 0; i < 3; i++ {
		total += len(r.Resample(frame))
	}
	assert.Equal(t, 1024, total)
}

func TestResampleConstantSignalStaysConstant(t *testing.T) {
	r, err := NewResampler(48000, 16000)
	require.NoError(t, err)

	input := make([]int16, 480)
	for i := range input {
		input[i] = 1000
	}

	for _, s := range r.Resample(input) {
		assert.Equal(t, int16(1000), s)
	}
}

func TestResamplerCarriesStateAcrossFrames(t *testing.T) {
	r, err := NewResampler(48000, 16000)
	require.NoError(t, err)

	frame := make([]int16, 480)
	for i := range frame {
		frame[i] = 500
	}

	first := r.Resample(frame)
	second := r.Resample(frame)

	assert.Len(t, first, 160)
	assert.Len(t, second, 160)
	for _, s := range second {
		assert.Equal(t, int16(500), s)
	}
}

func TestResamplerReset(t *testing.T) {
	r, err := NewResampler(48000, 16000)
	require.NoError(t, err)

	frame := make([]int16, 480)
	for i := range frame {
		frame[i] = int16(i)
	}
	r.Resample(frame)
	r.Reset()

	// After a reset the next frame behaves like the first one.
	out := r.Resample(frame)
	assert.Equal(t, int16(0), out[0])
}

func TestOutputSize(t *testing.T) {
	r, err := NewResampler(48000, 16000)
	require.NoError(t, err)
	assert.Equal(t, 160, r.OutputSize(480))
	assert.Equal(t, 341, r.OutputSize(1024))

	same, err := NewResampler(16000, 16000)
	require.NoError(t, err)
	assert.Equal(t, 1024, same.OutputSize(1024))
}
