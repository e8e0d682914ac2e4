package audio

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/novavoice/config"
)

func sineFrame(amplitude float32, freqHz float64) []float32 {
	frame := make([]float32, config.DenoiseFrameSize)
	for i := range frame {
		frame[i] = amplitude * float32(math.Sin(2*math.Pi*freqHz*float64(i)/float64(config.DenoiseSampleRate)))
	}
	return frame
}

func newInitializedSuppressor(t *testing.T) *NoiseSuppressor {
	t.Helper()
	ns := NewNoiseSuppressor()
	require.NoError(t, ns.Initialize(config.DenoiseSampleRate, nil))
	return ns
}

func TestNoiseSuppressorRequiresInit(t *testing.T) {
	ns := NewNoiseSuppressor()
	frame := sineFrame(0.5, 200)
	original := append([]float32(nil), frame...)

	assert.ErrorIs(t, ns.Process(frame), ErrNotInitialized)
	assert.Equal(t, original, frame)
}

func TestNoiseSuppressorRejectsWrongRate(t *testing.T) {
	ns := NewNoiseSuppressor()
	assert.ErrorIs(t, ns.Initialize(16000, nil), ErrInvalidParameters)
}

func TestNoiseSuppressorRejectsWrongFrameSize(t *testing.T) {
	ns := newInitializedSuppressor(t)

	frame := make([]float32, config.DenoiseFrameSize-1)
	assert.ErrorIs(t, ns.Process(frame), ErrFrameSize)
}

func TestLoudToneDetectedAsSpeech(t *testing.T) {
	ns := newInitializedSuppressor(t)

	frame := sineFrame(0.5, 200)
	require.NoError(t, ns.Process(frame))

	assert.True(t, ns.IsSpeechDetected())
	assert.Greater(t, ns.CurrentSpeechProbability(), float32(0.5))
}

func TestSilenceNotDetectedAsSpeech(t *testing.T) {
	ns := newInitializedSuppressor(t)

	frame := make([]float32, config.DenoiseFrameSize)
	require.NoError(t, ns.Process(frame))

	assert.False(t, ns.IsSpeechDetected())
	// Zero frames stay zero through the whole chain.
	for _, s := range frame {
		assert.Equal(t, float32(0), s)
	}
}

func TestVADGateAttenuatesQuietFrames(t *testing.T) {
	ns := newInitializedSuppressor(t)
	ns.EnableAdaptive(false)
	ns.SetSuppressionLevel(0) // disable the gate, isolate the VAD

	frame := sineFrame(0.02, 200)
	peak := maxAbs(frame)
	require.NoError(t, ns.Process(frame))

	assert.False(t, ns.IsSpeechDetected())
	assert.Less(t, maxAbs(frame), peak*0.2)
}

func TestVADThresholdZeroPassesEverything(t *testing.T) {
	ns := newInitializedSuppressor(t)
	ns.EnableAdaptive(false)
	ns.SetSuppressionLevel(0)
	ns.SetThreshold(0)

	frame := sineFrame(0.02, 200)
	peak := maxAbs(frame)
	require.NoError(t, ns.Process(frame))

	assert.InDelta(t, float64(peak), float64(maxAbs(frame)), 1e-5)
}

func TestNoiseGateAttenuatesLowLevelSamples(t *testing.T) {
	ns := newInitializedSuppressor(t)
	ns.EnableAdaptive(false)
	ns.EnableVAD(false)
	ns.SetSuppressionLevel(0.8)

	// All samples sit below the 0.002 gate threshold.
	frame := make([]float32, config.DenoiseFrameSize)
	for i := range frame {
		frame[i] = 0.001
	}
	require.NoError(t, ns.Process(frame))

	for _, s := range frame {
		assert.InDelta(t, 0.0002, float64(s), 1e-5)
	}
}

func TestMetricsWindow(t *testing.T) {
	ns := newInitializedSuppressor(t)

	for i := 0; i < 120; i++ {
		frame := sineFrame(0.3, 200)
		require.NoError(t, ns.Process(frame))
	}

	m := ns.Metrics()
	assert.Equal(t, uint64(120), m.FramesProcessed)
	assert.Greater(t, ns.AverageNoiseLevel(), float32(0))
	assert.Greater(t, ns.AverageSpeechProbability(), float32(0.5))
}

type fakeDenoiser struct {
	prob   float32
	err    error
	frames int
	closed bool
}

func (d *fakeDenoiser) ProcessFrame(frame []float32) (float32, error) {
	if d.err != nil {
		return 0, d.err
	}
	d.frames++
	for i := range frame {
		frame[i] *= 0.9
	}
	return d.prob, nil
}

func (d *fakeDenoiser) Close() error {
	d.closed = true
	return nil
}

func TestNativeDenoiserPath(t *testing.T) {
	den := &fakeDenoiser{prob: 0.9}
	ns := NewNoiseSuppressor()
	require.NoError(t, ns.Initialize(config.DenoiseSampleRate, den))

	frame := sineFrame(0.5, 200)
	require.NoError(t, ns.Process(frame))

	assert.Equal(t, 1, den.frames)
	assert.InDelta(t, 0.9, float64(ns.CurrentSpeechProbability()), 1e-6)

	require.NoError(t, ns.Close())
	assert.True(t, den.closed)
}

func TestNativeDenoiserErrorLeavesFrameUntouched(t *testing.T) {
	den := &fakeDenoiser{err: errors.New("model gone")}
	ns := NewNoiseSuppressor()
	require.NoError(t, ns.Initialize(config.DenoiseSampleRate, den))

	frame := sineFrame(0.5, 200)
	original := append([]float32(nil), frame...)

	assert.Error(t, ns.Process(frame))
	assert.Equal(t, original, frame)
}

func TestProcessInt16RoundTrip(t *testing.T) {
	ns := newInitializedSuppressor(t)
	ns.EnableAdaptive(false)
	ns.EnableVAD(false)
	ns.SetSuppressionLevel(0)

	frame := make([]int16, config.DenoiseFrameSize)
	for i := range frame {
		frame[i] = int16(i * 20)
	}
	original := append([]int16(nil), frame...)

	require.NoError(t, ns.ProcessInt16(frame))
	assert.Equal(t, original, frame)
}

func maxAbs(frame []float32) float32 {
	var peak float32
	for _, s := range frame {
		if abs32(s) > peak {
			peak = abs32(s)
		}
	}
	return peak
}
