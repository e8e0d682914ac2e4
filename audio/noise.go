package audio

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/novavoice/config"
)

// Denoiser is the optional native denoise capability.
//
// An implementation consumes exactly one 10ms frame (480 samples at
// 48kHz), denoises it in place, and returns the speech probability the
// model assigned to the frame.
type Denoiser interface {
	// ProcessFrame denoises frame in place and returns the speech
	// probability in [0, 1].
	ProcessFrame(frame []float32) (float32, error)

	// Close destroys the denoiser state.
	Close() error
}

// NoiseMetrics describes the suppressor's view of the last processed
// frame plus its running frame count.
type NoiseMetrics struct {
	NoiseLevel        float32
	SpeechProbability float32
	Suppression       float32
	FramesProcessed   uint64
}

// NoiseSuppressor denoises 10ms frames at 48kHz and estimates speech
// probability per frame.
//
// Two paths: when a native Denoiser is attached, frames go through it
// and the model supplies the speech probability. Otherwise a fallback
// estimator derives noise level and speech probability from RMS and
// zero-crossing rate and applies a simple noise gate. Both paths feed
// the same metrics window and clamp output to [-1, 1].
type NoiseSuppressor struct {
	mu sync.Mutex

	initialized bool
	sampleRate  int
	denoiser    Denoiser

	suppressionLevel float32
	threshold        float32
	vadEnabled       bool
	adaptiveEnabled  bool

	metrics       NoiseMetrics
	noiseHistory  []float32
	speechHistory []float32

	processedFrames uint64
	totalSamples    uint64
}

const noiseHistorySize = 100

// NewNoiseSuppressor creates a suppressor with the default suppression
// level and threshold. Call Initialize before processing.
func NewNoiseSuppressor() *NoiseSuppressor {
	return &NoiseSuppressor{
		sampleRate:       config.DenoiseSampleRate,
		suppressionLevel: 0.8,
		threshold:        config.DenoiseThreshold,
		vadEnabled:       true,
		adaptiveEnabled:  true,
		noiseHistory:     make([]float32, 0, noiseHistorySize),
		speechHistory:    make([]float32, 0, noiseHistorySize),
	}
}

// Initialize validates the sample rate and optionally attaches a native
// denoiser. A nil denoiser selects the fallback path.
//
// The denoiser operates at 48kHz only; any other rate is rejected.
func (ns *NoiseSuppressor) Initialize(sampleRate int, denoiser Denoiser) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.initialized {
		logrus.WithFields(logrus.Fields{
			"function": "NoiseSuppressor.Initialize",
		}).Warn("Noise suppressor already initialized")
		return nil
	}

	if sampleRate != config.DenoiseSampleRate {
		logrus.WithFields(logrus.Fields{
			"function":    "NoiseSuppressor.Initialize",
			"sample_rate": sampleRate,
			"required":    config.DenoiseSampleRate,
		}).Error("Unsupported sample rate for noise suppression")
		return ErrInvalidParameters
	}

	ns.sampleRate = sampleRate
	ns.denoiser = denoiser
	ns.initialized = true

	logrus.WithFields(logrus.Fields{
		"function":       "NoiseSuppressor.Initialize",
		"sample_rate":    sampleRate,
		"native_denoise": denoiser != nil,
	}).Info("Noise suppressor initialized")

	return nil
}

// Close releases the native denoiser, if any.
func (ns *NoiseSuppressor) Close() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if !ns.initialized {
		return nil
	}
	ns.initialized = false

	if ns.denoiser != nil {
		err := ns.denoiser.Close()
		ns.denoiser = nil
		return err
	}
	return nil
}

// Process denoises one 480-sample frame in place.
//
// Returns ErrNotInitialized or ErrFrameSize without touching the frame;
// the caller treats either as pass-through and keeps the pipeline
// alive. A bad frame never kills an audio thread.
func (ns *NoiseSuppressor) Process(frame []float32) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if !ns.initialized {
		return ErrNotInitialized
	}
	if len(frame) != config.DenoiseFrameSize {
		logrus.WithFields(logrus.Fields{
			"function":   "NoiseSuppressor.Process",
			"frame_size": len(frame),
			"required":   config.DenoiseFrameSize,
		}).Error("Frame size mismatch")
		return ErrFrameSize
	}

	var (
		noiseLevel  float32
		speechProb  float32
		suppression float32
	)

	if ns.denoiser != nil {
		prob, err := ns.denoiser.ProcessFrame(frame)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "NoiseSuppressor.Process",
				"error":    err.Error(),
			}).Warn("Native denoiser failed, frame passed through")
			return err
		}
		speechProb = clamp01(prob)
		noiseLevel = ns.noiseLevelOf(frame)
		suppression = ns.suppressionLevel * (1 - speechProb)
	} else {
		noiseLevel = ns.noiseLevelOf(frame)
		speechProb = ns.speechProbabilityOf(frame)
		ns.noiseGate(frame)
		suppression = ns.suppressionLevel * noiseLevel
	}

	ns.processedFrames++
	ns.totalSamples += uint64(len(frame))
	ns.updateMetrics(noiseLevel, speechProb, suppression)

	if ns.vadEnabled && speechProb < ns.threshold {
		for i := range frame {
			frame[i] *= 0.1
		}
	}

	if ns.adaptiveEnabled {
		ns.adaptiveSuppress(frame)
	}

	clampFrame(frame)
	return nil
}

// ProcessInt16 converts, processes, and converts back one 480-sample
// PCM frame. On error the original samples are untouched.
func (ns *NoiseSuppressor) ProcessInt16(frame []int16) error {
	if len(frame) != config.DenoiseFrameSize {
		return ErrFrameSize
	}

	buf := make([]float32, len(frame))
	Int16ToFloat(frame, buf)

	if err := ns.Process(buf); err != nil {
		return err
	}

	FloatToInt16(buf, frame)
	return nil
}

// SetSuppressionLevel sets gate strength, clamped to [0, 1].
func (ns *NoiseSuppressor) SetSuppressionLevel(level float32) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.suppressionLevel = clamp01(level)
}

// SetThreshold sets the VAD speech-probability threshold, clamped to
// [0, 1].
func (ns *NoiseSuppressor) SetThreshold(threshold float32) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.threshold = clamp01(threshold)
}

// EnableVAD toggles the voice-activity gate.
func (ns *NoiseSuppressor) EnableVAD(enable bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.vadEnabled = enable
}

// EnableAdaptive toggles history-based extra suppression.
func (ns *NoiseSuppressor) EnableAdaptive(enable bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.adaptiveEnabled = enable
}

// Metrics returns a snapshot of the last-frame metrics.
func (ns *NoiseSuppressor) Metrics() NoiseMetrics {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.metrics
}

// CurrentSpeechProbability returns the speech probability of the last
// processed frame.
func (ns *NoiseSuppressor) CurrentSpeechProbability() float32 {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.metrics.SpeechProbability
}

// IsSpeechDetected reports whether the last frame crossed the VAD
// threshold.
func (ns *NoiseSuppressor) IsSpeechDetected() bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.metrics.SpeechProbability > ns.threshold
}

// AverageNoiseLevel returns the mean noise level over the history
// window (up to the last 100 frames).
func (ns *NoiseSuppressor) AverageNoiseLevel() float32 {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return mean(ns.noiseHistory)
}

// AverageSpeechProbability returns the mean speech probability over the
// history window.
func (ns *NoiseSuppressor) AverageSpeechProbability() float32 {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return mean(ns.speechHistory)
}

// noiseLevelOf estimates the frame's noise level from RMS, clamped to
// [0, 1].
func (ns *NoiseSuppressor) noiseLevelOf(frame []float32) float32 {
	return clamp01(rms(frame) * 10)
}

// speechProbabilityOf combines RMS energy and zero-crossing rate into a
// speech probability estimate for the fallback path.
func (ns *NoiseSuppressor) speechProbabilityOf(frame []float32) float32 {
	energy := rms(frame)
	zcr := zeroCrossingRate(frame)

	prob := clamp01(energy*5) * 0.6

	// Moderate zero-crossing rates suggest voiced speech; normalize
	// against 10% of the sample rate.
	normalizedZCR := zcr / (float32(ns.sampleRate) * 0.1)
	prob += (1 - abs32(normalizedZCR-0.1)/0.1) * 0.4

	return clamp01(prob)
}

// noiseGate attenuates samples whose magnitude falls below the gate
// threshold. A stronger suppression level lowers the threshold and
// deepens the attenuation.
func (ns *NoiseSuppressor) noiseGate(frame []float32) {
	threshold := 0.01 * (1 - ns.suppressionLevel)
	for i, sample := range frame {
		if abs32(sample) < threshold {
			frame[i] = sample * (1 - ns.suppressionLevel)
		}
	}
}

// adaptiveSuppress applies extra attenuation when the current frame is
// noticeably noisier than the running average.
func (ns *NoiseSuppressor) adaptiveSuppress(frame []float32) {
	avg := mean(ns.noiseHistory)
	if avg <= 0 {
		return
	}

	current := ns.noiseLevelOf(frame)
	if current > avg*1.5 {
		extra := (current - avg) / avg
		if extra > 0.5 {
			extra = 0.5
		}
		factor := 1 - extra
		for i := range frame {
			frame[i] *= factor
		}
	}
}

func (ns *NoiseSuppressor) updateMetrics(noiseLevel, speechProb, suppression float32) {
	ns.metrics = NoiseMetrics{
		NoiseLevel:        noiseLevel,
		SpeechProbability: speechProb,
		Suppression:       suppression,
		FramesProcessed:   ns.processedFrames,
	}

	ns.noiseHistory = append(ns.noiseHistory, noiseLevel)
	if len(ns.noiseHistory) > noiseHistorySize {
		ns.noiseHistory = ns.noiseHistory[1:]
	}
	ns.speechHistory = append(ns.speechHistory, speechProb)
	if len(ns.speechHistory) > noiseHistorySize {
		ns.speechHistory = ns.speechHistory[1:]
	}
}

// rms computes the root-mean-square level of a frame.
func rms(frame []float32) float32 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(frame))))
}

// zeroCrossingRate counts sign changes per sample pair.
func zeroCrossingRate(frame []float32) float32 {
	if len(frame) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(frame); i++ {
		if (frame[i] >= 0) != (frame[i-1] >= 0) {
			crossings++
		}
	}
	return float32(crossings) / float32(len(frame)-1)
}

func clampFrame(frame []float32) {
	for i, s := range frame {
		if s > 1 {
			frame[i] = 1
		} else if s < -1 {
			frame[i] = -1
		}
	}
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func mean(values []float32) float32 {
	if len(values) == 0 {
		return 0
	}
	var sum float32
	for _, v := range values {
		sum += v
	}
	return sum / float32(len(values))
}
