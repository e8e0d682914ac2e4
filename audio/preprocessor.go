package audio

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/novavoice/codec"
	"github.com/opd-ai/novavoice/config"
)

// PreprocessingConfig selects which stages of the processing chain run
// and how they are tuned. The zero value is not valid; start from
// DefaultPreprocessingConfig.
type PreprocessingConfig struct {
	EnableNoiseSuppression  bool
	EnableCodec             bool
	EnableBitrateAdaptation bool
	EnableVAD               bool
	EnableAGC               bool

	// UseOpusDecoder installs the pure-Go Opus decoder for inbound
	// frames. Only the decode half of Opus exists in pure Go, so the
	// outbound direction keeps whatever encoder is configured; enable
	// this when the peer sends Opus.
	UseOpusDecoder bool

	// NoiseSuppressionLevel in [0, 1].
	NoiseSuppressionLevel float32
	// VADThreshold in [0, 1]; 0 passes everything.
	VADThreshold float32
	// AGCTargetLevel is the RMS the gain loop steers toward, in
	// [0.1, 2.0].
	AGCTargetLevel float32
	// TargetBitrate in bps, within the codec band.
	TargetBitrate int
}

// DefaultPreprocessingConfig returns the standard voice-call tuning
// with every stage enabled.
func DefaultPreprocessingConfig() PreprocessingConfig {
	return PreprocessingConfig{
		EnableNoiseSuppression:  true,
		EnableCodec:             true,
		EnableBitrateAdaptation: true,
		EnableVAD:               true,
		EnableAGC:               true,
		NoiseSuppressionLevel:   0.8,
		VADThreshold:            0.5,
		AGCTargetLevel:          0.7,
		TargetBitrate:           config.DefaultBitrate,
	}
}

// Validate checks every tunable against its documented range.
func (c PreprocessingConfig) Validate() error {
	if c.NoiseSuppressionLevel < 0 || c.NoiseSuppressionLevel > 1 {
		return fmt.Errorf("%w: noise suppression level %v", ErrInvalidParameters, c.NoiseSuppressionLevel)
	}
	if c.VADThreshold < 0 || c.VADThreshold > 1 {
		return fmt.Errorf("%w: vad threshold %v", ErrInvalidParameters, c.VADThreshold)
	}
	if c.AGCTargetLevel < 0.1 || c.AGCTargetLevel > 2.0 {
		return fmt.Errorf("%w: agc target level %v", ErrInvalidParameters, c.AGCTargetLevel)
	}
	if c.TargetBitrate < config.MinBitrate || c.TargetBitrate > config.MaxBitrate {
		return fmt.Errorf("%w: target bitrate %d", ErrInvalidParameters, c.TargetBitrate)
	}
	return nil
}

// AudioStats is a point-in-time snapshot of preprocessor activity.
type AudioStats struct {
	TotalSamplesProcessed uint64
	TotalFramesProcessed  uint64
	AverageNoiseLevel     float32
	AverageSpeechProb     float32
	AverageGain           float32
	CurrentBitrate        int
	ProcessingLatencyMs   float64
}

const (
	gainSmoothingAlpha = 0.1
	gainMin            = 0.1
	gainMax            = 2.0
	vadAttenuation     = 0.1

	maxGainHistory    = 50
	maxLatencyHistory = 100
)

// Preprocessor runs the voice processing chain between the capture
// engine and the wire, and between the wire and the playback engine.
//
// Outbound order on a float frame: AGC, noise suppression in
// 480-sample chunks, voice-activity gating, then rate conversion and
// encoding. Inbound is decode, rate conversion, output gain. The
// bitrate controller rides along: audio metrics flow to it after every
// processed frame and published bitrate changes flow back into the
// codec.
type Preprocessor struct {
	mu sync.Mutex

	cfg         PreprocessingConfig
	initialized bool

	suppressor *NoiseSuppressor
	enc        *codec.Codec
	controller *codec.BitrateController

	downsampler *codec.Resampler
	upsampler   *codec.Resampler
	encodeBuf   []int16
	floatBuf    []float32

	currentGain float32
	targetGain  float32
	gainHistory []float32

	latencies  []float64
	latencyIdx int

	lastVolume     float32
	speechDetected bool

	totalSamples uint64
	totalFrames  uint64

	onSpeech func(bool)
}

// NewPreprocessor returns an uninitialized preprocessor. Call
// Initialize before processing.
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{
		currentGain: 1.0,
		targetGain:  1.0,
	}
}

// Initialize builds the component chain for the given configuration.
//
// The noise suppressor runs at the fixed 48kHz denoise rate, the codec
// at its internal 16kHz, and the two resamplers bridge the capture and
// playback rates. A bitrate change published by the controller is
// applied to the codec immediately.
func (p *Preprocessor) Initialize(cfg PreprocessingConfig) error {
	if err := cfg.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Preprocessor.Initialize",
			"error":    err.Error(),
		}).Error("Invalid preprocessing config")
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	p.suppressor = NewNoiseSuppressor()
	if err := p.suppressor.Initialize(config.DenoiseSampleRate, nil); err != nil {
		return fmt.Errorf("noise suppressor init: %w", err)
	}
	p.suppressor.SetSuppressionLevel(cfg.NoiseSuppressionLevel)
	p.suppressor.SetThreshold(cfg.VADThreshold)
	p.suppressor.EnableVAD(cfg.EnableVAD)

	enc, err := codec.NewCodec(config.CodecSampleRate, config.Channels)
	if err != nil {
		return fmt.Errorf("codec init: %w", err)
	}
	if err := enc.SetBitrate(cfg.TargetBitrate); err != nil {
		return fmt.Errorf("codec bitrate: %w", err)
	}
	if cfg.UseOpusDecoder {
		enc.SetFrameDecoder(codec.NewOpusFrameDecoder())
	}
	p.enc = enc

	p.controller = codec.NewBitrateController(cfg.TargetBitrate)
	p.controller.EnableAutoAdaptation(cfg.EnableBitrateAdaptation)
	p.controller.OnBitrateChange(func(bitrate int) {
		if err := enc.SetBitrate(bitrate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Preprocessor",
				"bitrate":  bitrate,
				"error":    err.Error(),
			}).Warn("Failed to apply published bitrate")
		}
	})

	down, err := codec.NewResampler(config.SampleRate, config.CodecSampleRate)
	if err != nil {
		return fmt.Errorf("downsampler init: %w", err)
	}
	up, err := codec.NewResampler(config.CodecSampleRate, config.SampleRate)
	if err != nil {
		return fmt.Errorf("upsampler init: %w", err)
	}
	p.downsampler = down
	p.upsampler = up

	p.cfg = cfg
	p.currentGain = 1.0
	p.targetGain = cfg.AGCTargetLevel
	p.latencies = make([]float64, 0, maxLatencyHistory)
	p.initialized = true

	logrus.WithFields(logrus.Fields{
		"function":          "Preprocessor.Initialize",
		"noise_suppression": cfg.EnableNoiseSuppression,
		"codec":             cfg.EnableCodec,
		"vad":               cfg.EnableVAD,
		"agc":               cfg.EnableAGC,
		"target_bitrate":    cfg.TargetBitrate,
	}).Info("Preprocessor initialized")

	return nil
}

// Close tears the chain down. Further processing calls fail with
// ErrNotInitialized.
func (p *Preprocessor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}
	p.initialized = false

	if err := p.suppressor.Close(); err != nil {
		return err
	}
	if err := p.enc.Close(); err != nil {
		return err
	}

	logrus.WithField("function", "Preprocessor.Close").Info("Preprocessor closed")
	return nil
}

// ProcessInput runs the outbound chain in place on one captured frame
// of 16-bit PCM at the capture rate.
func (p *Preprocessor) ProcessInput(pcm []int16) error {
	if len(pcm) == 0 {
		return fmt.Errorf("%w: empty frame", ErrFrameSize)
	}

	start := time.Now()

	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return ErrNotInitialized
	}

	frame := p.floatScratchLocked(len(pcm))
	Int16ToFloat(pcm, frame)

	speech, err := p.runInputChainLocked(frame)
	if err != nil {
		p.mu.Unlock()
		return err
	}

	FloatToInt16(frame, pcm)

	p.totalSamples += uint64(len(pcm))
	p.totalFrames++
	p.recordLatencyLocked(time.Since(start))

	cb := p.onSpeech
	adapt := p.cfg.EnableBitrateAdaptation
	metrics := p.audioMetricsLocked()
	p.mu.Unlock()

	if cb != nil {
		cb(speech)
	}
	if adapt {
		p.controller.UpdateAudioMetrics(metrics)
	}
	return nil
}

// runInputChainLocked applies AGC, noise suppression, and the VAD gate
// to a float frame. Returns whether speech was detected.
func (p *Preprocessor) runInputChainLocked(frame []float32) (bool, error) {
	p.lastVolume = rms(frame)

	if p.cfg.EnableAGC {
		p.applyAGCLocked(frame)
	}

	speechProb := float32(0.5)
	if p.cfg.EnableNoiseSuppression {
		for off := 0; off+config.DenoiseFrameSize <= len(frame); off += config.DenoiseFrameSize {
			if err := p.suppressor.Process(frame[off : off+config.DenoiseFrameSize]); err != nil {
				return false, err
			}
		}
		speechProb = p.suppressor.CurrentSpeechProbability()
	}

	speech := speechProb > p.cfg.VADThreshold
	if p.cfg.EnableVAD && speechProb < p.cfg.VADThreshold {
		for i := range frame {
			frame[i] *= vadAttenuation
		}
	}
	p.speechDetected = speech

	return speech, nil
}

// applyAGCLocked steers the running gain toward the level that would
// bring the frame RMS to the target, then applies and clips.
func (p *Preprocessor) applyAGCLocked(frame []float32) {
	level := rms(frame)
	if level > 0 {
		desired := p.targetGain / level
		p.currentGain = gainSmoothingAlpha*desired + (1-gainSmoothingAlpha)*p.currentGain
		if p.currentGain < gainMin {
			p.currentGain = gainMin
		}
		if p.currentGain > gainMax {
			p.currentGain = gainMax
		}

		p.gainHistory = append(p.gainHistory, p.currentGain)
		if len(p.gainHistory) > maxGainHistory {
			p.gainHistory = p.gainHistory[1:]
		}
	}

	for i := range frame {
		frame[i] *= p.currentGain
	}
	clampFrame(frame)
}

// ProcessOutput runs the inbound chain in place on one frame headed to
// the playback device: output gain only, no denoising or gating.
func (p *Preprocessor) ProcessOutput(pcm []int16) error {
	if len(pcm) == 0 {
		return fmt.Errorf("%w: empty frame", ErrFrameSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return ErrNotInitialized
	}
	if !p.cfg.EnableAGC {
		return nil
	}

	frame := p.floatScratchLocked(len(pcm))
	Int16ToFloat(pcm, frame)
	for i := range frame {
		frame[i] *= p.currentGain
	}
	clampFrame(frame)
	FloatToInt16(frame, pcm)

	return nil
}

// Encode runs the outbound chain on a captured frame and compresses it
// into zero or more codec packets.
//
// The capture-rate frame is downsampled to the codec rate and appended
// to an internal accumulator; every full codec frame in the
// accumulator is encoded. A 1024-sample capture period therefore
// yields one packet per call on average, with the remainder carrying
// into the next call. With the codec disabled, the processed PCM is
// split into raw packets small enough that each datagram, header
// included, fits the receiver's buffer.
func (p *Preprocessor) Encode(pcm []int16) ([]*codec.EncodedPacket, error) {
	if err := p.ProcessInput(pcm); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cfg.EnableCodec {
		const chunk = config.PacketSize / 2
		var packets []*codec.EncodedPacket
		for off := 0; off < len(pcm); off += chunk {
			end := off + chunk
			if end > len(pcm) {
				end = len(pcm)
			}
			seg := pcm[off:end]
			data := make([]byte, len(seg)*2)
			for i, s := range seg {
				data[i*2] = byte(s)
				data[i*2+1] = byte(uint16(s) >> 8)
			}
			packets = append(packets, &codec.EncodedPacket{Data: data, Bitrate: 0})
		}
		return packets, nil
	}

	p.encodeBuf = append(p.encodeBuf, p.downsampler.Resample(pcm)...)

	var packets []*codec.EncodedPacket
	for len(p.encodeBuf) >= config.CodecFrameSize {
		packet, err := p.enc.Encode(p.encodeBuf[:config.CodecFrameSize])
		if err != nil {
			return packets, err
		}
		packets = append(packets, packet)
		p.encodeBuf = p.encodeBuf[config.CodecFrameSize:]
	}

	return packets, nil
}

// Decode expands one received payload into playback-rate PCM with the
// output gain applied.
func (p *Preprocessor) Decode(data []byte) ([]int16, error) {
	p.mu.Lock()

	if !p.initialized {
		p.mu.Unlock()
		return nil, ErrNotInitialized
	}

	if !p.cfg.EnableCodec {
		p.mu.Unlock()
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("%w: odd raw payload %d bytes", ErrFrameSize, len(data))
		}
		pcm := make([]int16, len(data)/2)
		for i := range pcm {
			pcm[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
		}
		return pcm, p.ProcessOutput(pcm)
	}

	decoded, err := p.enc.Decode(data)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	pcm := p.upsampler.Resample(decoded)
	p.mu.Unlock()

	if len(pcm) == 0 {
		return pcm, nil
	}
	return pcm, p.ProcessOutput(pcm)
}

// UpdateConfig swaps the tuning and pushes it down to the components.
func (p *Preprocessor) UpdateConfig(cfg PreprocessingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return ErrNotInitialized
	}

	if cfg.UseOpusDecoder != p.cfg.UseOpusDecoder {
		if cfg.UseOpusDecoder {
			p.enc.SetFrameDecoder(codec.NewOpusFrameDecoder())
		} else {
			p.enc.SetFrameDecoder(nil)
		}
	}

	p.cfg = cfg
	p.suppressor.SetSuppressionLevel(cfg.NoiseSuppressionLevel)
	p.suppressor.SetThreshold(cfg.VADThreshold)
	p.suppressor.EnableVAD(cfg.EnableVAD)
	p.targetGain = cfg.AGCTargetLevel
	p.controller.EnableAutoAdaptation(cfg.EnableBitrateAdaptation)

	if err := p.enc.SetBitrate(cfg.TargetBitrate); err != nil {
		return err
	}

	logrus.WithField("function", "Preprocessor.UpdateConfig").Info("Preprocessing config updated")
	return nil
}

// Config returns the active configuration.
func (p *Preprocessor) Config() PreprocessingConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// SetNoiseSuppressionLevel adjusts suppression strength in [0, 1].
func (p *Preprocessor) SetNoiseSuppressionLevel(level float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.suppressor != nil {
		p.cfg.NoiseSuppressionLevel = level
		p.suppressor.SetSuppressionLevel(level)
	}
}

// SetVADThreshold adjusts the speech gate in [0, 1].
func (p *Preprocessor) SetVADThreshold(threshold float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.suppressor != nil {
		p.cfg.VADThreshold = threshold
		p.suppressor.SetThreshold(threshold)
	}
}

// SetTargetGain adjusts the AGC target level.
func (p *Preprocessor) SetTargetGain(gain float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gain < gainMin {
		gain = gainMin
	}
	if gain > gainMax {
		gain = gainMax
	}
	p.targetGain = gain
	p.cfg.AGCTargetLevel = gain
}

// SetBitrate retargets the codec directly, bypassing adaptation.
func (p *Preprocessor) SetBitrate(bps int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return ErrNotInitialized
	}
	p.cfg.TargetBitrate = codec.ClampBitrate(bps)
	return p.enc.SetBitrate(bps)
}

// UpdateNetworkMetrics forwards transport metrics to the controller.
func (p *Preprocessor) UpdateNetworkMetrics(m codec.NetworkMetrics) {
	if c := p.bitrateController(); c != nil {
		c.UpdateNetworkMetrics(m)
	}
}

// ReportPacketLoss forwards a loss observation to the controller.
func (p *Preprocessor) ReportPacketLoss(total, lost uint64) {
	if c := p.bitrateController(); c != nil {
		c.ReportPacketLoss(total, lost)
	}
}

// ReportLatency forwards a latency sample to the controller.
func (p *Preprocessor) ReportLatency(latencyMs int) {
	if c := p.bitrateController(); c != nil {
		c.ReportLatency(latencyMs)
	}
}

// ReportBandwidth forwards a bandwidth estimate to the controller.
func (p *Preprocessor) ReportBandwidth(kbps float64) {
	if c := p.bitrateController(); c != nil {
		c.ReportBandwidth(kbps)
	}
}

// BitrateController exposes the controller for direct tuning.
func (p *Preprocessor) BitrateController() *codec.BitrateController {
	return p.bitrateController()
}

func (p *Preprocessor) bitrateController() *codec.BitrateController {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.controller
}

// OnSpeechDetected installs the callback invoked after each processed
// input frame with the VAD verdict.
func (p *Preprocessor) OnSpeechDetected(cb func(speech bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSpeech = cb
}

// CurrentGain returns the AGC gain currently applied.
func (p *Preprocessor) CurrentGain() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentGain
}

// CurrentBitrate returns the codec's active bitrate.
func (p *Preprocessor) CurrentBitrate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return 0
	}
	return p.enc.Bitrate()
}

// IsSpeechDetected returns the last VAD verdict.
func (p *Preprocessor) IsSpeechDetected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speechDetected
}

// NoiseMetrics returns the suppressor's rolling metrics.
func (p *Preprocessor) NoiseMetrics() NoiseMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.suppressor == nil {
		return NoiseMetrics{}
	}
	return p.suppressor.Metrics()
}

// Metrics returns the audio metrics fed to the bitrate controller.
func (p *Preprocessor) Metrics() codec.AudioMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.audioMetricsLocked()
}

// audioMetricsLocked derives controller inputs from the suppressor
// state. SNR compares the latest frame RMS against the running noise
// floor; the noise level estimator scales RMS by 10, undone here.
func (p *Preprocessor) audioMetricsLocked() codec.AudioMetrics {
	m := codec.AudioMetrics{
		AverageVolume:  float64(p.lastVolume),
		SpeechDetected: p.speechDetected,
	}
	if p.enc != nil {
		m.CompressionRatio = p.enc.CompressionRatio()
	}
	if p.suppressor != nil {
		noiseFloor := float64(p.suppressor.AverageNoiseLevel()) / 10
		if noiseFloor > 0 && p.lastVolume > 0 {
			snr := 20 * math.Log10(float64(p.lastVolume)/noiseFloor)
			if snr < 0 {
				snr = 0
			}
			if snr > 60 {
				snr = 60
			}
			m.SNRDb = snr
		}
	}
	return m
}

// Stats returns a snapshot across the chain.
func (p *Preprocessor) Stats() AudioStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := AudioStats{
		TotalSamplesProcessed: p.totalSamples,
		TotalFramesProcessed:  p.totalFrames,
		AverageGain:           meanOrDefault(p.gainHistory, p.currentGain),
		ProcessingLatencyMs:   meanFloat64(p.latencies),
	}
	if p.suppressor != nil {
		stats.AverageNoiseLevel = p.suppressor.AverageNoiseLevel()
		stats.AverageSpeechProb = p.suppressor.AverageSpeechProbability()
	}
	if p.enc != nil {
		stats.CurrentBitrate = p.enc.Bitrate()
	}
	return stats
}

func (p *Preprocessor) recordLatencyLocked(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if len(p.latencies) < maxLatencyHistory {
		p.latencies = append(p.latencies, ms)
		return
	}
	p.latencies[p.latencyIdx] = ms
	p.latencyIdx = (p.latencyIdx + 1) % maxLatencyHistory
}

func (p *Preprocessor) floatScratchLocked(n int) []float32 {
	if cap(p.floatBuf) < n {
		p.floatBuf = make([]float32, n)
	}
	p.floatBuf = p.floatBuf[:n]
	return p.floatBuf
}

func meanOrDefault(values []float32, fallback float32) float32 {
	if len(values) == 0 {
		return fallback
	}
	return mean(values)
}

func meanFloat64(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
