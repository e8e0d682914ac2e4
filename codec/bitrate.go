package codec

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/novavoice/config"
)

// NetworkMetrics is the transport layer's view of link quality, fed to
// the bitrate controller. Latency is smoothed by the reporter with an
// exponential moving average.
type NetworkMetrics struct {
	PacketLossRate   float64
	AverageLatencyMs int
	JitterMs         int
	BandwidthKbps    float64
}

// AudioMetrics is the preprocessor's view of the captured signal.
type AudioMetrics struct {
	SNRDb            float64
	AverageVolume    float64
	SpeechDetected   bool
	CompressionRatio float64
}

// QualityMode selects the bitrate policy.
type QualityMode int

const (
	// PowerSave pins the bitrate to the minimum.
	PowerSave QualityMode = iota
	// Balanced caps the computed bitrate at the default.
	Balanced
	// HighQuality pins the bitrate to the maximum.
	HighQuality
	// Adaptive caps the computed bitrate by the target quality level.
	Adaptive
)

// String returns the mode name for logging.
func (m QualityMode) String() string {
	switch m {
	case PowerSave:
		return "power_save"
	case Balanced:
		return "balanced"
	case HighQuality:
		return "high_quality"
	case Adaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// latencyEMAAlpha is the smoothing factor for reported latency.
const latencyEMAAlpha = 0.3

// historyMaxEntries and historyMaxAge bound the bitrate history.
const (
	historyMaxEntries = 100
	historyMaxAge     = 10 * time.Minute
)

// historyEntry records one published bitrate change.
type historyEntry struct {
	bitrate int
	at      time.Time
}

// BitrateController continuously picks a target codec bitrate from
// network and audio metrics.
//
// Every metric update recomputes a candidate: a network-based estimate
// and an audio-based estimate are combined 60/40, shaped by the quality
// mode, smoothed by the adaptation speed, and clamped to the valid
// band. The result is published only when it differs from the current
// bitrate by at least the stability threshold, which prevents rapid
// oscillation.
type BitrateController struct {
	mu sync.Mutex

	current     int
	recommended int
	mode        QualityMode

	targetQuality      float64
	adaptationSpeed    float64
	stabilityThreshold float64
	autoAdaptation     bool

	network NetworkMetrics
	audio   AudioMetrics

	history        []historyEntry
	bitrateChanges uint64

	onChange func(bitrate int)
}

// NewBitrateController creates a controller starting at the given
// bitrate (clamped to the valid band), in Adaptive mode with the
// default tuning: target quality 0.5, adaptation speed 0.3, stability
// threshold 0.1, auto-adaptation on.
func NewBitrateController(initialBitrate int) *BitrateController {
	initial := ClampBitrate(initialBitrate)

	bc := &BitrateController{
		current:            initial,
		recommended:        initial,
		mode:               Adaptive,
		targetQuality:      0.5,
		adaptationSpeed:    0.3,
		stabilityThreshold: 0.1,
		autoAdaptation:     true,
		history:            []historyEntry{{bitrate: initial, at: time.Now()}},
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewBitrateController",
		"bitrate":  initial,
		"mode":     bc.mode.String(),
	}).Info("Bitrate controller created")

	return bc
}

// OnBitrateChange installs the single-slot callback invoked (without
// the controller lock held) whenever a new bitrate is published.
func (bc *BitrateController) OnBitrateChange(cb func(bitrate int)) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.onChange = cb
}

// CalculateOptimalBitrate computes the candidate bitrate for the given
// metrics without publishing it.
func (bc *BitrateController) CalculateOptimalBitrate(network NetworkMetrics, audio AudioMetrics) int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.calculateLocked(network, audio)
}

func (bc *BitrateController) calculateLocked(network NetworkMetrics, audio AudioMetrics) int {
	networkBitrate := networkBasedBitrate(network)
	audioBitrate := audioBasedBitrate(audio)

	// Network conditions dominate; audio characteristics refine.
	combined := int(float64(networkBitrate)*0.6 + float64(audioBitrate)*0.4)

	shaped := bc.applyModeLocked(combined)

	smoothed := bc.current + int(bc.adaptationSpeed*float64(shaped-bc.current))

	return ClampBitrate(smoothed)
}

// networkBasedBitrate penalizes the default bitrate for loss, latency,
// and a known bandwidth ceiling.
func networkBasedBitrate(m NetworkMetrics) int {
	bitrate := config.DefaultBitrate

	if m.PacketLossRate > 0.05 {
		bitrate = config.MinBitrate
	} else if m.PacketLossRate > 0.02 {
		bitrate = (config.MinBitrate + config.DefaultBitrate) / 2
	}

	if m.AverageLatencyMs > 500 {
		bitrate = min(bitrate, config.MinBitrate)
	} else if m.AverageLatencyMs > 200 {
		bitrate = min(bitrate, (config.MinBitrate+config.DefaultBitrate)/2)
	}

	if m.BandwidthKbps > 0 {
		// Leave 20% headroom on the measured bandwidth.
		cap := int(m.BandwidthKbps * 1000 * 0.8)
		bitrate = min(bitrate, cap)
	}

	return bitrate
}

// audioBasedBitrate spends bits where the signal deserves them:
// silence gets the minimum, loud clean speech gets the maximum.
func audioBasedBitrate(m AudioMetrics) int {
	if !m.SpeechDetected {
		return config.MinBitrate
	}

	bitrate := config.DefaultBitrate

	if m.AverageVolume > 0.7 {
		bitrate = config.MaxBitrate
	} else if m.AverageVolume < 0.1 {
		bitrate = config.MinBitrate
	}

	if m.SNRDb > 20 {
		bitrate = max(bitrate, config.DefaultBitrate)
	} else if m.SNRDb < 10 {
		bitrate = config.MinBitrate
	}

	return bitrate
}

func (bc *BitrateController) applyModeLocked(bitrate int) int {
	switch bc.mode {
	case PowerSave:
		return config.MinBitrate
	case Balanced:
		return min(bitrate, config.DefaultBitrate)
	case HighQuality:
		return config.MaxBitrate
	case Adaptive:
		fallthrough
	default:
		target := config.MinBitrate + int(float64(config.MaxBitrate-config.MinBitrate)*bc.targetQuality)
		return min(bitrate, target)
	}
}

// UpdateNetworkMetrics stores new transport metrics and, when auto
// adaptation is on, recomputes and possibly publishes a bitrate.
func (bc *BitrateController) UpdateNetworkMetrics(m NetworkMetrics) {
	bc.mu.Lock()
	bc.network = m
	cb, published := bc.adaptLocked("network conditions")
	bc.mu.Unlock()

	if cb != nil {
		cb(published)
	}
}

// UpdateAudioMetrics stores new preprocessor metrics and adapts.
func (bc *BitrateController) UpdateAudioMetrics(m AudioMetrics) {
	bc.mu.Lock()
	bc.audio = m
	cb, published := bc.adaptLocked("audio characteristics")
	bc.mu.Unlock()

	if cb != nil {
		cb(published)
	}
}

// adaptLocked recomputes the candidate and publishes it when it clears
// the stability gate. Returns the callback to invoke after unlocking.
func (bc *BitrateController) adaptLocked(reason string) (func(int), int) {
	if !bc.autoAdaptation {
		return nil, 0
	}

	candidate := bc.calculateLocked(bc.network, bc.audio)
	if !bc.shouldPublishLocked(candidate) {
		return nil, 0
	}

	old := bc.current
	bc.current = candidate
	bc.recommended = candidate
	bc.appendHistoryLocked(candidate)
	bc.bitrateChanges++

	logrus.WithFields(logrus.Fields{
		"function":    "BitrateController.adapt",
		"old_bitrate": old,
		"new_bitrate": candidate,
		"reason":      reason,
		"changes":     bc.bitrateChanges,
	}).Info("Bitrate change published")

	if bc.onChange != nil {
		return bc.onChange, candidate
	}
	return nil, 0
}

// shouldPublishLocked is the stability gate: a change is published only
// when its relative magnitude reaches the threshold.
func (bc *BitrateController) shouldPublishLocked(candidate int) bool {
	if bc.current == 0 {
		return true
	}
	delta := candidate - bc.current
	if delta < 0 {
		delta = -delta
	}
	return float64(delta)/float64(bc.current) >= bc.stabilityThreshold
}

func (bc *BitrateController) appendHistoryLocked(bitrate int) {
	now := time.Now()
	bc.history = append(bc.history, historyEntry{bitrate: bitrate, at: now})

	// Prune by age, then by count.
	cutoff := now.Add(-historyMaxAge)
	for len(bc.history) > 0 && bc.history[0].at.Before(cutoff) {
		bc.history = bc.history[1:]
	}
	if len(bc.history) > historyMaxEntries {
		bc.history = bc.history[len(bc.history)-historyMaxEntries:]
	}
}

// ReportPacketLoss folds a loss observation into the network metrics.
func (bc *BitrateController) ReportPacketLoss(totalPackets, lostPackets uint64) {
	if totalPackets == 0 {
		return
	}

	bc.mu.Lock()
	bc.network.PacketLossRate = float64(lostPackets) / float64(totalPackets)
	cb, published := bc.adaptLocked("packet loss report")
	bc.mu.Unlock()

	if cb != nil {
		cb(published)
	}
}

// ReportLatency folds a latency sample into the exponential moving
// average (alpha = 0.3).
func (bc *BitrateController) ReportLatency(latencyMs int) {
	bc.mu.Lock()
	bc.network.AverageLatencyMs = int(latencyEMAAlpha*float64(latencyMs) + (1-latencyEMAAlpha)*float64(bc.network.AverageLatencyMs))
	cb, published := bc.adaptLocked("latency report")
	bc.mu.Unlock()

	if cb != nil {
		cb(published)
	}
}

// ReportBandwidth records the available bandwidth estimate in kbps.
func (bc *BitrateController) ReportBandwidth(kbps float64) {
	bc.mu.Lock()
	bc.network.BandwidthKbps = kbps
	cb, published := bc.adaptLocked("bandwidth report")
	bc.mu.Unlock()

	if cb != nil {
		cb(published)
	}
}

// SetQualityMode switches policy and re-adapts immediately.
func (bc *BitrateController) SetQualityMode(mode QualityMode) {
	bc.mu.Lock()
	bc.mode = mode
	cb, published := bc.adaptLocked("quality mode change")
	bc.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "BitrateController.SetQualityMode",
		"mode":     mode.String(),
	}).Info("Quality mode changed")

	if cb != nil {
		cb(published)
	}
}

// SetTargetQuality sets the Adaptive-mode quality level in [0, 1].
func (bc *BitrateController) SetTargetQuality(quality float64) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.targetQuality = clampUnit(quality)
}

// SetAdaptationSpeed sets the smoothing factor in [0, 1]; 1 adopts the
// candidate immediately, 0 freezes the bitrate.
func (bc *BitrateController) SetAdaptationSpeed(speed float64) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.adaptationSpeed = clampUnit(speed)
}

// SetStabilityThreshold sets the minimum relative change required to
// publish, in [0, 1].
func (bc *BitrateController) SetStabilityThreshold(threshold float64) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.stabilityThreshold = clampUnit(threshold)
}

// EnableAutoAdaptation toggles automatic publication. When disabled,
// metric updates are recorded but never change the bitrate.
func (bc *BitrateController) EnableAutoAdaptation(enable bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.autoAdaptation = enable

	logrus.WithFields(logrus.Fields{
		"function": "BitrateController.EnableAutoAdaptation",
		"enabled":  enable,
	}).Info("Auto adaptation toggled")
}

// CurrentBitrate returns the published bitrate in bps.
func (bc *BitrateController) CurrentBitrate() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.current
}

// RecommendedBitrate returns the last candidate that cleared the gate.
func (bc *BitrateController) RecommendedBitrate() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.recommended
}

// BitrateChanges returns how many changes have been published.
func (bc *BitrateController) BitrateChanges() uint64 {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.bitrateChanges
}

// NetworkMetricsSnapshot returns the current network metrics.
func (bc *BitrateController) NetworkMetricsSnapshot() NetworkMetrics {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.network
}

// AudioMetricsSnapshot returns the current audio metrics.
func (bc *BitrateController) AudioMetricsSnapshot() AudioMetrics {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.audio
}

// AverageBitrate returns the mean of the retained history.
func (bc *BitrateController) AverageBitrate() float64 {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if len(bc.history) == 0 {
		return float64(bc.current)
	}
	var sum int
	for _, e := range bc.history {
		sum += e.bitrate
	}
	return float64(sum) / float64(len(bc.history))
}

// BitrateHistory returns the retained published bitrates, oldest first.
func (bc *BitrateController) BitrateHistory() []int {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	out := make([]int, len(bc.history))
	for i, e := range bc.history {
		out[i] = e.bitrate
	}
	return out
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
