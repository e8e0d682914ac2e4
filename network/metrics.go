package network

import (
	"sync"
	"time"

	"github.com/opd-ai/novavoice/codec"
)

const (
	// metricsEMAAlpha smooths latency and bandwidth estimates.
	metricsEMAAlpha = 0.3
	// jitterGain is the RFC 3550 style 1/16 update step.
	jitterGain = 1.0 / 16.0
)

// Metrics derives link quality estimates from the arrival stream.
//
// Loss comes from gaps in sequence numbers, jitter from the spread of
// inter-arrival spacing around its running mean, and bandwidth from
// datagram sizes over arrival intervals. Latency cannot be observed
// one-way and is fed in by the caller when a round-trip sample exists.
type Metrics struct {
	mu sync.Mutex

	haveSeq bool
	lastSeq uint32

	received uint64
	lost     uint64

	lastArrival   time.Time
	meanSpacingMs float64
	jitterMs      float64

	latencyMs     float64
	bandwidthKbps float64
}

// NewMetrics returns an empty tracker.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordArrival folds one received packet into the estimates.
func (m *Metrics) RecordArrival(seq uint32, bytes int, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.received++

	if m.haveSeq && seq > m.lastSeq+1 {
		m.lost += uint64(seq - m.lastSeq - 1)
	}
	if !m.haveSeq || seq > m.lastSeq {
		m.lastSeq = seq
		m.haveSeq = true
	}

	if !m.lastArrival.IsZero() {
		spacingMs := float64(now.Sub(m.lastArrival)) / float64(time.Millisecond)

		if m.meanSpacingMs == 0 {
			m.meanSpacingMs = spacingMs
		} else {
			deviation := spacingMs - m.meanSpacingMs
			if deviation < 0 {
				deviation = -deviation
			}
			m.jitterMs += jitterGain * (deviation - m.jitterMs)
			m.meanSpacingMs = metricsEMAAlpha*spacingMs + (1-metricsEMAAlpha)*m.meanSpacingMs
		}

		if spacingMs > 0 {
			kbps := float64(bytes) * 8 / spacingMs
			if m.bandwidthKbps == 0 {
				m.bandwidthKbps = kbps
			} else {
				m.bandwidthKbps = metricsEMAAlpha*kbps + (1-metricsEMAAlpha)*m.bandwidthKbps
			}
		}
	}
	m.lastArrival = now
}

// RecordLatency folds one round-trip latency sample in milliseconds
// into the moving average.
func (m *Metrics) RecordLatency(latencyMs int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.latencyMs == 0 {
		m.latencyMs = float64(latencyMs)
		return
	}
	m.latencyMs = metricsEMAAlpha*float64(latencyMs) + (1-metricsEMAAlpha)*m.latencyMs
}

// LossRate returns lost over expected packets in [0, 1].
func (m *Metrics) LossRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lossRateLocked()
}

func (m *Metrics) lossRateLocked() float64 {
	expected := m.received + m.lost
	if expected == 0 {
		return 0
	}
	return float64(m.lost) / float64(expected)
}

// LostPackets returns the number of sequence gaps observed.
func (m *Metrics) LostPackets() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lost
}

// Snapshot returns the current estimates in controller form.
func (m *Metrics) Snapshot() codec.NetworkMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return codec.NetworkMetrics{
		PacketLossRate:   m.lossRateLocked(),
		AverageLatencyMs: int(m.latencyMs),
		JitterMs:         int(m.jitterMs),
		BandwidthKbps:    m.bandwidthKbps,
	}
}

// Reset clears all state, for a new session on the same socket.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.haveSeq = false
	m.lastSeq = 0
	m.received = 0
	m.lost = 0
	m.lastArrival = time.Time{}
	m.meanSpacingMs = 0
	m.jitterMs = 0
	m.latencyMs = 0
	m.bandwidthKbps = 0
}
