package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsLossFromSequenceGaps(t *testing.T) {
	m := NewMetrics()
	now := time.Now()

	m.RecordArrival(0, 100, now)
	m.RecordArrival(1, 100, now.Add(20*time.Millisecond))
	// 2 and 3 never arrive.
	m.RecordArrival(4, 100, now.Add(40*time.Millisecond))

	assert.Equal(t, uint64(2), m.LostPackets())
	assert.InDelta(t, 2.0/5.0, m.LossRate(), 1e-9)
}

func TestMetricsNoLossOnContiguousSequence(t *testing.T) {
	m := NewMetrics()
	now := time.Now()

	for i := 0; i < 10; i++ {
		m.RecordArrival(uint32(i), 100, now.Add(time.Duration(i)*20*time.Millisecond))
	}

	assert.Equal(t, uint64(0), m.LostPackets())
	assert.Equal(t, 0.0, m.LossRate())
}

func TestMetricsDuplicatesAndReorderingDoNotCountAsLoss(t *testing.T) {
	m := NewMetrics()
	now := time.Now()

	m.RecordArrival(0, 100, now)
	m.RecordArrival(1, 100, now.Add(20*time.Millisecond))
	// A late duplicate of 0 must not create a gap.
	m.RecordArrival(0, 100, now.Add(25*time.Millisecond))
	m.RecordArrival(2, 100, now.Add(40*time.Millisecond))

	assert.Equal(t, uint64(0), m.LostPackets())
}

func TestMetricsLatencyEMA(t *testing.T) {
	m := NewMetrics()

	m.RecordLatency(100)
	assert.Equal(t, 100, m.Snapshot().AverageLatencyMs)

	m.RecordLatency(200)
	// 0.3*200 + 0.7*100 = 130.
	assert.Equal(t, 130, m.Snapshot().AverageLatencyMs)
}

func TestMetricsJitterOnSteadyStream(t *testing.T) {
	m := NewMetrics()
	now := time.Now()

	for i := 0; i < 20; i++ {
		m.RecordArrival(uint32(i), 100, now.Add(time.Duration(i)*20*time.Millisecond))
	}

	// Perfectly even spacing produces (near) zero jitter.
	assert.LessOrEqual(t, m.Snapshot().JitterMs, 1)
}

func TestMetricsJitterOnUnevenStream(t *testing.T) {
	m := NewMetrics()
	now := time.Now()

	spacings := []time.Duration{0, 20, 120, 20, 150, 20, 140, 20, 160, 20}
	var at time.Duration
	for i, gap := range spacings {
		at += gap * time.Millisecond
		m.RecordArrival(uint32(i), 100, now.Add(at))
	}

	assert.Greater(t, m.Snapshot().JitterMs, 0)
}

func TestMetricsBandwidthEstimate(t *testing.T) {
	m := NewMetrics()
	now := time.Now()

	// 250 bytes every 20ms is 100 kbps.
	for i := 0; i < 50; i++ {
		m.RecordArrival(uint32(i), 250, now.Add(time.Duration(i)*20*time.Millisecond))
	}

	assert.InDelta(t, 100, m.Snapshot().BandwidthKbps, 5)
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	now := time.Now()

	m.RecordArrival(0, 100, now)
	m.RecordArrival(5, 100, now.Add(20*time.Millisecond))
	m.RecordLatency(300)
	m.Reset()

	snap := m.Snapshot()
	assert.Equal(t, 0.0, snap.PacketLossRate)
	assert.Equal(t, 0, snap.AverageLatencyMs)
	assert.Equal(t, 0.0, snap.BandwidthKbps)
	assert.Equal(t, uint64(0), m.LostPackets())
}
