package buffer

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/novavoice/config"
)

// Manager owns the two packet queues of an endpoint and assigns outbound
// sequence numbers.
//
// The input queue carries packets from the capture engine toward the
// network; the output queue carries packets from the network toward the
// playback engine. Each queue has exactly one producer and one consumer
// plus the shutdown path.
type Manager struct {
	inputQueue  *Queue
	outputQueue *Queue

	mu      sync.Mutex
	nextSeq uint32
	total   uint64
}

// NewManager creates a buffer manager with two queues of the default
// capacity.
func NewManager() *Manager {
	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
		"capacity": config.BufferCount,
	}).Info("Creating buffer manager")

	return &Manager{
		inputQueue:  NewQueue(config.BufferCount),
		outputQueue: NewQueue(config.BufferCount),
	}
}

// PushCapturedFrame wraps captured audio bytes into a packet with the
// next sequence number and enqueues it on the input queue.
//
// Sequence numbers start at 0 and are strictly increasing for the life
// of the manager. They wrap at the uint32 boundary, which at 50 packets
// per second is roughly two and a half years of continuous capture.
func (m *Manager) PushCapturedFrame(data []byte) *Packet {
	m.mu.Lock()
	seq := m.nextSeq
	m.nextSeq++
	m.total++
	m.mu.Unlock()

	p := NewPacket(data, seq)
	m.inputQueue.Push(p)
	return p
}

// PushNetworkPacket enqueues a packet received from the network onto the
// output queue for playback. Late and duplicate packets are enqueued
// as-is; there is no reorder buffer.
func (m *Manager) PushNetworkPacket(p *Packet) PushResult {
	m.mu.Lock()
	m.total++
	m.mu.Unlock()

	return m.outputQueue.Push(p)
}

// InputQueue returns the capture-to-network queue.
func (m *Manager) InputQueue() *Queue {
	return m.inputQueue
}

// OutputQueue returns the network-to-playback queue.
func (m *Manager) OutputQueue() *Queue {
	return m.outputQueue
}

// InputLen returns the current depth of the input queue.
func (m *Manager) InputLen() int {
	return m.inputQueue.Len()
}

// OutputLen returns the current depth of the output queue.
func (m *Manager) OutputLen() int {
	return m.outputQueue.Len()
}

// IsOutputEmpty reports whether the playback side is starved.
func (m *Manager) IsOutputEmpty() bool {
	return m.outputQueue.Len() == 0
}

// DroppedPackets returns the total evictions across both queues.
func (m *Manager) DroppedPackets() uint64 {
	return m.inputQueue.DroppedPackets() + m.outputQueue.DroppedPackets()
}

// TotalPackets returns the number of packets that have entered either
// queue since construction.
func (m *Manager) TotalPackets() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Clear empties both queues. Used on shutdown so no thread replays
// stale audio after a restart.
func (m *Manager) Clear() {
	m.inputQueue.Clear()
	m.outputQueue.Clear()

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Clear",
	}).Debug("Cleared both packet queues")
}
