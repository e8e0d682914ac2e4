package buffer

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PushResult reports what a Push did to the queue.
type PushResult int

const (
	// Accepted means the packet was appended without evicting anything.
	Accepted PushResult = iota
	// DisplacedOldest means the queue was full and its head was evicted
	// to make room. The eviction is counted as a dropped packet.
	DisplacedOldest
)

// Queue is a thread-safe FIFO of packets with a fixed capacity and a
// drop-oldest overflow policy.
//
// Push never blocks and never fails. A single mutex guards both the
// queue contents and the dropped-packet counter so the two are always
// observed consistently. A one-slot signal channel wakes one blocked
// consumer per push.
type Queue struct {
	mu       sync.Mutex
	packets  []*Packet
	capacity int
	dropped  uint64
	signal   chan struct{}
}

// NewQueue creates a bounded queue with the given capacity.
//
// A capacity below 1 is coerced to 1; the zero-capacity queue has no
// useful semantics under drop-oldest.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		logrus.WithFields(logrus.Fields{
			"function": "NewQueue",
			"capacity": capacity,
		}).Warn("Invalid queue capacity, using 1")
		capacity = 1
	}

	return &Queue{
		packets:  make([]*Packet, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Push appends a packet, evicting the oldest element if the queue is
// full. It never blocks. One blocked consumer is woken in both paths.
func (q *Queue) Push(p *Packet) PushResult {
	q.mu.Lock()

	result := Accepted
	if len(q.packets) >= q.capacity {
		// Drop-oldest: evict the head, then append.
		copy(q.packets, q.packets[1:])
		q.packets = q.packets[:len(q.packets)-1]
		q.dropped++
		result = DisplacedOldest

		logrus.WithFields(logrus.Fields{
			"function": "Queue.Push",
			"capacity": q.capacity,
			"dropped":  q.dropped,
		}).Debug("Queue full, displaced oldest packet")
	}
	q.packets = append(q.packets, p)

	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return result
}

// TryPop removes and returns the head packet without blocking.
// Returns nil when the queue is empty.
func (q *Queue) TryPop() *Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// PopBlocking removes and returns the head packet, waiting up to
// timeout for one to arrive. Returns nil on timeout.
//
// The wait loops on the signal channel because a wakeup may be consumed
// by a competing consumer; the deadline bounds the total wait.
func (q *Queue) PopBlocking(timeout time.Duration) *Packet {
	if p := q.TryPop(); p != nil {
		return p
	}

	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.signal:
			if p := q.TryPop(); p != nil {
				return p
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(remaining)
		case <-timer.C:
			return q.TryPop()
		}
	}
}

// Len returns the number of packets currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.packets)
}

// Clear removes all queued packets. The dropped counter is unchanged;
// clearing is a shutdown action, not an overflow.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	cleared := len(q.packets)
	q.packets = q.packets[:0]

	if cleared > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Queue.Clear",
			"cleared":  cleared,
		}).Debug("Cleared queued packets")
	}
}

// DroppedPackets returns the number of evictions performed by Push.
func (q *Queue) DroppedPackets() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Capacity returns the fixed capacity of the queue.
func (q *Queue) Capacity() int {
	return q.capacity
}

func (q *Queue) popLocked() *Packet {
	if len(q.packets) == 0 {
		return nil
	}
	p := q.packets[0]
	copy(q.packets, q.packets[1:])
	q.packets[len(q.packets)-1] = nil
	q.packets = q.packets[:len(q.packets)-1]
	return p
}
