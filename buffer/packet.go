// Package buffer provides the packet type and the bounded queue fabric
// that decouples the capture, network, and playback threads.
//
// Queues never block a producer: when full they evict their oldest
// element and count the eviction. This keeps the real-time audio loops
// free of backpressure at the cost of dropped packets, which is the
// correct trade-off for live voice.
package buffer

import (
	"encoding/binary"
	"fmt"
	"time"
)

// MinPacketSize is the smallest valid serialized packet: the sequence
// number alone. An empty payload is tolerated on the wire.
const MinPacketSize = 4

// Packet is a sequence-numbered, timestamped audio payload.
//
// Packets are immutable after construction. Sequence numbers within one
// endpoint's outbound stream are strictly increasing and never reused;
// the timestamp is the local construction time and never crosses the
// wire.
type Packet struct {
	Payload        []byte
	SequenceNumber uint32
	Timestamp      time.Time
}

// NewPacket creates a packet from a payload copy and a sequence number.
//
// The payload is copied so the caller may reuse its buffer; the packet
// owns its bytes from construction onward.
func NewPacket(payload []byte, seq uint32) *Packet {
	data := make([]byte, len(payload))
	copy(data, payload)

	return &Packet{
		Payload:        data,
		SequenceNumber: seq,
		Timestamp:      time.Now(),
	}
}

// Serialize converts the packet to its wire format.
//
// Wire format (little-endian): a 4-byte sequence number followed by the
// raw payload. There is no length prefix; the datagram boundary delimits
// the payload. No version byte, no checksum beyond UDP's own.
func (p *Packet) Serialize() []byte {
	data := make([]byte, MinPacketSize+len(p.Payload))
	binary.LittleEndian.PutUint32(data[:4], p.SequenceNumber)
	copy(data[4:], p.Payload)
	return data
}

// DeserializePacket parses wire data into a packet.
//
// Returns an error for datagrams shorter than the sequence number. The
// timestamp is set to the local receive time, not the sender's clock.
func DeserializePacket(data []byte) (*Packet, error) {
	if len(data) < MinPacketSize {
		return nil, fmt.Errorf("packet too short: %d bytes, need at least %d", len(data), MinPacketSize)
	}

	payload := make([]byte, len(data)-MinPacketSize)
	copy(payload, data[MinPacketSize:])

	return &Packet{
		Payload:        payload,
		SequenceNumber: binary.LittleEndian.Uint32(data[:4]),
		Timestamp:      time.Now(),
	}, nil
}

// Size returns the payload length in bytes.
func (p *Packet) Size() int {
	return len(p.Payload)
}
