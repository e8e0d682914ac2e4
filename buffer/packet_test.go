package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPacketCopiesPayload(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	p := NewPacket(payload, 7)

	payload[0] = 99

	assert.Equal(t, byte(1), p.Payload[0], "packet must own its payload")
	assert.Equal(t, uint32(7), p.SequenceNumber)
	assert.False(t, p.Timestamp.IsZero())
}

func TestPacketSerializeFormat(t *testing.T) {
	p := NewPacket([]byte{0xAA, 0xBB}, 0x01020304)
	data := p.Serialize()

	require.Len(t, data, 6)
	// Sequence number is little-endian.
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, data[:4])
	assert.Equal(t, []byte{0xAA, 0xBB}, data[4:])
}

func TestPacketRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 4, 320, 640, 2044}

	for _, size := range sizes {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i)
		}

		p := NewPacket(payload, uint32(size))
		decoded, err := DeserializePacket(p.Serialize())

		require.NoError(t, err, "payload size %d", size)
		assert.Equal(t, p.SequenceNumber, decoded.SequenceNumber)
		assert.Equal(t, p.Payload, decoded.Payload)
	}
}

func TestDeserializePacketTooShort(t *testing.T) {
	for _, data := range [][]byte{nil, {}, {1}, {1, 2, 3}} {
		p, err := DeserializePacket(data)
		assert.Error(t, err)
		assert.Nil(t, p)
	}
}

func TestDeserializeEmptyPayload(t *testing.T) {
	// Minimum valid datagram is the bare sequence number.
	p, err := DeserializePacket([]byte{5, 0, 0, 0})

	require.NoError(t, err)
	assert.Equal(t, uint32(5), p.SequenceNumber)
	assert.Empty(t, p.Payload)
	assert.Equal(t, 0, p.Size())
}
