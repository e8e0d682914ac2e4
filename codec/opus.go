package codec

import (
	"fmt"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// OpusFrameDecoder adapts the pure-Go pion/opus decoder to the
// FrameDecoder capability.
//
// Only the decode half of Opus is available in pure Go, so a peer
// running a native Opus encoder can be received but this endpoint still
// encodes in raw mode. That is acceptable because codec mode is a
// per-deployment choice: both peers are configured identically.
type OpusFrameDecoder struct {
	decoder opus.Decoder
	// scratch holds up to 40ms of decoded 48kHz samples, the largest
	// frame the decoder produces for voice.
	scratch []byte
}

// NewOpusFrameDecoder creates an Opus decode adapter.
func NewOpusFrameDecoder() *OpusFrameDecoder {
	logrus.WithFields(logrus.Fields{
		"function": "NewOpusFrameDecoder",
	}).Info("Creating Opus frame decoder")

	return &OpusFrameDecoder{
		decoder: opus.NewDecoder(),
		scratch: make([]byte, 1920*2),
	}
}

// Decode expands one Opus frame to PCM samples.
func (d *OpusFrameDecoder) Decode(data []byte) ([]int16, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty opus frame", ErrFrameSize)
	}

	bandwidth, isStereo, err := d.decoder.Decode(data, d.scratch)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}

	sampleCount := len(d.scratch) / 2
	if isStereo {
		sampleCount /= 2
	}

	pcm := make([]int16, sampleCount)
	for i := 0; i < sampleCount; i++ {
		pcm[i] = int16(d.scratch[i*2]) | int16(d.scratch[i*2+1])<<8
	}

	logrus.WithFields(logrus.Fields{
		"function":  "OpusFrameDecoder.Decode",
		"bytes":     len(data),
		"samples":   len(pcm),
		"bandwidth": bandwidth.String(),
		"stereo":    isStereo,
	}).Debug("Opus frame decoded")

	return pcm, nil
}

// Close releases the decoder. The pure-Go decoder holds no external
// resources.
func (d *OpusFrameDecoder) Close() error {
	return nil
}
