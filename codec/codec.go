// Package codec wraps the voice codec behind a fixed-frame contract:
// 20ms of 16kHz mono PCM in, compressed bytes out, and the reverse.
//
// Two modes share one wrapper. When a native frame encoder/decoder is
// plugged in, it produces and consumes the compressed bytes. When it is
// not, a byte-identity raw mode passes 16-bit little-endian PCM through
// unchanged. The wire carries no codec discriminator, so both peers
// must be configured identically.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/novavoice/config"
)

// Sentinel errors for codec initialization and processing.
var (
	ErrInvalidParameters = errors.New("codec: invalid parameters")
	ErrFrameSize         = errors.New("codec: frame size mismatch")
	ErrNotInitialized    = errors.New("codec: not initialized")
)

// supportedRates lists the sample rates the wrapper accepts at init.
var supportedRates = map[int]bool{16000: true, 32000: true, 48000: true}

// EncodedPacket carries one encoded frame plus the bitrate that
// produced it. The bitrate is advisory, for receiver-side statistics;
// it never crosses the wire.
type EncodedPacket struct {
	Data    []byte
	Bitrate int
}

// FrameEncoder is the native codec capability, encode half.
type FrameEncoder interface {
	// Encode compresses exactly one codec frame of PCM.
	Encode(pcm []int16) ([]byte, error)

	// SetBitrate retargets the encoder. The wrapper clamps the value
	// to the valid band before calling.
	SetBitrate(bps int) error

	// Close destroys the encoder state.
	Close() error
}

// FrameDecoder is the native codec capability, decode half.
type FrameDecoder interface {
	// Decode expands one compressed frame back to PCM.
	Decode(data []byte) ([]int16, error)

	// Close destroys the decoder state.
	Close() error
}

// Codec is the two-mode codec wrapper.
//
// Mutable state (bitrate, counters) sits behind a mutex; Encode,
// Decode, and SetBitrate are safe to interleave from the audio and
// control threads.
type Codec struct {
	mu sync.Mutex

	sampleRate int
	channels   int
	frameSize  int
	bitrate    int

	encoder FrameEncoder
	decoder FrameDecoder

	framesEncoded uint64
	framesDecoded uint64
	bytesOut      uint64
	bytesIn       uint64

	closed bool
}

// NewCodec creates a codec for the given rate and channel count.
//
// Supported rates are 16000, 32000, and 48000 Hz; mono only. Anything
// else fails with ErrInvalidParameters. The codec starts in raw mode at
// the default bitrate.
func NewCodec(sampleRate, channels int) (*Codec, error) {
	if !supportedRates[sampleRate] {
		logrus.WithFields(logrus.Fields{
			"function":    "NewCodec",
			"sample_rate": sampleRate,
		}).Error("Unsupported codec sample rate")
		return nil, fmt.Errorf("%w: sample rate %d", ErrInvalidParameters, sampleRate)
	}
	if channels != 1 {
		logrus.WithFields(logrus.Fields{
			"function": "NewCodec",
			"channels": channels,
		}).Error("Codec supports mono only")
		return nil, fmt.Errorf("%w: %d channels", ErrInvalidParameters, channels)
	}

	c := &Codec{
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate * config.CodecFrameSizeMs / 1000,
		bitrate:    config.DefaultBitrate,
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewCodec",
		"sample_rate": sampleRate,
		"frame_size":  c.frameSize,
		"bitrate":     c.bitrate,
		"mode":        "raw",
	}).Info("Codec created")

	return c, nil
}

// SetFrameEncoder installs a native encoder; nil restores raw mode.
func (c *Codec) SetFrameEncoder(enc FrameEncoder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encoder = enc

	logrus.WithFields(logrus.Fields{
		"function": "Codec.SetFrameEncoder",
		"native":   enc != nil,
	}).Info("Codec encode mode changed")
}

// SetFrameDecoder installs a native decoder; nil restores raw mode.
func (c *Codec) SetFrameDecoder(dec FrameDecoder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decoder = dec

	logrus.WithFields(logrus.Fields{
		"function": "Codec.SetFrameDecoder",
		"native":   dec != nil,
	}).Info("Codec decode mode changed")
}

// Encode compresses exactly one codec frame of PCM.
//
// The input length must equal FrameSize (20ms at the configured rate);
// anything else is ErrFrameSize and the frame is skipped, not fatal.
func (c *Codec) Encode(pcm []int16) (*EncodedPacket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrNotInitialized
	}
	if len(pcm) != c.frameSize {
		logrus.WithFields(logrus.Fields{
			"function":   "Codec.Encode",
			"samples":    len(pcm),
			"frame_size": c.frameSize,
		}).Error("Encode frame size mismatch")
		return nil, fmt.Errorf("%w: got %d samples, need %d", ErrFrameSize, len(pcm), c.frameSize)
	}

	var (
		data []byte
		err  error
	)
	if c.encoder != nil {
		data, err = c.encoder.Encode(pcm)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Codec.Encode",
				"error":    err.Error(),
			}).Error("Native encode failed")
			return nil, fmt.Errorf("native encode: %w", err)
		}
	} else {
		data = pcmToBytes(pcm)
	}

	c.framesEncoded++
	c.bytesOut += uint64(len(data))

	return &EncodedPacket{Data: data, Bitrate: c.bitrate}, nil
}

// Decode expands one compressed frame back to PCM samples.
func (c *Codec) Decode(data []byte) ([]int16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrNotInitialized
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrFrameSize)
	}

	var (
		pcm []int16
		err error
	)
	if c.decoder != nil {
		pcm, err = c.decoder.Decode(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Codec.Decode",
				"bytes":    len(data),
				"error":    err.Error(),
			}).Error("Native decode failed")
			return nil, fmt.Errorf("native decode: %w", err)
		}
	} else {
		pcm = bytesToPCM(data)
	}

	c.framesDecoded++
	c.bytesIn += uint64(len(data))

	return pcm, nil
}

// SetBitrate retargets the codec, clamping to the valid band.
func (c *Codec) SetBitrate(bps int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	clamped := ClampBitrate(bps)
	if clamped != bps {
		logrus.WithFields(logrus.Fields{
			"function":  "Codec.SetBitrate",
			"requested": bps,
			"clamped":   clamped,
		}).Warn("Bitrate outside valid band, clamped")
	}
	c.bitrate = clamped

	if c.encoder != nil {
		if err := c.encoder.SetBitrate(clamped); err != nil {
			return fmt.Errorf("set encoder bitrate: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Codec.SetBitrate",
		"bitrate":  clamped,
	}).Debug("Codec bitrate updated")

	return nil
}

// Bitrate returns the current target bitrate in bps.
func (c *Codec) Bitrate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitrate
}

// FrameSize returns the samples per codec frame at the configured rate.
func (c *Codec) FrameSize() int {
	return c.frameSize
}

// SampleRate returns the codec's internal sample rate in Hz.
func (c *Codec) SampleRate() int {
	return c.sampleRate
}

// ResampleTo16kHz converts PCM at the given rate down to the codec's
// internal 16kHz. Any input rate is tolerated.
func (c *Codec) ResampleTo16kHz(input []int16, rate int) ([]int16, error) {
	r, err := NewResampler(rate, config.CodecSampleRate)
	if err != nil {
		return nil, err
	}
	return r.Resample(input), nil
}

// ResampleFrom16kHz converts codec-rate PCM up to the target playback
// rate.
func (c *Codec) ResampleFrom16kHz(input []int16, targetRate int) ([]int16, error) {
	r, err := NewResampler(config.CodecSampleRate, targetRate)
	if err != nil {
		return nil, err
	}
	return r.Resample(input), nil
}

// CompressionRatio reports output bytes over input PCM bytes for the
// frames encoded so far. Raw mode hovers at 1.0.
func (c *Codec) CompressionRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	pcmBytes := c.framesEncoded * uint64(c.frameSize) * 2
	if pcmBytes == 0 {
		return 1.0
	}
	return float64(c.bytesOut) / float64(pcmBytes)
}

// FramesEncoded returns the number of successfully encoded frames.
func (c *Codec) FramesEncoded() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.framesEncoded
}

// FramesDecoded returns the number of successfully decoded frames.
func (c *Codec) FramesDecoded() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.framesDecoded
}

// Close releases any native codec state.
func (c *Codec) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	var errs []error
	if c.encoder != nil {
		if err := c.encoder.Close(); err != nil {
			errs = append(errs, err)
		}
		c.encoder = nil
	}
	if c.decoder != nil {
		if err := c.decoder.Close(); err != nil {
			errs = append(errs, err)
		}
		c.decoder = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("codec close: %v", errs)
	}
	return nil
}

// ClampBitrate bounds a bitrate to the valid codec band.
func ClampBitrate(bps int) int {
	if bps < config.MinBitrate {
		return config.MinBitrate
	}
	if bps > config.MaxBitrate {
		return config.MaxBitrate
	}
	return bps
}

// pcmToBytes serializes samples as 16-bit little-endian, the raw-mode
// wire representation.
func pcmToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// bytesToPCM is the inverse of pcmToBytes. A trailing odd byte is
// ignored; it cannot hold a sample.
func bytesToPCM(data []byte) []int16 {
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm
}
