// Package config defines the fixed audio, codec, and network parameters
// shared by every NovaVoice subsystem.
//
// The values are interdependent: the denoiser requires 48kHz input, the
// codec operates internally at 16kHz with 20ms frames, and the device
// period is sized so one capture buffer spans roughly 21ms at 48kHz.
// Changing one constant without the others will break frame alignment.
package config

import "time"

// Core audio configuration.
const (
	// SampleRate is the capture and playback rate in Hz. The denoiser
	// requires exactly this rate, so the engines never negotiate below it.
	SampleRate = 48000

	// Channels is fixed to mono for voice transport.
	Channels = 1

	// BitsPerSample is the PCM sample width; all device I/O is S16LE.
	BitsPerSample = 16

	// FramesPerBuffer is the device period size in samples. One period is
	// about 21ms at 48kHz.
	FramesPerBuffer = 1024
)

// Codec configuration. The codec runs internally at a reduced rate with
// fixed 20ms frames regardless of the device rate.
const (
	CodecSampleRate  = 16000
	CodecFrameSizeMs = 20
	CodecFrameSize   = CodecSampleRate * CodecFrameSizeMs / 1000 // 320 samples

	// MinBitrate and MaxBitrate bound the codec bitrate band in bps.
	MinBitrate     = 3200
	MaxBitrate     = 9200
	DefaultBitrate = 6000
)

// Noise suppression configuration. The denoiser consumes 10ms frames at
// 48kHz only.
const (
	DenoiseSampleRate = 48000
	DenoiseFrameSize  = 480
	DenoiseThreshold  = 0.5
)

// Network configuration.
const (
	// DefaultPort is used when no port is given on the command line.
	DefaultPort = 8888

	// PacketSize is the nominal UDP payload size. The receive buffer is
	// twice this; larger datagrams are truncated by the socket layer.
	PacketSize = 1024

	// BufferCount is the capacity of each bounded packet queue. A full
	// queue evicts its oldest element rather than blocking the producer.
	BufferCount = 10
)

// Timing configuration.
const (
	// QueuePopTimeout bounds a blocking dequeue so consumer threads can
	// re-check their shutdown flag.
	QueuePopTimeout = 10 * time.Millisecond

	// RecoveryBackoff is slept after a device error before retrying.
	RecoveryBackoff = 10 * time.Millisecond

	// BitrateUpdateInterval is how often the endpoint feeds fresh metrics
	// to the bitrate controller.
	BitrateUpdateInterval = 5 * time.Second

	// StatsInterval is how often the entry point prints statistics.
	StatsInterval = 5 * time.Second

	NetworkTimeout = 5 * time.Second
	AudioTimeout   = 1 * time.Second
)

// Default runtime toggles.
const (
	DefaultVolumeGain           = 1.0
	DefaultEnableNoiseReduction = true
	DefaultEnableCodec          = true
	DefaultAutoBitrate          = true
)

// DefaultDevice is the PCM device name used when -d is not given.
const DefaultDevice = "default"
