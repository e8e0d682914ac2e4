// Package audio implements the real-time audio pipeline: the hardware
// PCM device abstraction, the capture and playback engines, and the
// preprocessing chain (gain control, noise suppression, voice-activity
// detection) that sits between the device and the codec.
//
// The pipeline:
//
//	mic → CaptureEngine → AGC → NoiseSuppressor → VAD → encode → input queue
//	output queue → decode → output gain → PlaybackEngine → speaker
//
// Both directions run on dedicated goroutines under strict deadline
// constraints with explicit recovery from device overruns and underruns.
package audio

import "errors"

// Sentinel errors shared across the audio pipeline.
var (
	// ErrStreamPipe is the distinguishable broken-pipe condition: a
	// capture overrun or playback underrun. The stream needs Recover()
	// before further I/O.
	ErrStreamPipe = errors.New("audio: broken pipe")

	// ErrNotInitialized is returned by components used before a
	// successful initialization.
	ErrNotInitialized = errors.New("audio: not initialized")

	// ErrFrameSize is returned when a frame does not match the required
	// fixed length of the processing stage.
	ErrFrameSize = errors.New("audio: frame size mismatch")

	// ErrInvalidParameters is returned for out-of-range configuration at
	// initialization time.
	ErrInvalidParameters = errors.New("audio: invalid parameters")
)

// StreamConfig holds the parameters negotiated with a PCM device.
type StreamConfig struct {
	// DeviceName selects the hardware device; "default" picks the
	// system default.
	DeviceName string

	// SampleRate is the requested rate in Hz. A backend may negotiate
	// the nearest supported rate.
	SampleRate int

	// Channels is the interleaved channel count.
	Channels int

	// FramesPerBuffer is the requested period size in samples.
	FramesPerBuffer int
}

// Device abstracts the PCM subsystem so engines and tests are
// independent of the hardware library.
type Device interface {
	// Initialize prepares the audio subsystem. Must be called before
	// opening streams.
	Initialize() error

	// Terminate releases the audio subsystem.
	Terminate() error

	// OpenCapture opens an interleaved S16LE capture stream.
	OpenCapture(cfg StreamConfig) (Stream, error)

	// OpenPlayback opens an interleaved S16LE playback stream.
	OpenPlayback(cfg StreamConfig) (Stream, error)
}

// Stream is a single direction of PCM I/O.
//
// Read and Write block for up to one period. Both return ErrStreamPipe
// (possibly wrapped) on overrun or underrun; the caller recovers with
// Recover and retries.
type Stream interface {
	// Start prepares and starts the stream.
	Start() error

	// Stop stops the stream after pending I/O completes.
	Stop() error

	// Abort drops pending I/O immediately, waking any blocked Read or
	// Write. Used on shutdown.
	Abort() error

	// Close releases the stream. The stream must not be used after.
	Close() error

	// Read fills buf with exactly len(buf) interleaved samples.
	Read(buf []int16) error

	// Write submits exactly len(buf) interleaved samples.
	Write(buf []int16) error

	// Recover re-prepares the stream after ErrStreamPipe.
	Recover() error
}
