package audio

import (
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
	"github.com/sirupsen/logrus"
)

// PortAudioDevice implements Device on top of the PortAudio library.
//
// PortAudio owns device negotiation: the requested rate and period are
// passed through and the library picks the nearest supported values.
type PortAudioDevice struct {
	initialized bool
}

// NewPortAudioDevice creates an uninitialized PortAudio device wrapper.
func NewPortAudioDevice() *PortAudioDevice {
	return &PortAudioDevice{}
}

// Initialize starts the PortAudio subsystem. Safe to call twice.
func (d *PortAudioDevice) Initialize() error {
	if d.initialized {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PortAudioDevice.Initialize",
			"error":    err.Error(),
		}).Error("PortAudio initialization failed")
		return fmt.Errorf("portaudio initialize: %w", err)
	}

	d.initialized = true

	logrus.WithFields(logrus.Fields{
		"function": "PortAudioDevice.Initialize",
	}).Info("PortAudio initialized")

	return nil
}

// Terminate shuts the PortAudio subsystem down.
func (d *PortAudioDevice) Terminate() error {
	if !d.initialized {
		return nil
	}

	err := portaudio.Terminate()
	d.initialized = false
	return err
}

// OpenCapture opens the default capture stream with an interleaved
// int16 buffer of one period.
func (d *PortAudioDevice) OpenCapture(cfg StreamConfig) (Stream, error) {
	return d.open(cfg, true)
}

// OpenPlayback opens the default playback stream.
func (d *PortAudioDevice) OpenPlayback(cfg StreamConfig) (Stream, error) {
	return d.open(cfg, false)
}

func (d *PortAudioDevice) open(cfg StreamConfig, capture bool) (Stream, error) {
	if !d.initialized {
		return nil, ErrNotInitialized
	}
	if cfg.Channels != 1 {
		return nil, fmt.Errorf("%w: channels=%d, mono only", ErrInvalidParameters, cfg.Channels)
	}
	if cfg.SampleRate <= 0 || cfg.FramesPerBuffer <= 0 {
		return nil, fmt.Errorf("%w: rate=%d period=%d", ErrInvalidParameters, cfg.SampleRate, cfg.FramesPerBuffer)
	}

	buf := make([]int16, cfg.FramesPerBuffer*cfg.Channels)

	var (
		stream *portaudio.Stream
		err    error
	)
	if capture {
		stream, err = portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), cfg.FramesPerBuffer, buf)
	} else {
		stream, err = portaudio.OpenDefaultStream(0, cfg.Channels, float64(cfg.SampleRate), cfg.FramesPerBuffer, buf)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PortAudioDevice.open",
			"capture":  capture,
			"rate":     cfg.SampleRate,
			"period":   cfg.FramesPerBuffer,
			"error":    err.Error(),
		}).Error("Failed to open PortAudio stream")
		return nil, fmt.Errorf("open stream: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "PortAudioDevice.open",
		"capture":  capture,
		"device":   cfg.DeviceName,
		"rate":     cfg.SampleRate,
		"period":   cfg.FramesPerBuffer,
		"channels": cfg.Channels,
	}).Info("PortAudio stream opened")

	return &portAudioStream{stream: stream, buf: buf, capture: capture}, nil
}

// portAudioStream adapts a portaudio.Stream to the Stream interface,
// translating the library's overflow and underflow conditions to
// ErrStreamPipe.
type portAudioStream struct {
	stream  *portaudio.Stream
	buf     []int16
	capture bool
	started bool
}

func (s *portAudioStream) Start() error {
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	s.started = true
	return nil
}

func (s *portAudioStream) Stop() error {
	if !s.started {
		return nil
	}
	s.started = false
	return s.stream.Stop()
}

func (s *portAudioStream) Abort() error {
	if !s.started {
		return nil
	}
	s.started = false
	return s.stream.Abort()
}

func (s *portAudioStream) Close() error {
	return s.stream.Close()
}

func (s *portAudioStream) Read(buf []int16) error {
	if !s.capture {
		return fmt.Errorf("%w: read on playback stream", ErrInvalidParameters)
	}
	if len(buf) != len(s.buf) {
		return fmt.Errorf("%w: got %d, period is %d", ErrFrameSize, len(buf), len(s.buf))
	}

	if err := s.stream.Read(); err != nil {
		return translatePipeError(err)
	}
	copy(buf, s.buf)
	return nil
}

func (s *portAudioStream) Write(buf []int16) error {
	if s.capture {
		return fmt.Errorf("%w: write on capture stream", ErrInvalidParameters)
	}
	if len(buf) != len(s.buf) {
		return fmt.Errorf("%w: got %d, period is %d", ErrFrameSize, len(buf), len(s.buf))
	}

	copy(s.buf, buf)
	if err := s.stream.Write(); err != nil {
		return translatePipeError(err)
	}
	return nil
}

// Recover re-prepares the stream after an overrun or underrun by
// cycling it through stop and start.
func (s *portAudioStream) Recover() error {
	_ = s.stream.Abort()
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("recover stream: %w", err)
	}
	s.started = true
	return nil
}

// translatePipeError maps PortAudio xrun conditions onto ErrStreamPipe
// so engines can recover uniformly.
func translatePipeError(err error) error {
	if errors.Is(err, portaudio.InputOverflowed) || errors.Is(err, portaudio.OutputUnderflowed) {
		return fmt.Errorf("%w: %v", ErrStreamPipe, err)
	}
	return err
}
