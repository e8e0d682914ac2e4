package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/novavoice/buffer"
	"github.com/opd-ai/novavoice/config"
)

// PlaybackEngine owns the playback side of the PCM device and drains
// the buffer manager's output queue.
//
// When a packet is available within the pop timeout it is scaled by
// the volume (zero when muted) and written out; when the queue is
// starved, one period of silence keeps the device fed. Underruns
// recover in place.
type PlaybackEngine struct {
	device  Device
	manager *buffer.Manager

	mu     sync.Mutex
	stream Stream
	volume float64
	muted  bool

	state   atomic.Int32
	running atomic.Bool
	wg      sync.WaitGroup

	playedFrames    atomic.Uint64
	bufferUnderruns atomic.Uint64

	silence []int16
}

// NewPlaybackEngine creates an engine over the given device, draining
// the manager's output queue.
func NewPlaybackEngine(device Device, manager *buffer.Manager) *PlaybackEngine {
	return &PlaybackEngine{
		device:  device,
		manager: manager,
		volume:  1.0,
		silence: make([]int16, config.FramesPerBuffer),
	}
}

// Initialize opens the playback stream at the fixed voice format.
func (e *PlaybackEngine) Initialize(deviceName string) error {
	if EngineState(e.state.Load()) != StateUninitialized {
		return fmt.Errorf("%w: playback already initialized", ErrInvalidParameters)
	}

	if err := e.device.Initialize(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PlaybackEngine.Initialize",
			"error":    err.Error(),
		}).Error("Device init failed")
		return fmt.Errorf("device init: %w", err)
	}

	stream, err := e.device.OpenPlayback(StreamConfig{
		DeviceName:      deviceName,
		SampleRate:      config.SampleRate,
		Channels:        config.Channels,
		FramesPerBuffer: config.FramesPerBuffer,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PlaybackEngine.Initialize",
			"device":   deviceName,
			"error":    err.Error(),
		}).Error("Failed to open playback stream")
		return fmt.Errorf("open playback: %w", err)
	}

	e.mu.Lock()
	e.stream = stream
	e.mu.Unlock()
	e.state.Store(int32(StateInitialized))

	logrus.WithFields(logrus.Fields{
		"function":    "PlaybackEngine.Initialize",
		"device":      deviceName,
		"sample_rate": config.SampleRate,
		"period":      config.FramesPerBuffer,
	}).Info("Playback engine initialized")

	return nil
}

// Start launches the playback loop.
func (e *PlaybackEngine) Start() error {
	if EngineState(e.state.Load()) != StateInitialized {
		return fmt.Errorf("%w: playback not initialized", ErrNotInitialized)
	}

	e.mu.Lock()
	stream := e.stream
	e.mu.Unlock()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start playback stream: %w", err)
	}

	e.running.Store(true)
	e.state.Store(int32(StateRunning))
	e.wg.Add(1)
	go e.playbackLoop(stream)

	logrus.WithField("function", "PlaybackEngine.Start").Info("Playback engine started")
	return nil
}

// playbackLoop pops and plays until stopped.
func (e *PlaybackEngine) playbackLoop(stream Stream) {
	defer e.wg.Done()

	for e.running.Load() {
		packet := e.manager.OutputQueue().PopBlocking(config.QueuePopTimeout)
		if packet == nil {
			e.writeFrame(stream, e.silence)
			time.Sleep(config.RecoveryBackoff)
			continue
		}

		pcm := pcmFromBytes(packet.Payload)
		if len(pcm) == 0 {
			continue
		}

		e.mu.Lock()
		gain := e.volume
		if e.muted {
			gain = 0
		}
		e.mu.Unlock()

		if gain != 1.0 {
			ApplyGainInt16(pcm, gain)
		}

		if e.writeFrame(stream, pcm) {
			e.playedFrames.Add(1)
		}
	}
}

// writeFrame writes one buffer, recovering once from an underrun.
// Reports whether the write eventually succeeded.
func (e *PlaybackEngine) writeFrame(stream Stream, pcm []int16) bool {
	for attempt := 0; attempt < 2; attempt++ {
		err := stream.Write(pcm)
		if err == nil {
			return true
		}
		if !e.running.Load() {
			return false
		}

		if errors.Is(err, ErrStreamPipe) {
			e.bufferUnderruns.Add(1)
			logrus.WithFields(logrus.Fields{
				"function":  "PlaybackEngine.playbackLoop",
				"underruns": e.bufferUnderruns.Load(),
			}).Warn("Playback underrun, recovering")

			if rerr := stream.Recover(); rerr != nil {
				logrus.WithFields(logrus.Fields{
					"function": "PlaybackEngine.playbackLoop",
					"error":    rerr.Error(),
				}).Warn("Playback recovery failed")
				time.Sleep(config.RecoveryBackoff)
				return false
			}
			continue
		}

		logrus.WithFields(logrus.Fields{
			"function": "PlaybackEngine.playbackLoop",
			"error":    err.Error(),
		}).Warn("Playback write failed")
		time.Sleep(config.RecoveryBackoff)
		return false
	}
	return false
}

// Stop halts the loop and joins it. Safe to call more than once.
func (e *PlaybackEngine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}

	e.mu.Lock()
	stream := e.stream
	e.mu.Unlock()

	if stream != nil {
		if err := stream.Abort(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "PlaybackEngine.Stop",
				"error":    err.Error(),
			}).Warn("Playback abort failed")
		}
	}

	e.wg.Wait()
	e.state.Store(int32(StateStopped))

	logrus.WithFields(logrus.Fields{
		"function":  "PlaybackEngine.Stop",
		"frames":    e.playedFrames.Load(),
		"underruns": e.bufferUnderruns.Load(),
	}).Info("Playback engine stopped")
}

// Close stops the loop and releases the stream and device.
func (e *PlaybackEngine) Close() error {
	e.Stop()

	e.mu.Lock()
	stream := e.stream
	e.stream = nil
	e.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			return fmt.Errorf("close playback stream: %w", err)
		}
	}
	return e.device.Terminate()
}

// SetVolume sets the playback scale, clamped to [0, 2].
func (e *PlaybackEngine) SetVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	if volume > 2 {
		volume = 2
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.volume = volume
}

// Volume returns the playback scale.
func (e *PlaybackEngine) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

// SetMuted silences playback without touching the volume.
func (e *PlaybackEngine) SetMuted(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = muted
}

// IsMuted reports whether playback is muted.
func (e *PlaybackEngine) IsMuted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

// State returns the engine's lifecycle state.
func (e *PlaybackEngine) State() EngineState {
	return EngineState(e.state.Load())
}

// PlayedFrames returns how many packets reached the device.
func (e *PlaybackEngine) PlayedFrames() uint64 {
	return e.playedFrames.Load()
}

// BufferUnderruns returns how many underruns were recovered.
func (e *PlaybackEngine) BufferUnderruns() uint64 {
	return e.bufferUnderruns.Load()
}
