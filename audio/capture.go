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

// ErrNotRunning is returned by operations that require a started
// engine.
var ErrNotRunning = errors.New("audio: engine not running")

// EngineState tracks an engine through its lifecycle.
type EngineState int32

const (
	StateUninitialized EngineState = iota
	StateInitialized
	StateRunning
	StateStopped
)

// String returns the state name for logging.
func (s EngineState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CaptureEngine owns the capture side of the PCM device for its
// lifetime and runs a dedicated read loop.
//
// Each captured period has the scalar gain applied and is then
// delivered twice: to the registered frame callback and, wrapped into
// a sequenced packet, onto the buffer manager's input queue. Overruns
// and transient read errors recover in place; they never stop the
// loop.
type CaptureEngine struct {
	device  Device
	manager *buffer.Manager

	mu     sync.Mutex
	stream Stream
	gain   float64

	state   atomic.Int32
	running atomic.Bool
	wg      sync.WaitGroup

	capturedFrames atomic.Uint64
	bufferOverruns atomic.Uint64

	onFrame func(pcm []int16)
}

// NewCaptureEngine creates an engine over the given device, feeding
// the manager's input queue.
func NewCaptureEngine(device Device, manager *buffer.Manager) *CaptureEngine {
	return &CaptureEngine{
		device:  device,
		manager: manager,
		gain:    1.0,
	}
}

// Initialize opens the capture stream at the fixed voice format: the
// configured rate, mono, 1024-frame periods.
func (e *CaptureEngine) Initialize(deviceName string) error {
	if EngineState(e.state.Load()) != StateUninitialized {
		return fmt.Errorf("%w: capture already initialized", ErrInvalidParameters)
	}

	if err := e.device.Initialize(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "CaptureEngine.Initialize",
			"error":    err.Error(),
		}).Error("Device init failed")
		return fmt.Errorf("device init: %w", err)
	}

	stream, err := e.device.OpenCapture(StreamConfig{
		DeviceName:      deviceName,
		SampleRate:      config.SampleRate,
		Channels:        config.Channels,
		FramesPerBuffer: config.FramesPerBuffer,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "CaptureEngine.Initialize",
			"device":   deviceName,
			"error":    err.Error(),
		}).Error("Failed to open capture stream")
		return fmt.Errorf("open capture: %w", err)
	}

	e.mu.Lock()
	e.stream = stream
	e.mu.Unlock()
	e.state.Store(int32(StateInitialized))

	logrus.WithFields(logrus.Fields{
		"function":    "CaptureEngine.Initialize",
		"device":      deviceName,
		"sample_rate": config.SampleRate,
		"period":      config.FramesPerBuffer,
	}).Info("Capture engine initialized")

	return nil
}

// OnFrame installs the per-period callback. The callback receives its
// own copy of the samples; set it before Start.
func (e *CaptureEngine) OnFrame(cb func(pcm []int16)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFrame = cb
}

// Start launches the capture loop.
func (e *CaptureEngine) Start() error {
	if EngineState(e.state.Load()) != StateInitialized {
		return fmt.Errorf("%w: capture not initialized", ErrNotInitialized)
	}

	e.mu.Lock()
	stream := e.stream
	e.mu.Unlock()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start capture stream: %w", err)
	}

	e.running.Store(true)
	e.state.Store(int32(StateRunning))
	e.wg.Add(1)
	go e.captureLoop(stream)

	logrus.WithField("function", "CaptureEngine.Start").Info("Capture engine started")
	return nil
}

// captureLoop reads one period at a time until stopped.
func (e *CaptureEngine) captureLoop(stream Stream) {
	defer e.wg.Done()

	buf := make([]int16, config.FramesPerBuffer)

	for e.running.Load() {
		if err := stream.Read(buf); err != nil {
			e.handleReadError(stream, err)
			continue
		}

		e.mu.Lock()
		gain := e.gain
		cb := e.onFrame
		e.mu.Unlock()

		if gain != 1.0 {
			ApplyGainInt16(buf, gain)
		}

		e.capturedFrames.Add(1)

		if cb != nil {
			frame := make([]int16, len(buf))
			copy(frame, buf)
			cb(frame)
		}
		if e.manager != nil {
			e.manager.PushCapturedFrame(pcmBytes(buf))
		}
	}
}

// handleReadError recovers from an overrun or backs off after any
// other transient error.
func (e *CaptureEngine) handleReadError(stream Stream, err error) {
	if !e.running.Load() {
		return
	}

	if errors.Is(err, ErrStreamPipe) {
		e.bufferOverruns.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "CaptureEngine.captureLoop",
			"overruns": e.bufferOverruns.Load(),
		}).Warn("Capture overrun, recovering")

		if rerr := stream.Recover(); rerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "CaptureEngine.captureLoop",
				"error":    rerr.Error(),
			}).Warn("Capture recovery failed")
			time.Sleep(config.RecoveryBackoff)
		}
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "CaptureEngine.captureLoop",
		"error":    err.Error(),
	}).Warn("Capture read failed")
	time.Sleep(config.RecoveryBackoff)
}

// Stop halts the loop and joins it. Safe to call more than once.
func (e *CaptureEngine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}

	e.mu.Lock()
	stream := e.stream
	e.mu.Unlock()

	// Abort wakes a read blocked on the device.
	if stream != nil {
		if err := stream.Abort(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "CaptureEngine.Stop",
				"error":    err.Error(),
			}).Warn("Capture abort failed")
		}
	}

	e.wg.Wait()
	e.state.Store(int32(StateStopped))

	logrus.WithFields(logrus.Fields{
		"function": "CaptureEngine.Stop",
		"frames":   e.capturedFrames.Load(),
		"overruns": e.bufferOverruns.Load(),
	}).Info("Capture engine stopped")
}

// Close stops the loop and releases the stream and device.
func (e *CaptureEngine) Close() error {
	e.Stop()

	e.mu.Lock()
	stream := e.stream
	e.stream = nil
	e.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			return fmt.Errorf("close capture stream: %w", err)
		}
	}
	return e.device.Terminate()
}

// SetGain sets the scalar capture gain. Negative values are treated
// as zero; samples clamp to the int16 range on application.
func (e *CaptureEngine) SetGain(gain float64) {
	if gain < 0 {
		gain = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gain = gain
}

// Gain returns the current capture gain.
func (e *CaptureEngine) Gain() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gain
}

// State returns the engine's lifecycle state.
func (e *CaptureEngine) State() EngineState {
	return EngineState(e.state.Load())
}

// CapturedFrames returns how many periods have been delivered.
func (e *CaptureEngine) CapturedFrames() uint64 {
	return e.capturedFrames.Load()
}

// BufferOverruns returns how many overruns were recovered.
func (e *CaptureEngine) BufferOverruns() uint64 {
	return e.bufferOverruns.Load()
}

// pcmBytes serializes samples as 16-bit little-endian.
func pcmBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// pcmFromBytes is the inverse of pcmBytes; odd trailing bytes are
// dropped.
func pcmFromBytes(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
	}
	return out
}
