package audio

import (
	"fmt"
	"sync"
	"time"
)

// MockDevice implements Device without hardware, for tests.
//
// Capture streams pull frames from a configurable source function;
// playback streams record everything written. Errors can be queued to
// exercise the engines' recovery paths.
type MockDevice struct {
	mu          sync.Mutex
	initialized bool
	initErr     error
	openErr     error

	// simulateTiming makes Read/Write sleep roughly one period so loops
	// run at a realistic pace.
	simulateTiming bool

	captureSource func(buf []int16)
	streams       []*MockStream
}

// NewMockDevice creates a mock device. By default capture produces
// silence and I/O returns immediately.
func NewMockDevice() *MockDevice {
	return &MockDevice{}
}

// SetInitError makes Initialize fail with err.
func (d *MockDevice) SetInitError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initErr = err
}

// SetOpenError makes OpenCapture and OpenPlayback fail with err.
func (d *MockDevice) SetOpenError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// SetSimulateTiming controls whether stream I/O sleeps one period.
func (d *MockDevice) SetSimulateTiming(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.simulateTiming = on
}

// SetCaptureSource installs the frame generator used by capture reads.
func (d *MockDevice) SetCaptureSource(fn func(buf []int16)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.captureSource = fn
}

// Initialize marks the device ready, or fails with the configured error.
func (d *MockDevice) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initErr != nil {
		return d.initErr
	}
	d.initialized = true
	return nil
}

// Terminate marks the device shut down.
func (d *MockDevice) Terminate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initialized = false
	return nil
}

// OpenCapture returns a mock capture stream.
func (d *MockDevice) OpenCapture(cfg StreamConfig) (Stream, error) {
	return d.open(cfg, true)
}

// OpenPlayback returns a mock playback stream.
func (d *MockDevice) OpenPlayback(cfg StreamConfig) (Stream, error) {
	return d.open(cfg, false)
}

func (d *MockDevice) open(cfg StreamConfig, capture bool) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return nil, ErrNotInitialized
	}
	if d.openErr != nil {
		return nil, d.openErr
	}

	s := &MockStream{
		device:  d,
		capture: capture,
		period:  cfg.FramesPerBuffer,
		rate:    cfg.SampleRate,
	}
	d.streams = append(d.streams, s)
	return s, nil
}

// Streams returns every stream the device has opened.
func (d *MockDevice) Streams() []*MockStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*MockStream, len(d.streams))
	copy(out, d.streams)
	return out
}

// MockStream is the stream half of MockDevice.
type MockStream struct {
	device  *MockDevice
	capture bool
	period  int
	rate    int

	mu        sync.Mutex
	active    bool
	closed    bool
	ioErrs    []error
	written   [][]int16
	readCount int
	recovers  int
}

// QueueIOError appends an error returned by the next Read or Write
// call. Errors are consumed in order; once drained, I/O succeeds again.
func (s *MockStream) QueueIOError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ioErrs = append(s.ioErrs, err)
}

// Written returns copies of every buffer written to a playback stream.
func (s *MockStream) Written() [][]int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]int16, len(s.written))
	copy(out, s.written)
	return out
}

// ReadCount returns how many successful reads have completed.
func (s *MockStream) ReadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCount
}

// Recovers returns how many times Recover was called.
func (s *MockStream) Recovers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovers
}

// Start activates the stream.
func (s *MockStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotInitialized
	}
	s.active = true
	return nil
}

// Stop deactivates the stream.
func (s *MockStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	return nil
}

// Abort deactivates the stream immediately.
func (s *MockStream) Abort() error {
	return s.Stop()
}

// Close releases the stream.
func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.closed = true
	return nil
}

// Read produces one period of capture audio from the device source.
// Like the hardware stream, it accepts exactly one period.
func (s *MockStream) Read(buf []int16) error {
	if len(buf) != s.period {
		return fmt.Errorf("%w: got %d, period is %d", ErrFrameSize, len(buf), s.period)
	}
	if err := s.takeIOError(); err != nil {
		return err
	}
	s.sleepPeriod()

	s.device.mu.Lock()
	source := s.device.captureSource
	s.device.mu.Unlock()

	if source != nil {
		source(buf)
	} else {
		for i := range buf {
			buf[i] = 0
		}
	}

	s.mu.Lock()
	s.readCount++
	s.mu.Unlock()
	return nil
}

// Write records one period of playback audio. Like the hardware
// stream, it rejects any other buffer length.
func (s *MockStream) Write(buf []int16) error {
	if len(buf) != s.period {
		return fmt.Errorf("%w: got %d, period is %d", ErrFrameSize, len(buf), s.period)
	}
	if err := s.takeIOError(); err != nil {
		return err
	}
	s.sleepPeriod()

	out := make([]int16, len(buf))
	copy(out, buf)

	s.mu.Lock()
	s.written = append(s.written, out)
	s.mu.Unlock()
	return nil
}

// Recover counts the recovery and reactivates the stream.
func (s *MockStream) Recover() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovers++
	s.active = true
	return nil
}

func (s *MockStream) takeIOError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.active {
		return ErrNotInitialized
	}
	if len(s.ioErrs) > 0 {
		err := s.ioErrs[0]
		s.ioErrs = s.ioErrs[1:]
		return err
	}
	return nil
}

func (s *MockStream) sleepPeriod() {
	s.device.mu.Lock()
	simulate := s.device.simulateTiming
	s.device.mu.Unlock()

	if simulate && s.rate > 0 {
		time.Sleep(time.Duration(s.period) * time.Second / time.Duration(s.rate))
	}
}
