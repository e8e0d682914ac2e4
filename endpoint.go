package novavoice

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/novavoice/audio"
	"github.com/opd-ai/novavoice/buffer"
	"github.com/opd-ai/novavoice/codec"
	"github.com/opd-ai/novavoice/config"
	"github.com/opd-ai/novavoice/network"
)

// Options configures an Endpoint.
//
// An empty RemoteIP selects listening mode: the endpoint binds
// LocalPort and locks onto the first peer that sends to it. A set
// RemoteIP selects directed mode toward RemoteIP:RemotePort.
type Options struct {
	RemoteIP   string
	LocalPort  int
	RemotePort int

	// Device names the PCM device; empty means the system default.
	Device string

	// Preprocessing tunes the audio chain; the zero value is replaced
	// by DefaultPreprocessingConfig.
	Preprocessing audio.PreprocessingConfig

	// CaptureDevice and PlaybackDevice override the hardware backend,
	// mainly for tests. Nil selects PortAudio.
	CaptureDevice  audio.Device
	PlaybackDevice audio.Device
}

// Stats is a point-in-time snapshot across every subsystem.
type Stats struct {
	CapturedFrames  uint64
	PlayedFrames    uint64
	BufferOverruns  uint64
	BufferUnderruns uint64

	SentPackets     uint64
	ReceivedPackets uint64
	FailedSends     uint64
	BytesSent       uint64
	BytesReceived   uint64

	DroppedPackets uint64
	InputQueueLen  int
	OutputQueueLen int

	Bitrate int
	Audio   audio.AudioStats
	Network codec.NetworkMetrics
}

// Endpoint is one half of a voice call: capture, preprocessing,
// codec, transport, and playback wired together.
//
// The outbound pump drains captured frames, encodes them, and sends
// each codec frame as one sequenced datagram. Received datagrams are
// decoded back to playback-rate PCM and regrouped into device periods
// before they reach the playback queue, since one decoded frame is
// shorter than one period. A control loop feeds link metrics to the
// bitrate controller every update interval.
type Endpoint struct {
	opts Options

	manager   *buffer.Manager
	capture   *audio.CaptureEngine
	playback  *audio.PlaybackEngine
	pre       *audio.Preprocessor
	transport *network.UDPTransport

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool

	outSeq atomic.Uint32

	playMu  sync.Mutex
	playBuf []int16
	playSeq uint32
}

// New builds and wires an endpoint. Nothing touches the hardware or
// the network until Start.
func New(opts Options) (*Endpoint, error) {
	if opts.Device == "" {
		opts.Device = config.DefaultDevice
	}
	zero := audio.PreprocessingConfig{}
	if opts.Preprocessing == zero {
		opts.Preprocessing = audio.DefaultPreprocessingConfig()
	}
	if opts.CaptureDevice == nil {
		opts.CaptureDevice = audio.NewPortAudioDevice()
	}
	if opts.PlaybackDevice == nil {
		opts.PlaybackDevice = audio.NewPortAudioDevice()
	}

	pre := audio.NewPreprocessor()
	if err := pre.Initialize(opts.Preprocessing); err != nil {
		return nil, fmt.Errorf("preprocessor: %w", err)
	}

	manager := buffer.NewManager()

	var (
		transport *network.UDPTransport
		err       error
	)
	if opts.RemoteIP == "" {
		transport, err = network.NewListeningTransport(opts.LocalPort, nil)
	} else {
		transport, err = network.NewDirectedTransport(opts.RemoteIP, opts.LocalPort, opts.RemotePort, nil)
	}
	if err != nil {
		_ = pre.Close()
		return nil, err
	}

	e := &Endpoint{
		opts:      opts,
		manager:   manager,
		capture:   audio.NewCaptureEngine(opts.CaptureDevice, manager),
		playback:  audio.NewPlaybackEngine(opts.PlaybackDevice, manager),
		pre:       pre,
		transport: transport,
	}

	// Received audio is decoded off the receiver goroutine and lands
	// on the playback queue at the playback rate.
	transport.OnPacketReceived(func(p *buffer.Packet, from net.Addr) {
		e.handleIncoming(p)
	})

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"mode":       transport.Mode().String(),
		"local_port": opts.LocalPort,
		"remote":     opts.RemoteIP,
		"device":     opts.Device,
	}).Info("Endpoint created")

	return e, nil
}

func (e *Endpoint) handleIncoming(p *buffer.Packet) {
	pcm, err := e.pre.Decode(p.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.handleIncoming",
			"seq":      p.SequenceNumber,
			"error":    err.Error(),
		}).Debug("Dropping undecodable packet")
		return
	}
	if len(pcm) == 0 {
		return
	}

	// The device accepts exactly one period per write, so decoded
	// audio accumulates until a full period is available.
	e.playMu.Lock()
	e.playBuf = append(e.playBuf, pcm...)
	for len(e.playBuf) >= config.FramesPerBuffer {
		frame := e.playBuf[:config.FramesPerBuffer]
		e.manager.PushNetworkPacket(buffer.NewPacket(pcmBytes(frame), e.playSeq))
		e.playSeq++

		n := copy(e.playBuf, e.playBuf[config.FramesPerBuffer:])
		e.playBuf = e.playBuf[:n]
	}
	e.playMu.Unlock()
}

// Start opens the devices and launches every loop. The endpoint stops
// when ctx is canceled or Stop is called.
func (e *Endpoint) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("endpoint already started")
	}

	if err := e.capture.Initialize(e.opts.Device); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if err := e.playback.Initialize(e.opts.Device); err != nil {
		return fmt.Errorf("playback: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.transport.Start(); err != nil {
		cancel()
		return err
	}
	if err := e.capture.Start(); err != nil {
		cancel()
		return fmt.Errorf("capture: %w", err)
	}
	if err := e.playback.Start(); err != nil {
		cancel()
		return fmt.Errorf("playback: %w", err)
	}

	e.wg.Add(2)
	go e.sendLoop(runCtx)
	go e.bitrateLoop(runCtx)

	context.AfterFunc(runCtx, func() { e.Stop() })

	logrus.WithField("function", "Endpoint.Start").Info("Endpoint running")
	return nil
}

// sendLoop drains captured frames, encodes, and ships each codec
// frame as one datagram.
func (e *Endpoint) sendLoop(ctx context.Context) {
	defer e.wg.Done()

	for ctx.Err() == nil {
		packet := e.manager.InputQueue().PopBlocking(config.QueuePopTimeout)
		if packet == nil {
			continue
		}

		pcm := pcmFromBytes(packet.Payload)
		encoded, err := e.pre.Encode(pcm)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Endpoint.sendLoop",
				"error":    err.Error(),
			}).Warn("Encode failed, frame dropped")
			continue
		}

		for _, frame := range encoded {
			seq := e.outSeq.Add(1) - 1
			if err := e.transport.SendData(frame.Data, seq); err != nil {
				// Listening mode has no peer until one speaks;
				// counted by the transport, not fatal.
				logrus.WithFields(logrus.Fields{
					"function": "Endpoint.sendLoop",
					"seq":      seq,
					"error":    err.Error(),
				}).Debug("Send failed")
			}
		}
	}
}

// bitrateLoop publishes link metrics to the controller periodically.
func (e *Endpoint) bitrateLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(config.BitrateUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pre.UpdateNetworkMetrics(e.transport.Metrics().Snapshot())
		}
	}
}

// Stop tears everything down in dependency order. Idempotent.
func (e *Endpoint) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}

	if e.cancel != nil {
		e.cancel()
	}

	e.capture.Stop()
	e.playback.Stop()
	e.wg.Wait()

	if err := e.transport.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.Stop",
			"error":    err.Error(),
		}).Warn("Transport close failed")
	}
	if err := e.capture.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.Stop",
			"error":    err.Error(),
		}).Warn("Capture close failed")
	}
	if err := e.playback.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.Stop",
			"error":    err.Error(),
		}).Warn("Playback close failed")
	}
	if err := e.pre.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.Stop",
			"error":    err.Error(),
		}).Warn("Preprocessor close failed")
	}

	e.manager.Clear()

	logrus.WithField("function", "Endpoint.Stop").Info("Endpoint stopped")
}

// Preprocessor exposes the audio chain for runtime tuning.
func (e *Endpoint) Preprocessor() *audio.Preprocessor {
	return e.pre
}

// Transport exposes the network layer.
func (e *Endpoint) Transport() *network.UDPTransport {
	return e.transport
}

// Capture exposes the capture engine.
func (e *Endpoint) Capture() *audio.CaptureEngine {
	return e.capture
}

// Playback exposes the playback engine.
func (e *Endpoint) Playback() *audio.PlaybackEngine {
	return e.playback
}

// Stats gathers a snapshot across all subsystems.
func (e *Endpoint) Stats() Stats {
	return Stats{
		CapturedFrames:  e.capture.CapturedFrames(),
		PlayedFrames:    e.playback.PlayedFrames(),
		BufferOverruns:  e.capture.BufferOverruns(),
		BufferUnderruns: e.playback.BufferUnderruns(),

		SentPackets:     e.transport.SentPackets(),
		ReceivedPackets: e.transport.ReceivedPackets(),
		FailedSends:     e.transport.FailedSends(),
		BytesSent:       e.transport.BytesSent(),
		BytesReceived:   e.transport.BytesReceived(),

		DroppedPackets: e.manager.DroppedPackets(),
		InputQueueLen:  e.manager.InputLen(),
		OutputQueueLen: e.manager.OutputLen(),

		Bitrate: e.pre.CurrentBitrate(),
		Audio:   e.pre.Stats(),
		Network: e.transport.Metrics().Snapshot(),
	}
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

// pcmFromBytes is the inverse of pcmBytes.
func pcmFromBytes(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
	}
	return out
}
