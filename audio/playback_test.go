package audio

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/novavoice/buffer"
	"github.com/opd-ai/novavoice/config"
)

func queuePCM(t *testing.T, manager *buffer.Manager, sample int16) {
	t.Helper()
	pcm := make([]int16, config.FramesPerBuffer)
	for i := range pcm {
		pcm[i] = sample
	}
	packet := buffer.NewPacket(pcmBytes(pcm), 0)
	manager.PushNetworkPacket(packet)
}

func TestPlaybackEngineLifecycle(t *testing.T) {
	device := NewMockDevice()
	engine := NewPlaybackEngine(device, buffer.NewManager())

	require.NoError(t, engine.Initialize(config.DefaultDevice))
	assert.Equal(t, StateInitialized, engine.State())

	require.NoError(t, engine.Start())
	assert.Equal(t, StateRunning, engine.State())

	engine.Stop()
	engine.Stop()
	assert.Equal(t, StateStopped, engine.State())
	require.NoError(t, engine.Close())
}

func TestPlaybackEnginePlaysQueuedPackets(t *testing.T) {
	device := NewMockDevice()
	manager := buffer.NewManager()
	engine := NewPlaybackEngine(device, manager)
	require.NoError(t, engine.Initialize(config.DefaultDevice))

	queuePCM(t, manager, 500)

	require.NoError(t, engine.Start())
	waitFor(t, time.Second, func() bool { return engine.PlayedFrames() > 0 })
	engine.Stop()

	stream := device.Streams()[0]
	written := stream.Written()
	require.NotEmpty(t, written)

	found := false
	for _, buf := range written {
		if len(buf) == config.FramesPerBuffer && buf[0] == 500 {
			found = true
			break
		}
	}
	assert.True(t, found, "queued packet never reached the device")
}

func TestPlaybackEngineFillsSilenceWhenStarved(t *testing.T) {
	device := NewMockDevice()
	engine := NewPlaybackEngine(device, buffer.NewManager())
	require.NoError(t, engine.Initialize(config.DefaultDevice))
	require.NoError(t, engine.Start())

	stream := device.Streams()[0]
	waitFor(t, time.Second, func() bool { return len(stream.Written()) > 0 })
	engine.Stop()

	written := stream.Written()
	require.NotEmpty(t, written)
	for _, s := range written[0] {
		assert.Equal(t, int16(0), s)
	}
	// Silence is device-keepalive, not played audio.
	assert.Equal(t, uint64(0), engine.PlayedFrames())
}

func TestPlaybackEngineAppliesVolume(t *testing.T) {
	device := NewMockDevice()
	manager := buffer.NewManager()
	engine := NewPlaybackEngine(device, manager)
	require.NoError(t, engine.Initialize(config.DefaultDevice))
	engine.SetVolume(0.5)

	queuePCM(t, manager, 1000)

	require.NoError(t, engine.Start())
	waitFor(t, time.Second, func() bool { return engine.PlayedFrames() > 0 })
	engine.Stop()

	found := false
	for _, buf := range device.Streams()[0].Written() {
		if buf[0] == 500 {
			found = true
		}
	}
	assert.True(t, found)
}

func TestPlaybackEngineMute(t *testing.T) {
	device := NewMockDevice()
	manager := buffer.NewManager()
	engine := NewPlaybackEngine(device, manager)
	require.NoError(t, engine.Initialize(config.DefaultDevice))
	engine.SetMuted(true)
	assert.True(t, engine.IsMuted())

	queuePCM(t, manager, 1000)

	require.NoError(t, engine.Start())
	waitFor(t, time.Second, func() bool { return engine.PlayedFrames() > 0 })
	engine.Stop()

	// Muted playback still feeds the device, but with zeros.
	for _, buf := range device.Streams()[0].Written() {
		for _, s := range buf {
			assert.Equal(t, int16(0), s)
		}
	}
}

func TestPlaybackEngineVolumeClamps(t *testing.T) {
	engine := NewPlaybackEngine(NewMockDevice(), buffer.NewManager())

	engine.SetVolume(5.0)
	assert.Equal(t, 2.0, engine.Volume())

	engine.SetVolume(-1.0)
	assert.Equal(t, 0.0, engine.Volume())
}

func TestPlaybackEngineRecoversFromUnderrun(t *testing.T) {
	device := NewMockDevice()
	manager := buffer.NewManager()
	engine := NewPlaybackEngine(device, manager)
	require.NoError(t, engine.Initialize(config.DefaultDevice))

	stream := device.Streams()[0]
	stream.QueueIOError(ErrStreamPipe)

	queuePCM(t, manager, 700)

	require.NoError(t, engine.Start())
	waitFor(t, time.Second, func() bool { return engine.BufferUnderruns() > 0 && engine.PlayedFrames() > 0 })
	engine.Stop()

	assert.GreaterOrEqual(t, stream.Recovers(), 1)
}

func TestPlaybackEngineSurvivesTransientWriteError(t *testing.T) {
	device := NewMockDevice()
	manager := buffer.NewManager()
	engine := NewPlaybackEngine(device, manager)
	require.NoError(t, engine.Initialize(config.DefaultDevice))

	device.Streams()[0].QueueIOError(errors.New("transient"))

	queuePCM(t, manager, 300)
	queuePCM(t, manager, 300)

	require.NoError(t, engine.Start())
	waitFor(t, time.Second, func() bool { return engine.PlayedFrames() > 0 })
	engine.Stop()

	assert.Equal(t, uint64(0), engine.BufferUnderruns())
}

func TestPlaybackEngineStartRequiresInit(t *testing.T) {
	engine := NewPlaybackEngine(NewMockDevice(), buffer.NewManager())
	assert.ErrorIs(t, engine.Start(), ErrNotInitialized)
}
