package novavoice

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/novavoice/audio"
	"github.com/opd-ai/novavoice/config"
)

func testOptions(remoteIP string, localPort, remotePort int, source func([]int16)) Options {
	captureDev := audio.NewMockDevice()
	captureDev.SetSimulateTiming(true)
	if source != nil {
		captureDev.SetCaptureSource(source)
	}
	playbackDev := audio.NewMockDevice()
	playbackDev.SetSimulateTiming(true)

	cfg := audio.DefaultPreprocessingConfig()
	cfg.EnableVAD = false
	cfg.EnableAGC = false
	cfg.EnableNoiseSuppression = false

	return Options{
		RemoteIP:       remoteIP,
		LocalPort:      localPort,
		RemotePort:     remotePort,
		Preprocessing:  cfg,
		CaptureDevice:  captureDev,
		PlaybackDevice: playbackDev,
	}
}

func endpointPort(t *testing.T, e *Endpoint) int {
	t.Helper()
	addr, ok := e.Transport().LocalAddr().(*net.UDPAddr)
	require.True(t, ok)
	return addr.Port
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %v", timeout)
}

func TestEndpointEndToEnd(t *testing.T) {
	tone := func(buf []int16) {
		for i := range buf {
			buf[i] = 2000
		}
	}

	listener, err := New(testOptions("", 0, 0, nil))
	require.NoError(t, err)
	defer listener.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, listener.Start(ctx))

	caller, err := New(testOptions("127.0.0.1", 0, endpointPort(t, listener), tone))
	require.NoError(t, err)
	defer caller.Stop()
	require.NoError(t, caller.Start(ctx))

	// Caller audio must reach the listener's playback path.
	waitFor(t, 10*time.Second, func() bool {
		return caller.Stats().SentPackets > 0 && listener.Stats().ReceivedPackets > 0
	})
	waitFor(t, 10*time.Second, func() bool {
		return listener.Stats().PlayedFrames > 0
	})

	// Listening mode has latched the caller, so the reverse direction
	// flows too.
	waitFor(t, 10*time.Second, func() bool {
		return listener.Stats().SentPackets > 0 && caller.Stats().ReceivedPackets > 0
	})

	stats := listener.Stats()
	assert.Greater(t, stats.CapturedFrames, uint64(0))
	assert.Equal(t, config.DefaultBitrate, stats.Bitrate)
}

func TestEndpointPlaybackWritesDevicePeriods(t *testing.T) {
	tone := func(buf []int16) {
		for i := range buf {
			buf[i] = 1500
		}
	}

	listenOpts := testOptions("", 0, 0, nil)
	listener, err := New(listenOpts)
	require.NoError(t, err)
	defer listener.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, listener.Start(ctx))

	caller, err := New(testOptions("127.0.0.1", 0, endpointPort(t, listener), tone))
	require.NoError(t, err)
	defer caller.Stop()
	require.NoError(t, caller.Start(ctx))

	// Decoded frames are shorter than one device period, so audio only
	// plays if the endpoint regroups them before the playback queue.
	waitFor(t, 10*time.Second, func() bool {
		return listener.Stats().PlayedFrames > 0
	})

	playbackDev, ok := listenOpts.PlaybackDevice.(*audio.MockDevice)
	require.True(t, ok)
	for _, buf := range playbackDev.Streams()[0].Written() {
		assert.Len(t, buf, config.FramesPerBuffer)
	}
}

func TestEndpointStopIsIdempotent(t *testing.T) {
	e, err := New(testOptions("", 0, 0, nil))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	e.Stop()
	e.Stop()

	assert.Error(t, e.Start(ctx))
}

func TestEndpointContextCancelStops(t *testing.T) {
	e, err := New(testOptions("", 0, 0, nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))

	cancel()
	waitFor(t, 5*time.Second, func() bool {
		return e.Capture().State() == audio.StateStopped
	})
}

func TestEndpointListeningSendsFailWithoutPeer(t *testing.T) {
	e, err := New(testOptions("", 0, 0, nil))
	require.NoError(t, err)
	defer e.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))

	// With nobody on the far end, sends count as failures.
	waitFor(t, 10*time.Second, func() bool {
		return e.Stats().FailedSends > 0
	})
	assert.Equal(t, uint64(0), e.Stats().SentPackets)
}

func TestEndpointInvalidRemote(t *testing.T) {
	_, err := New(testOptions("bogus", 0, 9000, nil))
	assert.Error(t, err)
}
