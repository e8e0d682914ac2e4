package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/novavoice/config"
)

func captureFrame(amplitude float64) []int16 {
	pcm := make([]int16, config.FramesPerBuffer)
	for i := range pcm {
		pcm[i] = int16(amplitude * 30000 * math.Sin(2*math.Pi*200*float64(i)/float64(config.SampleRate)))
	}
	return pcm
}

func newInitializedPreprocessor(t *testing.T, cfg PreprocessingConfig) *Preprocessor {
	t.Helper()
	p := NewPreprocessor()
	require.NoError(t, p.Initialize(cfg))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultPreprocessingConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, float32(0.8), cfg.NoiseSuppressionLevel)
	assert.Equal(t, float32(0.5), cfg.VADThreshold)
	assert.Equal(t, float32(0.7), cfg.AGCTargetLevel)
	assert.Equal(t, config.DefaultBitrate, cfg.TargetBitrate)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PreprocessingConfig)
	}{
		{"noise level too high", func(c *PreprocessingConfig) { c.NoiseSuppressionLevel = 1.5 }},
		{"vad threshold negative", func(c *PreprocessingConfig) { c.VADThreshold = -0.1 }},
		{"agc target too low", func(c *PreprocessingConfig) { c.AGCTargetLevel = 0.05 }},
		{"agc target too high", func(c *PreprocessingConfig) { c.AGCTargetLevel = 3 }},
		{"bitrate below band", func(c *PreprocessingConfig) { c.TargetBitrate = 1000 }},
		{"bitrate above band", func(c *PreprocessingConfig) { c.TargetBitrate = 100000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultPreprocessingConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidParameters)
		})
	}
}

func TestProcessInputRequiresInit(t *testing.T) {
	p := NewPreprocessor()
	assert.ErrorIs(t, p.ProcessInput(captureFrame(0.5)), ErrNotInitialized)
}

func TestProcessInputZeroFramesStayZero(t *testing.T) {
	p := newInitializedPreprocessor(t, DefaultPreprocessingConfig())

	pcm := make([]int16, config.FramesPerBuffer)
	require.NoError(t, p.ProcessInput(pcm))

	for _, s := range pcm {
		assert.Equal(t, int16(0), s)
	}
	assert.False(t, p.IsSpeechDetected())
}

func TestAGCSteersTowardTargetLevel(t *testing.T) {
	cfg := DefaultPreprocessingConfig()
	cfg.EnableNoiseSuppression = false
	cfg.EnableVAD = false
	cfg.AGCTargetLevel = 0.3
	p := newInitializedPreprocessor(t, cfg)

	// A quiet input pushes the gain up toward its ceiling.
	for i := 0; i < 100; i++ {
		require.NoError(t, p.ProcessInput(captureFrame(0.05)))
	}
	assert.Greater(t, p.CurrentGain(), float32(1.5))

	// A loud input pulls it back down.
	for i := 0; i < 100; i++ {
		require.NoError(t, p.ProcessInput(captureFrame(0.9)))
	}
	assert.Less(t, p.CurrentGain(), float32(1.0))
}

func TestAGCNearUnityAtTargetLevel(t *testing.T) {
	cfg := DefaultPreprocessingConfig()
	cfg.EnableNoiseSuppression = false
	cfg.EnableVAD = false
	p := newInitializedPreprocessor(t, cfg)

	// Input whose RMS already sits at the target needs no correction.
	// RMS of a sine is amplitude/sqrt(2); solve for the 0.7 target.
	amplitude := 0.7 * math.Sqrt2 * 32768 / 30000
	for i := 0; i < 200; i++ {
		require.NoError(t, p.ProcessInput(captureFrame(amplitude)))
	}
	assert.InDelta(t, 1.0, float64(p.CurrentGain()), 0.15)
}

func TestVADReportsSpeechViaCallback(t *testing.T) {
	cfg := DefaultPreprocessingConfig()
	cfg.EnableAGC = false
	p := newInitializedPreprocessor(t, cfg)

	var verdicts []bool
	p.OnSpeechDetected(func(speech bool) { verdicts = append(verdicts, speech) })

	require.NoError(t, p.ProcessInput(captureFrame(0.8)))
	require.NoError(t, p.ProcessInput(make([]int16, config.FramesPerBuffer)))

	require.Len(t, verdicts, 2)
	assert.True(t, verdicts[0])
	assert.False(t, verdicts[1])
}

func TestEncodeProducesCodecFrames(t *testing.T) {
	cfg := DefaultPreprocessingConfig()
	cfg.EnableVAD = false
	p := newInitializedPreprocessor(t, cfg)

	var total int
	// 1024 samples at 48kHz downsample to ~341 at 16kHz, one codec
	// frame per call with remainder carrying over.
	for i := 0; i < 6; i++ {
		packets, err := p.Encode(captureFrame(0.5))
		require.NoError(t, err)
		for _, packet := range packets {
			assert.Equal(t, config.CodecFrameSize*2, len(packet.Data))
			assert.Equal(t, p.CurrentBitrate(), packet.Bitrate)
			total++
		}
	}
	assert.GreaterOrEqual(t, total, 6)
}

func TestEncodeDecodeRawCodecRoundTrip(t *testing.T) {
	cfg := DefaultPreprocessingConfig()
	cfg.EnableNoiseSuppression = false
	cfg.EnableVAD = false
	cfg.EnableAGC = false
	p := newInitializedPreprocessor(t, cfg)

	packets, err := p.Encode(captureFrame(0.5))
	require.NoError(t, err)
	require.NotEmpty(t, packets)

	pcm, err := p.Decode(packets[0].Data)
	require.NoError(t, err)
	// 320 codec samples upsample to roughly 960 at the playback rate.
	assert.InDelta(t, config.CodecFrameSize*3, len(pcm), 5)
}

func TestEncodeWithCodecDisabledIsRawPCM(t *testing.T) {
	cfg := DefaultPreprocessingConfig()
	cfg.EnableCodec = false
	cfg.EnableNoiseSuppression = false
	cfg.EnableVAD = false
	cfg.EnableAGC = false
	p := newInitializedPreprocessor(t, cfg)

	in := captureFrame(0.5)
	packets, err := p.Encode(append([]int16(nil), in...))
	require.NoError(t, err)
	require.Len(t, packets, 2)

	// One capture period of raw PCM exceeds a single datagram budget,
	// so it rides the wire split; each piece must leave room for the
	// packet header inside the receive buffer.
	var out []int16
	for _, packet := range packets {
		assert.LessOrEqual(t, len(packet.Data), config.PacketSize)
		pcm, err := p.Decode(packet.Data)
		require.NoError(t, err)
		out = append(out, pcm...)
	}
	assert.Equal(t, in, out)
}

func TestOpusDecoderOptionInstalls(t *testing.T) {
	cfg := DefaultPreprocessingConfig()
	cfg.UseOpusDecoder = true
	p := newInitializedPreprocessor(t, cfg)

	// Without the Opus decoder any even-length payload decodes as
	// little-endian PCM; with it installed the bytes are parsed as an
	// Opus bitstream, and junk must be rejected.
	_, err := p.Decode([]byte{0xff, 0xff})
	require.Error(t, err)
}

func TestDecodeRejectsOddRawPayload(t *testing.T) {
	cfg := DefaultPreprocessingConfig()
	cfg.EnableCodec = false
	p := newInitializedPreprocessor(t, cfg)

	_, err := p.Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrFrameSize)
}

func TestUpdateConfigPropagates(t *testing.T) {
	p := newInitializedPreprocessor(t, DefaultPreprocessingConfig())

	cfg := DefaultPreprocessingConfig()
	cfg.TargetBitrate = config.MinBitrate
	cfg.NoiseSuppressionLevel = 0.2
	require.NoError(t, p.UpdateConfig(cfg))

	assert.Equal(t, config.MinBitrate, p.CurrentBitrate())
	assert.Equal(t, cfg, p.Config())
}

func TestSetBitrateClamps(t *testing.T) {
	p := newInitializedPreprocessor(t, DefaultPreprocessingConfig())

	require.NoError(t, p.SetBitrate(1))
	assert.Equal(t, config.MinBitrate, p.CurrentBitrate())
}

func TestBitrateAdaptationFlowsIntoCodec(t *testing.T) {
	p := newInitializedPreprocessor(t, DefaultPreprocessingConfig())

	c := p.BitrateController()
	require.NotNil(t, c)
	c.SetAdaptationSpeed(1.0)

	// Heavy loss drives the published bitrate to the minimum, which
	// the controller callback applies to the codec.
	p.ReportPacketLoss(100, 20)
	assert.Equal(t, config.MinBitrate, p.CurrentBitrate())
}

func TestStatsAccumulate(t *testing.T) {
	p := newInitializedPreprocessor(t, DefaultPreprocessingConfig())

	for i := 0; i < 3; i++ {
		require.NoError(t, p.ProcessInput(captureFrame(0.5)))
	}

	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.TotalFramesProcessed)
	assert.Equal(t, uint64(3*config.FramesPerBuffer), stats.TotalSamplesProcessed)
	assert.Equal(t, config.DefaultBitrate, stats.CurrentBitrate)
	assert.GreaterOrEqual(t, stats.ProcessingLatencyMs, 0.0)
}

func TestMetricsForController(t *testing.T) {
	p := newInitializedPreprocessor(t, DefaultPreprocessingConfig())

	require.NoError(t, p.ProcessInput(captureFrame(0.8)))

	m := p.Metrics()
	assert.True(t, m.SpeechDetected)
	assert.Greater(t, m.AverageVolume, 0.0)
}
