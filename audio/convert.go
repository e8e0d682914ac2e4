package audio

import "math"

// Sample format conversion between the device's S16LE PCM and the
// float frames the preprocessing chain operates on.

const int16ToFloatScale = 1.0 / 32768.0

// Int16ToFloat converts PCM samples to floats in [-1, 1).
// dst and src must be the same length.
func Int16ToFloat(src []int16, dst []float32) {
	for i, s := range src {
		dst[i] = float32(s) * int16ToFloatScale
	}
}

// FloatToInt16 converts float samples back to PCM, clamping to [-1, 1]
// before scaling. The symmetric scale makes the int16→float→int16
// round trip exact except at +1.0, where the result saturates at 32767.
func FloatToInt16(src []float32, dst []int16) {
	for i, s := range src {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		scaled := math.Round(float64(s) * 32768.0)
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		dst[i] = int16(scaled)
	}
}

// ApplyGainInt16 multiplies PCM samples by a scalar gain, clamping to
// the int16 range.
func ApplyGainInt16(samples []int16, gain float64) {
	if gain == 1.0 {
		return
	}
	for i, s := range samples {
		scaled := float64(s) * gain
		if scaled > 32767 {
			samples[i] = 32767
		} else if scaled < -32768 {
			samples[i] = -32768
		} else {
			samples[i] = int16(scaled)
		}
	}
}
