package codec

import (
	"log/slog"
	"math"
)

// G.711 mu-law constants
const (
	// MulawBias is the standard G.711 encoding bias.
	MulawBias = 33

	// MulawMax is the maximum representable magnitude (13 bits).
	MulawMax = 0x1FFF

	// NativeSampleRate is the telephony sample rate in Hz.
	NativeSampleRate = 8000
)

// DecodeSample decodes a single mu-law byte to a linear PCM16 sample.
// The full byte range (0-255) is a valid input.
func DecodeSample(b byte) int16 {
	// Invert all bits (G.711 transmits complemented)
	b = ^b

	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	// Reconstruct magnitude with the implicit leading bit, then remove bias
	linear := (int32(mantissa)<<1 + MulawBias) << exponent
	linear -= MulawBias

	if sign != 0 {
		return int16(-linear)
	}
	return int16(linear)
}

// EncodeSample encodes a linear PCM16 sample to a mu-law byte.
func EncodeSample(sample int16) byte {
	var sign byte
	value := int32(sample)
	if value < 0 {
		sign = 0x80
		value = -value
	}

	value += MulawBias
	if value > MulawMax {
		value = MulawMax
	}

	// Exponent is the position of the highest set bit above the bias threshold
	exponent := 7
	for i := 7; i >= 0; i-- {
		if value >= MulawBias<<i {
			exponent = i
			break
		}
	}

	mantissa := byte(value>>(exponent+1)) & 0x0F

	encoded := sign | byte(exponent)<<4 | mantissa
	return ^encoded
}

// Resample converts samples from sourceRate to targetRate using linear
// interpolation, producing round(len(samples) * targetRate / sourceRate)
// output samples clipped to the int16 range. Equal rates pass through.
func Resample(samples []int16, sourceRate, targetRate int) []int16 {
	if sourceRate == targetRate || len(samples) == 0 {
		return samples
	}

	outLen := int(math.Round(float64(len(samples)) * float64(targetRate) / float64(sourceRate)))
	if outLen == 0 {
		return nil
	}

	out := make([]int16, outLen)
	ratio := float64(len(samples)) / float64(outLen)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}

		frac := pos - float64(idx)
		interp := float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac
		out[i] = clipInt16(interp)
	}

	return out
}

// MulawToPCM16 decodes mu-law bytes at the 8kHz native rate and resamples to
// targetRate, returning little-endian PCM16 bytes. Empty input yields an
// empty result.
func MulawToPCM16(data []byte, targetRate int) []byte {
	if len(data) == 0 {
		return nil
	}

	samples := make([]int16, len(data))
	for i, b := range data {
		samples[i] = DecodeSample(b)
	}

	samples = Resample(samples, NativeSampleRate, targetRate)

	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}

	return out
}

// PCM16ToMulaw resamples little-endian PCM16 bytes from sourceRate down to the
// 8kHz native rate and encodes them to mu-law. A trailing odd byte is dropped
// with a warning rather than failing: a damaged chunk must not end the call.
func PCM16ToMulaw(data []byte, sourceRate int) []byte {
	if len(data) < 2 {
		if len(data) == 1 {
			slog.Warn("Dropping malformed PCM16 chunk", slog.Int("size", len(data)))
		}
		return nil
	}

	if len(data)%2 != 0 {
		slog.Warn("PCM16 chunk has odd length, dropping trailing byte",
			slog.Int("size", len(data)),
		)
		data = data[:len(data)-1]
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
	}

	samples = Resample(samples, sourceRate, NativeSampleRate)

	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = EncodeSample(s)
	}

	return out
}

// clipInt16 clamps a float value to the signed 16-bit range.
func clipInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
