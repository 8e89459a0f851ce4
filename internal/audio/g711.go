package audio

import "math"

const (
	ulawBias = 0x84
	ulawClip = 32635
)

var ulawTable [256]int16

func init() {
	for i := range 256 {
		ulawTable[i] = decodeUlawSample(byte(i))
	}
}

func decodeUlawSample(b byte) int16 {
	b = ^b
	sign := int16(1)
	if b&0x80 != 0 {
		sign = -1
		b &= 0x7F
	}
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	sample := (mantissa<<3 + ulawBias) << exponent
	sample -= ulawBias
	return sign * sample
}

// encodeUlawSample is the G.711 μ-law compressor: bias, find the segment
// from the highest set bit, keep four mantissa bits, invert.
func encodeUlawSample(s int16) byte {
	v := int(s)
	sign := byte(0)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	v = min(v, ulawClip) + ulawBias

	exponent := byte(7)
	for mask := 0x4000; v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(v>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

func decodeG711Ulaw(data []byte) []float32 {
	samples := make([]float32, len(data))
	for i, b := range data {
		samples[i] = float32(ulawTable[b]) / math.MaxInt16
	}
	return samples
}

func encodeG711Ulaw(samples []float32) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = encodeUlawSample(toInt16(s))
	}
	return out
}

func toInt16(s float32) int16 {
	return int16(max(-1.0, min(1.0, s)) * math.MaxInt16)
}
