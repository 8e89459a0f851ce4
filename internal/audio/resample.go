package audio

import "math"

const (
	// telephonyBand is the top of the narrowband voice channel. Content
	// above it is inaudible on a phone call but would fold back as noise.
	telephonyBand = 3400.0

	telephonyTaps = 63
)

// ToTelephony converts samples at srcRate to 8 kHz audio limited to the
// telephone voice band, ready for μ-law encoding.
func ToTelephony(samples []float32, srcRate int) []float32 {
	if srcRate == UlawSampleRate {
		return samples
	}
	return resample(samples, srcRate, UlawSampleRate, newLowPass(telephonyBand, float64(max(srcRate, UlawSampleRate)), telephonyTaps))
}

// resample filters at the higher of the two rates: before decimation when
// going down, after interpolation when going up.
func resample(samples []float32, srcRate, dstRate int, lp fir) []float32 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	if srcRate > dstRate {
		samples = lp.apply(samples)
	}

	step := float64(srcRate) / float64(dstRate)
	out := make([]float32, int(float64(len(samples))/step))
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j] + (samples[j+1]-samples[j])*frac
	}

	if dstRate > srcRate {
		out = lp.apply(out)
	}
	return out
}

// fir is a symmetric low-pass kernel with unity gain at DC.
type fir []float32

// newLowPass builds a Blackman-windowed sinc kernel of n taps.
func newLowPass(cutoff, sampleRate float64, n int) fir {
	fc := cutoff / sampleRate
	mid := n / 2
	span := float64(n - 1)
	k := make(fir, n)
	var sum float64
	for i := range k {
		v := 2 * fc
		if d := float64(i - mid); d != 0 {
			v = math.Sin(2*math.Pi*fc*d) / (math.Pi * d)
		}
		phase := 2 * math.Pi * float64(i) / span
		v *= 0.42 - 0.5*math.Cos(phase) + 0.08*math.Cos(2*phase)
		k[i] = float32(v)
		sum += v
	}
	for i := range k {
		k[i] = float32(float64(k[i]) / sum)
	}
	return k
}

// apply convolves in with the kernel, centred, treating samples outside the
// input as silence.
func (k fir) apply(in []float32) []float32 {
	mid := len(k) / 2
	out := make([]float32, len(in))
	for i := range out {
		lo := max(0, i-mid)
		hi := min(len(in), i-mid+len(k))
		var acc float32
		for s := lo; s < hi; s++ {
			acc += in[s] * k[s-i+mid]
		}
		out[i] = acc
	}
	return out
}
