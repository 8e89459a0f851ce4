package audio

import (
	"math"
	"math/rand/v2"
	"time"
)

// Tone synthesizes a sine wave at freq Hz with a little noise on top, loud
// enough to trip a server-side voice activity detector.
func Tone(freq float64, dur time.Duration, sampleRate int) []float32 {
	n := int(dur.Seconds() * float64(sampleRate))
	out := make([]float32, n)
	for i := range n {
		t := float64(i) / float64(sampleRate)
		out[i] = float32(math.Sin(2*math.Pi*freq*t)*0.3 + (rand.Float64()-0.5)*0.05)
	}
	return out
}
