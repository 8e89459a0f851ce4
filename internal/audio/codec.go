// Package audio converts between the sample formats the relay tools deal
// with: 16-bit PCM from TTS, 8 kHz μ-law for telephony.
package audio

import "fmt"

type Codec string

const (
	CodecPCM      Codec = "pcm"
	CodecG711Ulaw Codec = "g711_ulaw"
)

// UlawSampleRate is the only rate μ-law telephony audio is carried at.
const UlawSampleRate = 8000

type codecFuncs struct {
	decode func([]byte) []float32
	encode func([]float32) []byte
	// rate is fixed by the codec; 0 means caller-supplied.
	rate int
}

var codecs = map[Codec]codecFuncs{
	CodecPCM:      {decode: decodePCM, encode: encodePCM},
	CodecG711Ulaw: {decode: decodeG711Ulaw, encode: encodeG711Ulaw, rate: UlawSampleRate},
}

// Decode converts encoded audio bytes to float32 samples normalized to [-1, 1].
// Returns samples and the sample rate.
func Decode(data []byte, codec Codec, sampleRate int) ([]float32, int, error) {
	c, ok := codecs[codec]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported codec: %s", codec)
	}
	rate := c.rate
	if rate == 0 {
		rate = sampleRate
	}
	return c.decode(data), rate, nil
}

// Encode converts normalized samples to codec bytes. Samples outside [-1, 1]
// are clipped. The caller is responsible for resampling to the codec rate.
func Encode(samples []float32, codec Codec) ([]byte, error) {
	c, ok := codecs[codec]
	if !ok {
		return nil, fmt.Errorf("unsupported codec: %s", codec)
	}
	return c.encode(samples), nil
}
