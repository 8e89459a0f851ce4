// Command fillergen synthesizes the short phrase played while a knowledge
// base lookup is in flight and prints it as a FILLER_AUDIO value.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/audio"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/env"
)

// ttsSampleRate is the rate of OpenAI's raw pcm speech output.
const ttsSampleRate = 24000

func main() {
	for _, f := range []string{".env.local", ".env"} {
		godotenv.Load(f)
	}

	text := flag.String("text", "Let me check that for you in our knowledge base...", "phrase to synthesize")
	voice := flag.String("voice", "shimmer", "TTS voice")
	out := flag.String("out", "filler", "output file prefix for .ulaw and .wav")
	flag.Parse()

	apiKey := env.Str("OPENAI_API_KEY", "")
	if apiKey == "" {
		slog.Error("missing the OPENAI_API_KEY environment variable")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := run(ctx, apiKey, *text, *voice, *out); err != nil {
		slog.Error("filler generation failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, apiKey, text, voice, out string) error {
	client := openai.NewClient(option.WithAPIKey(apiKey))

	slog.Info("synthesizing", "voice", voice)
	resp, err := client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModelTTS1,
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return fmt.Errorf("speech request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read speech: %w", err)
	}

	ulaw, samples, err := toUlaw(raw)
	if err != nil {
		return err
	}

	if err = os.WriteFile(out+".ulaw", ulaw, 0o644); err != nil {
		return err
	}
	if err = os.WriteFile(out+".wav", audio.SamplesToWAV(samples, audio.UlawSampleRate), 0o644); err != nil {
		return err
	}
	slog.Info("saved filler audio", "ulaw", out+".ulaw", "wav", out+".wav", "bytes", len(ulaw))

	fmt.Printf("FILLER_AUDIO=%s\n", base64.StdEncoding.EncodeToString(ulaw))
	return nil
}

// toUlaw converts 24 kHz 16-bit PCM to 8 kHz μ-law. It also returns the
// resampled samples for the preview WAV.
func toUlaw(pcm []byte) ([]byte, []float32, error) {
	samples, rate, err := audio.Decode(pcm, audio.CodecPCM, ttsSampleRate)
	if err != nil {
		return nil, nil, err
	}
	samples = audio.ToTelephony(samples, rate)
	ulaw, err := audio.Encode(samples, audio.CodecG711Ulaw)
	if err != nil {
		return nil, nil, err
	}
	return ulaw, samples, nil
}
