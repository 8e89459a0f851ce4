// Command callsim places simulated Twilio media stream calls against the relay
// and reports how quickly the assistant starts answering.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/audio"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/telephony"
)

const (
	frameDuration = 20 * time.Millisecond
	frameBytes    = telephony.SampleRate / 50 // 20ms of 8 kHz μ-law
)

func main() {
	relayURL := flag.String("relay", "ws://localhost:5050/websocket", "relay media stream URL")
	concurrency := flag.Int("concurrency", 10, "number of concurrent callers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	audioDir := flag.String("audio-dir", "", "directory with .ulaw or 16 kHz .wav utterances")
	listen := flag.Duration("listen", 15*time.Second, "how long to wait for a spoken answer")
	flag.Parse()

	utterances, err := loadUtterances(*audioDir)
	if err != nil || len(utterances) == 0 {
		fmt.Fprintf(os.Stderr, "no utterances in %q, generating synthetic audio\n", *audioDir)
		utterances = [][]byte{syntheticUtterance(3 * time.Second)}
	}

	fmt.Printf("Load test: %d concurrent calls for %s\n", *concurrency, *duration)
	fmt.Printf("Relay: %s\n\n", *relayURL)

	var mu sync.Mutex
	var results []callResult
	var wg sync.WaitGroup

	deadline := time.Now().Add(*duration)

	for range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				r := runCall(*relayURL, utterances[rand.IntN(len(utterances))], *listen)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	printSummary(results)
}

type callResult struct {
	success      bool
	firstAudioMs float64
	mediaFrames  int64
	clears       int64
	err          string
}

// runCall plays one caller: handshake, utterance, silence until the relay
// answers, then hang up.
func runCall(relayURL string, utterance []byte, listen time.Duration) callResult {
	conn, _, err := websocket.DefaultDialer.Dial(relayURL, nil)
	if err != nil {
		return callResult{err: fmt.Sprintf("dial: %v", err)}
	}
	defer conn.Close()

	streamSID := "MZ" + uuid.NewString()
	callSID := "CA" + uuid.NewString()
	start := telephony.Event{
		Event:     telephony.EventStart,
		StreamSID: streamSID,
		Start: &telephony.StartPayload{
			StreamSID:   streamSID,
			CallSID:     callSID,
			Tracks:      []string{"inbound"},
			MediaFormat: telephony.MediaFormat{Encoding: telephony.EncodingMulaw, SampleRate: telephony.SampleRate, Channels: 1},
		},
	}
	for _, ev := range []telephony.Event{{Event: telephony.EventConnected, Protocol: "Call", Version: "1.0.0"}, start} {
		if err = conn.WriteJSON(ev); err != nil {
			return callResult{err: fmt.Sprintf("handshake: %v", err)}
		}
	}

	var (
		media, clears atomic.Int64
		firstAudio    atomic.Int64 // unix nanos of the first media frame after the utterance
		spokeAt       atomic.Int64
		readDone      = make(chan struct{})
	)
	go func() {
		defer close(readDone)
		for {
			var ev telephony.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			switch ev.Event {
			case telephony.EventMedia:
				media.Add(1)
				if spokeAt.Load() != 0 {
					firstAudio.CompareAndSwap(0, time.Now().UnixNano())
				}
			case telephony.EventClear:
				clears.Add(1)
			}
		}
	}()

	seq := 0
	send := func(chunk []byte) error {
		seq++
		ev := telephony.Event{
			Event:          telephony.EventMedia,
			SequenceNumber: fmt.Sprint(seq),
			StreamSID:      streamSID,
			Media: &telephony.MediaPayload{
				Track:   "inbound",
				Chunk:   fmt.Sprint(seq),
				Payload: base64.StdEncoding.EncodeToString(chunk),
			},
		}
		return conn.WriteJSON(ev)
	}

	for i := 0; i < len(utterance); i += frameBytes {
		if err = send(utterance[i:min(i+frameBytes, len(utterance))]); err != nil {
			return callResult{err: fmt.Sprintf("send audio: %v", err)}
		}
		time.Sleep(frameDuration)
	}
	spokeAt.Store(time.Now().UnixNano())

	// Keep the line open with silence so the server VAD sees the turn end.
	silence := make([]byte, frameBytes)
	for i := range silence {
		silence[i] = 0xFF
	}
	listenUntil := time.Now().Add(listen)
	for firstAudio.Load() == 0 && time.Now().Before(listenUntil) {
		if err = send(silence); err != nil {
			return callResult{err: fmt.Sprintf("send silence: %v", err)}
		}
		time.Sleep(frameDuration)
	}

	conn.WriteJSON(telephony.Event{Event: telephony.EventStop, StreamSID: streamSID, Stop: &telephony.StopPayload{CallSID: callSID}})
	select {
	case <-readDone:
	case <-time.After(15 * time.Second):
	}

	r := callResult{mediaFrames: media.Load(), clears: clears.Load()}
	if first := firstAudio.Load(); first != 0 {
		r.success = true
		r.firstAudioMs = float64(first-spokeAt.Load()) / float64(time.Millisecond)
	} else {
		r.err = "no answer"
	}
	return r
}

func syntheticUtterance(dur time.Duration) []byte {
	out, _ := audio.Encode(audio.Tone(440, dur, audio.UlawSampleRate), audio.CodecG711Ulaw)
	return out
}

// loadUtterances reads raw μ-law files as-is and converts 16 kHz mono WAV
// files to μ-law.
func loadUtterances(dir string) ([][]byte, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		switch filepath.Ext(e.Name()) {
		case ".ulaw":
			data, err := os.ReadFile(path)
			if err == nil {
				out = append(out, data)
			}
		case ".wav":
			data, err := os.ReadFile(path)
			if err != nil || len(data) <= 44 {
				continue
			}
			samples, rate, err := audio.Decode(data[44:], audio.CodecPCM, 16000)
			if err != nil {
				continue
			}
			ulaw, err := audio.Encode(audio.ToTelephony(samples, rate), audio.CodecG711Ulaw)
			if err == nil {
				out = append(out, ulaw)
			}
		}
	}
	return out, nil
}

func printSummary(results []callResult) {
	var succeeded, failed int
	var firstAll []float64
	var media, clears int64
	errs := map[string]int{}

	for _, r := range results {
		media += r.mediaFrames
		clears += r.clears
		if !r.success {
			failed++
			errs[r.err]++
			continue
		}
		succeeded++
		firstAll = append(firstAll, r.firstAudioMs)
	}

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Calls answered:  %d\n", succeeded)
	fmt.Printf("Calls failed:    %d\n", failed)
	fmt.Printf("Media frames:    %d\n", media)
	fmt.Printf("Clear frames:    %d\n", clears)
	if len(errs) > 0 {
		out, _ := json.MarshalIndent(errs, "", "  ")
		fmt.Printf("Errors: %s\n", out)
	}

	if len(firstAll) == 0 {
		fmt.Println("No answered calls to report latency")
		return
	}

	fmt.Printf("\n%-12s %8s %8s %8s\n", "Stage", "p50", "p95", "p99")
	fmt.Printf("%-12s %6.0fms %6.0fms %6.0fms\n", "First audio", percentile(firstAll, 50), percentile(firstAll, 95), percentile(firstAll, 99))
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	return data[max(0, min(idx, len(data)-1))]
}
