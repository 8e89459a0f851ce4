package main

import (
	"errors"
	"log/slog"
	"time"

	"github.com/joho/godotenv"

	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/env"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/prompts"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/realtime"
)

type config struct {
	port               string
	logLevel           slog.Level
	openAIKey          string
	realtimeURL        string
	voice              string
	instructions       string
	temperature        float64
	fillerAudio        string
	greeting           string
	maxConcurrentCalls int
	setupTimeout       time.Duration
	drainGrace         time.Duration
	ragBaseURL         string
	ragEmail           string
	ragPassword        string
	ragSessionID       string
	ragTimeout         time.Duration
	ragPoolSize        int
	traceDatabaseURL   string
	twilioAuthToken    string
	publicURL          string
}

// loadDotenv reads .env.local then .env. Variables already set in the
// environment win; missing files are fine.
func loadDotenv() {
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err == nil {
			slog.Debug("loaded env file", "file", f)
		}
	}
}

func loadConfig() (config, error) {
	cfg := config{
		port:               env.Str("PORT", "5050"),
		logLevel:           env.Level("LOG_LEVEL", slog.LevelInfo),
		openAIKey:          env.Str("OPENAI_API_KEY", ""),
		realtimeURL:        env.Str("REALTIME_URL", realtime.DefaultURL),
		voice:              env.Str("VOICE", "alloy"),
		instructions:       prompts.ForSession(env.Str("VOICE_SYSTEM_MESSAGE", "")),
		temperature:        env.Float("TEMPERATURE", 0.8),
		fillerAudio:        env.Str("FILLER_AUDIO", ""),
		greeting:           env.Str("GREETING", "Connected to Chatbot."),
		maxConcurrentCalls: env.Int("MAX_CONCURRENT_CALLS", 100),
		setupTimeout:       env.Duration("SETUP_TIMEOUT", 10*time.Second),
		drainGrace:         env.Duration("DRAIN_GRACE", 10*time.Second),
		ragBaseURL:         env.Str("RAG_API_BASE_URL", ""),
		ragEmail:           env.Str("RAG_EMAIL", ""),
		ragPassword:        env.Str("RAG_PASSWORD", ""),
		ragSessionID:       env.Str("RAG_SESSION_ID", ""),
		ragTimeout:         env.Duration("RAG_TIMEOUT", 20*time.Second),
		ragPoolSize:        env.Int("RAG_POOL_SIZE", 10),
		traceDatabaseURL:   env.Str("TRACE_DATABASE_URL", ""),
		twilioAuthToken:    env.Str("TWILIO_AUTH_TOKEN", ""),
		publicURL:          env.Str("SERVER_URL", ""),
	}
	if cfg.openAIKey == "" {
		return cfg, errors.New("missing the OPENAI_API_KEY environment variable")
	}
	return cfg, nil
}
