// Command dial places an outbound call whose media stream is served by the
// relay at SERVER_URL.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/env"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/twilio"
)

func main() {
	for _, f := range []string{".env.local", ".env"} {
		godotenv.Load(f)
	}

	to := flag.String("to", env.Str("MY_PHONE_NUMBER", ""), "number to call")
	from := flag.String("from", env.Str("TWILIO_PHONE_NUMBER", ""), "Twilio number to call from")
	flag.Parse()

	serverURL := env.Str("SERVER_URL", "")
	if serverURL == "" {
		fatal("SERVER_URL is missing; set it to the relay's public URL")
	}

	client, err := twilio.NewClient(env.Str("TWILIO_ACCOUNT_SID", ""), env.Str("TWILIO_AUTH_TOKEN", ""), env.Str("TWILIO_API_URL", ""))
	if err != nil {
		fatal(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	call, err := client.CreateCall(ctx, twilio.CallParams{
		To:   *to,
		From: *from,
		URL:  strings.TrimRight(serverURL, "/") + "/twiml",
	})
	if err != nil {
		fatal(err.Error())
	}
	slog.Info("call created", "sid", call.SID, "status", call.Status, "to", call.To)
	fmt.Println(call.SID)
}

func fatal(msg string) {
	slog.Error(msg)
	os.Exit(1)
}
