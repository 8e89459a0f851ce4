// Package twilio holds the Twilio glue around the relay: TwiML for the voice
// webhook, webhook signature checks and outbound call creation.
package twilio

import (
	"encoding/xml"
	"fmt"
)

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     string        `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// ConnectStream returns TwiML that speaks greeting (if any) and then bridges
// the call audio to the media stream WebSocket at streamURL.
func ConnectStream(greeting, streamURL string) ([]byte, error) {
	body, err := xml.Marshal(twimlResponse{
		Say:     greeting,
		Connect: &twimlConnect{Stream: twimlStream{URL: streamURL}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// StreamURL is the media stream endpoint on host.
func StreamURL(host, path string) string {
	return "wss://" + host + path
}
