package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/httpclient"
)

const DefaultBaseURL = "https://api.twilio.com/2010-04-01"

const maxResponse = 1 << 20

// Client is a minimal Twilio REST client.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	http       *http.Client
}

// NewClient creates a REST client. baseURL defaults to the public API.
func NewClient(accountSID, authToken, baseURL string) (*Client, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("twilio: account SID and auth token are required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       httpclient.NewPooled(2, 30*time.Second),
	}, nil
}

// CallParams describes an outbound call. URL is the voice webhook Twilio
// fetches TwiML from once the call is answered.
type CallParams struct {
	To   string
	From string
	URL  string
}

// Call is the subset of Twilio's call resource the CLI reports.
type Call struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
	From   string `json:"from"`
}

// CreateCall starts an outbound call.
func (c *Client) CreateCall(ctx context.Context, p CallParams) (*Call, error) {
	if p.To == "" || p.From == "" || p.URL == "" {
		return nil, errors.New("twilio: to, from and url are required")
	}
	params := url.Values{
		"To":   {p.To},
		"From": {p.From},
		"Url":  {p.URL},
	}

	body, err := c.post(ctx, "/Accounts/"+c.accountSID+"/Calls.json", params)
	if err != nil {
		return nil, fmt.Errorf("twilio: create call: %w", err)
	}

	var call Call
	if err = json.Unmarshal(body, &call); err != nil {
		return nil, fmt.Errorf("twilio: parse call: %w", err)
	}
	return &call, nil
}

func (c *Client) post(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
