// Package lookup is the client for the knowledge-base chat service the voice
// assistant consults through its query tool.
package lookup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/httpclient"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/metrics"
)

const defaultTimeout = 20 * time.Second

// maxBody caps how much of a response is read.
const maxBody = 1 << 20

// ErrRejected means the service refused the request as invalid (HTTP 422).
var ErrRejected = errors.New("lookup request rejected")

// Error describes a failed call to the service.
type Error struct {
	Op     string // "login" or "query"
	Status int    // HTTP status, 0 if no response was received
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("lookup %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("lookup %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config holds connection settings for the knowledge-base service.
type Config struct {
	BaseURL   string
	Email     string
	Password  string
	SessionID string
	// Timeout bounds a whole Lookup, including a re-login and retry.
	Timeout  time.Duration
	PoolSize int
}

type loggerKey struct{}

// WithLogger returns a context whose lookups log through l, so their lines
// carry the caller's attributes.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

func loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// Client queries the knowledge base. It is safe for concurrent use; the
// bearer token is shared between callers.
type Client struct {
	cfg    Config
	client *http.Client

	mu    sync.Mutex
	token string
}

// New creates a lookup client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		client: httpclient.NewPooled(cfg.PoolSize, cfg.Timeout),
	}
}

// Lookup sends query to the chat endpoint and returns the answer text. An
// expired token is refreshed and the query retried once.
func (c *Client) Lookup(ctx context.Context, query string) (string, error) {
	start := time.Now()
	defer func() { metrics.LookupDuration.Observe(time.Since(start).Seconds()) }()

	log := loggerFrom(ctx)
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	token, err := c.currentToken(ctx)
	if err != nil {
		return "", err
	}

	status, body, err := c.query(ctx, token, query)
	if err != nil {
		return "", err
	}
	if status == http.StatusUnauthorized {
		log.Info("lookup token expired, refreshing")
		if token, err = c.login(ctx); err != nil {
			return "", err
		}
		if status, body, err = c.query(ctx, token, query); err != nil {
			return "", err
		}
	}

	switch {
	case status == http.StatusUnprocessableEntity:
		log.Warn("lookup request rejected", "body", truncate(body, 200))
		return "", &Error{Op: "query", Status: status, Err: ErrRejected}
	case status < 200 || status > 299:
		return "", &Error{Op: "query", Status: status, Err: fmt.Errorf("unexpected status: %s", truncate(body, 200))}
	}
	return extractAnswer(body), nil
}

func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" || c.cfg.Email == "" {
		return token, nil
	}
	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) (string, error) {
	if c.cfg.Email == "" {
		return "", &Error{Op: "login", Err: errors.New("no credentials configured")}
	}
	body, err := json.Marshal(map[string]string{"email": c.cfg.Email, "password": c.cfg.Password})
	if err != nil {
		return "", &Error{Op: "login", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Op: "login", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &Error{Op: "login", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", &Error{Op: "login", Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &Error{Op: "login", Status: resp.StatusCode, Err: errors.New("login refused")}
	}

	token, err := extractToken(data)
	if err != nil {
		return "", &Error{Op: "login", Status: resp.StatusCode, Err: err}
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return token, nil
}

// query posts one chat message. Non-2xx statuses are returned, not wrapped,
// so the caller can decide on a retry.
func (c *Client) query(ctx context.Context, token, message string) (int, []byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"session_id", c.cfg.SessionID},
		{"message", message},
		{"styled_answer", "false"},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return 0, nil, &Error{Op: "query", Err: err}
		}
	}
	if err := w.Close(); err != nil {
		return 0, nil, &Error{Op: "query", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat-messages", &buf)
	if err != nil {
		return 0, nil, &Error{Op: "query", Err: err}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, &Error{Op: "query", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, &Error{Op: "query", Status: resp.StatusCode, Err: err}
	}
	return resp.StatusCode, body, nil
}

func extractToken(data []byte) (string, error) {
	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	for _, t := range []string{resp.Data.Token, resp.Token, resp.AccessToken} {
		if t != "" {
			return t, nil
		}
	}
	return "", errors.New("login response carries no token")
}

// extractAnswer returns the "answer" field, else "data", else the raw body.
func extractAnswer(body []byte) string {
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, key := range []string{"answer", "data"} {
		raw, ok := resp[key]
		if !ok || isEmptyJSON(raw) {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return string(raw)
	}
	return strings.TrimSpace(string(body))
}

func isEmptyJSON(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", `""`, "false", "0", "[]", "{}":
		return true
	}
	return false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
