package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultURL is the hosted realtime endpoint.
const DefaultURL = "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 5 * time.Second
	readLimit               = 1 << 22
)

// ErrMalformedEvent is returned by Recv for frames that do not decode. The
// connection is still usable.
var ErrMalformedEvent = errors.New("realtime: malformed event")

// Config holds connection settings for Dial.
type Config struct {
	URL              string
	APIKey           string
	HandshakeTimeout time.Duration
}

// Conn is one realtime session. Recv must be called from a single goroutine;
// Send is safe for concurrent use.
type Conn struct {
	ws        *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial opens a realtime session.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	url := cfg.URL
	if url == "" {
		url = DefaultURL
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		ReadBufferSize:   16384,
		WriteBufferSize:  16384,
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime dial: %w", err)
	}
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws}, nil
}

// Send writes a client event.
func (c *Conn) Send(ev ClientEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Recv blocks for the next server event. A normal close is reported as io.EOF.
func (c *Conn) Recv() (ServerEvent, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return ServerEvent{}, io.EOF
		}
		return ServerEvent{}, err
	}
	var ev ServerEvent
	if err = json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

// Close closes the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
