package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// ErrMalformedFrame is returned by Recv for frames that are not valid JSON
// events. The connection is still usable.
var ErrMalformedFrame = errors.New("telephony: malformed frame")

// Conn is the telephony leg of a call. Recv must be called from a single
// goroutine; the Send methods are safe for concurrent use.
type Conn struct {
	ws        *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an upgraded Media Streams WebSocket.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Recv blocks for the next inbound event. A normal close by the peer is
// reported as io.EOF.
func (c *Conn) Recv() (Event, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return Event{}, io.EOF
		}
		return Event{}, err
	}
	if msgType != websocket.TextMessage {
		return Event{}, fmt.Errorf("%w: unexpected message type %d", ErrMalformedFrame, msgType)
	}
	var ev Event
	if err = json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return ev, nil
}

// SendMedia writes base64 audio to the caller's stream.
func (c *Conn) SendMedia(streamSID, payload string) error {
	return c.send(MediaFrame(streamSID, payload))
}

// SendClear tells Twilio to discard audio queued for playback.
func (c *Conn) SendClear(streamSID string) error {
	return c.send(ClearFrame(streamSID))
}

func (c *Conn) send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", ev.Event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
