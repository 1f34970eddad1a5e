package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	"github.com/gorilla/websocket"
)

// conn serializes writes to the socket. Reads happen on a single goroutine.
type conn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	lastID int
	closed bool
}

func (c *conn) nextID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastID++
	return c.lastID
}

func (c *conn) write(f domain.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}

// close sends a normal-closure control frame and closes the socket.
func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.ws.Close()
}

// readRaw returns the next text frame, failing when none arrives within wait.
func (c *conn) readRaw(wait time.Duration) ([]byte, error) {
	for {
		if err := c.ws.SetReadDeadline(time.Now().Add(wait)); err != nil {
			return nil, err
		}
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *conn) read(wait time.Duration) (domain.Frame, error) {
	data, err := c.readRaw(wait)
	if err != nil {
		return domain.Frame{}, err
	}
	return decodeFrame(data)
}

func decodeFrame(data []byte) (domain.Frame, error) {
	var f domain.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return domain.Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
