package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	readWait  = 5 * time.Minute
)

// Writer serializes writes to a connection. Session events and replies to
// client actions are written from different goroutines.
type Writer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWriter(conn *websocket.Conn) *Writer {
	return &Writer{conn: conn}
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func (w *Writer) WriteTyped(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func (w *Writer) WriteError(action Action, errMsg string) error {
	return w.WriteTyped(ErrorResponse{
		Event:  EventError,
		Action: action,
		Error:  errMsg,
	})
}

// WriteClose sends a close frame with the given code and reason.
func (w *Writer) WriteClose(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

// ReadMessage reads one frame with a read deadline.
func ReadMessage(conn *websocket.Conn) (messageType int, data []byte, err error) {
	conn.SetReadDeadline(time.Now().Add(readWait))
	return conn.ReadMessage()
}
