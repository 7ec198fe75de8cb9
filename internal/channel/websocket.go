package channel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Upgrader accepts worker control connections on the agent.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // agent listens on loopback
	},
}

// WebSocket is a Transport over a gorilla websocket connection.
type WebSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	in   chan Envelope
	done chan struct{}
	once sync.Once
}

// NewWebSocket wraps conn and starts reading from it.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	ws := &WebSocket{
		conn: conn,
		in:   make(chan Envelope, pipeBuffer),
		done: make(chan struct{}),
	}
	go ws.readLoop()
	return ws
}

// Dial connects to a worker control endpoint.
func Dial(ctx context.Context, url string) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewWebSocket(conn), nil
}

func (w *WebSocket) readLoop() {
	defer w.Close()
	for {
		var env Envelope
		if err := w.conn.ReadJSON(&env); err != nil {
			return
		}
		select {
		case w.in <- env:
		case <-w.done:
			return
		}
	}
}

func (w *WebSocket) Send(ctx context.Context, env Envelope) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (w *WebSocket) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env := <-w.in:
		return env, nil
	case <-w.done:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (w *WebSocket) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.writeMu.Lock()
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}
