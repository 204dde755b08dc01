package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout    = 10 * time.Second
	writeDeadline  = 10 * time.Second
	pongDeadline   = 60 * time.Second
	pingEvery      = 54 * time.Second
	maxInboundSize = 1024 * 1024
)

// WSTransport is the gorilla-backed Transport used outside tests.
// Writes are serialized; reads belong to the Listen goroutine.
type WSTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func Dial(ctx context.Context, url string) (*WSTransport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxInboundSize)

	t := &WSTransport{conn: conn, done: make(chan struct{})}
	go t.keepAlive()
	return t, nil
}

func (t *WSTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Listen reads frames and hands each to handler until the connection
// drops or Close is called. It blocks, so run it on its own goroutine
// when the caller has other work.
func (t *WSTransport) Listen(handler func(data []byte)) error {
	t.conn.SetReadDeadline(time.Now().Add(pongDeadline))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongDeadline))
		return nil
	})

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return nil
			default:
				return fmt.Errorf("read frame: %w", err)
			}
		}
		handler(data)
	}
}

func (t *WSTransport) keepAlive() {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *WSTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
