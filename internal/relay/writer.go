package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// writer is the only goroutine that writes to a caller connection.
type writer struct {
	ws           wsWriter
	ctx          context.Context
	frames       <-chan []byte
	writeTimeout time.Duration
	pingInterval time.Duration
}

// Run writes queued frames until ctx is done or a write fails. Either way the
// connection is closed on return, which also ends the read loop. Frames still
// queued when ctx ends are dropped.
func (w *writer) Run() error {
	ping := time.NewTicker(w.pingInterval)
	defer ping.Stop()
	defer w.ws.Close()

	for {
		select {
		case <-w.ctx.Done():
			w.closeFrame()
			return nil

		case <-ping.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(w.writeTimeout)); err != nil {
				return err
			}

		case frame := <-w.frames:
			// select picks randomly among ready cases.
			if w.ctx.Err() != nil {
				w.closeFrame()
				return nil
			}
			if err := w.write(frame); err != nil {
				return err
			}
		}
	}
}

func (w *writer) closeFrame() {
	_ = w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(w.writeTimeout))
}

func (w *writer) write(frame []byte) error {
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame)
}
