package relay

import (
	"context"
	log "log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voxrelay/internal/session"
	"voxrelay/pkg/protocol"
	"voxrelay/pkg/stt"
)

// client is one caller connection: a read loop on the handler goroutine and
// a writer goroutine that owns every write to ws.
type client struct {
	srv  *Server
	ws   *websocket.Conn
	sess *session.Session

	out  chan []byte
	done chan struct{}

	teardownOnce sync.Once
}

func newClient(srv *Server, ws *websocket.Conn) *client {
	c := &client{
		srv:  srv,
		ws:   ws,
		out:  make(chan []byte, srv.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	c.sess = session.New(srv.ctx, srv.cfg.HistoryTurns, c.send)
	c.sess.SetDrainTimeout(srv.cfg.DrainTimeout)
	return c
}

func (c *client) run() {
	c.srv.table.Add(c.sess)
	c.srv.metrics.SessionStart()

	w := &writer{
		ws:           c.ws,
		ctx:          c.sess.Context(),
		frames:       c.out,
		writeTimeout: c.srv.cfg.WriteTimeout,
		pingInterval: c.srv.cfg.PingInterval,
	}
	go func() {
		defer close(c.done)
		if err := w.Run(); err != nil {
			log.Debug("Writer stopped", "session", c.sess.ID, "err", err)
		}
	}()

	_ = c.sess.Send(protocol.Connected(c.sess.ID))

	c.readLoop()
	c.teardown()
	<-c.done
}

func (c *client) send(ev protocol.Event) error {
	if c.sess.Context().Err() != nil {
		return session.ErrClosed
	}
	b, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	select {
	case c.out <- b:
		return nil
	case <-c.done:
		return session.ErrClosed
	case <-c.sess.Context().Done():
		return session.ErrClosed
	}
}

func (c *client) readLoop() {
	c.ws.SetReadLimit(c.srv.cfg.ReadLimit)
	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn("Read failed", "session", c.sess.ID, "err", err)
			}
			return
		}
		c.handleFrame(kind, payload)
	}
}

// teardown releases the recognition stream and removes the session. It runs
// once per connection.
func (c *client) teardown() {
	c.teardownOnce.Do(func() {
		c.sess.Close()
		if _, ok := c.srv.table.Remove(c.sess.ID); ok {
			c.srv.metrics.SessionEnd(time.Since(c.sess.Created))
		}
	})
}

func (c *client) handleFrame(kind int, payload []byte) {
	switch kind {
	case websocket.TextMessage:
		c.handleControl(payload)
	case websocket.BinaryMessage:
		if protocol.LooksLikeControl(payload) {
			c.handleControl(payload)
			return
		}
		c.srv.metrics.Audio("in", len(payload))
		if err := c.sess.WriteAudio(payload); err != nil {
			log.Debug("Audio write failed", "session", c.sess.ID, "err", err)
		}
	}
}

func (c *client) handleControl(payload []byte) {
	ctl, err := protocol.ParseControl(payload)
	if err != nil {
		log.Warn("Malformed control frame", "session", c.sess.ID, "err", err)
		return
	}

	switch ctl.Event {
	case protocol.StartRecording:
		c.startRecording()
	case protocol.StopRecording:
		if c.sess.StopRecognition() {
			c.srv.metrics.Stream("stopped")
		}
		_ = c.sess.Send(protocol.RecordingStopped())
	case protocol.ClearHistory:
		c.sess.ClearHistory()
		_ = c.sess.Send(protocol.HistoryCleared())
	case protocol.Ping:
		_ = c.sess.Send(protocol.Pong(time.Now()))
	default:
		log.Debug("Unknown control event", "session", c.sess.ID, "event", ctl.Event)
		c.srv.metrics.Control("unknown")
		return
	}
	c.srv.metrics.Control(ctl.Event)
}

func (c *client) startRecording() {
	h, err := c.sess.StartRecognition(func(ctx context.Context) (stt.Stream, error) {
		return c.srv.rec.Open(ctx, c.srv.cfg.Recognition)
	})
	if err != nil {
		log.Error("Failed to open recognition", "session", c.sess.ID, "err", err)
		c.srv.metrics.Stream("open_failed")
		_ = c.sess.Send(protocol.Error(protocol.CodeSTT, "no se pudo iniciar el reconocimiento: "+err.Error()))
		return
	}

	log.Debug("Recognition started", "session", c.sess.ID, "handle", h.ID)
	c.srv.metrics.Stream("opened")

	c.srv.wg.Add(1)
	go func() {
		defer c.srv.wg.Done()
		c.bridge(h)
	}()
}
