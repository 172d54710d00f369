package relay

import (
	"context"
	log "log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voxrelay/internal/ipc"
	"voxrelay/internal/metrics"
	"voxrelay/internal/pipeline"
	"voxrelay/internal/session"
	"voxrelay/pkg/stt"
)

type Config struct {
	// Recognition is applied to every stream; interim results are always on.
	Recognition  stt.Options
	HistoryTurns int
	PublicDir    string
	// DrainTimeout bounds how long a stopped stream may still deliver results.
	DrainTimeout time.Duration

	WriteTimeout time.Duration
	PingInterval time.Duration
	SendBuffer   int
	ReadLimit    int64
}

func (c *Config) defaults() {
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = session.DefaultHistoryTurns
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = session.DefaultDrainTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4 << 20
	}
	c.Recognition.InterimResults = true
}

// Server accepts caller connections and owns the live session table.
type Server struct {
	ctx     context.Context
	cfg     Config
	rec     stt.Recognizer
	pipe    *pipeline.Pipeline
	table   *session.Table
	metrics *metrics.Metrics
	started time.Time

	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

// NewServer builds a relay. Sessions derive their context from ctx.
func NewServer(ctx context.Context, cfg Config, rec stt.Recognizer, pipe *pipeline.Pipeline, m *metrics.Metrics) *Server {
	cfg.defaults()
	if m == nil {
		m = metrics.New("")
	}
	return &Server{
		ctx:     ctx,
		cfg:     cfg,
		rec:     rec,
		pipe:    pipe,
		table:   session.NewTable(),
		metrics: m,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Table() *session.Table { return s.table }

// ServeWS upgrades the request and runs the connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	c := newClient(s, ws)
	log.Info("Caller connected", "session", c.sess.ID, "remote", r.RemoteAddr)
	c.run()
	log.Info("Caller disconnected", "session", c.sess.ID)
}

// Shutdown closes every session and waits for their connections to finish
// or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	n := s.table.CloseAll()
	log.Info("Closing sessions", "count", n)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.pipe.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Admin answers commands from the admin socket.
func (s *Server) Admin(msg ipc.ControlMessage) ipc.Reply {
	switch msg.Cmd {
	case ipc.CmdPing:
		return ipc.Reply{OK: true}
	case ipc.CmdStatus:
		return ipc.Reply{OK: true, Sessions: s.table.Snapshot()}
	case ipc.CmdCloseAll:
		n := s.table.CloseAll()
		log.Info("Closed sessions from admin socket", "count", n)
		return ipc.Reply{OK: true, Closed: n}
	default:
		log.Warn("Unknown command", "cmd", msg.Cmd)
		return ipc.Reply{Error: "unknown command " + msg.Cmd}
	}
}
