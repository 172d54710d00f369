package session

import (
	"context"
	"errors"
	log "log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"voxrelay/pkg/protocol"
	"voxrelay/pkg/stt"
)

var ErrClosed = errors.New("session closed")

// DefaultDrainTimeout bounds how long a stopped stream may keep delivering
// results.
const DefaultDrainTimeout = 5 * time.Second

// Sender delivers an event to the caller. It must be safe for concurrent use.
type Sender func(protocol.Event) error

// Opener opens a recognition stream bound to the session context.
type Opener func(ctx context.Context) (stt.Stream, error)

// Handle owns one recognition stream. Releasing it closes the stream exactly
// once no matter how many paths try.
type Handle struct {
	ID     uint64
	Stream stt.Stream

	once sync.Once
}

func (h *Handle) release() bool {
	released := false
	h.once.Do(func() {
		released = true
		if err := h.Stream.Close(); err != nil {
			log.Debug("recognition close", "handle", h.ID, "err", err)
		}
	})
	return released
}

// Session is the state behind one caller connection.
type Session struct {
	ID      string
	Created time.Time

	ctx    context.Context
	cancel context.CancelFunc
	send   Sender

	mu         sync.Mutex
	history    *History
	processing bool
	rec        *Handle
	draining   map[*Handle]struct{}
	handles    uint64
	closed     bool

	drainTimeout time.Duration
}

type Info struct {
	ID         string    `json:"id"`
	Created    time.Time `json:"created"`
	Recording  bool      `json:"recording"`
	Processing bool      `json:"processing"`
	History    int       `json:"history"`
}

func New(parent context.Context, historyTurns int, send Sender) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:      uuid.NewString(),
		Created: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		send:    send,
		history: NewHistory(historyTurns),

		draining:     make(map[*Handle]struct{}),
		drainTimeout: DefaultDrainTimeout,
	}
}

// SetDrainTimeout changes how long StopRecognition waits for a stream to
// finish on its own. Non-positive values keep the current timeout.
func (s *Session) SetDrainTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainTimeout = d
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Send drops the event with ErrClosed once the session is gone.
func (s *Session) Send(ev protocol.Event) error {
	if s.Closed() {
		return ErrClosed
	}
	return s.send(ev)
}

// StartRecognition releases the current stream, and any stream still
// draining after a stop, before opening the next one. The session lock is
// not held while the backend opens the stream.
func (s *Session) StartRecognition(open Opener) (*Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	old := s.detachAll()
	s.mu.Unlock()

	for _, h := range old {
		h.release()
	}

	stream, err := open(s.ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if err := stream.Close(); err != nil {
			log.Debug("recognition close", "session", s.ID, "err", err)
		}
		return nil, ErrClosed
	}
	prev := s.rec
	s.handles++
	h := &Handle{ID: s.handles, Stream: stream}
	s.rec = h
	s.mu.Unlock()

	if prev != nil {
		prev.release()
	}
	return h, nil
}

// StopRecognition half-closes the current stream and detaches it, so new
// audio is dropped while results already in flight still arrive. The stream
// is released by whoever drains it, or after the drain timeout. It reports
// whether there was a stream.
func (s *Session) StopRecognition() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.rec
	if h == nil {
		return false
	}
	s.rec = nil
	s.draining[h] = struct{}{}

	if err := h.Stream.CloseSend(); err != nil {
		log.Debug("recognition close send", "session", s.ID, "err", err)
	}

	time.AfterFunc(s.drainTimeout, func() {
		s.mu.Lock()
		_, pending := s.draining[h]
		s.mu.Unlock()
		if pending {
			log.Debug("recognition drain timed out", "session", s.ID, "handle", h.ID)
			s.ReleaseRecognition(h)
		}
	})
	return true
}

// ReleaseRecognition releases h and detaches it if it is still the current
// stream. A newer stream is left alone.
func (s *Session) ReleaseRecognition(h *Handle) {
	s.mu.Lock()
	if s.rec == h {
		s.rec = nil
	}
	delete(s.draining, h)
	s.mu.Unlock()

	h.release()
}

// Draining reports how many stopped streams are still waiting for their
// last results.
func (s *Session) Draining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.draining)
}

// detachAll must be called with s.mu held.
func (s *Session) detachAll() []*Handle {
	out := make([]*Handle, 0, len(s.draining)+1)
	if s.rec != nil {
		out = append(out, s.rec)
		s.rec = nil
	}
	for h := range s.draining {
		out = append(out, h)
		delete(s.draining, h)
	}
	return out
}

// WriteAudio forwards a chunk to the open stream. Without one it does nothing.
func (s *Session) WriteAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec == nil {
		return nil
	}
	return s.rec.Stream.Write(chunk)
}

func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec != nil
}

func (s *Session) AppendTurn(role Role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Append(Turn{Role: role, Text: text})
}

func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Turns()
}

func (s *Session) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Clear()
}

// TryBeginProcessing sets the processing flag. It returns false, and changes
// nothing, when the flag is already set.
func (s *Session) TryBeginProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing || s.closed {
		return false
	}
	s.processing = true
	return true
}

func (s *Session) EndProcessing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = false
}

func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// Close releases every recognition stream and cancels the session context.
// Only the first call does anything.
func (s *Session) Close() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	handles := s.detachAll()
	s.mu.Unlock()

	for _, h := range handles {
		h.release()
	}
	s.cancel()
	return true
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:         s.ID,
		Created:    s.Created,
		Recording:  s.rec != nil,
		Processing: s.processing,
		History:    s.history.Len(),
	}
}
