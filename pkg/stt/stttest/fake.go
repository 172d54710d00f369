// Package stttest provides an in-memory recognizer for tests.
package stttest

import (
	"context"
	"fmt"
	"sync"

	"voxrelay/pkg/stt"
)

// Log records calls across recognizers and streams in order.
type Log struct {
	mu      sync.Mutex
	entries []string
}

func (l *Log) Add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
}

func (l *Log) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

type Recognizer struct {
	Log *Log
	// OpenErr, when set, fails every Open.
	OpenErr error

	mu      sync.Mutex
	streams []*Stream
	opened  chan *Stream
}

func NewRecognizer() *Recognizer {
	return &Recognizer{
		Log:    &Log{},
		opened: make(chan *Stream, 64),
	}
}

func (r *Recognizer) Open(ctx context.Context, opt stt.Options) (stt.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.OpenErr != nil {
		r.Log.Add("open failed")
		return nil, r.OpenErr
	}

	s := &Stream{
		ID:     len(r.streams) + 1,
		Opts:   opt,
		log:    r.Log,
		events: make(chan stt.Event, 64),
	}
	r.streams = append(r.streams, s)
	r.Log.Add("open %d", s.ID)

	select {
	case r.opened <- s:
	default:
	}
	return s, nil
}

// Opened yields streams as they are opened.
func (r *Recognizer) Opened() <-chan *Stream { return r.opened }

func (r *Recognizer) Streams() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Stream, len(r.streams))
	copy(out, r.streams)
	return out
}

type Stream struct {
	ID   int
	Opts stt.Options

	log    *Log
	events chan stt.Event

	mu         sync.Mutex
	chunks     [][]byte
	closes     int
	closeSends int
	closed     bool
}

func (s *Stream) Write(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrStreamClosed
	}
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	return nil
}

func (s *Stream) Events() <-chan stt.Event { return s.events }

func (s *Stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeSends++
	s.log.Add("close send %d", s.ID)
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.log.Add("close %d", s.ID)
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Emit pushes an event as if the backend produced it. Terminal events close
// the channel. It reports false when the stream is already closed.
func (s *Stream) Emit(ev stt.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- ev
	if ev.Kind == stt.Failed || ev.Kind == stt.Ended {
		s.closed = true
		close(s.events)
	}
	return true
}

func (s *Stream) Partial(text string) bool { return s.Emit(stt.Event{Kind: stt.Partial, Text: text}) }

func (s *Stream) Final(text string) bool { return s.Emit(stt.Event{Kind: stt.Final, Text: text}) }

func (s *Stream) Fail(err error) bool { return s.Emit(stt.Event{Kind: stt.Failed, Err: err}) }

func (s *Stream) End() bool { return s.Emit(stt.Event{Kind: stt.Ended}) }

func (s *Stream) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *Stream) CloseSends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeSends
}
