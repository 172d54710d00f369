package stt

import (
	"context"
	"errors"
)

type Kind uint8

const (
	Partial Kind = iota
	Final
	Failed
	Ended
)

func (k Kind) String() string {
	switch k {
	case Partial:
		return "partial"
	case Final:
		return "final"
	case Failed:
		return "error"
	case Ended:
		return "end"
	default:
		return "unknown"
	}
}

// Event is one item of a recognition stream. Failed and Ended are terminal:
// the channel is closed right after either of them.
type Event struct {
	Kind Kind
	Text string
	Err  error
}

type Options struct {
	Encoding        string // e.g. "WEBM_OPUS", "LINEAR16"
	SampleRateHertz int
	LanguageCode    string // e.g. "es-CO"
	InterimResults  bool
}

// Stream is one open streaming-recognition call.
type Stream interface {
	// Write forwards an audio chunk. Chunks must be written in arrival order.
	Write(chunk []byte) error
	// Events yields results until a Failed or Ended event, then closes.
	Events() <-chan Event
	// CloseSend signals that no more audio follows.
	CloseSend() error
	// Close releases the call. Safe to call more than once.
	Close() error
}

type Recognizer interface {
	Open(ctx context.Context, opt Options) (Stream, error)
}

var ErrStreamClosed = errors.New("recognition stream closed")
