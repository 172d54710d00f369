package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Control events sent by the caller.
const (
	StartRecording = "start_recording"
	StopRecording  = "stop_recording"
	ClearHistory   = "clear_history"
	Ping           = "ping"
)

// Events sent back to the caller.
const (
	EvConnected           = "connected"
	EvRecordingStopped    = "recording_stopped"
	EvHistoryCleared      = "history_cleared"
	EvPong                = "pong"
	EvProcessingStarted   = "processing_started"
	EvProcessingCompleted = "processing_completed"
	EvAudioStart          = "audio_start"
	EvAudioData           = "audio_data"
	EvAudioEnd            = "audio_end"
	EvError               = "error"
)

// Error codes carried by EvError.
const (
	CodeSTT        = "STT_ERROR"
	CodeProcessing = "PROCESSING_ERROR"
)

// MaxControlSize bounds binary control frames: a binary frame of this size
// or larger is always audio.
const MaxControlSize = 1024

const timestampLayout = "2006-01-02T15:04:05.000Z"

var (
	ErrEmptyControl   = errors.New("empty control frame")
	ErrMissingEvent   = errors.New("control frame has no event")
	ErrNotControlLike = errors.New("frame does not look like a control message")
)

type Control struct {
	Event string `json:"event"`
}

type Event struct {
	Event      string `json:"event"`
	SessionID  string `json:"sessionId,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Data       string `json:"data,omitempty"`
	Format     string `json:"format,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Message    string `json:"message,omitempty"`
	Code       string `json:"code,omitempty"`
}

func (e Event) String() string {
	if e.Code != "" {
		return fmt.Sprintf("%s:%s", e.Event, e.Code)
	}
	return e.Event
}

// Audio decodes the base64 payload of an audio_data event.
func (e Event) Audio() ([]byte, error) {
	if e.Event != EvAudioData {
		return nil, fmt.Errorf("event %q carries no audio", e.Event)
	}
	return base64.StdEncoding.DecodeString(e.Data)
}

func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func Connected(sessionID string) Event {
	return Event{Event: EvConnected, SessionID: sessionID}
}

func RecordingStopped() Event { return Event{Event: EvRecordingStopped} }

func HistoryCleared() Event { return Event{Event: EvHistoryCleared} }

func Pong(now time.Time) Event {
	return Event{Event: EvPong, Timestamp: Timestamp(now)}
}

func ProcessingStarted(now time.Time) Event {
	return Event{Event: EvProcessingStarted, Timestamp: Timestamp(now)}
}

func ProcessingCompleted(now time.Time) Event {
	return Event{Event: EvProcessingCompleted, Timestamp: Timestamp(now)}
}

func AudioStart(format string) Event {
	return Event{Event: EvAudioStart, Format: format}
}

func AudioData(audio []byte, format string) Event {
	return Event{
		Event:  EvAudioData,
		Data:   base64.StdEncoding.EncodeToString(audio),
		Format: format,
	}
}

func AudioEnd(format string, duration time.Duration) Event {
	return Event{Event: EvAudioEnd, Format: format, DurationMs: duration.Milliseconds()}
}

func Error(code, message string) Event {
	return Event{Event: EvError, Code: code, Message: message}
}

// LooksLikeControl reports whether a binary frame should be parsed as a
// control message instead of being forwarded as audio.
func LooksLikeControl(payload []byte) bool {
	if len(payload) == 0 || len(payload) >= MaxControlSize {
		return false
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) < 2 || trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return false
	}
	return json.Valid(trimmed)
}

func ParseControl(payload []byte) (Control, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return Control{}, ErrEmptyControl
	}
	if trimmed[0] != '{' {
		return Control{}, ErrNotControlLike
	}

	var c Control
	if err := json.Unmarshal(trimmed, &c); err != nil {
		return Control{}, fmt.Errorf("decode control: %w", err)
	}

	c.Event = strings.TrimSpace(c.Event)
	if c.Event == "" {
		return Control{}, ErrMissingEvent
	}
	return c, nil
}

func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Event == "" {
		return Event{}, ErrMissingEvent
	}
	return e, nil
}
