package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxrelay/internal/ipc"
	"voxrelay/internal/pipeline"
	"voxrelay/internal/tts"
	"voxrelay/pkg/protocol"
	"voxrelay/pkg/stt"
	"voxrelay/pkg/stt/stttest"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type generator struct {
	mu      sync.Mutex
	prompts []string
}

func (g *generator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	return "Claro, le cuento.", nil
}

func (g *generator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

type synthesizer struct{}

func (synthesizer) Synthesize(_ context.Context, text string, _ tts.Voice) (tts.Audio, error) {
	return tts.Audio{Data: []byte(text), Format: "mp3"}, nil
}

type harness struct {
	srv  *Server
	http *httptest.Server
	rec  *stttest.Recognizer
	gen  *generator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{rec: stttest.NewRecognizer(), gen: &generator{}}
	pipe := pipeline.New(h.gen, synthesizer{})
	h.srv = NewServer(context.Background(), cfg, h.rec, pipe, nil)
	h.http = httptest.NewServer(h.srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = h.srv.Shutdown(ctx)
		h.http.Close()
	})
	return h
}

type caller struct {
	t  *testing.T
	ws *websocket.Conn
	id string
}

func (h *harness) dial(t *testing.T) *caller {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	c := &caller{t: t, ws: ws}
	ev := c.next()
	require.Equal(t, protocol.EvConnected, ev.Event)
	require.NotEmpty(t, ev.SessionID)
	c.id = ev.SessionID
	return c
}

func (c *caller) control(event string) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"`+event+`"}`)))
}

func (c *caller) raw(kind int, payload []byte) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(kind, payload))
}

func (c *caller) next() protocol.Event {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	ev, err := protocol.Decode(data)
	require.NoError(c.t, err)
	return ev
}

// until reads events up to and including the first one named name.
func (c *caller) until(name string) []protocol.Event {
	c.t.Helper()
	var out []protocol.Event
	for {
		ev := c.next()
		out = append(out, ev)
		if ev.Event == name {
			return out
		}
	}
}

// sync round-trips a ping so every earlier frame has been handled.
func (c *caller) sync() {
	c.t.Helper()
	c.control(protocol.Ping)
	c.until(protocol.EvPong)
}

func names(evs []protocol.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Event)
	}
	return out
}

func (h *harness) opened(t *testing.T) *stttest.Stream {
	t.Helper()
	select {
	case s := <-h.rec.Opened():
		return s
	case <-time.After(waitFor):
		t.Fatal("no recognition stream opened")
		return nil
	}
}

func TestConnect_RegistersSession(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)

	_, ok := h.srv.Table().Get(c.id)
	assert.True(t, ok)
	assert.Equal(t, 1, h.srv.Table().Count())

	other := h.dial(t)
	assert.NotEqual(t, c.id, other.id)
	assert.Equal(t, 2, h.srv.Table().Count())
}

func TestFullTurn(t *testing.T) {
	h := newHarness(t, Config{Recognition: stt.Options{Encoding: "WEBM_OPUS", SampleRateHertz: 48000, LanguageCode: "es-CO"}})
	c := h.dial(t)

	c.control(protocol.StartRecording)
	stream := h.opened(t)
	assert.True(t, stream.Opts.InterimResults)
	assert.Equal(t, "es-CO", stream.Opts.LanguageCode)

	chunk := []byte{0x1a, 0x45, 0xdf, 0xa3, 0x01}
	c.raw(websocket.BinaryMessage, chunk)
	c.raw(websocket.BinaryMessage, []byte{0x02})
	c.sync()
	assert.Equal(t, [][]byte{chunk, {0x02}}, stream.Chunks())

	stream.Partial("seguro")
	stream.Final("seguro de vida")

	evs := c.until(protocol.EvProcessingCompleted)
	assert.Equal(t, []string{
		protocol.EvProcessingStarted,
		protocol.EvAudioStart,
		protocol.EvAudioData,
		protocol.EvAudioEnd,
		protocol.EvProcessingCompleted,
	}, names(evs))

	audio, err := evs[2].Audio()
	require.NoError(t, err)
	assert.Equal(t, "Claro, le cuento.", string(audio))

	prompts := h.gen.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "TEMAS DETECTADOS: seguro de vida.")
}

func TestFinal_ShortTranscriptIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)

	c.control(protocol.StartRecording)
	stream := h.opened(t)

	stream.Final(" ok ")
	stream.Final("hola")

	evs := c.until(protocol.EvProcessingCompleted)
	assert.Equal(t, protocol.EvProcessingStarted, evs[0].Event)

	prompts := h.gen.Prompts()
	require.Len(t, prompts, 1)
	assert.True(t, strings.HasSuffix(prompts[0], "Cliente: hola\nSofía:"))
}

func TestStartRecording_ReleasesPrevious(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)

	c.control(protocol.StartRecording)
	c.control(protocol.StartRecording)
	c.sync()

	first, second := h.opened(t), h.opened(t)
	assert.Equal(t, []string{"open 1", "close 1", "open 2"}, h.rec.Log.Entries())
	assert.Equal(t, 1, first.Closes())
	assert.Equal(t, 0, second.Closes())

	// Audio goes to the newer stream only.
	c.raw(websocket.BinaryMessage, []byte{0x09})
	c.sync()
	assert.Empty(t, first.Chunks())
	assert.Len(t, second.Chunks(), 1)

	s, _ := h.srv.Table().Get(c.id)
	require.Eventually(t, func() bool { return first.Closes() == 1 && s.Recording() }, waitFor, tick)
	assert.Equal(t, 1, first.Closes())
}

func TestStopRecording(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)

	c.control(protocol.StartRecording)
	stream := h.opened(t)

	c.control(protocol.StopRecording)
	c.until(protocol.EvRecordingStopped)

	// Half-closed, still draining.
	assert.Equal(t, []string{"open 1", "close send 1"}, h.rec.Log.Entries())
	assert.Equal(t, 0, stream.Closes())

	stream.End()
	require.Eventually(t, func() bool { return stream.Closes() == 1 }, waitFor, tick)
	s, _ := h.srv.Table().Get(c.id)
	assert.Equal(t, 0, s.Draining())

	// Stop without a stream still acknowledges.
	c.control(protocol.StopRecording)
	c.until(protocol.EvRecordingStopped)
	assert.Equal(t, 1, stream.Closes())
}

func TestStopRecording_LastFinalStillAnswered(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)

	c.control(protocol.StartRecording)
	stream := h.opened(t)
	c.raw(websocket.BinaryMessage, []byte{0x1a, 0x45, 0xdf, 0xa3})
	c.control(protocol.StopRecording)
	c.until(protocol.EvRecordingStopped)

	require.True(t, stream.Final("seguro de vida"))
	evs := c.until(protocol.EvProcessingCompleted)
	assert.Contains(t, names(evs), protocol.EvAudioEnd)

	prompts := h.gen.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "Cliente: seguro de vida")

	stream.End()
	require.Eventually(t, func() bool { return stream.Closes() == 1 }, waitFor, tick)
}

func TestStopRecording_DrainTimeout(t *testing.T) {
	h := newHarness(t, Config{DrainTimeout: 30 * time.Millisecond})
	c := h.dial(t)

	c.control(protocol.StartRecording)
	stream := h.opened(t)
	c.control(protocol.StopRecording)
	c.until(protocol.EvRecordingStopped)

	require.Eventually(t, func() bool { return stream.Closes() == 1 }, waitFor, tick)
}

func TestStartAfterStop_ReleasesDrainingStream(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)

	c.control(protocol.StartRecording)
	first := h.opened(t)
	c.control(protocol.StopRecording)
	c.control(protocol.StartRecording)
	c.sync()

	h.opened(t)
	assert.Equal(t, []string{"open 1", "close send 1", "close 1", "open 2"}, h.rec.Log.Entries())
	assert.Equal(t, 1, first.Closes())
}

func TestRecognitionError(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)

	c.control(protocol.StartRecording)
	stream := h.opened(t)
	stream.Fail(errors.New("quota exceeded"))

	ev := c.until(protocol.EvError)
	last := ev[len(ev)-1]
	assert.Equal(t, protocol.CodeSTT, last.Code)
	assert.Contains(t, last.Message, "quota exceeded")

	s, ok := h.srv.Table().Get(c.id)
	require.True(t, ok)
	require.Eventually(t, func() bool { return !s.Recording() }, waitFor, tick)
	assert.Equal(t, 1, stream.Closes())

	// The session carries on.
	c.sync()
}

func TestRecognitionOpenFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.rec.OpenErr = errors.New("no credentials")
	c := h.dial(t)

	c.control(protocol.StartRecording)
	ev := c.next()
	assert.Equal(t, protocol.EvError, ev.Event)
	assert.Equal(t, protocol.CodeSTT, ev.Code)
}

func TestStreamEnd_ReleasesHandle(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)

	c.control(protocol.StartRecording)
	stream := h.opened(t)
	stream.End()

	s, _ := h.srv.Table().Get(c.id)
	require.Eventually(t, func() bool { return !s.Recording() }, waitFor, tick)
	assert.Equal(t, 1, stream.Closes())
}

func TestDisconnect_ReleasesOnceAndRemoves(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)

	c.control(protocol.StartRecording)
	stream := h.opened(t)
	c.sync()

	require.NoError(t, c.ws.Close())

	require.Eventually(t, func() bool { return h.srv.Table().Count() == 0 }, waitFor, tick)
	assert.Equal(t, 1, stream.Closes())
	_, ok := h.srv.Table().Get(c.id)
	assert.False(t, ok)
}

func TestControlFrames(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)

	c.control(protocol.ClearHistory)
	assert.Equal(t, protocol.EvHistoryCleared, c.next().Event)

	c.control(protocol.Ping)
	pong := c.next()
	assert.Equal(t, protocol.EvPong, pong.Event)
	assert.NotEmpty(t, pong.Timestamp)

	// Small JSON in a binary frame is a control frame.
	c.raw(websocket.BinaryMessage, []byte(`{"event":"ping"}`))
	assert.Equal(t, protocol.EvPong, c.next().Event)
}

func TestMalformedAndUnknownControl(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)

	c.raw(websocket.TextMessage, []byte("not json"))
	c.raw(websocket.TextMessage, []byte(`{"foo":1}`))
	c.raw(websocket.BinaryMessage, []byte(`{"foo":1}`))
	c.control("dance")

	// None of the above produce a reply or drop the connection.
	c.control(protocol.Ping)
	assert.Equal(t, protocol.EvPong, c.next().Event)
	assert.Equal(t, 1, h.srv.Table().Count())
}

func TestAudioWithoutStream(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)

	c.raw(websocket.BinaryMessage, make([]byte, 4096))
	c.sync()
	assert.Empty(t, h.rec.Streams())
}

func TestShutdown_ClosesCallers(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)

	c.control(protocol.StartRecording)
	stream := h.opened(t)
	c.sync()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.srv.Shutdown(ctx))

	assert.Equal(t, 0, h.srv.Table().Count())
	assert.Equal(t, 1, stream.Closes())

	require.NoError(t, c.ws.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := c.ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestHTTP_InfoAndHealth(t *testing.T) {
	h := newHarness(t, Config{})
	h.dial(t)

	resp, err := http.Get(h.http.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	var info infoResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "voxrelay", info.Name)
	assert.Equal(t, 1, info.ActiveSessions)

	resp, err = http.Get(h.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.ActiveSessions)
	assert.NotEmpty(t, health.Timestamp)

	resp, err = http.Get(h.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.http.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_PublicDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>voz</h1>"), 0644))
	h := newHarness(t, Config{PublicDir: dir})

	resp, err := http.Get(h.http.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	resp, err = http.Get(h.http.URL + "/api/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	var info infoResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "running", info.Status)
}

func TestAdmin(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)
	c.control(protocol.StartRecording)
	h.opened(t)
	c.sync()

	reply := h.srv.Admin(ipc.ControlMessage{Cmd: ipc.CmdStatus})
	require.True(t, reply.OK)
	require.Len(t, reply.Sessions, 1)
	assert.Equal(t, c.id, reply.Sessions[0].ID)
	assert.True(t, reply.Sessions[0].Recording)

	reply = h.srv.Admin(ipc.ControlMessage{Cmd: "reboot"})
	assert.False(t, reply.OK)

	reply = h.srv.Admin(ipc.ControlMessage{Cmd: ipc.CmdCloseAll})
	assert.True(t, reply.OK)
	assert.Equal(t, 1, reply.Closed)
	require.Eventually(t, func() bool { return h.srv.Table().Count() == 0 }, waitFor, tick)
}
