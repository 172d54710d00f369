package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxrelay/internal/metrics"
	"voxrelay/internal/publish"
	"voxrelay/internal/session"
	"voxrelay/internal/tts"
	"voxrelay/pkg/protocol"
)

const (
	testTimeout = 2 * time.Second
	testTick    = 5 * time.Millisecond
)

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) send(ev protocol.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Event)
	}
	return out
}

func (r *recorder) find(name string) (protocol.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Event == name {
			return ev, true
		}
	}
	return protocol.Event{}, false
}

type generator struct {
	mu      sync.Mutex
	prompts []string
	reply   string
	err     error
	block   chan struct{}
}

func (g *generator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return g.reply, g.err
}

func (g *generator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

type synthesizer struct {
	err error
}

func (f synthesizer) Synthesize(_ context.Context, text string, _ tts.Voice) (tts.Audio, error) {
	if f.err != nil {
		return tts.Audio{}, f.err
	}
	return tts.Audio{Data: []byte("audio:" + text), Format: "mp3"}, nil
}

type publisher struct {
	mu    sync.Mutex
	turns []publish.Turn
}

func (p *publisher) Publish(_ context.Context, t publish.Turn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, t)
	return nil
}

func (p *publisher) Close() error { return nil }

func newSession(t *testing.T) (*session.Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := session.New(context.Background(), session.DefaultHistoryTurns, rec.send)
	t.Cleanup(func() { s.Close() })
	return s, rec
}

func TestSubmit_AudioEnvelope(t *testing.T) {
	gen := &generator{reply: "Con gusto le ayudo."}
	pub := &publisher{}
	p := New(gen, synthesizer{}, WithPublisher(pub), WithMetrics(metrics.New("")))
	s, rec := newSession(t)

	require.True(t, p.Submit(s, "quiero un seguro de vida"))
	p.Wait()

	assert.Equal(t, []string{
		protocol.EvProcessingStarted,
		protocol.EvAudioStart,
		protocol.EvAudioData,
		protocol.EvAudioEnd,
		protocol.EvProcessingCompleted,
	}, rec.names())

	data, ok := rec.find(protocol.EvAudioData)
	require.True(t, ok)
	audio, err := data.Audio()
	require.NoError(t, err)
	assert.Equal(t, "audio:Con gusto le ayudo.", string(audio))
	assert.Equal(t, "mp3", data.Format)

	require.Equal(t, 1, gen.calls())
	assert.Contains(t, gen.prompts[0], "TEMAS DETECTADOS: seguro de vida.")
	assert.Contains(t, gen.prompts[0], "Cliente: quiero un seguro de vida")

	assert.Equal(t, []session.Turn{
		{Role: session.User, Text: "quiero un seguro de vida"},
		{Role: session.Assistant, Text: "Con gusto le ayudo."},
	}, s.History())
	assert.False(t, s.Processing())

	require.Len(t, pub.turns, 1)
	assert.Equal(t, s.ID, pub.turns[0].SessionID)
	assert.Equal(t, []string{"seguro de vida"}, pub.turns[0].Topics)
}

func TestSubmit_ToneDuration(t *testing.T) {
	p := New(&generator{reply: "uno dos"}, tts.NewTone())
	s, rec := newSession(t)

	require.True(t, p.Submit(s, "hola"))
	p.Wait()

	end, ok := rec.find(protocol.EvAudioEnd)
	require.True(t, ok)
	assert.Equal(t, "wav", end.Format)
	assert.InDelta(t, 320, end.DurationMs, 5)
}

func TestSubmit_EmptyReply(t *testing.T) {
	p := New(&generator{}, synthesizer{})
	s, rec := newSession(t)

	require.True(t, p.Submit(s, "hola"))
	p.Wait()

	assert.Equal(t, []string{protocol.EvProcessingStarted, protocol.EvProcessingCompleted}, rec.names())
	assert.Len(t, s.History(), 1)
	assert.False(t, s.Processing())
}

func TestSubmit_GeneratorError(t *testing.T) {
	p := New(&generator{err: errors.New("quota")}, synthesizer{})
	s, rec := newSession(t)

	require.True(t, p.Submit(s, "hola"))
	p.Wait()

	assert.Equal(t, []string{protocol.EvProcessingStarted, protocol.EvError, protocol.EvProcessingCompleted}, rec.names())
	ev, _ := rec.find(protocol.EvError)
	assert.Equal(t, protocol.CodeProcessing, ev.Code)
	assert.Contains(t, ev.Message, "quota")
	assert.False(t, s.Processing())
}

func TestSubmit_SynthesisError(t *testing.T) {
	p := New(&generator{reply: "hola"}, synthesizer{err: errors.New("tts down")})
	s, rec := newSession(t)

	require.True(t, p.Submit(s, "hola"))
	p.Wait()

	assert.Equal(t, []string{protocol.EvProcessingStarted, protocol.EvError, protocol.EvProcessingCompleted}, rec.names())
	// The reply was generated, so it stays in history.
	assert.Len(t, s.History(), 2)
}

func TestSubmit_DropsWhileBusy(t *testing.T) {
	gen := &generator{reply: "hola", block: make(chan struct{})}
	p := New(gen, synthesizer{})
	s, rec := newSession(t)

	require.True(t, p.Submit(s, "primera"))
	assert.False(t, p.Submit(s, "segunda"))
	assert.True(t, s.Processing())

	close(gen.block)
	p.Wait()

	assert.Equal(t, 1, gen.calls())
	assert.Equal(t, "primera", s.History()[0].Text)
	assert.Equal(t, protocol.EvProcessingCompleted, rec.names()[len(rec.names())-1])

	// The flag is clear again, so the next transcript runs.
	require.True(t, p.Submit(s, "tercera"))
	p.Wait()
	assert.Equal(t, 2, gen.calls())
}

func TestSubmit_ClosedSession(t *testing.T) {
	gen := &generator{reply: "hola", block: make(chan struct{})}
	p := New(gen, synthesizer{})
	s, rec := newSession(t)

	require.True(t, p.Submit(s, "hola"))
	require.Eventually(t, func() bool { return gen.calls() == 1 }, testTimeout, testTick)
	s.Close()
	p.Wait()

	// Only processing_started made it out before the close.
	assert.Equal(t, []string{protocol.EvProcessingStarted}, rec.names())
	assert.False(t, p.Submit(s, "otra"))
}
