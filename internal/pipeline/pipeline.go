package pipeline

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"voxrelay/internal/llm"
	"voxrelay/internal/matcher"
	"voxrelay/internal/metrics"
	"voxrelay/internal/publish"
	"voxrelay/internal/session"
	"voxrelay/internal/tts"
	"voxrelay/pkg/audioconv"
	"voxrelay/pkg/protocol"
)

// Pipeline turns a final transcript into a spoken reply for one session.
type Pipeline struct {
	gen     llm.Generator
	synth   tts.Synthesizer
	voice   tts.Voice
	persona string
	pub     publish.Publisher
	metrics *metrics.Metrics
	now     func() time.Time

	wg sync.WaitGroup
}

type Option func(*Pipeline)

func WithVoice(v tts.Voice) Option {
	return func(p *Pipeline) { p.voice = v }
}

func WithPersona(persona string) Option {
	return func(p *Pipeline) { p.persona = persona }
}

func WithPublisher(pub publish.Publisher) Option {
	return func(p *Pipeline) { p.pub = pub }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func New(gen llm.Generator, synth tts.Synthesizer, opts ...Option) *Pipeline {
	p := &Pipeline{
		gen:     gen,
		synth:   synth,
		voice:   tts.DefaultVoice,
		persona: llm.Persona,
		pub:     publish.Nop{},
		now:     time.Now,
	}
	for _, op := range opts {
		op(p)
	}
	return p
}

// Submit starts a run for transcript unless the session is already
// processing one, in which case the transcript is dropped and Submit
// returns false.
func (p *Pipeline) Submit(s *session.Session, transcript string) bool {
	if !s.TryBeginProcessing() {
		log.Debug("Dropped transcript, session busy", "session", s.ID)
		if p.metrics != nil {
			p.metrics.PipelineRuns.WithLabelValues("dropped").Inc()
		}
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(s, transcript)
	}()
	return true
}

// Wait blocks until every submitted run has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) run(s *session.Session, transcript string) {
	start := p.now()
	outcome := "ok"

	defer func() {
		s.EndProcessing()
		p.send(s, protocol.ProcessingCompleted(p.now()))
		if p.metrics != nil {
			p.metrics.Pipeline(outcome, time.Since(start))
		}
	}()

	spoken, err := p.Respond(s.Context(), s, transcript)
	switch {
	case err != nil:
		outcome = "error"
		if errors.Is(err, context.Canceled) || s.Closed() {
			log.Debug("Pipeline aborted", "session", s.ID, "err", err)
			return
		}
		log.Error("Pipeline failed", "session", s.ID, "err", err)
		p.send(s, protocol.Error(protocol.CodeProcessing, err.Error()))
	case !spoken:
		outcome = "empty"
	}
}

// Respond runs one turn: generation, synthesis and the audio envelope. It
// reports whether audio was sent. The caller owns the processing flag.
func (p *Pipeline) Respond(ctx context.Context, s *session.Session, transcript string) (bool, error) {
	s.AppendTurn(session.User, transcript)
	p.send(s, protocol.ProcessingStarted(p.now()))

	topics := matcher.Detect(transcript)
	if topics.Detected {
		log.Info("Topics detected", "session", s.ID, "topics", topics.Matches)
	}

	prompt, err := llm.Compose(p.persona, transcript, topics)
	if err != nil {
		return false, err
	}

	reply, err := p.gen.Generate(ctx, prompt)
	if err != nil {
		return false, fmt.Errorf("generate: %w", err)
	}
	if reply == "" {
		log.Warn("Generator returned no candidate", "session", s.ID)
		return false, nil
	}
	s.AppendTurn(session.Assistant, reply)
	log.Info("Reply", "session", s.ID, "text", reply)

	out, err := p.synth.Synthesize(ctx, reply, p.voice)
	if err != nil {
		return false, fmt.Errorf("synthesize: %w", err)
	}

	var duration time.Duration
	if info, err := audioconv.Probe(out.Data, out.Format); err != nil {
		log.Debug("Audio probe failed", "format", out.Format, "err", err)
	} else {
		duration = info.Duration
	}

	p.send(s, protocol.AudioStart(out.Format))
	p.send(s, protocol.AudioData(out.Data, out.Format))
	p.send(s, protocol.AudioEnd(out.Format, duration))
	if p.metrics != nil {
		p.metrics.Audio("out", len(out.Data))
	}

	turn := publish.Turn{
		SessionID:  s.ID,
		Transcript: transcript,
		Topics:     topics.Matches,
		Reply:      reply,
		Format:     out.Format,
		DurationMs: duration.Milliseconds(),
		At:         p.now(),
	}
	if err := p.pub.Publish(ctx, turn); err != nil {
		log.Warn("Failed to publish turn", "session", s.ID, "err", err)
	}

	return true, nil
}

func (p *Pipeline) send(s *session.Session, ev protocol.Event) {
	if err := s.Send(ev); err != nil {
		log.Debug("Dropped event", "session", s.ID, "event", ev.Event, "err", err)
	}
}
