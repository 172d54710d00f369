package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
)

// Google streams audio to Cloud Speech-to-Text.
type Google struct {
	client *speech.Client
}

// NewGoogle relies on Application Default Credentials unless opts say
// otherwise.
func NewGoogle(ctx context.Context, opts ...option.ClientOption) (*Google, error) {
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Google{client: client}, nil
}

func (g *Google) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func (g *Google) Open(ctx context.Context, opt Options) (Stream, error) {
	encoding, err := ParseEncoding(opt.Encoding)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	call, err := g.client.StreamingRecognize(sctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start streaming recognize: %w", err)
	}

	if err := call.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        encoding,
					SampleRateHertz: int32(opt.SampleRateHertz),
					LanguageCode:    opt.LanguageCode,
				},
				InterimResults: opt.InterimResults,
			},
		},
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("send streaming config: %w", err)
	}

	s := &googleStream{
		call:   call,
		ctx:    sctx,
		cancel: cancel,
		events: make(chan Event, 16),
	}
	go s.recv()

	log.Debug("recognition stream opened",
		"encoding", encoding.String(),
		"rate", opt.SampleRateHertz,
		"lang", opt.LanguageCode)
	return s, nil
}

// ParseEncoding maps a case-insensitive encoding name to the Speech API enum.
func ParseEncoding(name string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if key == "" {
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, errors.New("empty audio encoding")
	}
	v, ok := speechpb.RecognitionConfig_AudioEncoding_value[key]
	if !ok {
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unknown audio encoding %q", name)
	}
	return speechpb.RecognitionConfig_AudioEncoding(v), nil
}

type googleStream struct {
	call   speechpb.Speech_StreamingRecognizeClient
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event

	sendMu     sync.Mutex
	sendClosed bool

	closeOnce sync.Once
}

func (s *googleStream) Write(chunk []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.sendClosed || s.ctx.Err() != nil {
		return ErrStreamClosed
	}
	return s.call.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: chunk,
		},
	})
}

func (s *googleStream) Events() <-chan Event { return s.events }

func (s *googleStream) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	return s.call.CloseSend()
}

func (s *googleStream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

func (s *googleStream) recv() {
	defer close(s.events)

	for {
		resp, err := s.call.Recv()
		if err == io.EOF {
			s.emit(Event{Kind: Ended})
			return
		}
		if err != nil {
			if s.ctx.Err() != nil {
				s.emit(Event{Kind: Ended})
				return
			}
			s.emit(Event{Kind: Failed, Err: fmt.Errorf("cannot stream results: %w", err)})
			return
		}

		if st := resp.GetError(); st != nil && st.GetCode() != 0 {
			s.emit(Event{Kind: Failed, Err: fmt.Errorf("recognition failed: %s", st.GetMessage())})
			return
		}

		if len(resp.Results) == 0 {
			continue
		}
		result := resp.Results[0]
		if len(result.Alternatives) == 0 {
			continue
		}

		kind := Partial
		if result.IsFinal {
			kind = Final
		}
		if !s.emit(Event{Kind: kind, Text: result.Alternatives[0].Transcript}) {
			return
		}
	}
}

func (s *googleStream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}
