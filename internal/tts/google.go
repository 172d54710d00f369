package tts

import (
	"context"
	"fmt"
	log "log/slog"
	"strings"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/api/option"
)

// Google synthesizes with Cloud Text-to-Speech.
type Google struct {
	client *texttospeech.Client
}

func NewGoogle(ctx context.Context, opts ...option.ClientOption) (*Google, error) {
	client, err := texttospeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create text-to-speech client: %w", err)
	}
	return &Google{client: client}, nil
}

func (g *Google) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func (g *Google) Synthesize(ctx context.Context, text string, voice Voice) (Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Audio{}, ErrEmptyText
	}

	req, err := buildRequest(text, voice)
	if err != nil {
		return Audio{}, err
	}

	resp, err := g.client.SynthesizeSpeech(ctx, req)
	if err != nil {
		return Audio{}, fmt.Errorf("synthesize speech: %w", err)
	}
	if len(resp.AudioContent) == 0 {
		return Audio{}, fmt.Errorf("synthesize speech: empty audio")
	}

	log.Debug("Synthesized", "bytes", len(resp.AudioContent), "voice", voice.Name)
	return Audio{Data: resp.AudioContent, Format: FormatOf(voice.Encoding)}, nil
}

func buildRequest(text string, voice Voice) (*texttospeechpb.SynthesizeSpeechRequest, error) {
	gender, ok := texttospeechpb.SsmlVoiceGender_value[strings.ToUpper(voice.Gender)]
	if !ok {
		return nil, fmt.Errorf("unknown voice gender %q", voice.Gender)
	}
	encoding, ok := texttospeechpb.AudioEncoding_value[strings.ToUpper(voice.Encoding)]
	if !ok {
		return nil, fmt.Errorf("unknown audio encoding %q", voice.Encoding)
	}

	return &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: voice.LanguageCode,
			Name:         voice.Name,
			SsmlGender:   texttospeechpb.SsmlVoiceGender(gender),
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: texttospeechpb.AudioEncoding(encoding),
			SpeakingRate:  voice.SpeakingRate,
			Pitch:         voice.Pitch,
		},
	}, nil
}
