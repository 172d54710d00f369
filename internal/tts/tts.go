package tts

import (
	"context"
	"errors"
	"strings"
)

// Voice is the fixed set of voice and audio parameters used for replies.
type Voice struct {
	LanguageCode string
	Name         string
	Gender       string  // FEMALE, MALE, NEUTRAL
	Encoding     string  // MP3, LINEAR16, OGG_OPUS, ...
	SpeakingRate float64 // 0.25 - 4.0, 1 is normal
	Pitch        float64 // semitones, -20 - 20
}

var DefaultVoice = Voice{
	LanguageCode: "es-US",
	Name:         "es-US-Neural2-A",
	Gender:       "FEMALE",
	Encoding:     "MP3",
	SpeakingRate: 1.0,
	Pitch:        0,
}

type Audio struct {
	Data   []byte
	Format string
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice Voice) (Audio, error)
}

var ErrEmptyText = errors.New("nothing to synthesize")

// FormatOf names the container a caller should expect for an encoding.
func FormatOf(encoding string) string {
	switch strings.ToUpper(encoding) {
	case "MP3":
		return "mp3"
	case "LINEAR16":
		return "wav"
	case "OGG_OPUS":
		return "ogg"
	case "MULAW":
		return "mulaw"
	case "ALAW":
		return "alaw"
	case "PCM":
		return "pcm"
	default:
		return strings.ToLower(encoding)
	}
}
