package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Tone answers with one short beep per word, as a 16 kHz mono WAV. It needs
// no credentials and is meant for local development.
type Tone struct {
	SampleRate int
	Freq       float64
}

func NewTone() *Tone {
	return &Tone{SampleRate: 16000, Freq: 440}
}

func (t *Tone) Synthesize(ctx context.Context, text string, _ Voice) (Audio, error) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return Audio{}, ErrEmptyText
	}
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}

	beep := t.SampleRate * 120 / 1000
	gap := t.SampleRate * 40 / 1000
	samples := make([]int, 0, len(words)*(beep+gap))
	for range words {
		for i := 0; i < beep; i++ {
			v := 3000 * math.Sin(2*math.Pi*t.Freq*float64(i)/float64(t.SampleRate))
			samples = append(samples, int(v))
		}
		samples = append(samples, make([]int, gap)...)
	}

	out := &memFile{}
	enc := wav.NewEncoder(out, t.SampleRate, 16, 1, 1)
	if err := enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: t.SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}); err != nil {
		return Audio{}, fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return Audio{}, fmt.Errorf("encode wav: %w", err)
	}

	return Audio{Data: out.buf, Format: "wav"}, nil
}

// memFile is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch the header sizes.
type memFile struct {
	buf []byte
	pos int64
}

func (m *memFile) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = m.pos + offset
	case io.SeekEnd:
		next = int64(len(m.buf)) + offset
	default:
		return 0, fmt.Errorf("bad whence %d", whence)
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	m.pos = next
	return next, nil
}
