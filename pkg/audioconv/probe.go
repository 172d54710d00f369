package audioconv

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

type Info struct {
	Duration   time.Duration
	SampleRate int
	Channels   int
}

var ErrUnsupported = errors.New("unsupported audio format")

// Probe reads enough of an encoded clip to tell how long it plays.
func Probe(data []byte, format string) (Info, error) {
	if len(data) == 0 {
		return Info{}, errors.New("empty audio")
	}
	switch format {
	case "mp3":
		return probeMP3(data)
	case "wav":
		return probeWAV(data)
	default:
		return Info{}, fmt.Errorf("%w: %s", ErrUnsupported, format)
	}
}

func probeMP3(data []byte) (Info, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("mp3: %w", err)
	}

	sr := dec.SampleRate()
	if sr <= 0 {
		return Info{}, errors.New("mp3: no sample rate")
	}

	// The decoder always yields 16-bit stereo.
	size := dec.Length()
	if size <= 0 {
		n, err := io.Copy(io.Discard, dec)
		if err != nil {
			return Info{}, fmt.Errorf("mp3: %w", err)
		}
		size = n
	}
	frames := size / 4

	return Info{
		Duration:   time.Duration(frames) * time.Second / time.Duration(sr),
		SampleRate: sr,
		Channels:   2,
	}, nil
}

func probeWAV(data []byte) (Info, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Info{}, errors.New("invalid wav")
	}
	d, err := dec.Duration()
	if err != nil {
		return Info{}, fmt.Errorf("wav: %w", err)
	}
	return Info{
		Duration:   d,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}, nil
}
