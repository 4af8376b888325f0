package media

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"
	"github.com/stemsi/exstem-skills/internal/validation"
	"github.com/tcolgate/mp3"
)

var ErrDurationUnknown = errors.New("duration cannot be probed for this format")

// Prober reads the duration of a spooled audio file.
type Prober interface {
	Duration(path, mimeType string) (float64, error)
}

// FileProber decodes WAV headers and walks MP3 frames. Containers it cannot
// read (webm, ogg, m4a) report ErrDurationUnknown and wait for the client to
// report the duration.
type FileProber struct{}

func (FileProber) Duration(path, mimeType string) (float64, error) {
	ext, _ := validation.ExtensionForMIME(mimeType)

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	switch ext {
	case ".wav":
		return wavDuration(f)
	case ".mp3":
		return mp3Duration(f)
	default:
		return 0, fmt.Errorf("%w: %s", ErrDurationUnknown, mimeType)
	}
}

func wavDuration(rs io.ReadSeeker) (float64, error) {
	dec := wav.NewDecoder(rs)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("%w: invalid wav header", ErrDurationUnknown)
	}
	d, err := dec.Duration()
	if err != nil {
		return 0, fmt.Errorf("wav duration: %w", err)
	}
	return d.Seconds(), nil
}

func mp3Duration(r io.Reader) (float64, error) {
	dec := mp3.NewDecoder(r)
	var (
		frame   mp3.Frame
		skipped int
		total   float64
		frames  int
	)
	for {
		if err := dec.Decode(&frame, &skipped); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, fmt.Errorf("mp3 frame %d: %w", frames, err)
		}
		total += frame.Duration().Seconds()
		frames++
	}
	if frames == 0 {
		return 0, fmt.Errorf("%w: no mp3 frames", ErrDurationUnknown)
	}
	return total, nil
}
