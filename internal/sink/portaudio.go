package sink

import (
	"context"
	"fmt"

	"github.com/gordonklaus/portaudio"

	"github.com/reverie-audio/reverie/internal/engine"
)

// PortAudioSink plays the stream on the default output device through
// portaudio. The stream is blocking: the pump's Write call paces the
// generation loop at the device's real-time rate.
type PortAudioSink struct {
	base

	stream *portaudio.Stream
	out    []int16
}

// NewPortAudio initializes portaudio and opens a stereo output stream at
// the given rate and buffer size.
func NewPortAudio(fps, framesPerBuf int) (*PortAudioSink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing portaudio: %w", err)
	}
	s := &PortAudioSink{
		base: base{fps: fps, bpf: framesPerBuf},
		out:  make([]int16, 2*framesPerBuf),
	}
	stream, err := portaudio.OpenDefaultStream(0, 2, float64(fps), framesPerBuf, &s.out)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("opening audio stream: %w", err)
	}
	s.stream = stream
	return s, nil
}

// Run starts the device and pumps the engine into it until the stream
// ends.
func (s *PortAudioSink) Run(ctx context.Context, eng *engine.Engine) error {
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("starting audio stream: %w", err)
	}
	defer s.stream.Stop()

	return s.pump(ctx, eng, func(_ int64, pcm []int16) error {
		copy(s.out, pcm)
		if err := s.stream.Write(); err != nil {
			return fmt.Errorf("writing to audio device: %w", err)
		}
		return nil
	})
}

// Close releases the stream and shuts portaudio down.
func (s *PortAudioSink) Close() error {
	err := s.stream.Close()
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}
