package sink

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/reverie-audio/reverie/internal/engine"
)

// WAVSink renders the stream into a 16-bit stereo WAV file.
type WAVSink struct {
	base

	// MaxFrames caps the render length; zero renders until the engine
	// stops on its own. File renders of endless soundscapes need a cap.
	MaxFrames int64

	f        *os.File
	enc      *wav.Encoder
	rendered int64
}

// NewWAV creates a WAV file sink writing to path.
func NewWAV(path string, fps, framesPerBuf int) (*WAVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	return &WAVSink{
		base: base{fps: fps, bpf: framesPerBuf},
		f:    f,
		enc:  wav.NewEncoder(f, fps, 16, 2, 1),
	}, nil
}

// Run pumps the engine into the file.
func (s *WAVSink) Run(ctx context.Context, eng *engine.Engine) error {
	ints := make([]int, 2*s.bpf)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: s.fps},
		Data:           ints,
		SourceBitDepth: 16,
	}
	return s.pump(ctx, eng, func(_ int64, pcm []int16) error {
		for i, v := range pcm {
			ints[i] = int(v)
		}
		if err := s.enc.Write(buf); err != nil {
			return fmt.Errorf("writing wav data: %w", err)
		}
		s.rendered += int64(s.bpf)
		if s.MaxFrames > 0 && s.rendered >= s.MaxFrames {
			return errDone
		}
		return nil
	})
}

// Close finalizes the WAV header and closes the file.
func (s *WAVSink) Close() error {
	if err := s.enc.Close(); err != nil {
		s.f.Close()
		return fmt.Errorf("finalizing wav file: %w", err)
	}
	return s.f.Close()
}

// RawSink writes interleaved little-endian 16-bit stereo PCM to a file,
// or to stdout when the path is "-".
type RawSink struct {
	base

	// MaxFrames caps the render length; zero renders until the engine
	// stops on its own.
	MaxFrames int64

	f        *os.File
	w        *bufio.Writer
	isStdout bool
	rendered int64
}

// NewRaw creates a raw PCM sink writing to path ("-" for stdout).
func NewRaw(path string, fps, framesPerBuf int) (*RawSink, error) {
	s := &RawSink{base: base{fps: fps, bpf: framesPerBuf}}
	if path == "-" {
		s.f = os.Stdout
		s.isStdout = true
	} else {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("creating output file: %w", err)
		}
		s.f = f
	}
	s.w = bufio.NewWriter(s.f)
	return s, nil
}

// Run pumps the engine into the stream.
func (s *RawSink) Run(ctx context.Context, eng *engine.Engine) error {
	scratch := make([]byte, 0, 4*s.bpf)
	return s.pump(ctx, eng, func(_ int64, pcm []int16) error {
		scratch = scratch[:0]
		for _, v := range pcm {
			scratch = binary.LittleEndian.AppendUint16(scratch, uint16(v))
		}
		if _, err := s.w.Write(scratch); err != nil {
			return fmt.Errorf("writing pcm data: %w", err)
		}
		s.rendered += int64(s.bpf)
		if s.MaxFrames > 0 && s.rendered >= s.MaxFrames {
			return errDone
		}
		return nil
	})
}

// Close flushes buffered PCM and closes the file (stdout is left open).
func (s *RawSink) Close() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.isStdout {
		return nil
	}
	return s.f.Close()
}
