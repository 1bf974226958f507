package sink

import (
	"context"

	"github.com/reverie-audio/reverie/internal/engine"
)

// NullSink discards every rendered buffer. It renders as fast as the
// engine can generate, so it doubles as the test and benchmark driver.
type NullSink struct {
	base

	// MaxFrames stops the pump after that much virtual time, counted
	// before trims. Zero runs until the engine stops on its own.
	MaxFrames int64

	// OnBuffer, when set, observes each rendered buffer and the virtual
	// frame it starts at. Tests use it to inspect output.
	OnBuffer func(start int64, buf []int16)

	rendered int64
}

// NewNull creates a null sink with the given output geometry.
func NewNull(fps, framesPerBuf int) *NullSink {
	return &NullSink{base: base{fps: fps, bpf: framesPerBuf}}
}

// Run pumps the engine until it stops, the frame cap is reached, or the
// context is cancelled.
func (s *NullSink) Run(ctx context.Context, eng *engine.Engine) error {
	return s.pump(ctx, eng, func(start int64, buf []int16) error {
		if s.OnBuffer != nil {
			s.OnBuffer(start, buf)
		}
		s.rendered += int64(s.bpf)
		if s.MaxFrames > 0 && s.rendered >= s.MaxFrames {
			return errDone
		}
		return nil
	})
}

// Close is a no-op.
func (s *NullSink) Close() error { return nil }
