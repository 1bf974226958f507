// Package sink implements the audio outputs that drain the engine: a
// live portaudio device, WAV and raw PCM file writers, and a discarding
// null sink for tests and benchmarks.
//
// A sink owns the pump: once per buffer it calls the engine's Step to
// advance state, then Render to synthesize the interleaved stereo PCM,
// then delivers the buffer to the device. The engine's timebase trims
// arrive through AdjustTimebase and are applied to the pump's frame
// counter between Step and Render.
package sink

import (
	"context"
	"errors"

	"github.com/reverie-audio/reverie/internal/engine"
)

// Sink drives one engine instance. It satisfies engine.Output, so the
// same value is handed to engine.New and then pumped with Run.
type Sink interface {
	engine.Output

	// Run pumps buffers until the stream ends (the engine returns Stop),
	// the context is cancelled, or a fatal error occurs.
	Run(ctx context.Context, eng *engine.Engine) error

	// Close releases the device or file.
	Close() error
}

// base carries the geometry and trim bookkeeping shared by every sink.
type base struct {
	fps  int
	bpf  int
	trim int64
}

func (b *base) FramesPerSec() int { return b.fps }
func (b *base) FramesPerBuf() int { return b.bpf }

// AdjustTimebase records a timebase trim; the pump applies it to its
// frame counter before rendering the current buffer.
func (b *base) AdjustTimebase(offset int64) { b.trim += offset }

func (b *base) takeTrim() int64 {
	t := b.trim
	b.trim = 0
	return t
}

// errDone lets a sink's write callback end the pump without reporting an
// error to the caller.
var errDone = errors.New("sink: done")

// pump is the generation loop driver shared by all sinks. write delivers
// one rendered buffer starting at the given virtual frame; a nil write
// discards output.
func (b *base) pump(ctx context.Context, eng *engine.Engine, write func(start int64, buf []int16) error) error {
	buf := make([]int16, 2*b.bpf)
	var t int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		outcome, err := eng.Step(t)
		if err != nil {
			return err
		}
		if outcome == engine.Stop {
			return nil
		}
		t -= b.takeTrim()

		if err := eng.Render(buf, t); err != nil {
			return err
		}
		if write != nil {
			if err := write(t, buf); err != nil {
				if errors.Is(err, errDone) {
					return nil
				}
				return err
			}
		}
		t += int64(b.bpf)
	}
}
