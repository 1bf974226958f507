package sink

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reverie-audio/reverie/internal/engine"
	"github.com/reverie-audio/reverie/internal/sample"
)

const (
	testRate = 22050
	testBuf  = 512
)

// writeWAV writes a minimal 16-bit mono PCM WAV file.
func writeWAV(t *testing.T, dir, name string, samples []int16) {
	t.Helper()

	var data bytes.Buffer
	for _, s := range samples {
		binary.Write(&data, binary.LittleEndian, s)
	}
	var fmtBuf bytes.Buffer
	binary.Write(&fmtBuf, binary.LittleEndian, uint16(1))
	binary.Write(&fmtBuf, binary.LittleEndian, uint16(1))
	binary.Write(&fmtBuf, binary.LittleEndian, uint32(testRate))
	binary.Write(&fmtBuf, binary.LittleEndian, uint32(testRate*2))
	binary.Write(&fmtBuf, binary.LittleEndian, uint16(2))
	binary.Write(&fmtBuf, binary.LittleEndian, uint16(16))

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(4+8+fmtBuf.Len()+8+data.Len()))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(fmtBuf.Len()))
	buf.Write(fmtBuf.Bytes())
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(data.Len()))
	buf.Write(data.Bytes())
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o644))
}

// playOnce is an agent that plays one note and lets the tree empty.
type playOnce struct{ sound string }

func (a *playOnce) Name() string { return "play once" }

func (a *playOnce) Run(ctx *engine.Context) error {
	_, err := ctx.ScheduleNote(a.sound, 1, 1, 0)
	return err
}

// newEngine builds an engine over the given sink with one short sample.
func newEngine(t *testing.T, out engine.Output) *engine.Engine {
	t.Helper()
	dir := t.TempDir()
	samples := make([]int16, 800)
	for i := range samples {
		samples[i] = int16(i)
	}
	writeWAV(t, dir, "tone.wav", samples)
	st := sample.NewStore([]string{dir}, nil)
	eng := engine.New(st, out, engine.Options{MasterVolume: 1}, nil)
	require.NoError(t, eng.Bootstrap(&playOnce{sound: "tone.wav"}))
	return eng
}

func TestNullSinkRunsToStop(t *testing.T) {
	s := NewNull(testRate, testBuf)

	var buffers int
	var last []int16
	s.OnBuffer = func(start int64, buf []int16) {
		buffers++
		last = append(last[:0], buf...)
	}

	eng := newEngine(t, s)
	require.NoError(t, s.Run(context.Background(), eng))

	// The note is 800 frames and the agent does not reschedule; the tree
	// empties once the note ends, so generation stops after a couple of
	// buffers.
	assert.NotZero(t, buffers)
	assert.LessOrEqual(t, buffers, 3)
}

func TestNullSinkFrameCap(t *testing.T) {
	s := NewNull(testRate, testBuf)
	s.MaxFrames = 4 * testBuf

	// foreverAgent reschedules forever; only the cap ends the run.
	dir := t.TempDir()
	st := sample.NewStore([]string{dir}, nil)
	eng := engine.New(st, s, engine.Options{}, nil)
	require.NoError(t, eng.Bootstrap(&foreverAgent{}))

	var buffers int
	s.OnBuffer = func(int64, []int16) { buffers++ }
	require.NoError(t, s.Run(context.Background(), eng))
	assert.Equal(t, 4, buffers)
}

type foreverAgent struct{}

func (*foreverAgent) Name() string { return "forever" }

func (*foreverAgent) Run(ctx *engine.Context) error {
	return ctx.Reschedule(3600)
}

func TestNullSinkContextCancel(t *testing.T) {
	s := NewNull(testRate, testBuf)
	dir := t.TempDir()
	st := sample.NewStore([]string{dir}, nil)
	eng := engine.New(st, s, engine.Options{}, nil)
	require.NoError(t, eng.Bootstrap(&foreverAgent{}))

	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	s.OnBuffer = func(int64, []int16) {
		n++
		if n == 3 {
			cancel()
		}
	}
	err := s.Run(ctx, eng)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWAVSinkWritesPlayableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	s, err := NewWAV(path, testRate, testBuf)
	require.NoError(t, err)

	eng := newEngine(t, s)
	require.NoError(t, s.Run(context.Background(), eng))
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	require.True(t, dec.IsValidFile())
	assert.Equal(t, 2, buf.Format.NumChannels)
	assert.Equal(t, testRate, buf.Format.SampleRate)

	// The ramp sample comes back at full scale in both channels.
	require.GreaterOrEqual(t, len(buf.Data), 2*800)
	assert.Equal(t, 100, buf.Data[2*100])
	assert.Equal(t, 100, buf.Data[2*100+1])
}

func TestRawSinkWritesPCM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pcm")
	s, err := NewRaw(path, testRate, testBuf)
	require.NoError(t, err)

	eng := newEngine(t, s)
	require.NoError(t, s.Run(context.Background(), eng))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), 4*800)

	// Frame 100, left channel, little-endian.
	v := int16(binary.LittleEndian.Uint16(raw[4*100:]))
	assert.Equal(t, int16(100), v)
}
