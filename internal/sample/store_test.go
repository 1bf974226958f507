package sample

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/bits"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestWAV writes a 16-bit PCM WAV file with the given interleaved
// samples and returns its path.
func writeTestWAV(t *testing.T, dir, name string, rate, channels int, samples []int16) string {
	t.Helper()

	var data bytes.Buffer
	for _, s := range samples {
		binary.Write(&data, binary.LittleEndian, s)
	}

	var fmtBuf bytes.Buffer
	binary.Write(&fmtBuf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&fmtBuf, binary.LittleEndian, uint16(channels))
	binary.Write(&fmtBuf, binary.LittleEndian, uint32(rate))
	binary.Write(&fmtBuf, binary.LittleEndian, uint32(rate*channels*2))
	binary.Write(&fmtBuf, binary.LittleEndian, uint16(channels*2))
	binary.Write(&fmtBuf, binary.LittleEndian, uint16(16))

	var buf bytes.Buffer
	riffSize := uint32(4 + 8 + fmtBuf.Len() + 8 + data.Len())
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(fmtBuf.Len()))
	buf.Write(fmtBuf.Bytes())
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(data.Len()))
	buf.Write(data.Bytes())

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

// encodeExtended converts an integer rate to the 80-bit extended float
// used by the AIFF COMM chunk.
func encodeExtended(rate int) [10]byte {
	var out [10]byte
	if rate == 0 {
		return out
	}
	m := uint64(rate)
	n := bits.Len64(m)
	exponent := uint16(16383 + n - 1)
	mantissa := m << (64 - n)
	binary.BigEndian.PutUint16(out[0:2], exponent)
	binary.BigEndian.PutUint64(out[2:10], mantissa)
	return out
}

// writeTestAIFF writes a 16-bit AIFF file, optionally with loop markers
// 1 and 2 at the given frame positions, and returns its path.
func writeTestAIFF(t *testing.T, dir, name string, rate, channels int, samples []int16, loopStart, loopEnd int) string {
	t.Helper()

	frames := len(samples) / channels

	var comm bytes.Buffer
	binary.Write(&comm, binary.BigEndian, uint16(channels))
	binary.Write(&comm, binary.BigEndian, uint32(frames))
	binary.Write(&comm, binary.BigEndian, uint16(16))
	ext := encodeExtended(rate)
	comm.Write(ext[:])

	var ssnd bytes.Buffer
	binary.Write(&ssnd, binary.BigEndian, uint32(0)) // offset
	binary.Write(&ssnd, binary.BigEndian, uint32(0)) // block size
	for _, s := range samples {
		binary.Write(&ssnd, binary.BigEndian, s)
	}

	var mark bytes.Buffer
	if loopStart >= 0 {
		binary.Write(&mark, binary.BigEndian, uint16(2))
		binary.Write(&mark, binary.BigEndian, uint16(1))
		binary.Write(&mark, binary.BigEndian, uint32(loopStart))
		mark.Write([]byte{0, 0}) // empty pstring, padded
		binary.Write(&mark, binary.BigEndian, uint16(2))
		binary.Write(&mark, binary.BigEndian, uint32(loopEnd))
		mark.Write([]byte{0, 0})
	}

	var body bytes.Buffer
	body.WriteString("AIFF")
	writeChunk := func(id string, data []byte) {
		body.WriteString(id)
		binary.Write(&body, binary.BigEndian, uint32(len(data)))
		body.Write(data)
		if len(data)%2 == 1 {
			body.WriteByte(0)
		}
	}
	writeChunk("COMM", comm.Bytes())
	if mark.Len() > 0 {
		writeChunk("MARK", mark.Bytes())
	}
	writeChunk("SSND", ssnd.Bytes())

	var buf bytes.Buffer
	buf.WriteString("FORM")
	binary.Write(&buf, binary.BigEndian, uint32(body.Len()))
	buf.Write(body.Bytes())

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

// constSamples builds n frames all at the same value.
func constSamples(n int, v int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestGetCachesByName(t *testing.T) {
	dir := t.TempDir()
	writeTestWAV(t, dir, "tone.wav", 22050, 1, constSamples(100, 1000))
	st := NewStore([]string{dir}, nil)

	id1, err := st.Get("tone.wav")
	require.NoError(t, err)
	id2, err := st.Get("tone.wav")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, st.Len())

	samp := st.Lookup(id1)
	require.NotNil(t, samp)
	assert.Equal(t, int64(100), samp.Frames)
	assert.Equal(t, 22050, samp.Rate)
	assert.Equal(t, 1, samp.Channels)
	assert.True(t, samp.Loaded())
}

func TestGetUnreadable(t *testing.T) {
	st := NewStore([]string{t.TempDir()}, nil)
	_, err := st.Get("missing.wav")
	assert.ErrorIs(t, err, ErrLoad)
}

func TestGetUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tone.mp3")
	require.NoError(t, os.WriteFile(path, []byte("junk"), 0o644))
	st := NewStore([]string{dir}, nil)
	_, err := st.Get("tone.mp3")
	assert.ErrorIs(t, err, ErrLoad)
}

func TestSearchPathOrder(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	writeTestWAV(t, dir1, "tone.wav", 22050, 1, constSamples(10, 1))
	writeTestWAV(t, dir2, "tone.wav", 22050, 1, constSamples(20, 2))
	st := NewStore([]string{dir1, dir2}, nil)

	id, err := st.Get("tone.wav")
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.Lookup(id).Frames)
}

func TestAIFFLoopMarkers(t *testing.T) {
	dir := t.TempDir()
	writeTestAIFF(t, dir, "looped.aiff", 22050, 1, constSamples(1000, 500), 100, 900)
	st := NewStore([]string{dir}, nil)

	id, err := st.Get("looped.aiff")
	require.NoError(t, err)
	samp := st.Lookup(id)
	require.True(t, samp.HasLoop)
	assert.Equal(t, int64(100), samp.LoopStart)
	assert.Equal(t, int64(900), samp.LoopEnd)
	assert.Equal(t, int64(1000), samp.Frames)
}

func TestAIFFWithoutMarkers(t *testing.T) {
	dir := t.TempDir()
	writeTestAIFF(t, dir, "plain.aiff", 22050, 1, constSamples(50, 500), -1, -1)
	st := NewStore([]string{dir}, nil)

	id, err := st.Get("plain.aiff")
	require.NoError(t, err)
	assert.False(t, st.Lookup(id).HasLoop)
}

func TestAULinear16(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	buf.WriteString(".snd")
	binary.Write(&buf, binary.BigEndian, uint32(24)) // data offset
	binary.Write(&buf, binary.BigEndian, uint32(8))  // data size
	binary.Write(&buf, binary.BigEndian, uint32(auEncodingLinear16))
	binary.Write(&buf, binary.BigEndian, uint32(8000))
	binary.Write(&buf, binary.BigEndian, uint32(1))
	for _, s := range []int16{100, -100, 2000, -2000} {
		binary.Write(&buf, binary.BigEndian, s)
	}
	path := filepath.Join(dir, "tone.au")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	st := NewStore([]string{dir}, nil)
	id, err := st.Get("tone.au")
	require.NoError(t, err)
	samp := st.Lookup(id)
	assert.Equal(t, int64(4), samp.Frames)
	assert.Equal(t, 8000, samp.Rate)
	assert.Equal(t, []int16{100, -100, 2000, -2000}, samp.Data)
}

func TestAUUlaw(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	buf.WriteString(".snd")
	binary.Write(&buf, binary.BigEndian, uint32(24))
	binary.Write(&buf, binary.BigEndian, uint32(3))
	binary.Write(&buf, binary.BigEndian, uint32(auEncodingUlaw8))
	binary.Write(&buf, binary.BigEndian, uint32(8000))
	binary.Write(&buf, binary.BigEndian, uint32(1))
	// Silence, the positive extreme, and the negative extreme.
	buf.Write([]byte{0xFF, 0x80, 0x00})
	path := filepath.Join(dir, "voice.au")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	st := NewStore([]string{dir}, nil)
	id, err := st.Get("voice.au")
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 32124, -32124}, st.Lookup(id).Data)
}

func TestUnloadAndReload(t *testing.T) {
	dir := t.TempDir()
	writeTestWAV(t, dir, "tone.wav", 22050, 1, constSamples(100, 1000))
	st := NewStore([]string{dir}, nil)

	id, err := st.Get("tone.wav")
	require.NoError(t, err)
	samp := st.Lookup(id)

	st.Acquire(id, 500)
	assert.Equal(t, 1, samp.RefCount())
	assert.Equal(t, int64(500), samp.LastUsed())

	// Referenced samples never unload.
	st.UnloadIdle(1000)
	assert.True(t, samp.Loaded())

	require.NoError(t, st.Release(id))

	// Still too recently used.
	st.UnloadIdle(499)
	assert.True(t, samp.Loaded())

	st.UnloadIdle(500)
	assert.False(t, samp.Loaded())

	// Transparent reload on the next use.
	require.NoError(t, st.EnsurePlayable(id))
	assert.True(t, samp.Loaded())
	assert.Equal(t, int64(100), samp.Frames)
}

func TestReloadFailureIsSampleError(t *testing.T) {
	dir := t.TempDir()
	path := writeTestWAV(t, dir, "tone.wav", 22050, 1, constSamples(100, 1000))
	st := NewStore([]string{dir}, nil)

	id, err := st.Get("tone.wav")
	require.NoError(t, err)

	st.UnloadIdle(1)
	require.False(t, st.Lookup(id).Loaded())
	require.NoError(t, os.Remove(path))

	err = st.EnsurePlayable(id)
	assert.ErrorIs(t, err, ErrSample)

	// The failure is sticky.
	err = st.EnsurePlayable(id)
	assert.ErrorIs(t, err, ErrSample)
}

func TestAdjustTimebase(t *testing.T) {
	dir := t.TempDir()
	writeTestWAV(t, dir, "tone.wav", 22050, 1, constSamples(10, 1))
	st := NewStore([]string{dir}, nil)

	id, err := st.Get("tone.wav")
	require.NoError(t, err)
	st.Acquire(id, 70_000)
	require.NoError(t, st.Release(id))

	st.AdjustTimebase(50_000, 110_000)
	assert.Equal(t, int64(20_000), st.Lookup(id).LastUsed())
}

func TestMixinDispatch(t *testing.T) {
	dir := t.TempDir()
	writeTestWAV(t, dir, "low.wav", 22050, 1, constSamples(10, 1))
	writeTestWAV(t, dir, "high.wav", 22050, 1, constSamples(20, 2))
	writeTestWAV(t, dir, "fallback.wav", 22050, 1, constSamples(30, 3))
	mixin := "# test mixin\n" +
		"range - 1.0 low.wav 2.0\n" +
		"range 1.0 - high.wav\n" +
		"else fallback.wav 0.5\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blend.mixin"), []byte(mixin), 0o644))

	st := NewStore([]string{dir}, nil)
	id, err := st.Get("blend.mixin")
	require.NoError(t, err)
	require.True(t, st.Lookup(id).Virtual)

	lowID, _ := st.Get("low.wav")
	highID, _ := st.Get("high.wav")

	cid, pitch, err := st.ResolvePitch(id, 0.5)
	require.NoError(t, err)
	assert.Equal(t, lowID, cid)
	assert.InDelta(t, 1.0, pitch, 1e-12) // 0.5 * ratio 2.0

	cid, pitch, err = st.ResolvePitch(id, 2.0)
	require.NoError(t, err)
	assert.Equal(t, highID, cid)
	assert.InDelta(t, 2.0, pitch, 1e-12)
}

func TestMixinNoRangeNoDefault(t *testing.T) {
	dir := t.TempDir()
	writeTestWAV(t, dir, "low.wav", 22050, 1, constSamples(10, 1))
	mixin := "range 0.5 1.0 low.wav\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "narrow.mixin"), []byte(mixin), 0o644))

	st := NewStore([]string{dir}, nil)
	id, err := st.Get("narrow.mixin")
	require.NoError(t, err)

	_, _, err = st.ResolvePitch(id, 3.0)
	assert.ErrorIs(t, err, ErrSample)
}

func TestMixinBadStatement(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.mixin"), []byte("loop 1 2 x.wav\n"), 0o644))
	st := NewStore([]string{dir}, nil)
	_, err := st.Get("bad.mixin")
	assert.ErrorIs(t, err, ErrLoad)
}

func TestMixinCannotPlayDirectly(t *testing.T) {
	dir := t.TempDir()
	writeTestWAV(t, dir, "low.wav", 22050, 1, constSamples(10, 1))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "m.mixin"), []byte("else low.wav\n"), 0o644))
	st := NewStore([]string{dir}, nil)

	id, err := st.Get("m.mixin")
	require.NoError(t, err)
	err = st.EnsurePlayable(id)
	assert.ErrorIs(t, err, ErrSample)
}

func TestInfo(t *testing.T) {
	dir := t.TempDir()
	writeTestAIFF(t, dir, "looped.aiff", 22050, 1, constSamples(22050, 100), 2205, 19845)
	st := NewStore([]string{dir}, nil)

	id, err := st.Get("looped.aiff")
	require.NoError(t, err)

	dur, ls, le, hasLoop, err := st.Info(id, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, dur, 1e-9)
	require.True(t, hasLoop)
	assert.InDelta(t, 0.1, ls, 1e-9)
	assert.InDelta(t, 0.9, le, 1e-9)

	// Doubling the pitch halves the duration.
	dur, _, _, _, err = st.Info(id, 2.0)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, dur, 1e-9)
}

func TestCounts(t *testing.T) {
	dir := t.TempDir()
	writeTestWAV(t, dir, "a.wav", 22050, 1, constSamples(10, 1))
	writeTestWAV(t, dir, "b.wav", 22050, 1, constSamples(10, 1))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "m.mixin"), []byte("else a.wav\n"), 0o644))
	st := NewStore([]string{dir}, nil)

	aID, err := st.Get("a.wav")
	require.NoError(t, err)
	_, err = st.Get("b.wav")
	require.NoError(t, err)
	_, err = st.Get("m.mixin")
	require.NoError(t, err)

	st.Acquire(aID, 100)
	st.UnloadIdle(200)

	loaded, unloaded, virtual, notes := st.Counts()
	assert.Equal(t, 1, loaded) // a is referenced, b unloaded
	assert.Equal(t, 1, unloaded)
	assert.Equal(t, 1, virtual)
	assert.Equal(t, 1, notes)
}

func TestReleaseUnderflow(t *testing.T) {
	dir := t.TempDir()
	writeTestWAV(t, dir, "a.wav", 22050, 1, constSamples(10, 1))
	st := NewStore([]string{dir}, nil)
	id, err := st.Get("a.wav")
	require.NoError(t, err)

	err = st.Release(id)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSample)) // bookkeeping bug, not a sample problem
}
