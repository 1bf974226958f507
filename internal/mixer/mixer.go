// Package mixer implements per-buffer PCM synthesis: it consumes active
// sample-playback instances (notes) and produces interleaved stereo
// 16-bit output, applying looping, pitch-shifted resampling, stereo
// panning, and time-interpolated channel volume.
package mixer

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/reverie-audio/reverie/internal/channel"
	"github.com/reverie-audio/reverie/internal/sample"
	"github.com/reverie-audio/reverie/internal/stereo"
)

// note is one running voice: a playhead into a concrete sample.
type note struct {
	sample  sample.ID
	ratio   float64 // source frames consumed per output frame
	volume  float64
	pan     stereo.Stereo
	channel channel.ID

	start int64
	end   int64

	// phase is the playhead position in source frames. It stays inside
	// [0, sample frames), wrapping at the loop region for looped notes.
	phase float64
	loop  bool
	done  bool
}

// Mixer holds the active note set and renders output buffers. Like the
// rest of the engine core it runs on the single generation thread.
type Mixer struct {
	store  *sample.Store
	arena  *channel.Arena
	fps    int
	logger *slog.Logger

	notes []*note
	acc   []int32 // accumulation scratch, grown on demand
}

// New creates a mixer over the given sample store and channel arena,
// producing output at fps frames per second.
func New(store *sample.Store, arena *channel.Arena, fps int, logger *slog.Logger) *Mixer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mixer{
		store:  store,
		arena:  arena,
		fps:    fps,
		logger: logger.With("subsystem", "mixer"),
	}
}

// NoteCount returns the number of active notes.
func (m *Mixer) NoteCount() int { return len(m.notes) }

// NotesPerChannel counts active notes by owning channel.
func (m *Mixer) NotesPerChannel() map[channel.ID]int {
	out := make(map[channel.ID]int, len(m.notes))
	for _, n := range m.notes {
		out[n.channel]++
	}
	return out
}

// NotesPerSample counts active notes by concrete sample.
func (m *Mixer) NotesPerSample() map[sample.ID]int {
	out := make(map[sample.ID]int, len(m.notes))
	for _, n := range m.notes {
		out[n.sample]++
	}
	return out
}

// prepare resolves mixin dispatch, guarantees the PCM is resident, and
// computes the resampling ratio for a new note.
func (m *Mixer) prepare(id sample.ID, pitch float64) (*sample.Sample, sample.ID, float64, error) {
	cid, realPitch, err := m.store.ResolvePitch(id, pitch)
	if err != nil {
		return nil, 0, 0, err
	}
	if err := m.store.EnsurePlayable(cid); err != nil {
		return nil, 0, 0, err
	}
	samp := m.store.Lookup(cid)
	ratio := realPitch * float64(samp.Rate) / float64(m.fps)
	if ratio <= 0 || samp.Frames == 0 {
		return nil, 0, 0, fmt.Errorf("%w: %s at pitch %g", sample.ErrSample, samp.Path, pitch)
	}
	return samp, cid, ratio, nil
}

// AddNote schedules one pass through a sample starting at the given
// frame, returning the note's natural duration in output frames.
func (m *Mixer) AddNote(id sample.ID, pitch, volume float64, pan stereo.Stereo, start int64, ch channel.ID) (int64, error) {
	samp, cid, ratio, err := m.prepare(id, pitch)
	if err != nil {
		return 0, err
	}
	natural := int64(math.Ceil(float64(samp.Frames) / ratio))
	if natural < 1 {
		natural = 1
	}
	if err := m.arena.AddNote(ch); err != nil {
		return 0, err
	}
	m.store.Acquire(cid, start+natural)
	m.notes = append(m.notes, &note{
		sample:  cid,
		ratio:   ratio,
		volume:  volume,
		pan:     pan,
		channel: ch,
		start:   start,
		end:     start + natural,
	})
	return natural, nil
}

// AddNoteDuration schedules a note that loops until roughly dur output
// frames have elapsed. The actual length rounds up to a whole number of
// loop passes; a sample with no loop region plays its natural length once.
func (m *Mixer) AddNoteDuration(id sample.ID, dur int64, pitch, volume float64, pan stereo.Stereo, start int64, ch channel.ID) (int64, error) {
	samp, cid, ratio, err := m.prepare(id, pitch)
	if err != nil {
		return 0, err
	}

	var total int64
	loop := false
	if samp.HasLoop && samp.LoopEnd > samp.LoopStart {
		pre := int64(math.Ceil(float64(samp.LoopEnd) / ratio))
		loopLen := float64(samp.LoopEnd-samp.LoopStart) / ratio
		total = pre
		if dur > pre {
			n := int64(math.Ceil(float64(dur-pre) / loopLen))
			total = pre + int64(math.Ceil(float64(n)*loopLen))
		}
		loop = true
	} else {
		total = int64(math.Ceil(float64(samp.Frames) / ratio))
	}
	if total < 1 {
		total = 1
	}

	if err := m.arena.AddNote(ch); err != nil {
		return 0, err
	}
	m.store.Acquire(cid, start+total)
	m.notes = append(m.notes, &note{
		sample:  cid,
		ratio:   ratio,
		volume:  volume,
		pan:     pan,
		channel: ch,
		start:   start,
		end:     start + total,
		loop:    loop,
	})
	return total, nil
}

// StopChannel cuts every note owned by the channel or one of its
// descendants. Termination is immediate; callers that want a clean edge
// ramp the channel volume down first.
func (m *Mixer) StopChannel(ch channel.ID) error {
	var err error
	kept := m.notes[:0]
	for _, n := range m.notes {
		if m.arena.IsDescendant(n.channel, ch) {
			if ferr := m.finish(n); ferr != nil && err == nil {
				err = ferr
			}
			continue
		}
		kept = append(kept, n)
	}
	m.notes = kept
	return err
}

// finish releases a note's bookkeeping: sample ref-count and channel
// note count.
func (m *Mixer) finish(n *note) error {
	if err := m.store.Release(n.sample); err != nil {
		return fmt.Errorf("%w: %v", channel.ErrInternal, err)
	}
	return m.arena.RemoveNote(n.channel)
}

// AdjustTimebase shifts every note's frame stamps down by offset during a
// timebase trim.
func (m *Mixer) AdjustTimebase(offset int64) {
	for _, n := range m.notes {
		n.start -= offset
		n.end -= offset
	}
}

// Render mixes every active note intersecting [start, start+B) into buf,
// an interleaved stereo buffer of 2*B samples. Accumulation is 32-bit;
// the final conversion saturates rather than wrapping. Finished notes are
// removed and their bookkeeping released.
func (m *Mixer) Render(buf []int16, start int64) error {
	nframes := len(buf) / 2
	if cap(m.acc) < len(buf) {
		m.acc = make([]int32, len(buf))
	}
	acc := m.acc[:len(buf)]
	for i := range acc {
		acc[i] = 0
	}

	end := start + int64(nframes)
	var err error
	kept := m.notes[:0]
	for _, n := range m.notes {
		if n.start >= end {
			kept = append(kept, n)
			continue
		}
		m.renderNote(n, acc, start, nframes)
		if n.done {
			if ferr := m.finish(n); ferr != nil && err == nil {
				err = ferr
			}
			continue
		}
		kept = append(kept, n)
	}
	m.notes = kept

	for i, v := range acc {
		switch {
		case v > math.MaxInt16:
			buf[i] = math.MaxInt16
		case v < math.MinInt16:
			buf[i] = math.MinInt16
		default:
			buf[i] = int16(v)
		}
	}
	return err
}

// renderNote advances one note across the buffer, accumulating its
// contribution.
func (m *Mixer) renderNote(n *note, acc []int32, start int64, nframes int) {
	samp := m.store.Lookup(n.sample)
	if samp == nil || !samp.Loaded() {
		// PCM vanished under an active note; cut it rather than abort
		// the stream.
		n.done = true
		return
	}

	chainStart, chainEnd, ok := m.arena.ChainVolume(n.channel)
	if !ok {
		n.done = true
		return
	}
	volStep := 0.0
	if nframes > 1 {
		volStep = (chainEnd - chainStart) / float64(nframes-1)
	}

	tr := stereo.Compose(m.arena.ChainStereo(n.channel), n.pan)
	xs, xh := tr.XAxis()

	// Per-source-channel output gains. A mono source sits at the
	// transform's shifted origin; a stereo source's left and right sit at
	// the transformed -1 and +1 positions.
	var lgL, lgR, rgL, rgR float64
	if samp.Channels == 1 {
		lgL, lgR = stereo.GainPair(xh)
	} else {
		lgL, lgR = stereo.GainPair(xh - xs)
		rgL, rgR = stereo.GainPair(xh + xs)
	}

	loopLen := float64(samp.LoopEnd - samp.LoopStart)
	srcFrames := float64(samp.Frames)

	for k := 0; k < nframes; k++ {
		t := start + int64(k)
		if t < n.start {
			continue
		}
		if t >= n.end {
			n.done = true
			return
		}

		if n.loop {
			for n.phase >= float64(samp.LoopEnd) && loopLen > 0 {
				n.phase -= loopLen
			}
		}
		if n.phase >= srcFrames {
			n.done = true
			return
		}

		idx := int64(n.phase)
		gain := n.volume * (chainStart + volStep*float64(k))

		if samp.Channels == 1 {
			s := float64(samp.Data[idx]) * gain
			acc[2*k] += int32(s * lgL)
			acc[2*k+1] += int32(s * lgR)
		} else {
			sl := float64(samp.Data[2*idx]) * gain
			sr := float64(samp.Data[2*idx+1]) * gain
			acc[2*k] += int32(sl*lgL + sr*rgL)
			acc[2*k+1] += int32(sl*lgR + sr*rgR)
		}

		n.phase += n.ratio
	}

	if !n.loop && n.phase >= srcFrames {
		n.done = true
	}
}
