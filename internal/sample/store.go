package sample

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// maxMixinDepth bounds mixin-to-mixin dispatch so a cyclic mixin file
// cannot hang the scheduler.
const maxMixinDepth = 16

// Store owns every sample entry for one engine instance. It is not safe
// for concurrent use; the engine's single generation thread is the only
// caller.
type Store struct {
	logger  *slog.Logger
	dirs    []string
	byName  map[string]ID
	samples []*Sample

	// loading guards against mixin files that reference themselves,
	// directly or through a chain.
	loading map[string]bool
}

// NewStore creates a store that resolves relative sound names against the
// given search directories, in order.
func NewStore(dirs []string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if len(dirs) == 0 {
		dirs = []string{"."}
	}
	return &Store{
		logger:  logger.With("subsystem", "sample-store"),
		dirs:    dirs,
		byName:  make(map[string]ID),
		loading: make(map[string]bool),
	}
}

// Get returns the sample ID for a resource name, loading and caching it on
// first reference. Absolute names are used as-is; relative names are
// searched along the store's directory list. The format is chosen by file
// extension (.wav, .aiff/.aif/.aifc, .au, .mixin).
func (st *Store) Get(name string) (ID, error) {
	if id, ok := st.byName[name]; ok {
		return id, nil
	}

	path, err := st.resolve(name)
	if err != nil {
		return 0, err
	}
	if id, ok := st.byName[path]; ok {
		st.byName[name] = id
		return id, nil
	}

	if st.loading[path] {
		return 0, fmt.Errorf("%w: circular reference through %s", ErrLoad, path)
	}
	st.loading[path] = true
	defer delete(st.loading, path)

	ext := strings.ToLower(filepath.Ext(path))

	var samp *Sample
	if ext == ".mixin" {
		samp, err = st.loadMixin(path)
	} else {
		var ld loader
		ld, err = findLoader(ext)
		if err == nil {
			samp, err = st.loadConcrete(path, ld)
		}
	}
	if err != nil {
		return 0, err
	}

	samp.id = ID(len(st.samples) + 1)
	st.samples = append(st.samples, samp)
	st.byName[name] = samp.id
	st.byName[path] = samp.id
	st.logger.Debug("sample loaded", "sample", samp.String())
	return samp.id, nil
}

// resolve maps a sound name to a readable file path.
func (st *Store) resolve(name string) (string, error) {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrLoad, name, err)
		}
		return name, nil
	}
	for _, dir := range st.dirs {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: file not readable: %s", ErrLoad, name)
}

func (st *Store) loadConcrete(path string, ld loader) (*Sample, error) {
	pcm, err := ld.load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoad, path, err)
	}
	return &Sample{
		Path:      path,
		Rate:      pcm.rate,
		Channels:  pcm.channels,
		Bits:      pcm.bits,
		Data:      pcm.data,
		Frames:    pcm.frames,
		HasLoop:   pcm.hasLoop,
		LoopStart: pcm.loopStart,
		LoopEnd:   pcm.loopEnd,
		loader:    ld,
	}, nil
}

// Lookup returns the entry for an ID, or nil for an unknown ID.
func (st *Store) Lookup(id ID) *Sample {
	if id < 1 || int(id) > len(st.samples) {
		return nil
	}
	return st.samples[id-1]
}

// ResolvePitch dispatches through any mixin layers, returning the concrete
// sample to play and the effective pitch after applying binding ratios.
func (st *Store) ResolvePitch(id ID, pitch float64) (ID, float64, error) {
	for depth := 0; depth < maxMixinDepth; depth++ {
		samp := st.Lookup(id)
		if samp == nil {
			return 0, 0, fmt.Errorf("%w: unknown sample id %d", ErrSample, id)
		}
		if !samp.Virtual {
			return id, pitch, nil
		}
		r, err := samp.find(pitch)
		if err != nil {
			return 0, 0, err
		}
		id = r.sample
		pitch *= r.ratio
	}
	return 0, 0, fmt.Errorf("%w: mixin nesting too deep", ErrSample)
}

// find locates the first binding covering the requested pitch, falling
// back to the mixin's default binding.
func (s *Sample) find(pitch float64) (*pitchRange, error) {
	for i := range s.ranges {
		r := &s.ranges[i]
		if pitch >= r.lo && pitch <= r.hi {
			return r, nil
		}
	}
	if s.def != nil {
		return s.def, nil
	}
	return nil, fmt.Errorf("%w: pitch %g is outside mixin ranges of %s", ErrSample, pitch, s.Path)
}

// EnsurePlayable guarantees a concrete sample's PCM is resident, reloading
// it from the source file if it was evicted. A sample whose decode has
// failed permanently, or whose reload fails, is reported as unplayable.
func (st *Store) EnsurePlayable(id ID) error {
	samp := st.Lookup(id)
	if samp == nil {
		return fmt.Errorf("%w: unknown sample id %d", ErrSample, id)
	}
	if samp.Virtual {
		return fmt.Errorf("%w: mixin %s cannot be played directly", ErrSample, samp.Path)
	}
	if samp.failed {
		return fmt.Errorf("%w: %s", ErrSample, samp.Path)
	}
	if samp.Loaded() {
		return nil
	}
	pcm, err := samp.loader.load(samp.Path)
	if err != nil {
		samp.failed = true
		return fmt.Errorf("%w: reload of %s: %v", ErrSample, samp.Path, err)
	}
	samp.Data = pcm.data
	samp.Frames = pcm.frames
	st.logger.Debug("sample reloaded", "path", samp.Path)
	return nil
}

// Acquire increments the sample's ref-count for a newly created note and
// advances its last-used stamp to the note's expected end.
func (st *Store) Acquire(id ID, usedUntil int64) {
	samp := st.Lookup(id)
	if samp == nil {
		return
	}
	samp.refcount++
	if samp.lastUsed < usedUntil {
		samp.lastUsed = usedUntil
	}
}

// Release decrements the sample's ref-count when a note ends.
func (st *Store) Release(id ID) error {
	samp := st.Lookup(id)
	if samp == nil {
		return fmt.Errorf("release of unknown sample id %d", id)
	}
	samp.refcount--
	if samp.refcount < 0 {
		return fmt.Errorf("sample refcount negative: %s", samp.Path)
	}
	return nil
}

// UnloadIdle releases the decoded PCM of every concrete sample that has no
// active notes and has not been used since deathTime. The cache entry
// remains; a later request reloads the PCM on demand.
func (st *Store) UnloadIdle(deathTime int64) {
	for _, samp := range st.samples {
		if samp.refcount == 0 && !samp.Virtual && samp.Loaded() && deathTime >= samp.lastUsed {
			samp.Data = nil
			st.logger.Debug("sample unloaded", "path", samp.Path)
		}
	}
}

// AdjustTimebase shifts every sample's last-used stamp down by offset as
// part of a timebase trim. Stamps already older than one unload age are
// left alone; they can only get staler.
func (st *Store) AdjustTimebase(offset, maxAge int64) {
	for _, samp := range st.samples {
		if samp.lastUsed >= -maxAge {
			samp.lastUsed -= offset
		}
	}
}

// Info returns the natural duration in seconds of a sample played at the
// given pitch, plus the loop region bounds in seconds (hasLoop is false
// when the sample has no loop region).
func (st *Store) Info(id ID, pitch float64) (dur float64, loopStart, loopEnd float64, hasLoop bool, err error) {
	cid, realPitch, err := st.ResolvePitch(id, pitch)
	if err != nil {
		return 0, 0, 0, false, err
	}
	samp := st.Lookup(cid)
	if samp.failed {
		return 0, 0, 0, false, fmt.Errorf("%w: %s", ErrSample, samp.Path)
	}
	ratio := float64(samp.Rate) * realPitch
	dur = float64(samp.Frames) / ratio
	if samp.HasLoop {
		return dur, float64(samp.LoopStart) / ratio, float64(samp.LoopEnd) / ratio, true, nil
	}
	return dur, 0, 0, false, nil
}

// Counts reports cache composition for stats: concrete samples with PCM
// resident, concrete samples currently evicted, virtual mixins, and the
// total ref-count across all entries.
func (st *Store) Counts() (loaded, unloaded, virtual, notes int) {
	for _, samp := range st.samples {
		notes += samp.refcount
		switch {
		case samp.Virtual:
			virtual++
		case samp.Loaded():
			loaded++
		default:
			unloaded++
		}
	}
	return loaded, unloaded, virtual, notes
}

// Len returns the number of cache entries.
func (st *Store) Len() int { return len(st.samples) }
