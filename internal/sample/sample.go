// Package sample implements the engine's sample store: a content-addressed
// cache of decoded PCM buffers with reference-counted liveness, idle-PCM
// eviction, and virtual "mixin" samples that dispatch to a concrete sample
// based on the requested pitch.
//
// Entries live in an arena keyed by stable IDs. An entry persists for the
// lifetime of the process; its decoded PCM may be released while idle and
// is transparently reloaded from the source file on the next use. Notes in
// the mixer hold sample IDs, never PCM pointers, so reloads cannot
// invalidate an outstanding note.
package sample

import (
	"errors"
	"fmt"
)

// Error kinds reported by the store.
var (
	// ErrLoad indicates a sound resource could not be read or decoded.
	ErrLoad = errors.New("sample load error")

	// ErrSample indicates a sample is unplayable: its load failed
	// permanently, a reload attempt failed, or a pitch fell outside a
	// mixin's ranges.
	ErrSample = errors.New("sample unplayable")
)

// ID identifies a sample entry in the store. The zero ID is invalid.
type ID int32

// Sample is one arena entry: either decoded PCM or a virtual mixin.
//
// The PCM fields (Rate through LoopEnd) are read directly by the mixer's
// render loop and must not be mutated while a buffer is being rendered.
// Bookkeeping fields (ref-count, last-used stamp) are managed through
// Store methods.
type Sample struct {
	// Path is the resolved filesystem path of the source resource.
	Path string

	// Virtual is true for mixin samples, which carry no PCM of their own.
	Virtual bool

	// Rate is the source frame rate in Hz.
	Rate int

	// Channels is 1 (mono) or 2 (stereo).
	Channels int

	// Bits is the source sample width (8, 16, 24, or 32). PCM is normalized to
	// 16-bit signed on load regardless of the source width.
	Bits int

	// Data holds interleaved 16-bit PCM, or nil while unloaded.
	Data []int16

	// Frames is the source length in frames. Valid even while unloaded.
	Frames int64

	// HasLoop is true when the source declares a loop region.
	HasLoop bool

	// LoopStart and LoopEnd are frame indices bounding the loop region.
	LoopStart int64
	LoopEnd   int64

	id       ID
	failed   bool // sticky decode failure; the sample can never play
	refcount int
	lastUsed int64
	loader   loader

	// mixin bindings, ordered; nil for concrete samples.
	ranges []pitchRange
	def    *pitchRange
}

// pitchRange binds a pitch interval to a concrete sample and a pitch ratio
// applied when dispatching into it.
type pitchRange struct {
	lo, hi float64
	sample ID
	ratio  float64
}

// ID returns the sample's arena ID.
func (s *Sample) ID() ID { return s.id }

// Loaded reports whether decoded PCM is currently resident.
func (s *Sample) Loaded() bool { return s.Data != nil }

// RefCount returns the number of active notes referencing the sample.
func (s *Sample) RefCount() int { return s.refcount }

// LastUsed returns the virtual frame stamp of the sample's most recent use.
func (s *Sample) LastUsed() int64 { return s.lastUsed }

func (s *Sample) String() string {
	if s.Virtual {
		return fmt.Sprintf("mixin %s (%d ranges)", s.Path, len(s.ranges))
	}
	return fmt.Sprintf("%s (%d fr @ %d Hz)", s.Path, s.Frames, s.Rate)
}
