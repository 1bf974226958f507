// Package channel implements the engine's mix tree: a hierarchy of
// channels grouping notes and agents, each carrying a volume envelope and
// a stereo transform that compose down to every note below it.
//
// Channels live in an arena keyed by stable IDs; parent, root, and
// ancestor references are IDs, never pointers, so stop/close cascades are
// plain arena walks with no ownership cycles.
package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/reverie-audio/reverie/internal/stereo"
)

// Error kinds reported by the tree.
var (
	// ErrChannel indicates an operation on an inactive or unknown channel.
	ErrChannel = errors.New("channel error")

	// ErrInternal indicates a tree invariant was violated; it marks a bug
	// in the engine, not bad agent input.
	ErrInternal = errors.New("channel internal error")
)

// ID identifies a channel in the arena. The zero ID is reserved to mean
// "the calling agent's own channel" in the scheduling API.
type ID int64

// Envelope is a linear volume ramp: the channel's volume moves from From
// at frame Start to To at frame End, clamping outside the interval.
type Envelope struct {
	Start int64
	End   int64
	From  float64
	To    float64
}

// At evaluates the envelope at frame t.
func (e Envelope) At(t int64) float64 {
	switch {
	case t >= e.End:
		return e.To
	case t <= e.Start:
		return e.From
	default:
		return e.From + float64(t-e.Start)/float64(e.End-e.Start)*(e.To-e.From)
	}
}

// Channel is one node of the mix tree.
type Channel struct {
	id     ID
	parent ID // 0 for the root
	root   ID
	depth  int
	active bool

	// ancestors holds the IDs of every channel above this one.
	ancestors map[ID]struct{}

	vol Envelope

	// prevVolume and lastVolume bracket the current output buffer: the
	// channel's interpolated volume at the start and end of the buffer
	// being rendered. The mixer ramps between them.
	prevVolume float64
	lastVolume float64

	pan stereo.Stereo

	notes    int
	agents   int
	children int

	// creator names the agent that opened the channel, for logs and stats.
	creator string
}

// ID returns the channel's arena ID.
func (c *Channel) ID() ID { return c.id }

// Parent returns the parent's ID, or zero for the root.
func (c *Channel) Parent() ID { return c.parent }

// Depth returns the channel's distance from the root.
func (c *Channel) Depth() int { return c.depth }

// Active reports whether the channel is open.
func (c *Channel) Active() bool { return c.active }

// LastVolume returns the most recently computed instantaneous volume.
func (c *Channel) LastVolume() float64 { return c.lastVolume }

// Volume returns the current volume envelope.
func (c *Channel) Volume() Envelope { return c.vol }

// Pan returns the channel's stereo transform.
func (c *Channel) Pan() stereo.Stereo { return c.pan }

// NoteCount returns the number of active notes owned by the channel.
func (c *Channel) NoteCount() int { return c.notes }

// AgentCount returns the number of scheduled or posted agents on the channel.
func (c *Channel) AgentCount() int { return c.agents }

// ChildCount returns the number of open child channels.
func (c *Channel) ChildCount() int { return c.children }

func (c *Channel) String() string {
	return fmt.Sprintf("depth-%d (out of %s)", c.depth, c.creator)
}

// Arena owns every channel of one engine instance. It is driven entirely
// by the engine's generation thread.
type Arena struct {
	logger   *slog.Logger
	chans    map[ID]*Channel
	nextID   ID
	root     ID
	stoplist []ID
}

// NewArena creates the arena along with its root channel at the given
// master volume.
func NewArena(masterVolume float64, logger *slog.Logger) *Arena {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Arena{
		logger: logger.With("subsystem", "channel"),
		chans:  make(map[ID]*Channel),
		nextID: 1,
	}
	root := &Channel{
		id:         a.nextID,
		active:     true,
		ancestors:  map[ID]struct{}{},
		vol:        Envelope{Start: -1, End: -1, From: masterVolume, To: masterVolume},
		prevVolume: masterVolume,
		lastVolume: masterVolume,
		creator:    "<engine>",
	}
	root.root = root.id
	a.nextID++
	a.chans[root.id] = root
	a.root = root.id
	return a
}

// Root returns the root channel's ID.
func (a *Arena) Root() ID { return a.root }

// Len returns the number of open channels.
func (a *Arena) Len() int { return len(a.chans) }

// Lookup returns the channel for an ID, or nil if it is closed or unknown.
func (a *Arena) Lookup(id ID) *Channel { return a.chans[id] }

// IsActive reports whether the channel exists and is open.
func (a *Arena) IsActive(id ID) bool {
	c := a.chans[id]
	return c != nil && c.active
}

// New creates a child of parent with the given starting volume and stereo
// transform. The envelope starts at steady state.
func (a *Arena) New(parent ID, startVol float64, pan stereo.Stereo, creator string) (ID, error) {
	p := a.chans[parent]
	if p == nil || !p.active {
		return 0, fmt.Errorf("%w: cannot create channel under inactive channel %d", ErrChannel, parent)
	}
	anc := make(map[ID]struct{}, len(p.ancestors)+1)
	for id := range p.ancestors {
		anc[id] = struct{}{}
	}
	anc[p.id] = struct{}{}

	c := &Channel{
		id:         a.nextID,
		parent:     p.id,
		root:       p.root,
		depth:      p.depth + 1,
		active:     true,
		ancestors:  anc,
		vol:        Envelope{Start: -1, End: -1, From: startVol, To: startVol},
		prevVolume: startVol,
		lastVolume: startVol,
		pan:        pan,
		creator:    creator,
	}
	a.nextID++
	a.chans[c.id] = c
	p.children++
	a.logger.Debug("channel opened", "channel", c.String(), "id", int64(c.id))
	return c.id, nil
}

// SetVolume replaces the channel's envelope with a ramp from its current
// volume to newVol over [now, now+interval]. A ramp that would not end
// after the one already in flight is ignored; rapid overlapping volume
// changes collapse to the one that extends furthest, and of two changes
// with the same endpoint the first wins.
func (a *Arena) SetVolume(id ID, newVol float64, now, interval int64) error {
	c := a.chans[id]
	if c == nil || !c.active {
		return fmt.Errorf("%w: cannot set volume on inactive channel %d", ErrChannel, id)
	}
	end := now + interval
	if end > c.vol.End {
		c.vol = Envelope{Start: now, End: end, From: c.lastVolume, To: newVol}
	}
	return nil
}

// SetPan replaces the channel's stereo transform immediately.
func (a *Arena) SetPan(id ID, pan stereo.Stereo) error {
	c := a.chans[id]
	if c == nil || !c.active {
		return fmt.Errorf("%w: cannot set pan on inactive channel %d", ErrChannel, id)
	}
	c.pan = pan
	return nil
}

// Stop queues the channel for teardown at the top of the next generation
// step. Deferred execution is required because a mix may be in progress.
func (a *Arena) Stop(id ID) error {
	c := a.chans[id]
	if c == nil || !c.active {
		return fmt.Errorf("%w: cannot stop inactive channel %d", ErrChannel, id)
	}
	a.stoplist = append(a.stoplist, id)
	return nil
}

// DrainStopList returns and clears the queued stop requests, skipping
// channels that are no longer active when the list is drained.
func (a *Arena) DrainStopList() []ID {
	if len(a.stoplist) == 0 {
		return nil
	}
	ls := a.stoplist
	a.stoplist = nil
	out := ls[:0]
	for _, id := range ls {
		if a.IsActive(id) {
			out = append(out, id)
		}
	}
	return out
}

// Subtree returns the IDs of the channel and all of its descendants,
// deepest first, so closing them in order lets every parent see its child
// count reach zero naturally.
func (a *Arena) Subtree(id ID) []ID {
	var ids []ID
	for cid, c := range a.chans {
		if cid == id {
			ids = append(ids, cid)
			continue
		}
		if _, ok := c.ancestors[id]; ok {
			ids = append(ids, cid)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return a.chans[ids[i]].depth > a.chans[ids[j]].depth
	})
	return ids
}

// IsDescendant reports whether ch is ancestor itself or lies below it.
func (a *Arena) IsDescendant(ch, ancestor ID) bool {
	if ch == ancestor {
		return true
	}
	c := a.chans[ch]
	if c == nil {
		return false
	}
	_, ok := c.ancestors[ancestor]
	return ok
}

// Close removes an empty channel from the tree.
func (a *Arena) Close(id ID) error {
	c := a.chans[id]
	if c == nil || !c.active {
		return nil
	}
	if c.children > 0 {
		return fmt.Errorf("%w: channel has children at close", ErrInternal)
	}
	if c.agents > 0 {
		return fmt.Errorf("%w: channel has agents at close", ErrInternal)
	}
	if c.notes > 0 {
		return fmt.Errorf("%w: channel has notes at close", ErrInternal)
	}
	if p := a.chans[c.parent]; p != nil {
		p.children--
		if p.children < 0 {
			return fmt.Errorf("%w: channel childcount negative", ErrInternal)
		}
	}
	c.active = false
	delete(a.chans, id)
	a.logger.Debug("channel closed", "channel", c.String(), "id", int64(id))
	return nil
}

// CloseEmpty closes every channel with no notes, agents, or children.
// It returns true when the arena has no channels left.
func (a *Arena) CloseEmpty() (empty bool, err error) {
	var ls []ID
	for id, c := range a.chans {
		if c.notes == 0 && c.agents == 0 && c.children == 0 {
			ls = append(ls, id)
		}
	}
	for _, id := range ls {
		if cerr := a.Close(id); cerr != nil && err == nil {
			err = cerr
		}
	}
	return len(a.chans) == 0, err
}

// AddNote and RemoveNote track the mixer's per-channel note counts.
func (a *Arena) AddNote(id ID) error {
	c := a.chans[id]
	if c == nil || !c.active {
		return fmt.Errorf("%w: note on inactive channel %d", ErrChannel, id)
	}
	c.notes++
	return nil
}

func (a *Arena) RemoveNote(id ID) error {
	c := a.chans[id]
	if c == nil {
		return nil
	}
	c.notes--
	if c.notes < 0 {
		return fmt.Errorf("%w: channel notecount negative", ErrInternal)
	}
	return nil
}

// AddAgent and RemoveAgent track the scheduler's per-channel agent counts.
func (a *Arena) AddAgent(id ID) error {
	c := a.chans[id]
	if c == nil || !c.active {
		return fmt.Errorf("%w: agent on inactive channel %d", ErrChannel, id)
	}
	c.agents++
	return nil
}

func (a *Arena) RemoveAgent(id ID) error {
	c := a.chans[id]
	if c == nil {
		return nil
	}
	c.agents--
	if c.agents < 0 {
		return fmt.Errorf("%w: channel agentcount negative", ErrInternal)
	}
	return nil
}

// UpdateVolumes rolls every channel's volume bracket forward: the previous
// end-of-buffer volume becomes the start of the next buffer, and the
// envelope is evaluated at nextTime (the last frame of the buffer about to
// be rendered).
func (a *Arena) UpdateVolumes(nextTime int64) {
	for _, c := range a.chans {
		c.prevVolume = c.lastVolume
		c.lastVolume = c.vol.At(nextTime)
	}
}

// AdjustTimebase shifts every live envelope down by offset during a
// timebase trim. Envelopes that already ended stay put; only their To
// value matters from now on.
func (a *Arena) AdjustTimebase(offset, now int64) {
	for _, c := range a.chans {
		if c.vol.End <= now {
			continue
		}
		c.vol.Start -= offset
		c.vol.End -= offset
	}
}

// ChainVolume returns the product of interpolated volumes from the root
// down to the channel, bracketing the current buffer: the gain to apply
// at the buffer's first frame and at its last.
func (a *Arena) ChainVolume(id ID) (start, end float64, ok bool) {
	c := a.chans[id]
	if c == nil {
		return 0, 0, false
	}
	start, end = c.prevVolume, c.lastVolume
	for anc := range c.ancestors {
		p := a.chans[anc]
		if p == nil {
			continue
		}
		start *= p.prevVolume
		end *= p.lastVolume
	}
	return start, end, true
}

// ChainStereo composes the stereo transforms from the root down to the
// channel. The note's own pan composes inside the result.
func (a *Arena) ChainStereo(id ID) stereo.Stereo {
	c := a.chans[id]
	if c == nil {
		return nil
	}
	// Collect the path root → channel, then fold outermost first.
	path := make([]*Channel, 0, c.depth+1)
	for cur := c; cur != nil; {
		path = append(path, cur)
		if cur.parent == 0 {
			break
		}
		cur = a.chans[cur.parent]
	}
	out := stereo.Default()
	for i := len(path) - 1; i >= 0; i-- {
		out = stereo.Compose(out, path[i].pan)
	}
	return out
}

// Walk calls fn for every open channel.
func (a *Arena) Walk(fn func(*Channel)) {
	for _, c := range a.chans {
		fn(c)
	}
}
