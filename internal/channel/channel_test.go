package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reverie-audio/reverie/internal/stereo"
)

func TestEnvelopeAt(t *testing.T) {
	e := Envelope{Start: 100, End: 300, From: 0, To: 1}
	assert.Equal(t, 0.0, e.At(50))
	assert.Equal(t, 0.0, e.At(100))
	assert.Equal(t, 0.5, e.At(200))
	assert.Equal(t, 1.0, e.At(300))
	assert.Equal(t, 1.0, e.At(1000))
}

func TestNewArenaRoot(t *testing.T) {
	a := NewArena(0.5, nil)
	root := a.Lookup(a.Root())
	require.NotNil(t, root)
	assert.True(t, root.Active())
	assert.Equal(t, 0, root.Depth())
	assert.Equal(t, ID(0), root.Parent())
	assert.Equal(t, 0.5, root.LastVolume())
	assert.Equal(t, 1, a.Len())
}

func TestNewChildTree(t *testing.T) {
	a := NewArena(1, nil)
	c1, err := a.New(a.Root(), 1, nil, "test")
	require.NoError(t, err)
	c2, err := a.New(c1, 1, nil, "test")
	require.NoError(t, err)

	root := a.Lookup(a.Root())
	assert.Equal(t, 1, root.ChildCount())
	assert.Equal(t, 1, a.Lookup(c1).ChildCount())
	assert.Equal(t, 2, a.Lookup(c2).Depth())
	assert.Equal(t, c1, a.Lookup(c2).Parent())

	assert.True(t, a.IsDescendant(c2, a.Root()))
	assert.True(t, a.IsDescendant(c2, c1))
	assert.True(t, a.IsDescendant(c1, c1))
	assert.False(t, a.IsDescendant(c1, c2))
}

func TestNewUnderInactiveParent(t *testing.T) {
	a := NewArena(1, nil)
	_, err := a.New(999, 1, nil, "test")
	assert.ErrorIs(t, err, ErrChannel)
}

func TestSetVolumeNoShortenRule(t *testing.T) {
	a := NewArena(1, nil)
	ch, err := a.New(a.Root(), 0.2, nil, "test")
	require.NoError(t, err)

	// A one-second ramp.
	require.NoError(t, a.SetVolume(ch, 1.0, 1000, 22050))
	env := a.Lookup(ch).Volume()
	assert.Equal(t, int64(1000), env.Start)
	assert.Equal(t, int64(23050), env.End)
	assert.Equal(t, 0.2, env.From)
	assert.Equal(t, 1.0, env.To)

	// A shorter ramp issued moments later is ignored outright.
	require.NoError(t, a.SetVolume(ch, 0.0, 1100, 100))
	env = a.Lookup(ch).Volume()
	assert.Equal(t, 1.0, env.To)
	assert.Equal(t, int64(23050), env.End)

	// A ramp ending strictly after the current one replaces it, starting
	// from the last computed volume.
	a.UpdateVolumes(12025) // halfway up the first ramp
	half := a.Lookup(ch).LastVolume()
	require.NoError(t, a.SetVolume(ch, 0.0, 12026, 22050))
	env = a.Lookup(ch).Volume()
	assert.Equal(t, half, env.From)
	assert.Equal(t, 0.0, env.To)
}

func TestSetVolumeZeroIntervalQuirk(t *testing.T) {
	a := NewArena(1, nil)
	ch, err := a.New(a.Root(), 1, nil, "test")
	require.NoError(t, err)

	// Two instantaneous changes within the same step end at the same
	// frame; only the first takes effect.
	require.NoError(t, a.SetVolume(ch, 0.3, 100, 0))
	require.NoError(t, a.SetVolume(ch, 0.7, 100, 0))
	env := a.Lookup(ch).Volume()
	assert.Equal(t, 0.3, env.To)

	// So does one that would end even earlier.
	require.NoError(t, a.SetVolume(ch, 0.1, 50, 0))
	env = a.Lookup(ch).Volume()
	assert.Equal(t, 0.3, env.To)

	// A change ending later replaces it.
	require.NoError(t, a.SetVolume(ch, 0.9, 100, 10))
	env = a.Lookup(ch).Volume()
	assert.Equal(t, 0.9, env.To)
}

func TestStopListDeferred(t *testing.T) {
	a := NewArena(1, nil)
	ch, err := a.New(a.Root(), 1, nil, "test")
	require.NoError(t, err)

	require.NoError(t, a.Stop(ch))
	assert.True(t, a.IsActive(ch), "stop must be deferred")

	ids := a.DrainStopList()
	assert.Equal(t, []ID{ch}, ids)
	assert.Empty(t, a.DrainStopList())
}

func TestStopInactive(t *testing.T) {
	a := NewArena(1, nil)
	assert.ErrorIs(t, a.Stop(999), ErrChannel)
}

func TestSubtreeDeepestFirst(t *testing.T) {
	a := NewArena(1, nil)
	c1, _ := a.New(a.Root(), 1, nil, "test")
	c2, _ := a.New(c1, 1, nil, "test")
	c3, _ := a.New(c2, 1, nil, "test")

	ids := a.Subtree(c1)
	require.Len(t, ids, 3)
	assert.Equal(t, c3, ids[0])
	assert.Equal(t, c2, ids[1])
	assert.Equal(t, c1, ids[2])
}

func TestCloseGuards(t *testing.T) {
	a := NewArena(1, nil)
	c1, _ := a.New(a.Root(), 1, nil, "test")
	c2, _ := a.New(c1, 1, nil, "test")

	err := a.Close(c1)
	assert.ErrorIs(t, err, ErrInternal) // child still present

	require.NoError(t, a.AddNote(c2))
	assert.ErrorIs(t, a.Close(c2), ErrInternal)
	require.NoError(t, a.RemoveNote(c2))

	require.NoError(t, a.Close(c2))
	assert.Equal(t, 0, a.Lookup(c1).ChildCount())
	require.NoError(t, a.Close(c1))
	assert.False(t, a.IsActive(c1))
}

func TestCloseEmpty(t *testing.T) {
	a := NewArena(1, nil)
	c1, _ := a.New(a.Root(), 1, nil, "test")
	require.NoError(t, a.AddAgent(c1))

	empty, err := a.CloseEmpty()
	require.NoError(t, err)
	assert.False(t, empty)
	assert.True(t, a.IsActive(c1), "channel with an agent stays open")

	require.NoError(t, a.RemoveAgent(c1))

	// One pass per generation step: the child closes first, then the
	// root notices it has emptied on the following pass.
	empty, err = a.CloseEmpty()
	require.NoError(t, err)
	assert.False(t, empty)
	assert.False(t, a.IsActive(c1))

	empty, err = a.CloseEmpty()
	require.NoError(t, err)
	assert.True(t, empty, "empty tree closes entirely, root included")
}

func TestCountUnderflow(t *testing.T) {
	a := NewArena(1, nil)
	ch, _ := a.New(a.Root(), 1, nil, "test")
	assert.ErrorIs(t, a.RemoveNote(ch), ErrInternal)
	assert.ErrorIs(t, a.RemoveAgent(ch), ErrInternal)
}

func TestChainVolume(t *testing.T) {
	a := NewArena(0.5, nil)
	c1, _ := a.New(a.Root(), 0.8, nil, "test")
	c2, _ := a.New(c1, 0.5, nil, "test")

	start, end, ok := a.ChainVolume(c2)
	require.True(t, ok)
	assert.InDelta(t, 0.2, start, 1e-12)
	assert.InDelta(t, 0.2, end, 1e-12)
}

func TestChainStereo(t *testing.T) {
	a := NewArena(1, nil)
	c1, _ := a.New(a.Root(), 1, stereo.Shift(1), "test")
	c2, _ := a.New(c1, 1, stereo.Scale(0.5), "test")

	got := a.ChainStereo(c2)
	assert.True(t, got.Equal(stereo.Compose(stereo.Shift(1), stereo.Scale(0.5))))
}

func TestAdjustTimebase(t *testing.T) {
	a := NewArena(1, nil)
	live, _ := a.New(a.Root(), 0, nil, "test")
	done, _ := a.New(a.Root(), 0, nil, "test")

	require.NoError(t, a.SetVolume(live, 1, 60_000, 10_000))
	require.NoError(t, a.SetVolume(done, 1, 1_000, 10))

	// now = 30_000 after trimming by 50_000.
	a.AdjustTimebase(50_000, 30_000)

	env := a.Lookup(live).Volume()
	assert.Equal(t, int64(10_000), env.Start)
	assert.Equal(t, int64(20_000), env.End)

	// The finished ramp stays put; only its final value matters.
	env = a.Lookup(done).Volume()
	assert.Equal(t, int64(1_000), env.Start)
}

func TestUpdateVolumesBracket(t *testing.T) {
	a := NewArena(1, nil)
	ch, _ := a.New(a.Root(), 0, nil, "test")
	require.NoError(t, a.SetVolume(ch, 1, 0, 1000))

	a.UpdateVolumes(499)
	c := a.Lookup(ch)
	assert.InDelta(t, 0.499, c.LastVolume(), 1e-9)

	start, end, ok := a.ChainVolume(ch)
	require.True(t, ok)
	assert.InDelta(t, 0.0, start, 1e-9) // previous buffer's value
	assert.InDelta(t, 0.499, end, 1e-9)

	a.UpdateVolumes(999)
	start, end, _ = a.ChainVolume(ch)
	assert.InDelta(t, 0.499, start, 1e-9)
	assert.InDelta(t, 0.999, end, 1e-9)
}
