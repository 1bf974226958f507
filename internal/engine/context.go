package engine

import (
	"fmt"
	"log/slog"

	"github.com/reverie-audio/reverie/internal/channel"
	"github.com/reverie-audio/reverie/internal/stereo"
)

// Context is the surface an agent sees while it runs. All delay and
// duration arguments are in seconds; the engine converts to frames at the
// sink's configured rate. Delays are measured from the running agent's
// own deadline, so a chain of reschedules never drifts.
type Context struct {
	eng *Engine
	rec *agentRec
}

// NoteParams carries the optional arguments of the full note-scheduling
// call. Zero values select the defaults: pitch 1, volume 1, no delay, no
// pan, the agent's own channel, and a single pass through the sample.
type NoteParams struct {
	Pitch    float64
	Volume   float64
	Delay    float64
	Duration float64
	Pan      stereo.Stereo
	Channel  channel.ID
}

func (p *NoteParams) fill(c *Context) {
	if p.Pitch == 0 {
		p.Pitch = 1
	}
	if p.Volume == 0 {
		p.Volume = 1
	}
	if p.Channel == 0 {
		p.Channel = c.rec.channel
	}
}

// Channel returns the channel the agent is running in.
func (c *Context) Channel() channel.ID { return c.rec.channel }

// RootChannel returns the root of the channel tree.
func (c *Context) RootChannel() channel.ID { return c.eng.arena.Root() }

// FramesPerSec returns the output rate of the stream.
func (c *Context) FramesPerSec() int { return c.eng.fps }

// Logger returns a logger scoped to the running agent.
func (c *Context) Logger() *slog.Logger {
	name := "agent"
	if c.rec.agent != nil {
		name = c.rec.agent.Name()
	}
	return c.eng.logger.With("agent", name)
}

// checkDelay validates a delay or duration argument in seconds.
func checkDelay(kind string, v float64) error {
	if v < 0 {
		return fmt.Errorf("%w: negative %s", ErrSchedule, kind)
	}
	if v > MaxDelay {
		return fmt.Errorf("%w: %s too long", ErrSchedule, kind)
	}
	return nil
}

// ScheduleNote schedules a note on the agent's channel. The sound is
// loaded by name through the sample store. Returns the expected duration
// of the note in seconds.
func (c *Context) ScheduleNote(sound string, pitch, volume, delay float64) (float64, error) {
	return c.ScheduleNoteParams(sound, NoteParams{Pitch: pitch, Volume: volume, Delay: delay})
}

// ScheduleNotePan schedules a note with a shifted stereo origin.
func (c *Context) ScheduleNotePan(sound string, pan stereo.Stereo, pitch, volume, delay float64) (float64, error) {
	return c.ScheduleNoteParams(sound, NoteParams{Pan: pan, Pitch: pitch, Volume: volume, Delay: delay})
}

// ScheduleNoteDuration schedules a note extended to roughly duration
// seconds by looping the sample. A sample with no loop region plays its
// natural length once. The returned duration may be slightly longer than
// requested because the sample loops in whole passes.
func (c *Context) ScheduleNoteDuration(sound string, duration, pitch, volume, delay float64) (float64, error) {
	return c.ScheduleNoteParams(sound, NoteParams{Duration: duration, Pitch: pitch, Volume: volume, Delay: delay})
}

// ScheduleNoteParams schedules a note with full control over every
// parameter. It returns the expected duration of the note in seconds.
func (c *Context) ScheduleNoteParams(sound string, p NoteParams) (float64, error) {
	p.fill(c)
	if err := checkDelay("delay time", p.Delay); err != nil {
		return 0, err
	}
	if err := checkDelay("duration", p.Duration); err != nil {
		return 0, err
	}
	if !c.eng.arena.IsActive(p.Channel) {
		return 0, fmt.Errorf("%w: cannot schedule note to inactive channel", channel.ErrChannel)
	}

	id, err := c.eng.store.Get(sound)
	if err != nil {
		return 0, err
	}

	fps := float64(c.eng.fps)
	start := c.eng.agentRuntime + int64(p.Delay*fps)

	var durFrames int64
	if p.Duration > 0 {
		durFrames, err = c.eng.mix.AddNoteDuration(id, int64(p.Duration*fps), p.Pitch, p.Volume, p.Pan, start, p.Channel)
	} else {
		durFrames, err = c.eng.mix.AddNote(id, p.Pitch, p.Volume, p.Pan, start, p.Channel)
	}
	if err != nil {
		return 0, err
	}
	return float64(durFrames) / fps, nil
}

// ScheduleAgent schedules an agent to run after delay seconds, on the
// given channel (zero means the calling agent's channel). The agent may
// be the caller itself or a newly created one.
func (c *Context) ScheduleAgent(ag Agent, delay float64, ch channel.ID) error {
	if ag == nil {
		return fmt.Errorf("%w: nil agent", ErrSchedule)
	}
	if ch == 0 {
		ch = c.rec.channel
	}
	if err := checkDelay("delay time", delay); err != nil {
		return err
	}
	if rec, dup := c.eng.queued[ag]; dup && rec.queued {
		return fmt.Errorf("%w: %q is already scheduled", ErrSchedule, ag.Name())
	}
	if !c.eng.arena.IsActive(ch) {
		return fmt.Errorf("%w: cannot schedule agent to inactive channel", channel.ErrChannel)
	}

	runtime := c.eng.agentRuntime + int64(delay*float64(c.eng.fps))

	var rec *agentRec
	if ag == c.rec.agent && c.rec.agent != nil {
		// Rescheduling the running agent reuses its record, keeping the
		// originally recorded delay.
		rec = c.rec
	} else {
		rec = &agentRec{agent: ag, origDelay: -1}
	}
	if rec.origDelay < 0 {
		rec.origDelay = delay
	}
	rec.channel = ch
	rec.runtime = runtime
	rec.queued = true
	rec.seq = c.eng.seq
	c.eng.seq++

	if err := c.eng.arena.AddAgent(ch); err != nil {
		return err
	}
	c.eng.queued[ag] = rec
	c.eng.pushAgent(rec)
	c.eng.logger.Debug("agent scheduled", "agent", ag.Name(), "runtime", runtime)
	return nil
}

// Reschedule schedules the running agent to run again after delay
// seconds, on its own channel.
func (c *Context) Reschedule(delay float64) error {
	if c.rec.agent == nil {
		return fmt.Errorf("%w: no running agent to reschedule", ErrSchedule)
	}
	return c.ScheduleAgent(c.rec.agent, delay, c.rec.channel)
}

// RescheduleDefault reschedules the running agent using the delay
// recorded when it was first scheduled.
func (c *Context) RescheduleDefault() error {
	if c.rec.origDelay < 0 {
		return fmt.Errorf("%w: reschedule with no prior delay", ErrSchedule)
	}
	return c.Reschedule(c.rec.origDelay)
}

// PostAgent registers an event agent to watch for its events, on the
// given channel (zero means the calling agent's channel).
func (c *Context) PostAgent(ag EventAgent, ch channel.ID) error {
	if ag == nil {
		return fmt.Errorf("%w: nil agent", ErrSchedule)
	}
	if ch == 0 {
		ch = c.rec.channel
	}
	e := c.eng
	if e.listener == nil {
		return fmt.Errorf("%w: event listening disabled -- cannot post %q", ErrSchedule, ag.Name())
	}
	if _, dup := e.posted[ag]; dup {
		return fmt.Errorf("%w: %q is already posted", ErrSchedule, ag.Name())
	}
	if !e.arena.IsActive(ch) {
		return fmt.Errorf("%w: cannot post agent to inactive channel", channel.ErrChannel)
	}

	events := ag.WatchEvents()
	if len(events) == 0 {
		return fmt.Errorf("%w: %q has no watch events", ErrSchedule, ag.Name())
	}
	for _, name := range events {
		if name == "" {
			return fmt.Errorf("%w: %q has an empty watch event", ErrSchedule, ag.Name())
		}
	}

	rec := &postRec{agent: ag, channel: ch, events: events}
	if err := e.arena.AddAgent(ch); err != nil {
		return err
	}
	e.posted[ag] = rec
	for _, name := range events {
		e.eventReg[name] = append(e.eventReg[name], rec)
	}
	e.logger.Debug("agent posted", "agent", ag.Name(), "events", events)
	return nil
}

// Unpost removes a posted event agent from its watch registration.
func (c *Context) Unpost(ag EventAgent) error {
	rec, ok := c.eng.posted[ag]
	if !ok {
		return fmt.Errorf("%w: %q is not posted", ErrSchedule, ag.Name())
	}
	return c.eng.unpostRec(rec)
}

// SendEvent dispatches an event as if it had arrived from the listener.
// Watching agents run with a short delay (the next generation step), not
// instantaneously; for reliable timing, schedule an agent instead.
func (c *Context) SendEvent(ev Event) {
	c.eng.SendEvent(ev)
}

// NewChannel creates a child channel of parent (zero means the calling
// agent's channel) at the given starting volume.
func (c *Context) NewChannel(startVol float64, parent channel.ID) (channel.ID, error) {
	return c.NewChannelPan(nil, startVol, parent)
}

// NewChannelPan creates a child channel with a stereo transform applied
// to everything inside it.
func (c *Context) NewChannelPan(pan stereo.Stereo, startVol float64, parent channel.ID) (channel.ID, error) {
	if parent == 0 {
		parent = c.rec.channel
	}
	creator := "<engine>"
	if c.rec.agent != nil {
		creator = c.rec.agent.Name()
	}
	return c.eng.arena.New(parent, startVol, pan, creator)
}

// SetChannelVolume changes a channel's volume to a new level, ramping
// smoothly over interval seconds. Intervals shorter than about five
// milliseconds can cause clicks. Two volume changes scheduled close
// together on the same channel can interfere; the earlier one may be
// ignored entirely in favor of the one that ends later.
func (c *Context) SetChannelVolume(ch channel.ID, newVol, interval float64) error {
	if ch == 0 {
		ch = c.rec.channel
	}
	end := int64(interval * float64(c.eng.fps))
	return c.eng.arena.SetVolume(ch, newVol, c.eng.agentRuntime, end)
}

// SetChannelPan replaces a channel's stereo transform.
func (c *Context) SetChannelPan(ch channel.ID, pan stereo.Stereo) error {
	if ch == 0 {
		ch = c.rec.channel
	}
	return c.eng.arena.SetPan(ch, pan)
}

// StopChannel stops a channel: every sound playing in it or any
// subchannel is cut off, and every scheduled or posted agent in the
// subtree is discarded. Teardown happens at the top of the next
// generation step, so the stop may land slightly later than it ought to.
func (c *Context) StopChannel(ch channel.ID) error {
	if ch == 0 {
		ch = c.rec.channel
	}
	return c.eng.arena.Stop(ch)
}

// SampleInfo measures the expected duration in seconds, and the loop
// bounds, of a sound played at the given pitch.
func (c *Context) SampleInfo(sound string, pitch float64) (dur, loopStart, loopEnd float64, hasLoop bool, err error) {
	if pitch == 0 {
		pitch = 1
	}
	id, err := c.eng.store.Get(sound)
	if err != nil {
		return 0, 0, 0, false, err
	}
	return c.eng.store.Info(id, pitch)
}
