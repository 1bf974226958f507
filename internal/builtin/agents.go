package builtin

import (
	"github.com/reverie-audio/reverie/internal/engine"
	"github.com/reverie-audio/reverie/internal/stereo"
)

// defaultRampInterval is the shortest volume ramp that does not click.
const defaultRampInterval = 0.005

// NullAgent does nothing.
type NullAgent struct{}

func (*NullAgent) Name() string { return "null agent" }

func (*NullAgent) Run(*engine.Context) error { return nil }

// StopAgent stops the channel it runs in. All notes playing in the
// channel or any subchannel are cut off; all scheduled sounds and agents
// are discarded.
type StopAgent struct{}

func (*StopAgent) Name() string { return "stop channel" }

func (*StopAgent) Run(ctx *engine.Context) error {
	return ctx.StopChannel(0)
}

// SetVolumeAgent changes its channel to a given volume over a ramp.
type SetVolumeAgent struct {
	Volume   float64
	Duration float64
}

func (*SetVolumeAgent) Name() string { return "set channel volume" }

func (a *SetVolumeAgent) Run(ctx *engine.Context) error {
	dur := a.Duration
	if dur == 0 {
		dur = defaultRampInterval
	}
	return ctx.SetChannelVolume(0, a.Volume, dur)
}

// SetPanAgent changes its channel to a given stereo position.
type SetPanAgent struct {
	Pan stereo.Stereo
}

func (*SetPanAgent) Name() string { return "set channel pan" }

func (a *SetPanAgent) Run(ctx *engine.Context) error {
	return ctx.SetChannelPan(0, a.Pan)
}

// FadeOutAgent fades its channel down to zero volume over an interval,
// then stops it.
type FadeOutAgent struct {
	Duration float64
}

func (*FadeOutAgent) Name() string { return "fade out and stop channel" }

func (a *FadeOutAgent) Run(ctx *engine.Context) error {
	dur := a.Duration
	if dur == 0 {
		dur = defaultRampInterval
	}
	if err := ctx.SetChannelVolume(0, 0, dur); err != nil {
		return err
	}
	return ctx.ScheduleAgent(&StopAgent{}, dur, 0)
}

// FadeInOutAgent creates a channel for an agent, fades the channel up
// from silence, holds it, then fades it out and stops it.
//
// FadeIn and FadeOut are the ramp times; Live is the duration at full
// volume, from the end of fade-in to the beginning of fade-out. A zero
// FadeOut reuses the FadeIn time.
type FadeInOutAgent struct {
	Agent   engine.Agent
	Live    float64
	FadeIn  float64
	FadeOut float64
}

func (*FadeInOutAgent) Name() string { return "fade in, fade out, stop channel" }

func (a *FadeInOutAgent) Run(ctx *engine.Context) error {
	fadeOut := a.FadeOut
	if fadeOut == 0 {
		fadeOut = a.FadeIn
	}
	ch, err := ctx.NewChannel(0, 0)
	if err != nil {
		return err
	}
	if err := ctx.ScheduleAgent(a.Agent, 0, ch); err != nil {
		return err
	}
	if err := ctx.SetChannelVolume(ch, 1, a.FadeIn); err != nil {
		return err
	}
	return ctx.ScheduleAgent(&FadeOutAgent{Duration: fadeOut}, a.Live+a.FadeIn, ch)
}

// testMelody is the pitch sequence TestSoundAgent walks through, as
// multiples of the sample's original frequency.
var testMelody = []float64{1, 1.125, 1.25, 1.5, 1.875, 1.5, 1.25, 1.125, 1}

// TestSoundAgent plays a little melody on the embedded test sound. It is
// the default agent when the operator names none: if it sounds right,
// the device, rate, and mixer are all working.
type TestSoundAgent struct {
	// Sound overrides the embedded test sample.
	Sound string

	step int
}

func (*TestSoundAgent) Name() string { return "test sound" }

func (a *TestSoundAgent) Run(ctx *engine.Context) error {
	sound := a.Sound
	if sound == "" {
		sound = TestSoundName
	}
	if a.step >= len(testMelody) {
		return nil
	}
	pan := stereo.Shift(float64(a.step)/float64(len(testMelody)-1)*2 - 1)
	if _, err := ctx.ScheduleNotePan(sound, pan, testMelody[a.step], 1, 0); err != nil {
		return err
	}
	a.step++
	if a.step < len(testMelody) {
		return ctx.Reschedule(0.18)
	}
	return nil
}
