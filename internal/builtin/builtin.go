// Package builtin provides the stock agents that ship with the engine
// and the registry that constructs agents by qualified name.
//
// These agents are too load-bearing to live in an optional soundscape
// package: fades and stops are how every soundscape winds down cleanly.
package builtin

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/reverie-audio/reverie/internal/engine"
	"github.com/reverie-audio/reverie/internal/stereo"
)

// Factory constructs an agent from its string arguments.
type Factory func(args []string) (engine.Agent, error)

var registry = map[string]Factory{}

// Register binds a qualified agent name (e.g. "builtin.TestSound") to a
// factory. Later registrations of the same name win, so a soundscape
// package can shadow a builtin.
func Register(name string, f Factory) {
	registry[name] = f
}

// Create constructs an agent by qualified name. An empty name yields the
// null agent.
func Create(name string, args []string) (engine.Agent, error) {
	if name == "" {
		return &NullAgent{}, nil
	}
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", name)
	}
	return f(args)
}

// Names lists every registered agent name, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func parseFloatArg(args []string, i int, def float64) (float64, error) {
	if len(args) <= i {
		return def, nil
	}
	v, err := strconv.ParseFloat(args[i], 64)
	if err != nil {
		return 0, fmt.Errorf("argument %d: %w", i+1, err)
	}
	return v, nil
}

func init() {
	Register("builtin.Null", func([]string) (engine.Agent, error) {
		return &NullAgent{}, nil
	})
	Register("builtin.Stop", func([]string) (engine.Agent, error) {
		return &StopAgent{}, nil
	})
	Register("builtin.SetVolume", func(args []string) (engine.Agent, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("builtin.SetVolume needs a volume argument")
		}
		vol, err := parseFloatArg(args, 0, 1)
		if err != nil {
			return nil, err
		}
		dur, err := parseFloatArg(args, 1, defaultRampInterval)
		if err != nil {
			return nil, err
		}
		return &SetVolumeAgent{Volume: vol, Duration: dur}, nil
	})
	Register("builtin.SetPan", func(args []string) (engine.Agent, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("builtin.SetPan needs a pan position")
		}
		pos, err := parseFloatArg(args, 0, 0)
		if err != nil {
			return nil, err
		}
		return &SetPanAgent{Pan: stereo.Shift(pos)}, nil
	})
	Register("builtin.FadeOut", func(args []string) (engine.Agent, error) {
		dur, err := parseFloatArg(args, 0, defaultRampInterval)
		if err != nil {
			return nil, err
		}
		return &FadeOutAgent{Duration: dur}, nil
	})
	// builtin.FadeInOut <agent> [live] [fadein] [fadeout] [agent args...]
	// wraps another registered agent, constructed by its own qualified
	// name, in a fade-up/hold/fade-out channel.
	Register("builtin.FadeInOut", func(args []string) (engine.Agent, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("builtin.FadeInOut needs an agent name")
		}
		live, err := parseFloatArg(args, 1, 10)
		if err != nil {
			return nil, err
		}
		fadeIn, err := parseFloatArg(args, 2, 1)
		if err != nil {
			return nil, err
		}
		fadeOut, err := parseFloatArg(args, 3, 0)
		if err != nil {
			return nil, err
		}
		var rest []string
		if len(args) > 4 {
			rest = args[4:]
		}
		inner, err := Create(args[0], rest)
		if err != nil {
			return nil, fmt.Errorf("builtin.FadeInOut: %w", err)
		}
		return &FadeInOutAgent{Agent: inner, Live: live, FadeIn: fadeIn, FadeOut: fadeOut}, nil
	})
	Register("builtin.TestSound", func(args []string) (engine.Agent, error) {
		ag := &TestSoundAgent{}
		if len(args) > 0 {
			ag.Sound = args[0]
		}
		return ag, nil
	})
}
