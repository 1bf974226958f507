package engine

import "errors"

// Error kinds reported by the scheduler. Channel and sample errors carry
// their own kinds (channel.ErrChannel, sample.ErrSample, sample.ErrLoad)
// and pass through the scheduling API unchanged.
var (
	// ErrSchedule indicates an invalid scheduling request from an agent:
	// a bad delay, a duplicate enqueue, posting with event listening
	// disabled, or scheduling an uninitialized agent.
	ErrSchedule = errors.New("schedule error")

	// ErrInternal indicates an engine invariant was violated. Fatal in
	// tests; in production it is logged and the current agent skipped.
	ErrInternal = errors.New("engine internal error")
)

// Outcome is the result of one generation step.
type Outcome int

const (
	// Continue means the stream goes on; the sink should render this
	// buffer and call back for the next.
	Continue Outcome = iota

	// Stop means the channel tree has emptied and the stream is over.
	Stop
)

func (o Outcome) String() string {
	if o == Stop {
		return "stop"
	}
	return "continue"
}
