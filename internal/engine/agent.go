package engine

import "strings"

// Agent is a user-supplied unit of scheduling logic. The engine invokes
// Run when virtual time reaches the agent's deadline; the Context gives
// the agent its scheduling surface (notes, child agents, channels,
// events).
//
// Agent values must be comparable (in practice, pointers to a struct):
// the scheduler uses identity to detect duplicate enqueues and to target
// reschedules.
type Agent interface {
	// Run performs the agent's action. A returned error is trapped and
	// logged; the engine continues with the next agent.
	Run(ctx *Context) error

	// Name describes the agent in logs and errors.
	Name() string
}

// EventAgent is an agent that can be posted to watch for named events.
type EventAgent interface {
	Agent

	// Receive performs the agent's action when a watched event arrives.
	Receive(ctx *Context, ev Event) error

	// WatchEvents lists the event names the agent wants. It is consulted
	// once, at post time; the result is validated eagerly.
	WatchEvents() []string
}

// Event is one dispatched event: the event name followed by its payload
// tokens.
type Event []string

// ParseEvent splits a wire line into an event on ASCII whitespace.
// An all-whitespace line yields an empty event, which dispatches to
// nobody.
func ParseEvent(line string) Event {
	return Event(strings.Fields(line))
}

// EventName returns the event's name, the first token.
func (ev Event) EventName() string {
	if len(ev) == 0 {
		return ""
	}
	return ev[0]
}

// Payload returns the tokens after the event name.
func (ev Event) Payload() []string {
	if len(ev) < 2 {
		return nil
	}
	return ev[1:]
}

func (ev Event) String() string {
	return strings.Join(ev, " ")
}

// EventSource feeds externally received events into the engine. The
// engine polls it non-blocking once per generation step.
type EventSource interface {
	// Poll drains every complete event line received since the last
	// call, already split into tokens.
	Poll() [][]string

	// Close shuts the source down.
	Close() error
}
