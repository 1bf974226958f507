// Package engine implements the core of the soundscape engine: the agent
// scheduler, the event dispatcher, and the per-buffer generation loop that
// ties the channel tree, sample store, and mixer together.
//
// The engine is single-threaded and cooperative. A sink calls Step once
// per output buffer to advance engine state, then Render to synthesize the
// buffer; both run to completion on the sink's callback goroutine. The
// only concurrency at the boundary is event injection (InjectEvent) and
// the published stats snapshot, both of which are goroutine-safe.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/reverie-audio/reverie/internal/channel"
	"github.com/reverie-audio/reverie/internal/mixer"
	"github.com/reverie-audio/reverie/internal/sample"
)

// Engine timing constants, in frames of virtual time. The trim and unload
// values are two hours, one hour, five minutes, and roughly forty minutes
// of frames at 44100 frames per second; at 22050 each lasts twice as long.
const (
	DefaultTrimThreshold  = 317_520_000
	DefaultTrimOffset     = 158_760_000
	DefaultUnloadInterval = 13_230_000
	DefaultUnloadAge      = 100_000_000

	// MaxDelay bounds scheduled delays and durations, in seconds. About
	// one hour; it keeps the frame counter and envelope math sane.
	MaxDelay = 3605.0

	// DefaultMasterVolume is the root channel's amplitude multiplier
	// when the operator does not configure one.
	DefaultMasterVolume = 0.5

	// externalQueueSize bounds events injected from other goroutines
	// between two generation steps.
	externalQueueSize = 256
)

// Output is the narrow sink surface the engine drives. Sinks additionally
// pump the engine (Step then Render per buffer), but that direction is
// theirs; the engine only ever calls back through this interface.
type Output interface {
	// FramesPerSec returns the sink's configured output rate.
	FramesPerSec() int

	// FramesPerBuf returns the sink's buffer size in frames.
	FramesPerBuf() int

	// AdjustTimebase informs the sink that the engine trimmed the
	// virtual timebase; the sink must subtract offset from its frame
	// counter before the next Render.
	AdjustTimebase(offset int64)
}

// Options configures an engine instance.
type Options struct {
	// MasterVolume is the root channel's starting volume. Zero means
	// DefaultMasterVolume.
	MasterVolume float64

	// Listener receives external events; nil disables event listening
	// (posting agents then fails with ErrSchedule).
	Listener EventSource

	// StatsInterval is the seconds between stats emissions; zero
	// disables the periodic dump.
	StatsInterval float64

	// VerboseErrors expands trapped agent errors with full detail.
	VerboseErrors bool

	// TrimThreshold, TrimOffset, UnloadInterval, and UnloadAge override
	// the engine timing constants when positive. Tests and debugging
	// use small values; production runs on the defaults.
	TrimThreshold  int64
	TrimOffset     int64
	UnloadInterval int64
	UnloadAge      int64
}

// postedEvent pairs a runnable posted agent with the event that woke it.
type postedEvent struct {
	rec *postRec
	ev  Event
}

// Engine owns all generation state for one soundscape stream.
type Engine struct {
	id          string
	logger      *slog.Logger
	statsLogger *slog.Logger

	out   Output
	store *sample.Store
	arena *channel.Arena
	mix   *mixer.Mixer

	fps int
	bpf int

	listener      EventSource
	verboseErrors bool

	trimThreshold  int64
	trimOffset     int64
	unloadInterval int64
	unloadAge      int64

	queue  agentQueue
	queued map[Agent]*agentRec

	posted   map[Agent]*postRec
	eventReg map[string][]*postRec

	postqueue []postedEvent
	external  chan Event

	// agentRuntime anchors nested scheduling calls: while an agent runs,
	// delays are measured from the agent's own deadline, not from the
	// buffer boundary.
	agentRuntime int64

	seq           uint64
	lastUnload    int64
	lastStats     int64
	statsInterval int64
	frames        int64

	statsSnap atomic.Pointer[Stats]
	started   time.Time
}

// New creates an engine over the given sample store and sink surface.
func New(store *sample.Store, out Output, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	masterVol := opts.MasterVolume
	if masterVol == 0 {
		masterVol = DefaultMasterVolume
	}
	fps := out.FramesPerSec()

	e := &Engine{
		id:             uuid.NewString(),
		logger:         logger.With("subsystem", "engine"),
		statsLogger:    logger.With("subsystem", "stats"),
		out:            out,
		store:          store,
		fps:            fps,
		bpf:            out.FramesPerBuf(),
		listener:       opts.Listener,
		verboseErrors:  opts.VerboseErrors,
		trimThreshold:  DefaultTrimThreshold,
		trimOffset:     DefaultTrimOffset,
		unloadInterval: DefaultUnloadInterval,
		unloadAge:      DefaultUnloadAge,
		queued:         make(map[Agent]*agentRec),
		posted:         make(map[Agent]*postRec),
		eventReg:       make(map[string][]*postRec),
		external:       make(chan Event, externalQueueSize),
		started:        time.Now(),
	}
	if opts.TrimThreshold > 0 {
		e.trimThreshold = opts.TrimThreshold
	}
	if opts.TrimOffset > 0 {
		e.trimOffset = opts.TrimOffset
	}
	if opts.UnloadInterval > 0 {
		e.unloadInterval = opts.UnloadInterval
	}
	if opts.UnloadAge > 0 {
		e.unloadAge = opts.UnloadAge
	}
	if opts.StatsInterval > 0 {
		e.statsInterval = int64(opts.StatsInterval * float64(fps))
	}

	e.arena = channel.NewArena(masterVol, logger)
	e.mix = mixer.New(store, e.arena, fps, logger)
	e.publishStats()

	e.logger.Info("engine setting up",
		"engine_id", e.id,
		"frames_per_sec", e.fps,
		"frames_per_buf", e.bpf,
		"master_volume", masterVol,
		"listening", e.listener != nil,
	)
	return e
}

// ID returns the engine instance id.
func (e *Engine) ID() string { return e.id }

// FramesPerSec returns the output rate the engine runs at.
func (e *Engine) FramesPerSec() int { return e.fps }

// RootChannel returns the root of the channel tree.
func (e *Engine) RootChannel() channel.ID { return e.arena.Root() }

// Close shuts down the event listener, if any.
func (e *Engine) Close() error {
	var err error
	if e.listener != nil {
		err = e.listener.Close()
	}
	e.logger.Info("engine shut down", "engine_id", e.id)
	return err
}

// Bootstrap schedules the initial agent on the root channel at virtual
// frame zero. Call it once, before the sink starts pumping.
func (e *Engine) Bootstrap(ag Agent) error {
	ctx := &Context{eng: e, rec: &agentRec{channel: e.arena.Root(), origDelay: -1}}
	return ctx.ScheduleAgent(ag, 0, e.arena.Root())
}

// InjectEvent queues an event from outside the generation thread (the
// admin API, for example). It is delivered with the next step's poll.
// The event is dropped when the queue is full.
func (e *Engine) InjectEvent(ev Event) {
	select {
	case e.external <- ev:
	default:
		e.logger.Warn("external event queue full, dropping event", "event", ev.String())
	}
}

// SendEvent dispatches an event as if it had just arrived from the
// listener. Only the generation thread may call it; agents reach it
// through their Context.
func (e *Engine) SendEvent(ev Event) {
	if len(ev) == 0 {
		return
	}
	watchers := e.eventReg[ev.EventName()]
	for _, rec := range watchers {
		e.postqueue = append(e.postqueue, postedEvent{rec: rec, ev: ev})
	}
}

// Render synthesizes the output buffer for the step that just ran.
// Mixing errors are fatal to the stream.
func (e *Engine) Render(buf []int16, start int64) error {
	err := e.mix.Render(buf, start)
	e.frames = start + int64(len(buf)/2)
	return err
}

// Step advances engine state for the buffer beginning at frame start.
// It returns Stop when the channel tree has emptied; every other outcome
// is Continue. Errors from housekeeping (trim, unload, invariants) are
// fatal; errors from agents are trapped and logged.
func (e *Engine) Step(start int64) (Outcome, error) {
	// 1. Timebase trim.
	if start >= e.trimThreshold {
		start = e.trim(start)
	}

	// 2. Sample unload.
	if e.lastUnload+e.unloadInterval < start {
		e.lastUnload = start
		e.store.UnloadIdle(start - e.unloadAge)
	}

	// 3. Stats tick.
	if e.statsInterval > 0 && e.lastStats+e.statsInterval < start {
		e.lastStats = start
		e.statsLogger.Info(e.Stats().Paragraph())
	}

	// 4. Stop-list drain.
	for _, id := range e.arena.DrainStopList() {
		if err := e.realStop(id); err != nil {
			return Continue, err
		}
	}

	// 5. Event poll.
	e.pollEvents()

	// 6. Agent dispatch: posted agents first, in receipt order, then
	// scheduled agents in time order.
	next := start + int64(e.bpf)
	e.agentRuntime = start
	e.runPosted()
	e.runScheduled(start, next)

	// 7. Volume envelope update at the last frame of the buffer about
	// to be rendered.
	e.arena.UpdateVolumes(next - 1)

	// 8. Auto-close empty channels; an empty arena ends the stream.
	empty, err := e.arena.CloseEmpty()
	if err != nil {
		return Continue, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	e.publishStats()
	if empty {
		e.logger.Info("channel tree empty, stopping generation")
		return Stop, nil
	}
	return Continue, nil
}

// trim shifts the virtual timebase down by the trim offset: the sink's
// counter, every queued agent, every live envelope, every sample stamp,
// and every active note move together so relative offsets are preserved.
func (e *Engine) trim(start int64) int64 {
	off := e.trimOffset
	e.logger.Debug("trimming timebase", "offset", off, "at", start)
	e.out.AdjustTimebase(off)
	e.lastUnload -= off
	if e.statsInterval > 0 {
		e.lastStats -= off
	}
	start -= off
	e.store.AdjustTimebase(off, e.unloadAge)
	e.mix.AdjustTimebase(off)
	for _, rec := range e.queue {
		rec.runtime -= off
	}
	e.arena.AdjustTimebase(off, start)
	return start
}

// pollEvents drains the external injection queue and the listener, and
// maps each event through the watcher registry onto the postqueue.
func (e *Engine) pollEvents() {
	for {
		select {
		case ev := <-e.external:
			e.SendEvent(ev)
			continue
		default:
		}
		break
	}
	if e.listener == nil {
		return
	}
	for _, tokens := range e.listener.Poll() {
		if len(tokens) == 0 {
			continue
		}
		e.SendEvent(Event(tokens))
	}
}

// runPosted drains the postqueue. Events appended while a posted agent
// runs are seen within the same drain, matching receipt order.
func (e *Engine) runPosted() {
	for len(e.postqueue) > 0 {
		pe := e.postqueue[0]
		e.postqueue = e.postqueue[1:]

		rec := pe.rec
		if _, still := e.posted[rec.agent]; !still {
			continue
		}
		if !e.arena.IsActive(rec.channel) {
			e.trapAgentErr(rec.agent, fmt.Errorf("%w: posted agent not in active channel", ErrInternal))
			continue
		}
		ctx := &Context{eng: e, rec: &agentRec{agent: rec.agent, channel: rec.channel, origDelay: -1}}
		e.invokeReceive(rec.agent, ctx, pe.ev)
	}
}

// runScheduled pops and runs every agent whose deadline falls before the
// end of this buffer.
func (e *Engine) runScheduled(start, next int64) {
	for len(e.queue) > 0 && e.queue[0].runtime < next {
		rec := e.popAgent()
		rec.queued = false
		delete(e.queued, rec.agent)
		if err := e.arena.RemoveAgent(rec.channel); err != nil {
			e.trapAgentErr(rec.agent, err)
			continue
		}
		if !e.arena.IsActive(rec.channel) {
			e.trapAgentErr(rec.agent, fmt.Errorf("%w: queued agent not in active channel", ErrInternal))
			continue
		}
		e.agentRuntime = rec.runtime
		ctx := &Context{eng: e, rec: rec}
		e.invokeRun(rec.agent, ctx)
	}
	e.agentRuntime = start
}

// invokeRun calls an agent's Run, trapping both errors and panics.
func (e *Engine) invokeRun(ag Agent, ctx *Context) {
	defer func() {
		if r := recover(); r != nil {
			e.trapAgentErr(ag, fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()
	if err := ag.Run(ctx); err != nil {
		e.trapAgentErr(ag, err)
	}
}

// invokeReceive calls a posted agent's Receive, trapping errors and panics.
func (e *Engine) invokeReceive(ag EventAgent, ctx *Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.trapAgentErr(ag, fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()
	if err := ag.Receive(ctx, ev); err != nil {
		e.trapAgentErr(ag, err)
	}
}

// trapAgentErr reports a non-fatal agent failure: one line naming the
// agent and the error, with full detail when verbose errors are on.
func (e *Engine) trapAgentErr(ag Agent, err error) {
	if e.verboseErrors {
		e.logger.Error("agent failed", "agent", ag.Name(), "error", err, "detail", fmt.Sprintf("%+v", err))
		return
	}
	e.logger.Error("agent failed", "agent", ag.Name(), "error", err)
}

// realStop tears down a channel subtree: cut its notes, unqueue its
// scheduled agents, unpost its event agents, and close every channel
// deepest-first.
func (e *Engine) realStop(id channel.ID) error {
	if err := e.mix.StopChannel(id); err != nil {
		return err
	}

	var drop []*agentRec
	for _, rec := range e.queue {
		if e.arena.IsDescendant(rec.channel, id) {
			drop = append(drop, rec)
		}
	}
	for _, rec := range drop {
		e.removeAgent(rec)
		rec.queued = false
		delete(e.queued, rec.agent)
		if err := e.arena.RemoveAgent(rec.channel); err != nil {
			return err
		}
	}

	var unpost []*postRec
	for _, rec := range e.posted {
		if e.arena.IsDescendant(rec.channel, id) {
			unpost = append(unpost, rec)
		}
	}
	for _, rec := range unpost {
		if err := e.unpostRec(rec); err != nil {
			return err
		}
	}

	for _, cid := range e.arena.Subtree(id) {
		ch := e.arena.Lookup(cid)
		if ch == nil || !ch.Active() {
			continue
		}
		if err := e.arena.Close(cid); err != nil {
			return err
		}
	}
	return nil
}

// unpostRec removes one posted agent from the registry and its channel.
func (e *Engine) unpostRec(rec *postRec) error {
	for _, name := range rec.events {
		watchers := e.eventReg[name]
		for i, w := range watchers {
			if w == rec {
				e.eventReg[name] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		if len(e.eventReg[name]) == 0 {
			delete(e.eventReg, name)
		}
	}
	delete(e.posted, rec.agent)
	return e.arena.RemoveAgent(rec.channel)
}

// CheckInvariants verifies the cross-component invariants that must hold
// after every generation step: non-negative per-channel counts that match
// reality, queued agents on active channels, no duplicates in the queue,
// parent/depth consistency, and ref-counts matching active notes. Tests
// call it after each step; production code does not.
func (e *Engine) CheckInvariants() error {
	agentsPerChan := make(map[channel.ID]int)
	for _, rec := range e.queue {
		if !rec.queued {
			return errors.New("unqueued record in run queue")
		}
		if !e.arena.IsActive(rec.channel) {
			return fmt.Errorf("queued agent %q on inactive channel %d", rec.agent.Name(), rec.channel)
		}
		agentsPerChan[rec.channel]++
	}
	seen := make(map[Agent]bool, len(e.queue))
	for _, rec := range e.queue {
		if seen[rec.agent] {
			return fmt.Errorf("agent %q queued twice", rec.agent.Name())
		}
		seen[rec.agent] = true
	}
	if len(e.queue) > 0 {
		head := e.queue[0]
		for _, rec := range e.queue[1:] {
			if rec.runtime < head.runtime {
				return errors.New("queue head does not have minimum runtime")
			}
		}
	}
	for _, rec := range e.posted {
		if !e.arena.IsActive(rec.channel) {
			return fmt.Errorf("posted agent %q on inactive channel %d", rec.agent.Name(), rec.channel)
		}
		agentsPerChan[rec.channel]++
	}

	notesPerChan := e.mix.NotesPerChannel()
	childPerChan := make(map[channel.ID]int)
	e.arena.Walk(func(c *channel.Channel) {
		if c.Parent() != 0 {
			childPerChan[c.Parent()]++
		}
	})

	var ierr error
	e.arena.Walk(func(c *channel.Channel) {
		if ierr != nil {
			return
		}
		if c.NoteCount() < 0 || c.AgentCount() < 0 || c.ChildCount() < 0 {
			ierr = fmt.Errorf("channel %d has negative counts", c.ID())
			return
		}
		if c.AgentCount() != agentsPerChan[c.ID()] {
			ierr = fmt.Errorf("channel %d agent count %d, actual %d", c.ID(), c.AgentCount(), agentsPerChan[c.ID()])
			return
		}
		if c.NoteCount() != notesPerChan[c.ID()] {
			ierr = fmt.Errorf("channel %d note count %d, actual %d", c.ID(), c.NoteCount(), notesPerChan[c.ID()])
			return
		}
		if c.ChildCount() != childPerChan[c.ID()] {
			ierr = fmt.Errorf("channel %d child count %d, actual %d", c.ID(), c.ChildCount(), childPerChan[c.ID()])
			return
		}
		if c.Parent() != 0 {
			p := e.arena.Lookup(c.Parent())
			if p == nil || !p.Active() {
				ierr = fmt.Errorf("channel %d has inactive parent", c.ID())
				return
			}
			if p.Depth()+1 != c.Depth() {
				ierr = fmt.Errorf("channel %d depth %d under parent depth %d", c.ID(), c.Depth(), p.Depth())
				return
			}
		}
	})
	if ierr != nil {
		return ierr
	}

	notesPerSample := e.mix.NotesPerSample()
	for id, want := range notesPerSample {
		samp := e.store.Lookup(id)
		if samp == nil {
			return fmt.Errorf("note references unknown sample %d", id)
		}
		if samp.RefCount() != want {
			return fmt.Errorf("sample %s refcount %d, actual notes %d", samp.Path, samp.RefCount(), want)
		}
	}
	if _, _, _, total := e.store.Counts(); total != e.mix.NoteCount() {
		return fmt.Errorf("total sample refcount %d, active notes %d", total, e.mix.NoteCount())
	}
	return nil
}
