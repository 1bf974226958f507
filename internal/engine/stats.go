package engine

import (
	"fmt"
	"strings"
	"time"
)

// Stats is a point-in-time snapshot of engine state. Snapshots are
// published atomically after every generation step so the admin API and
// metrics collector can read them from any goroutine.
type Stats struct {
	EngineID        string  `json:"engine_id"`
	AgentsScheduled int     `json:"agents_scheduled"`
	AgentsPosted    int     `json:"agents_posted"`
	Listening       bool    `json:"listening"`
	Channels        int     `json:"channels"`
	Samples         int     `json:"samples"`
	SamplesLoaded   int     `json:"samples_loaded"`
	SamplesUnloaded int     `json:"samples_unloaded"`
	SamplesVirtual  int     `json:"samples_virtual"`
	Notes           int     `json:"notes"`
	Frames          int64   `json:"frames"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// Stats computes a fresh snapshot from engine state. Only the generation
// thread may call it; other goroutines use Snapshot.
func (e *Engine) Stats() *Stats {
	loaded, unloaded, virtual, notes := e.store.Counts()
	return &Stats{
		EngineID:        e.id,
		AgentsScheduled: len(e.queue),
		AgentsPosted:    len(e.posted),
		Listening:       e.listener != nil,
		Channels:        e.arena.Len(),
		Samples:         e.store.Len(),
		SamplesLoaded:   loaded,
		SamplesUnloaded: unloaded,
		SamplesVirtual:  virtual,
		Notes:           notes,
		Frames:          e.frames,
		UptimeSeconds:   time.Since(e.started).Seconds(),
	}
}

// publishStats refreshes the shared snapshot.
func (e *Engine) publishStats() {
	e.statsSnap.Store(e.Stats())
}

// Snapshot returns the most recently published stats. Safe from any
// goroutine.
func (e *Engine) Snapshot() *Stats {
	return e.statsSnap.Load()
}

// Paragraph formats the snapshot as the one-paragraph stats dump.
func (s *Stats) Paragraph() string {
	var b strings.Builder
	b.WriteString("...\n")
	if s.Listening {
		fmt.Fprintf(&b, "%d agents (%d scheduled, %d posted)\n",
			s.AgentsScheduled+s.AgentsPosted, s.AgentsScheduled, s.AgentsPosted)
	} else {
		fmt.Fprintf(&b, "%d agents\n", s.AgentsScheduled)
	}
	fmt.Fprintf(&b, "%d channels\n", s.Channels)
	fmt.Fprintf(&b, "%d samples (%d loaded, %d unloaded, %d virtual)\n",
		s.Samples, s.SamplesLoaded, s.SamplesUnloaded, s.SamplesVirtual)
	fmt.Fprintf(&b, "%d notes", s.Notes)
	return b.String()
}
