package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PresenceView is the decayed presence snapshot for one actor.
type PresenceView struct {
	ActorID  string
	Online   bool
	Typing   bool
	LastSeen time.Time
}

type presenceEntry struct {
	lastHeartbeat time.Time
	typing        bool
	typingSetAt   time.Time
}

// PresenceSignal is the ephemeral, time-decayed actor presence map. It is
// keyed by actor id and shared across all conversations; state is
// process-local and rebuilt from scratch on restart.
//
// Decay is evaluated by one periodic sweep, never by per-entry timers, so the
// number of scheduled tasks stays constant regardless of actor count.
type PresenceSignal struct {
	log     *slog.Logger
	metrics *Metrics

	typingWindow time.Duration
	onlineWindow time.Duration

	mu      sync.Mutex
	entries map[string]*presenceEntry
}

// NewPresenceSignal constructs a presence map with the default decay windows.
func NewPresenceSignal(log *slog.Logger, metrics *Metrics) *PresenceSignal {
	if log == nil {
		log = slog.Default()
	}
	return &PresenceSignal{
		log:          log,
		metrics:      metrics,
		typingWindow: typingWindow,
		onlineWindow: onlineWindow,
		entries:      make(map[string]*presenceEntry),
	}
}

// Heartbeat refreshes the actor's liveness timestamp.
func (p *PresenceSignal) Heartbeat(actorID string, now time.Time) {
	if actorID == "" {
		return
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entries[actorID]
	if e == nil {
		e = &presenceEntry{}
		p.entries[actorID] = e
	}
	e.lastHeartbeat = now
}

// SetTyping sets the explicit typing flag. An explicit signal always wins
// over the sweep until the next window gap.
func (p *PresenceSignal) SetTyping(actorID string, typing bool, now time.Time) {
	if actorID == "" {
		return
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entries[actorID]
	if e == nil {
		e = &presenceEntry{}
		p.entries[actorID] = e
	}
	e.typing = typing
	e.typingSetAt = now
	e.lastHeartbeat = now
}

// Snapshot returns the decayed view for one actor as of now.
func (p *PresenceSignal) Snapshot(actorID string, now time.Time) PresenceView {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entries[actorID]
	if e == nil {
		return PresenceView{ActorID: actorID}
	}
	return PresenceView{
		ActorID:  actorID,
		Online:   now.Sub(e.lastHeartbeat) <= p.onlineWindow,
		Typing:   e.typing && now.Sub(e.typingSetAt) <= p.typingWindow,
		LastSeen: e.lastHeartbeat,
	}
}

// Sweep expires stale typing flags and evicts actors past the online window.
// It returns the number of evicted actors.
func (p *PresenceSignal) Sweep(now time.Time) int {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for actor, e := range p.entries {
		if e.typing && now.Sub(e.typingSetAt) > p.typingWindow {
			e.typing = false
		}
		if now.Sub(e.lastHeartbeat) > p.onlineWindow {
			delete(p.entries, actor)
			evicted++
		}
	}
	return evicted
}

// RunSweeper runs the periodic sweep until ctx is done. One task total.
func (p *PresenceSignal) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = sweepInterval
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := p.Sweep(now.UTC()); n > 0 {
				p.metrics.sweepEvicted(n)
				p.log.Debug("presence.sweep.evicted", "count", n)
			}
		}
	}
}
