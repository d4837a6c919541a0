package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type muxState uint8

const (
	muxClosed muxState = iota
	muxSubscribing
	muxLive
)

func (s muxState) String() string {
	switch s {
	case muxSubscribing:
		return "subscribing"
	case muxLive:
		return "live"
	default:
		return "closed"
	}
}

// Target is the per-conversation routing destination registered at Open.
// The controller implements it; the multiplexer never holds stores directly
// so conversation ownership stays in one place.
type Target interface {
	ApplyMessage(ev ChangeEvent)
	ApplyReaction(ev ChangeEvent)
	SetStale(stale bool)
}

// Multiplexer owns at most one live backend subscription per conversation
// key and demultiplexes inbound change events to the owning conversation.
//
// Concurrency guarantees:
// - Open/Close are reference-counted: the underlying subscription is issued
//   once and released only when the viewer count returns to zero.
// - Events are applied in transport order; the multiplexer deduplicates and
//   routes, it never reorders.
// - Duplicate delivery is suppressed by tracking the last-applied
//   (op, editedAt-or-createdAt) per row id.
type Multiplexer struct {
	log      *slog.Logger
	backend  Backend
	presence *PresenceSignal
	metrics  *Metrics

	mu   sync.Mutex
	subs map[string]*muxSub
}

type appliedStamp struct {
	op  Op
	rev time.Time
}

type muxSub struct {
	key    string
	state  muxState
	refs   int
	gen    uint64
	handle SubscriptionHandle
	target Target
	stale  bool

	// applied survives resubscription so replayed events after a reconnect
	// are still suppressed.
	applied map[string]appliedStamp

	cancel context.CancelFunc
}

// NewMultiplexer constructs a multiplexer over one backend.
func NewMultiplexer(log *slog.Logger, backend Backend, presence *PresenceSignal, metrics *Metrics) *Multiplexer {
	if log == nil {
		log = slog.Default()
	}
	return &Multiplexer{
		log:      log,
		backend:  backend,
		presence: presence,
		metrics:  metrics,
		subs:     make(map[string]*muxSub),
	}
}

// Open ensures a live subscription for key routed to target. Calling Open on
// an already-subscribing or live key only bumps the reference count.
func (m *Multiplexer) Open(key string, target Target) {
	m.mu.Lock()

	if sub, ok := m.subs[key]; ok {
		sub.refs++
		m.mu.Unlock()
		return
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &muxSub{
		key:     key,
		state:   muxSubscribing,
		refs:    1,
		target:  target,
		applied: make(map[string]appliedStamp),
		cancel:  cancel,
	}
	m.subs[key] = sub
	gen := sub.gen
	m.mu.Unlock()

	m.log.Info("mux.subscribe", "key", key)
	go m.subscribeLoop(subCtx, key, gen)
}

// Close decrements the reference count for key and, at zero, releases the
// underlying subscription.
func (m *Multiplexer) Close(key string) {
	m.mu.Lock()

	sub, ok := m.subs[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	sub.refs--
	if sub.refs > 0 {
		m.mu.Unlock()
		return
	}

	delete(m.subs, key)
	handle := sub.handle
	wasLive := sub.state == muxLive
	sub.state = muxClosed
	sub.cancel()
	m.mu.Unlock()

	if wasLive {
		m.metrics.subscriptionLive(-1)
		if err := m.backend.Unsubscribe(handle); err != nil {
			m.log.Info("mux.unsubscribe.fail", "key", key, "err", err)
		}
	}
	m.log.Info("mux.close", "key", key)
}

// State reports the subscription state for key.
func (m *Multiplexer) State(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.subs[key]; ok {
		return sub.state.String()
	}
	return muxClosed.String()
}

// ---- subscription lifecycle ----

func (m *Multiplexer) subscribeLoop(ctx context.Context, key string, gen uint64) {
	delay := resubscribeBase
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			m.metrics.resubscribe()
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > resubscribeMax {
				delay = resubscribeMax
			}
		}

		handle, err := m.backend.Subscribe(ctx, key, &muxSink{mux: m, key: key, gen: gen})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Info("mux.subscribe.fail", "key", key, "attempt", attempt, "err", err)
			continue
		}

		m.mu.Lock()
		sub, ok := m.subs[key]
		if !ok || sub.gen != gen {
			// Closed (or replaced) while the request was in flight: a stale
			// confirmation must not leave a dangling live subscription.
			m.mu.Unlock()
			_ = m.backend.Unsubscribe(handle)
			return
		}
		sub.handle = handle
		sub.state = muxLive
		sub.stale = false
		target := sub.target
		m.mu.Unlock()

		m.metrics.subscriptionLive(1)
		// SetStale(false) doubles as the live confirmation: the controller
		// uses it to flip Loading -> Ready once history is in as well.
		if target != nil {
			target.SetStale(false)
		}
		m.log.Info("mux.live", "key", key, "handle", string(handle), "attempt", attempt)
		return
	}
}

// dropped handles a transport-level disconnect for one subscription.
func (m *Multiplexer) dropped(key string, gen uint64, cause error) {
	m.mu.Lock()
	sub, ok := m.subs[key]
	if !ok || sub.gen != gen {
		m.mu.Unlock()
		return
	}
	wasLive := sub.state == muxLive
	sub.state = muxSubscribing
	sub.stale = true
	sub.gen++
	newGen := sub.gen
	target := sub.target
	sub.cancel()
	subCtx, cancel := context.WithCancel(context.Background())
	sub.cancel = cancel
	m.mu.Unlock()

	if wasLive {
		m.metrics.subscriptionLive(-1)
	}
	if target != nil {
		target.SetStale(true)
	}
	m.log.Info("mux.dropped", "key", key, "err", cause)

	go m.subscribeLoop(subCtx, key, newGen)
}

// ---- routing ----

type muxSink struct {
	mux *Multiplexer
	key string
	gen uint64
}

func (s *muxSink) OnEvent(ev ChangeEvent) { s.mux.route(s.key, s.gen, ev) }
func (s *muxSink) OnDrop(err error)       { s.mux.dropped(s.key, s.gen, err) }

func (m *Multiplexer) route(key string, gen uint64, ev ChangeEvent) {
	// A message row can arrive without its conversation key (e.g. a raw
	// replication row); re-derive it from the participants.
	if ev.Row.ConversationKey == "" && len(ev.Row.Participants) == 2 {
		derived, err := DeriveDMKey(ev.Row.Participants[0], ev.Row.Participants[1])
		if err != nil {
			m.log.Info("mux.route.bad_row", "key", key, "err", err)
			return
		}
		ev.Row.ConversationKey = derived
	}
	if ev.Row.ConversationKey != "" && ev.Row.ConversationKey != key {
		m.log.Info("mux.route.key_mismatch", "key", key, "row_key", ev.Row.ConversationKey)
		return
	}

	m.mu.Lock()
	sub, ok := m.subs[key]
	if !ok || sub.gen != gen || sub.state == muxClosed {
		m.mu.Unlock()
		return
	}

	// Presence rows mutate a decaying map keyed by actor; replaying them is
	// harmless, so they bypass duplicate tracking.
	if ev.Table != TablePresence {
		stamp := appliedStamp{op: ev.Op, rev: ev.Revision()}
		if last, seen := sub.applied[ev.Row.ID]; seen && last == stamp {
			m.mu.Unlock()
			m.metrics.duplicate()
			m.log.Debug("mux.route.duplicate", "key", key, "row_id", ev.Row.ID)
			return
		}
		sub.applied[ev.Row.ID] = stamp
	}
	target := sub.target
	m.mu.Unlock()

	switch ev.Table {
	case TableMessages:
		m.metrics.merged()
		if target != nil {
			target.ApplyMessage(ev)
		}
	case TableReactions:
		if target != nil {
			target.ApplyReaction(ev)
		}
	case TablePresence:
		m.routePresence(ev)
	default:
		m.log.Info("mux.route.unknown_table", "key", key, "table", string(ev.Table))
	}
}

func (m *Multiplexer) routePresence(ev ChangeEvent) {
	if m.presence == nil || ev.Row.ActorID == "" {
		return
	}
	// Presence rows carry full state, so applying one is an upsert: the
	// typing flag as published plus a heartbeat refresh.
	m.presence.SetTyping(ev.Row.ActorID, ev.Row.Typing, ev.Revision())
}
