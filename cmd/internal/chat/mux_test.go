package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeBackend records subscriptions and lets tests push events through the
// registered sinks.
type fakeBackend struct {
	mu           sync.Mutex
	failFirst    int
	attempts     int
	nextHandle   int
	sinks        map[SubscriptionHandle]EventSink
	unsubscribed []SubscriptionHandle
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{sinks: make(map[SubscriptionHandle]EventSink)}
}

func (b *fakeBackend) Subscribe(_ context.Context, _ string, sink EventSink) (SubscriptionHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++
	if b.attempts <= b.failFirst {
		return "", errors.New("subscribe refused")
	}
	b.nextHandle++
	h := SubscriptionHandle(fmt.Sprintf("h%d", b.nextHandle))
	b.sinks[h] = sink
	return h, nil
}

func (b *fakeBackend) Unsubscribe(handle SubscriptionHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sinks, handle)
	b.unsubscribed = append(b.unsubscribed, handle)
	return nil
}

func (b *fakeBackend) subscribeAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func (b *fakeBackend) sink(handle SubscriptionHandle) EventSink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sinks[handle]
}

func (b *fakeBackend) liveHandles() []SubscriptionHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SubscriptionHandle, 0, len(b.sinks))
	for h := range b.sinks {
		out = append(out, h)
	}
	return out
}

func (b *fakeBackend) FetchHistory(context.Context, string, int) ([]Message, error) { return nil, nil }
func (b *fakeBackend) Insert(_ context.Context, msg Message) (Message, error)       { return msg, nil }
func (b *fakeBackend) Update(context.Context, string, MessagePatch) (Message, error) {
	return Message{}, nil
}
func (b *fakeBackend) Delete(context.Context, string) error { return nil }
func (b *fakeBackend) ToggleReaction(context.Context, string, string, string, string) error {
	return nil
}
func (b *fakeBackend) PublishPresence(context.Context, string, string, bool) error { return nil }
func (b *fakeBackend) Close() error                                                { return nil }

type fakeTarget struct {
	mu        sync.Mutex
	messages  []ChangeEvent
	reactions []ChangeEvent
	stales    []bool
}

func (t *fakeTarget) ApplyMessage(ev ChangeEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, ev)
}

func (t *fakeTarget) ApplyReaction(ev ChangeEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reactions = append(t.reactions, ev)
}

func (t *fakeTarget) SetStale(stale bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stales = append(t.stales, stale)
}

func (t *fakeTarget) messageCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

func (t *fakeTarget) staleHistory() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.stales...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func messageEvent(op Op, id, key, body string, created time.Time) ChangeEvent {
	return ChangeEvent{
		Table: TableMessages,
		Op:    op,
		Row:   Row{ID: id, ConversationKey: key, AuthorID: "alice", Body: body, CreatedAt: created},
	}
}

func TestMux_RefCountedSubscription(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	m := NewMultiplexer(nil, be, nil, nil)
	target := &fakeTarget{}

	m.Open("room:general", target)
	m.Open("room:general", target)

	waitFor(t, func() bool { return m.State("room:general") == "live" }, "subscription live")

	if got := be.subscribeAttempts(); got != 1 {
		t.Fatalf("subscribe attempts=%d want=1 (second open must only refcount)", got)
	}

	m.Close("room:general")
	if got := m.State("room:general"); got != "live" {
		t.Fatalf("state=%q want live while a viewer remains", got)
	}

	m.Close("room:general")
	if got := m.State("room:general"); got != "closed" {
		t.Fatalf("state=%q want closed at refcount zero", got)
	}
	waitFor(t, func() bool { return len(be.liveHandles()) == 0 }, "unsubscribe at refcount zero")
}

func TestMux_DeduplicatesByOpAndRevision(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	m := NewMultiplexer(nil, be, nil, nil)
	target := &fakeTarget{}

	m.Open("room:general", target)
	waitFor(t, func() bool { return len(be.liveHandles()) == 1 }, "subscription live")
	sink := be.sink(be.liveHandles()[0])

	now := time.Now().UTC()
	ev := messageEvent(OpInsert, "m1", "room:general", "hi", now)

	sink.OnEvent(ev)
	sink.OnEvent(ev) // replayed duplicate
	waitFor(t, func() bool { return target.messageCount() >= 1 }, "first event applied")
	if got := target.messageCount(); got != 1 {
		t.Fatalf("applied=%d want=1 (duplicate must be suppressed)", got)
	}

	// Same row at a newer revision is a distinct event.
	edited := messageEvent(OpUpdate, "m1", "room:general", "hi!", now)
	edited.Row.EditedAt = now.Add(time.Second)
	sink.OnEvent(edited)
	waitFor(t, func() bool { return target.messageCount() == 2 }, "edit applied")
}

func TestMux_KeyMismatchAndDerivedKey(t *testing.T) {
	t.Parallel()

	key, err := DeriveDMKey("alice", "bob")
	if err != nil {
		t.Fatalf("DeriveDMKey: %v", err)
	}

	be := newFakeBackend()
	m := NewMultiplexer(nil, be, nil, nil)
	target := &fakeTarget{}

	m.Open(key, target)
	waitFor(t, func() bool { return len(be.liveHandles()) == 1 }, "subscription live")
	sink := be.sink(be.liveHandles()[0])

	now := time.Now().UTC()

	// A row for another conversation must never cross over.
	sink.OnEvent(messageEvent(OpInsert, "mX", "room:general", "leak", now))

	// A raw row without a key is routed via its participants.
	raw := ChangeEvent{
		Table: TableMessages,
		Op:    OpInsert,
		Row: Row{
			ID:           "m1",
			Participants: []string{"bob", "alice"}, // reversed on purpose
			AuthorID:     "bob",
			Body:         "hej",
			CreatedAt:    now,
		},
	}
	sink.OnEvent(raw)

	waitFor(t, func() bool { return target.messageCount() == 1 }, "derived-key event applied")
	if target.messages[0].Row.ID != "m1" {
		t.Fatalf("applied row %q, want m1 only", target.messages[0].Row.ID)
	}
}

func TestMux_DropResubscribesWithStaleFlag(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	m := NewMultiplexer(nil, be, nil, nil)
	target := &fakeTarget{}

	m.Open("room:general", target)
	waitFor(t, func() bool { return len(be.liveHandles()) == 1 }, "first subscription live")
	sink := be.sink(be.liveHandles()[0])

	sink.OnDrop(errors.New("connection reset"))

	waitFor(t, func() bool { return m.State("room:general") == "subscribing" || be.subscribeAttempts() >= 2 }, "drop observed")
	waitFor(t, func() bool { return m.State("room:general") == "live" }, "resubscribed")

	hist := target.staleHistory()
	if len(hist) < 3 || hist[len(hist)-2] != true || hist[len(hist)-1] != false {
		t.Fatalf("stale history=%v want ... true,false around the reconnect", hist)
	}

	// The old sink belongs to a dead generation; its events must be ignored.
	sink.OnEvent(messageEvent(OpInsert, "m1", "room:general", "ghost", time.Now().UTC()))
	time.Sleep(20 * time.Millisecond)
	if got := target.messageCount(); got != 0 {
		t.Fatalf("applied=%d want=0 from a dropped generation", got)
	}
}

func TestMux_SubscribeRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.failFirst = 1
	m := NewMultiplexer(nil, be, nil, nil)
	target := &fakeTarget{}

	m.Open("room:general", target)
	waitFor(t, func() bool { return m.State("room:general") == "live" }, "live after retry")
	if got := be.subscribeAttempts(); got != 2 {
		t.Fatalf("attempts=%d want=2", got)
	}
}

func TestMux_PresenceBypassesDedupe(t *testing.T) {
	t.Parallel()

	presence := NewPresenceSignal(nil, nil)
	be := newFakeBackend()
	m := NewMultiplexer(nil, be, presence, nil)
	target := &fakeTarget{}

	m.Open("room:general", target)
	waitFor(t, func() bool { return len(be.liveHandles()) == 1 }, "subscription live")
	sink := be.sink(be.liveHandles()[0])

	now := time.Now().UTC()
	ev := ChangeEvent{
		Table: TablePresence,
		Op:    OpInsert,
		Row:   Row{ID: "p1", ConversationKey: "room:general", ActorID: "bob", Typing: true, CreatedAt: now},
	}
	sink.OnEvent(ev)
	sink.OnEvent(ev) // replays are harmless upserts

	waitFor(t, func() bool { return presence.Snapshot("bob", now).Typing }, "typing applied")
}
