package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"commune/cmd/internal/chat"
)

type recordingSink struct {
	mu      sync.Mutex
	events  []chat.ChangeEvent
	dropped []error
}

func (s *recordingSink) OnEvent(ev chat.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) OnDrop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, err)
}

func (s *recordingSink) all() []chat.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.ChangeEvent(nil), s.events...)
}

func (s *recordingSink) dropCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dropped)
}

func TestMemory_InsertIdempotentByOptimisticID(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil)
	ctx := context.Background()

	msg := chat.Message{
		ID:              "tmp:abc",
		ConversationKey: "room:general",
		AuthorID:        "alice",
		Body:            "hi",
	}

	first, err := m.Insert(ctx, msg)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if first.ID == "" || first.ID == "tmp:abc" {
		t.Fatalf("id=%q want assigned authoritative id", first.ID)
	}
	if first.State != chat.DeliveryConfirmed {
		t.Fatalf("state=%v want confirmed", first.State)
	}

	// A retried send with the same optimistic id must not create a second row.
	second, err := m.Insert(ctx, msg)
	if err != nil {
		t.Fatalf("retried Insert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("retry id=%q want=%q", second.ID, first.ID)
	}

	page, err := m.FetchHistory(ctx, "room:general", 10)
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("history=%d want=1", len(page))
	}
}

func TestMemory_FetchHistoryNewestFirst(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, body := range []string{"one", "two", "three"} {
		_, err := m.Insert(ctx, chat.Message{
			ConversationKey: "room:general",
			AuthorID:        "alice",
			Body:            body,
			CreatedAt:       base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Insert %q: %v", body, err)
		}
	}

	page, err := m.FetchHistory(ctx, "room:general", 2)
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page=%d want=2", len(page))
	}
	if page[0].Body != "three" || page[1].Body != "two" {
		t.Fatalf("page=[%s %s] want newest first [three two]", page[0].Body, page[1].Body)
	}
}

func TestMemory_SubscribeReceivesChanges(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil)
	ctx := context.Background()
	sink := &recordingSink{}

	handle, err := m.Subscribe(ctx, "room:general", sink)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	stored, err := m.Insert(ctx, chat.Message{ConversationKey: "room:general", AuthorID: "alice", Body: "hi"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Another conversation's write must not reach this sink.
	if _, err := m.Insert(ctx, chat.Message{ConversationKey: "room:other", AuthorID: "bob", Body: "no"}); err != nil {
		t.Fatalf("Insert other: %v", err)
	}

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("events=%d want=1", len(events))
	}
	if events[0].Table != chat.TableMessages || events[0].Op != chat.OpInsert || events[0].Row.ID != stored.ID {
		t.Fatalf("event=%+v want insert of %s", events[0], stored.ID)
	}

	if err := m.Unsubscribe(handle); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if _, err := m.Insert(ctx, chat.Message{ConversationKey: "room:general", AuthorID: "alice", Body: "again"}); err != nil {
		t.Fatalf("Insert after unsubscribe: %v", err)
	}
	if got := len(sink.all()); got != 1 {
		t.Fatalf("events=%d want=1 after unsubscribe", got)
	}
}

func TestMemory_UpdateEditStampsEditedAt(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil)
	ctx := context.Background()

	stored, err := m.Insert(ctx, chat.Message{ConversationKey: "room:general", AuthorID: "alice", Body: "tpyo"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	body := "typo"
	updated, err := m.Update(ctx, stored.ID, chat.MessagePatch{Body: &body})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Body != "typo" || updated.EditedAt.IsZero() {
		t.Fatalf("updated=%+v want new body with EditedAt", updated)
	}

	if _, err := m.Update(ctx, "missing", chat.MessagePatch{Body: &body}); err == nil {
		t.Fatal("Update of unknown id must fail")
	}
}

func TestMemory_PinUnpinsOthers(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil)
	ctx := context.Background()

	a, _ := m.Insert(ctx, chat.Message{ConversationKey: "room:general", AuthorID: "alice", Body: "a"})
	b, _ := m.Insert(ctx, chat.Message{ConversationKey: "room:general", AuthorID: "alice", Body: "b"})

	pin := true
	if _, err := m.Update(ctx, a.ID, chat.MessagePatch{Pinned: &pin}); err != nil {
		t.Fatalf("pin a: %v", err)
	}
	got, err := m.Update(ctx, b.ID, chat.MessagePatch{Pinned: &pin})
	if err != nil {
		t.Fatalf("pin b: %v", err)
	}
	if !got.Pinned {
		t.Fatal("b not pinned")
	}

	page, err := m.FetchHistory(ctx, "room:general", 10)
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	pinned := 0
	for _, msg := range page {
		if msg.Pinned {
			pinned++
			if msg.ID != b.ID {
				t.Fatalf("pinned id=%s want=%s", msg.ID, b.ID)
			}
		}
	}
	if pinned != 1 {
		t.Fatalf("pinned=%d want=1 (last pin wins)", pinned)
	}
}

func TestMemory_DeleteIsIdempotentAndFansOut(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil)
	ctx := context.Background()

	stored, err := m.Insert(ctx, chat.Message{ConversationKey: "room:general", AuthorID: "alice", Body: "bye"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	sink := &recordingSink{}
	if _, err := m.Subscribe(ctx, "room:general", sink); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := m.Delete(ctx, stored.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := m.Delete(ctx, stored.ID); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if err := m.Delete(ctx, "missing"); err != nil {
		t.Fatalf("Delete unknown: %v", err)
	}

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("events=%d want=1 (repeat deletes are silent)", len(events))
	}
	if events[0].Op != chat.OpDelete || events[0].Row.ID != stored.ID {
		t.Fatalf("event=%+v want delete of %s", events[0], stored.ID)
	}

	page, err := m.FetchHistory(ctx, "room:general", 10)
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("history=%d want=0 after delete", len(page))
	}
}

func TestMemory_ToggleReactionEmitsInsertThenDelete(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil)
	ctx := context.Background()
	sink := &recordingSink{}
	if _, err := m.Subscribe(ctx, "room:general", sink); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := m.ToggleReaction(ctx, "room:general", "m1", "alice", "👍"); err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if err := m.ToggleReaction(ctx, "room:general", "m1", "alice", "👍"); err != nil {
		t.Fatalf("second toggle: %v", err)
	}

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("events=%d want=2", len(events))
	}
	if events[0].Op != chat.OpInsert || events[1].Op != chat.OpDelete {
		t.Fatalf("ops=[%s %s] want [insert delete]", events[0].Op, events[1].Op)
	}
	for _, ev := range events {
		if ev.Table != chat.TableReactions || ev.Row.MessageID != "m1" || ev.Row.ActorID != "alice" {
			t.Fatalf("event=%+v want reaction row for m1/alice", ev)
		}
	}
}

func TestMemory_PublishPresenceFansOut(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil)
	ctx := context.Background()
	sink := &recordingSink{}
	if _, err := m.Subscribe(ctx, "room:general", sink); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := m.PublishPresence(ctx, "room:general", "alice", true); err != nil {
		t.Fatalf("PublishPresence: %v", err)
	}

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("events=%d want=1", len(events))
	}
	ev := events[0]
	if ev.Table != chat.TablePresence || ev.Row.ActorID != "alice" || !ev.Row.Typing {
		t.Fatalf("event=%+v want typing presence for alice", ev)
	}
}

func TestMemory_DropAllSignalsEverySink(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil)
	ctx := context.Background()

	a := &recordingSink{}
	b := &recordingSink{}
	if _, err := m.Subscribe(ctx, "room:one", a); err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	if _, err := m.Subscribe(ctx, "room:two", b); err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}

	m.DropAll(errors.New("restart"))

	if a.dropCount() != 1 || b.dropCount() != 1 {
		t.Fatalf("drops=(%d,%d) want (1,1)", a.dropCount(), b.dropCount())
	}
	if got := m.SubscriberCount("room:one"); got != 0 {
		t.Fatalf("subscribers=%d want=0 after drop", got)
	}
}
