package chat

import (
	"fmt"
	"testing"
	"time"
)

func testMessage(id, author, body string, at time.Time) Message {
	return Message{
		ID:        id,
		AuthorID:  author,
		Body:      body,
		CreatedAt: at,
	}
}

func TestStore_ReconcileReplacesOptimistic(t *testing.T) {
	t.Parallel()

	s := NewMessageStore(nil, "room:general")
	now := time.Now().UTC()

	tempID, err := s.InsertOptimistic(Message{AuthorID: "alice", Body: "hi", CreatedAt: now})
	if err != nil {
		t.Fatalf("InsertOptimistic: %v", err)
	}
	if !IsTempID(tempID) {
		t.Fatalf("expected temp id, got %q", tempID)
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("Len=%d want=1", got)
	}

	s.Reconcile(tempID, testMessage("m42", "alice", "hi", now))

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("after reconcile: %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != "m42" {
		t.Fatalf("id=%q want=m42", msgs[0].ID)
	}
	if msgs[0].State != DeliveryConfirmed {
		t.Fatalf("state=%v want confirmed", msgs[0].State)
	}
	if _, ok := s.Get(tempID); ok {
		t.Fatalf("temp id %q still present after reconcile", tempID)
	}
}

func TestStore_PushBeforeAckNeverShowsBoth(t *testing.T) {
	t.Parallel()

	s := NewMessageStore(nil, "dm:alice|bob")
	now := time.Now().UTC()

	tempID, err := s.InsertOptimistic(Message{AuthorID: "alice", Body: "hello", CreatedAt: now})
	if err != nil {
		t.Fatalf("InsertOptimistic: %v", err)
	}

	// The authoritative row arrives via push before the send ack.
	s.Merge(testMessage("m1", "alice", "hello", now.Add(100*time.Millisecond)))

	if got := s.Len(); got != 1 {
		t.Fatalf("Len=%d want=1 (optimistic and authoritative must reconcile)", got)
	}

	// The late ack reconciles against the already-merged row.
	s.Reconcile(tempID, testMessage("m1", "alice", "hello", now.Add(100*time.Millisecond)))

	if got := s.Len(); got != 1 {
		t.Fatalf("Len=%d want=1 after late ack", got)
	}
	if _, ok := s.Get("m1"); !ok {
		t.Fatal("authoritative id missing")
	}
}

func TestStore_MergeIdempotent(t *testing.T) {
	t.Parallel()

	s := NewMessageStore(nil, "room:general")
	now := time.Now().UTC()
	m := testMessage("m1", "alice", "hi", now)

	s.Merge(m)
	s.Merge(m)
	s.Merge(m)

	if got := s.Len(); got != 1 {
		t.Fatalf("Len=%d want=1", got)
	}
}

func TestStore_LastWriterWinsByRevision(t *testing.T) {
	t.Parallel()

	s := NewMessageStore(nil, "room:general")
	now := time.Now().UTC()

	s.Merge(testMessage("m1", "alice", "first", now))

	edited := testMessage("m1", "alice", "second", now)
	edited.EditedAt = now.Add(time.Second)
	s.Merge(edited)

	// A stale copy without the edit must not win.
	s.Merge(testMessage("m1", "alice", "first", now))

	got, ok := s.Get("m1")
	if !ok {
		t.Fatal("m1 missing")
	}
	if got.Body != "second" {
		t.Fatalf("body=%q want=second (stale update must lose)", got.Body)
	}
}

func TestStore_TombstoneWins(t *testing.T) {
	t.Parallel()

	s := NewMessageStore(nil, "room:general")
	now := time.Now().UTC()

	s.Merge(testMessage("m1", "alice", "hi", now))
	s.Remove("m1")

	// A late edit after the delete must not resurrect the message.
	late := testMessage("m1", "alice", "edited", now)
	late.EditedAt = now.Add(time.Minute)
	s.Merge(late)

	if got := s.Len(); got != 0 {
		t.Fatalf("Len=%d want=0 after tombstone", got)
	}

	// Same for an insert that arrives after a delete for an id never loaded.
	s.Remove("m2")
	s.Merge(testMessage("m2", "bob", "ghost", now))
	if _, ok := s.Get("m2"); ok {
		t.Fatal("deleted m2 resurrected by late insert")
	}
}

func TestStore_OrderIsPermutationInvariant(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := []Message{
		testMessage("m1", "a", "1", base.Add(1*time.Second)),
		testMessage("m2", "b", "2", base.Add(2*time.Second)),
		testMessage("m3", "c", "3", base.Add(2*time.Second)), // same instant as m2
		testMessage("m4", "d", "4", base.Add(3*time.Second)),
	}

	perms := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{2, 0, 3, 1},
		{1, 3, 0, 2},
	}

	for pi, perm := range perms {
		s := NewMessageStore(nil, "room:general")
		for _, i := range perm {
			s.Merge(msgs[i])
		}

		got := s.Messages()
		if len(got) != len(msgs) {
			t.Fatalf("perm %d: len=%d want=%d", pi, len(got), len(msgs))
		}
		for i, want := range []string{"m1", "m2", "m3", "m4"} {
			if got[i].ID != want {
				t.Fatalf("perm %d: order[%d]=%q want=%q", pi, i, got[i].ID, want)
			}
		}
	}
}

func TestStore_SinglePinInvariant(t *testing.T) {
	t.Parallel()

	s := NewMessageStore(nil, "room:general")
	now := time.Now().UTC()

	s.Merge(testMessage("m1", "a", "1", now))
	s.Merge(testMessage("m2", "b", "2", now.Add(time.Second)))

	pin := func(id string, at time.Time) {
		m, _ := s.Get(id)
		m.Pinned = true
		m.EditedAt = at
		s.Merge(m)
	}

	pin("m1", now.Add(2*time.Second))
	pin("m2", now.Add(3*time.Second))

	pinnedCount := 0
	for _, m := range s.Messages() {
		if m.Pinned {
			pinnedCount++
		}
	}
	if pinnedCount != 1 {
		t.Fatalf("pinned count=%d want=1", pinnedCount)
	}
	got, ok := s.Pinned()
	if !ok || got.ID != "m2" {
		t.Fatalf("Pinned()=%v,%v want m2,true", got.ID, ok)
	}
}

func TestStore_PinSurvivesLateLoad(t *testing.T) {
	t.Parallel()

	s := NewMessageStore(nil, "room:general")
	now := time.Now().UTC()

	// Pin arrives before the message row is in the window.
	s.SetPinned("m9")
	s.Merge(testMessage("m9", "a", "old", now))

	got, ok := s.Pinned()
	if !ok || got.ID != "m9" {
		t.Fatalf("Pinned()=%v,%v want m9,true", got.ID, ok)
	}
}

func TestStore_FailedSendLifecycle(t *testing.T) {
	t.Parallel()

	s := NewMessageStore(nil, "dm:alice|bob")
	now := time.Now().UTC()

	tempID, err := s.InsertOptimistic(Message{AuthorID: "alice", Body: "oops", CreatedAt: now})
	if err != nil {
		t.Fatalf("InsertOptimistic: %v", err)
	}

	s.MarkFailed(tempID)
	got, ok := s.Get(tempID)
	if !ok {
		t.Fatal("failed record must stay visible")
	}
	if got.State != DeliveryFailed {
		t.Fatalf("state=%v want failed", got.State)
	}

	// Retry path.
	s.MarkPending(tempID)
	got, _ = s.Get(tempID)
	if got.State != DeliveryPending {
		t.Fatalf("state=%v want pending after retry", got.State)
	}

	// Discard only applies to non-confirmed records.
	s.MarkFailed(tempID)
	if err := s.Discard(tempID); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if got := s.Len(); got != 0 {
		t.Fatalf("Len=%d want=0 after discard", got)
	}

	s.Merge(testMessage("m1", "alice", "fine", now))
	if err := s.Discard("m1"); err == nil {
		t.Fatal("Discard of a confirmed record must fail")
	}
}

func TestStore_ReplyCounts(t *testing.T) {
	t.Parallel()

	s := NewMessageStore(nil, "room:general")
	now := time.Now().UTC()

	s.Merge(testMessage("root", "a", "parent", now))
	for i := 0; i < 3; i++ {
		m := testMessage(fmt.Sprintf("r%d", i), "b", "reply", now.Add(time.Duration(i+1)*time.Second))
		m.ParentID = "root"
		s.Merge(m)
	}

	if got := s.ReplyCount("root"); got != 3 {
		t.Fatalf("ReplyCount=%d want=3", got)
	}

	s.Remove("r1")
	if got := s.ReplyCount("root"); got != 2 {
		t.Fatalf("ReplyCount=%d want=2 after delete", got)
	}
}
