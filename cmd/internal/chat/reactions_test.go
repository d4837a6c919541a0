package chat

import "testing"

func TestReactions_ToggleIsIdempotentPair(t *testing.T) {
	t.Parallel()

	a := NewReactionAggregator()

	if on := a.Toggle("m1", "alice", "👍"); !on {
		t.Fatal("first toggle must add")
	}
	if on := a.Toggle("m1", "alice", "👍"); on {
		t.Fatal("second toggle must remove")
	}
	if a.Has("m1", "alice", "👍") {
		t.Fatal("actor still in set after even toggle count")
	}

	// Odd number of toggles lands on reacted.
	for i := 0; i < 3; i++ {
		a.Toggle("m1", "alice", "👍")
	}
	if !a.Has("m1", "alice", "👍") {
		t.Fatal("actor missing after odd toggle count")
	}
}

func TestReactions_CountsPerEmoji(t *testing.T) {
	t.Parallel()

	a := NewReactionAggregator()
	a.Toggle("m1", "alice", "👍")
	a.Toggle("m1", "bob", "👍")
	a.Toggle("m1", "bob", "🎉")

	views := a.View("m1", "alice")
	if len(views) != 2 {
		t.Fatalf("views=%d want=2", len(views))
	}

	want := []ReactionView{
		{Emoji: "👍", Count: 2, Reacted: true},
		{Emoji: "🎉", Count: 1, Reacted: false},
	}
	for i, w := range want {
		if views[i] != w {
			t.Fatalf("views[%d]=%+v want=%+v", i, views[i], w)
		}
	}
}

func TestReactions_EmptiedEmojiKeepsSlot(t *testing.T) {
	t.Parallel()

	a := NewReactionAggregator()
	a.Toggle("m1", "alice", "👍")
	a.Toggle("m1", "alice", "🎉")
	a.Toggle("m1", "alice", "👍") // empties 👍

	views := a.View("m1", "alice")
	if len(views) != 1 || views[0].Emoji != "🎉" {
		t.Fatalf("views=%+v want only 🎉", views)
	}

	// Re-reacting restores the original first-occurrence position.
	a.Toggle("m1", "bob", "👍")
	views = a.View("m1", "alice")
	if len(views) != 2 || views[0].Emoji != "👍" || views[1].Emoji != "🎉" {
		t.Fatalf("views=%+v want 👍 then 🎉", views)
	}
}

func TestReactions_ViewUnknownMessage(t *testing.T) {
	t.Parallel()

	a := NewReactionAggregator()
	if got := a.View("nope", "alice"); got != nil {
		t.Fatalf("View=%v want nil", got)
	}
}

func TestReactions_Forget(t *testing.T) {
	t.Parallel()

	a := NewReactionAggregator()
	a.Toggle("m1", "alice", "👍")
	a.Forget("m1")

	if a.Has("m1", "alice", "👍") {
		t.Fatal("state survived Forget")
	}
	if got := a.View("m1", "alice"); got != nil {
		t.Fatalf("View=%v want nil after Forget", got)
	}
}
