package chat

import (
	"testing"
	"time"
)

func TestPresence_TypingDecays(t *testing.T) {
	t.Parallel()

	p := NewPresenceSignal(nil, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p.SetTyping("alice", true, base)

	got := p.Snapshot("alice", base.Add(typingWindow))
	if !got.Typing {
		t.Fatal("typing must hold inside the window")
	}

	got = p.Snapshot("alice", base.Add(typingWindow+time.Millisecond))
	if got.Typing {
		t.Fatal("typing must decay past the window")
	}
	if !got.Online {
		t.Fatal("typing decay must not take online down with it")
	}
}

func TestPresence_OnlineDecays(t *testing.T) {
	t.Parallel()

	p := NewPresenceSignal(nil, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p.Heartbeat("alice", base)

	if got := p.Snapshot("alice", base.Add(onlineWindow)); !got.Online {
		t.Fatal("online must hold inside the window")
	}
	if got := p.Snapshot("alice", base.Add(onlineWindow+time.Second)); got.Online {
		t.Fatal("online must decay past the window")
	}
}

func TestPresence_ExplicitStopWinsOverWindow(t *testing.T) {
	t.Parallel()

	p := NewPresenceSignal(nil, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p.SetTyping("alice", true, base)
	p.SetTyping("alice", false, base.Add(time.Second))

	if got := p.Snapshot("alice", base.Add(2*time.Second)); got.Typing {
		t.Fatal("explicit stop must clear typing before the window ends")
	}
}

func TestPresence_SnapshotUnknownActor(t *testing.T) {
	t.Parallel()

	p := NewPresenceSignal(nil, nil)
	got := p.Snapshot("ghost", time.Now().UTC())
	if got.Online || got.Typing {
		t.Fatalf("unknown actor snapshot=%+v want offline", got)
	}
	if got.ActorID != "ghost" {
		t.Fatalf("ActorID=%q want ghost", got.ActorID)
	}
}

func TestPresence_SweepEvicts(t *testing.T) {
	t.Parallel()

	p := NewPresenceSignal(nil, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p.SetTyping("alice", true, base)
	p.Heartbeat("bob", base.Add(onlineWindow))

	evicted := p.Sweep(base.Add(onlineWindow + time.Second))
	if evicted != 1 {
		t.Fatalf("evicted=%d want=1", evicted)
	}

	if got := p.Snapshot("alice", base.Add(onlineWindow+time.Second)); got.Online {
		t.Fatal("alice must be gone after eviction")
	}
	if got := p.Snapshot("bob", base.Add(onlineWindow+time.Second)); !got.Online {
		t.Fatal("bob must survive the sweep")
	}
}

func TestPresence_SweepClearsStaleTypingOnly(t *testing.T) {
	t.Parallel()

	p := NewPresenceSignal(nil, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p.SetTyping("alice", true, base)
	p.Heartbeat("alice", base.Add(10*time.Second)) // stays online, typing stale

	p.Sweep(base.Add(typingWindow + 10*time.Second))

	got := p.Snapshot("alice", base.Add(typingWindow+10*time.Second))
	if got.Typing {
		t.Fatal("stale typing must be cleared by the sweep")
	}
	if !got.Online {
		t.Fatal("recently heartbeaten actor must stay online")
	}
}
