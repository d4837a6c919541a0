package chat

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MessageStore is the per-conversation ordered message collection.
//
// Concurrency guarantees:
// - All operations are safe under concurrent callers (owning controller and
//   routed subscription callbacks). Each conversation has its own lock; no
//   global lock spans conversations.
// - Merge/Reconcile/Remove/SetPinned are idempotent and safe in any order:
//   the exposed sequence is always sorted by (createdAt, id), so out-of-order
//   delivery never changes the final view.
type MessageStore struct {
	log *slog.Logger
	key string

	mu    sync.Mutex
	byID  map[string]*Message
	order []*Message // sorted by (CreatedAt, ID); tombstones excluded

	// pinnedID is the authoritative pin target. It may reference a message
	// older than the loaded history page; the flag applies when that message
	// merges in.
	pinnedID string

	replyCounts map[string]int
	replyDirty  bool
}

// NewMessageStore constructs an empty store for one conversation key.
func NewMessageStore(log *slog.Logger, key string) *MessageStore {
	if log == nil {
		log = slog.Default()
	}
	return &MessageStore{
		log:         log,
		key:         key,
		byID:        make(map[string]*Message),
		replyCounts: make(map[string]int),
	}
}

// Key returns the conversation key this store is bound to.
func (s *MessageStore) Key() string { return s.key }

// InsertOptimistic inserts a locally authored message under a temporary id
// and returns that id. The record is marked pending until reconciled.
func (s *MessageStore) InsertOptimistic(msg Message) (string, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	tempID, err := NewTempID(msg.CreatedAt)
	if err != nil {
		return "", err
	}

	msg.ID = tempID
	msg.ConversationKey = s.key
	msg.State = DeliveryPending
	msg.Pinned = false // pins are never optimistic

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[tempID] = &msg
	s.insertSortedLocked(&msg)
	s.replyDirty = true

	s.log.Debug("store.insert.optimistic", "key", s.key, "temp_id", tempID)
	return tempID, nil
}

// Reconcile replaces the temporary record with the authoritative one,
// preserving local-only UI state. When tempID is already gone (a duplicate
// push reconciled it first), it falls back to Merge.
func (s *MessageStore) Reconcile(tempID string, authoritative Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	temp, ok := s.byID[tempID]
	if !ok {
		s.mergeLocked(authoritative)
		return
	}

	authoritative.LocalDraft = temp.LocalDraft
	s.dropLocked(temp)
	s.mergeLocked(authoritative)

	s.log.Debug("store.reconcile", "key", s.key, "temp_id", tempID, "id", authoritative.ID)
}

// Merge applies an authoritative record: insert when the id is unknown,
// last-writer-wins update when it is known. Applying the same record twice is
// a no-op. Optimistic records never win against an authoritative record with
// the same id.
func (s *MessageStore) Merge(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeLocked(msg)
}

func (s *MessageStore) mergeLocked(msg Message) {
	msg.ConversationKey = s.key
	msg.State = DeliveryConfirmed

	existing, ok := s.byID[msg.ID]
	if !ok {
		// An authoritative row can arrive via push before the send round trip
		// reconciles the optimistic copy. Match pending records by
		// (author, body, createdAt window) so the store never shows both.
		if pending := s.matchPendingLocked(msg); pending != nil {
			msg.LocalDraft = pending.LocalDraft
			s.dropLocked(pending)
			s.log.Debug("store.merge.reconciled_pending", "key", s.key, "temp_id", pending.ID, "id", msg.ID)
		}

		if s.pinnedID == msg.ID {
			msg.Pinned = true
		}
		cp := msg
		s.byID[cp.ID] = &cp
		if !cp.Deleted {
			s.insertSortedLocked(&cp)
		}
		s.replyDirty = true
		if cp.Pinned {
			s.setPinnedLocked(cp.ID)
		}
		return
	}

	if existing.Deleted {
		// Tombstones win: a delete followed by a late update must not
		// resurrect the message.
		return
	}

	if existing.State == DeliveryConfirmed && !msg.revision().After(existing.revision()) {
		s.log.Debug("store.merge.stale", "key", s.key, "id", msg.ID)
		return
	}

	msg.LocalDraft = existing.LocalDraft
	resort := !msg.CreatedAt.Equal(existing.CreatedAt)
	pinned := msg.Pinned

	if resort {
		s.removeFromOrderLocked(existing)
	}
	*existing = msg
	if resort {
		s.insertSortedLocked(existing)
	}
	s.replyDirty = true

	switch {
	case pinned && s.pinnedID != existing.ID:
		s.setPinnedLocked(existing.ID)
	case !pinned && s.pinnedID == existing.ID:
		s.setPinnedLocked("")
	}
}

// Remove tombstones a message. Reply counts of other messages are not
// resequenced inline; they are recomputed lazily on the next read. Removing
// an unknown id records the tombstone so a late out-of-order insert cannot
// resurrect the message.
func (s *MessageStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[id]; ok {
		if existing.Deleted {
			return
		}
		existing.Deleted = true
		s.removeFromOrderLocked(existing)
	} else {
		s.byID[id] = &Message{ID: id, ConversationKey: s.key, Deleted: true, State: DeliveryConfirmed}
	}

	if s.pinnedID == id {
		s.setPinnedLocked("")
	}
	s.replyDirty = true

	s.log.Debug("store.remove", "key", s.key, "id", id)
}

// Discard drops a failed optimistic record entirely. It is the explicit user
// action counterpart of a failed send; confirmed records can only be
// tombstoned via Remove.
func (s *MessageStore) Discard(tempID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[tempID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, tempID)
	}
	if m.State == DeliveryConfirmed {
		return fmt.Errorf("%w: %s is not an optimistic record", ErrUnknownMessage, tempID)
	}
	s.dropLocked(m)
	s.replyDirty = true
	return nil
}

// MarkFailed flags an optimistic record after a failed backend write. The
// record stays visible for retry or discard; it is never removed silently.
func (s *MessageStore) MarkFailed(tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.byID[tempID]; ok && m.State == DeliveryPending {
		m.State = DeliveryFailed
	}
}

// MarkPending returns a failed optimistic record to the pending state for an
// explicit retry.
func (s *MessageStore) MarkPending(tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.byID[tempID]; ok && m.State == DeliveryFailed {
		m.State = DeliveryPending
	}
}

// SetPinned pins id and unpins any other pinned message in a single atomic
// pass. Pin state is driven only by authoritative events, so concurrent pins
// from different viewers converge on the backend's last write.
func (s *MessageStore) SetPinned(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setPinnedLocked(id)
}

func (s *MessageStore) setPinnedLocked(id string) {
	s.pinnedID = id
	for _, m := range s.order {
		m.Pinned = m.ID == id
	}
}

// Messages returns the visible messages sorted by createdAt ascending, ties
// broken by id lexical order. Reply counts are recomputed here when dirty.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recountRepliesLocked()

	out := make([]Message, 0, len(s.order))
	for _, m := range s.order {
		cp := *m
		cp.ReplyCount = s.replyCounts[m.ID]
		out = append(out, cp)
	}
	return out
}

// Get returns a copy of one visible message.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok || m.Deleted {
		return Message{}, false
	}
	s.recountRepliesLocked()
	cp := *m
	cp.ReplyCount = s.replyCounts[id]
	return cp, true
}

// ReplyCount returns the derived count of visible replies to id.
func (s *MessageStore) ReplyCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recountRepliesLocked()
	return s.replyCounts[id]
}

// Pinned returns the currently pinned message, when loaded.
func (s *MessageStore) Pinned() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pinnedID == "" {
		return Message{}, false
	}
	m, ok := s.byID[s.pinnedID]
	if !ok || m.Deleted {
		return Message{}, false
	}
	return *m, true
}

// Len returns the number of visible messages.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// ---- internals (lock held) ----

func (s *MessageStore) insertSortedLocked(m *Message) {
	i := sort.Search(len(s.order), func(i int) bool {
		return !messageLess(s.order[i], m)
	})
	s.order = append(s.order, nil)
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = m
}

func (s *MessageStore) removeFromOrderLocked(m *Message) {
	for i, cur := range s.order {
		if cur == m {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *MessageStore) dropLocked(m *Message) {
	delete(s.byID, m.ID)
	s.removeFromOrderLocked(m)
}

func (s *MessageStore) matchPendingLocked(auth Message) *Message {
	for _, m := range s.order {
		if m.State == DeliveryConfirmed {
			continue
		}
		if m.AuthorID != auth.AuthorID || m.Body != auth.Body {
			continue
		}
		d := auth.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= reconcileWindow {
			return m
		}
	}
	return nil
}

func (s *MessageStore) recountRepliesLocked() {
	if !s.replyDirty {
		return
	}
	counts := make(map[string]int, len(s.replyCounts))
	for _, m := range s.order {
		if m.ParentID != "" {
			counts[m.ParentID]++
		}
	}
	s.replyCounts = counts
	s.replyDirty = false
}

func messageLess(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
