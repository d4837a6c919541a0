package chat

import "sync"

// ReactionView is one aggregated emoji row for a message, ordered by first
// occurrence of the emoji so UI ordering stays stable as counts change.
type ReactionView struct {
	Emoji   string
	Count   int
	Reacted bool // true when the local actor is in the set
}

// ReactionAggregator folds flat (message, actor, emoji) reaction events into
// per-emoji actor sets. Toggle is the only mutation primitive: rapid repeated
// clicks are naturally idempotent under network reordering. Suppression of
// duplicate event delivery is the multiplexer's job, not the aggregator's.
type ReactionAggregator struct {
	mu        sync.Mutex
	byMessage map[string]*messageReactions
}

type messageReactions struct {
	order  []string                       // emoji, first-occurrence order
	actors map[string]map[string]struct{} // emoji -> actor set
}

// NewReactionAggregator constructs an empty aggregator.
func NewReactionAggregator() *ReactionAggregator {
	return &ReactionAggregator{byMessage: make(map[string]*messageReactions)}
}

// Toggle adds actorID to the (messageID, emoji) set, or removes it when
// already present. It reports whether the actor is in the set afterwards.
func (a *ReactionAggregator) Toggle(messageID, actorID, emoji string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	mr := a.byMessage[messageID]
	if mr == nil {
		mr = &messageReactions{actors: make(map[string]map[string]struct{})}
		a.byMessage[messageID] = mr
	}

	set := mr.actors[emoji]
	if set == nil {
		set = make(map[string]struct{})
		mr.actors[emoji] = set
		mr.order = append(mr.order, emoji)
	}

	if _, ok := set[actorID]; ok {
		delete(set, actorID)
		return false
	}
	set[actorID] = struct{}{}
	return true
}

// Has reports whether actorID has reacted with emoji on messageID.
func (a *ReactionAggregator) Has(messageID, actorID, emoji string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	mr := a.byMessage[messageID]
	if mr == nil {
		return false
	}
	_, ok := mr.actors[emoji][actorID]
	return ok
}

// View returns the aggregated rows for messageID relative to localActor,
// ordered by first occurrence. Emojis whose set emptied out are skipped but
// keep their slot, so re-reacting restores the original position.
func (a *ReactionAggregator) View(messageID, localActor string) []ReactionView {
	a.mu.Lock()
	defer a.mu.Unlock()

	mr := a.byMessage[messageID]
	if mr == nil {
		return nil
	}

	out := make([]ReactionView, 0, len(mr.order))
	for _, emoji := range mr.order {
		set := mr.actors[emoji]
		if len(set) == 0 {
			continue
		}
		_, reacted := set[localActor]
		out = append(out, ReactionView{Emoji: emoji, Count: len(set), Reacted: reacted})
	}
	return out
}

// Forget drops all reaction state for a message (used on tombstone).
func (a *ReactionAggregator) Forget(messageID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byMessage, messageID)
}
