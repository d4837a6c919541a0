// Package backend provides the hosted-store implementations consumed by the
// messaging core: an in-memory dev/test backend, a PostgreSQL backend with
// LISTEN/NOTIFY push, and a remote websocket service client.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"commune/cmd/internal/chat"

	"github.com/google/uuid"
)

const memMaxMessagesPerConversation = 10_000

// Memory is a dev-only Backend fallback when no database is configured.
// It supports:
//   - Insert: idempotent by the optimistic id submitted as msg.ID
//   - FetchHistory: newest-first paging (for CI/smoke determinism)
//   - Subscribe: synchronous in-process fan-out of change events
type Memory struct {
	log *slog.Logger

	mu        sync.Mutex
	msgs      map[string]*chat.Message            // authoritative id -> record
	byKey     map[string][]string                 // conversation key -> ids, append order
	dedupe    map[string]string                   // optimistic id -> authoritative id
	reactions map[string]map[string]map[string]struct{} // message id -> emoji -> actors
	subs      map[chat.SubscriptionHandle]*memSub
}

type memSub struct {
	handle chat.SubscriptionHandle
	key    string
	sink   chat.EventSink
}

// NewMemory constructs an empty in-memory backend.
func NewMemory(log *slog.Logger) *Memory {
	if log == nil {
		log = slog.Default()
	}
	return &Memory{
		log:       log,
		msgs:      make(map[string]*chat.Message),
		byKey:     make(map[string][]string),
		dedupe:    make(map[string]string),
		reactions: make(map[string]map[string]map[string]struct{}),
		subs:      make(map[chat.SubscriptionHandle]*memSub),
	}
}

// Close drops all subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.subs = make(map[chat.SubscriptionHandle]*memSub)
	m.mu.Unlock()
	return nil
}

// FetchHistory returns up to limit messages for key, newest first.
func (m *Memory) FetchHistory(ctx context.Context, key string, limit int) ([]chat.Message, error) {
	if key == "" {
		return nil, errors.New("backend: missing conversation key")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	m.mu.Lock()
	snap := make([]chat.Message, 0, len(m.byKey[key]))
	for _, id := range m.byKey[key] {
		if msg := m.msgs[id]; msg != nil && !msg.Deleted {
			snap = append(snap, *msg)
		}
	}
	m.mu.Unlock()

	sort.Slice(snap, func(i, j int) bool {
		if !snap[i].CreatedAt.Equal(snap[j].CreatedAt) {
			return snap[i].CreatedAt.After(snap[j].CreatedAt)
		}
		return snap[i].ID > snap[j].ID
	})
	if len(snap) > limit {
		snap = snap[:limit]
	}
	return snap, nil
}

// Insert persists a message, assigning the authoritative id and timestamp.
// The optimistic id in msg.ID is the idempotency token: retrying a send
// returns the already-stored record instead of creating a second row.
func (m *Memory) Insert(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if msg.ConversationKey == "" || msg.AuthorID == "" {
		return chat.Message{}, errors.New("backend: invalid message")
	}
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}

	m.mu.Lock()
	if msg.ID != "" {
		if assigned, ok := m.dedupe[msg.ID]; ok {
			stored := *m.msgs[assigned]
			m.mu.Unlock()
			return stored, nil
		}
	}

	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	id, err := chat.NewMessageID(now)
	if err != nil {
		m.mu.Unlock()
		return chat.Message{}, err
	}

	if msg.ID != "" {
		m.dedupe[msg.ID] = id
	}
	msg.ID = id
	msg.State = chat.DeliveryConfirmed
	msg.Pinned = false

	m.msgs[id] = &msg
	m.byKey[msg.ConversationKey] = append(m.byKey[msg.ConversationKey], id)
	if len(m.byKey[msg.ConversationKey]) > memMaxMessagesPerConversation {
		ids := m.byKey[msg.ConversationKey]
		m.byKey[msg.ConversationKey] = ids[len(ids)-memMaxMessagesPerConversation:]
	}
	stored := msg
	sinks := m.sinksLocked(msg.ConversationKey)
	m.mu.Unlock()

	deliver(sinks, chat.ChangeEvent{Table: chat.TableMessages, Op: chat.OpInsert, Row: messageRow(stored)})
	return stored, nil
}

// Update applies a patch and returns the authoritative record. Setting Body
// stamps EditedAt; setting Pinned true unpins every other message in the
// conversation (last pin wins).
func (m *Memory) Update(ctx context.Context, id string, patch chat.MessagePatch) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}

	m.mu.Lock()
	msg, ok := m.msgs[id]
	if !ok || msg.Deleted {
		m.mu.Unlock()
		return chat.Message{}, fmt.Errorf("backend: unknown message %s", id)
	}

	if patch.Body != nil {
		msg.Body = *patch.Body
		msg.EditedAt = time.Now().UTC()
	}
	if patch.Pinned != nil {
		if *patch.Pinned {
			for _, otherID := range m.byKey[msg.ConversationKey] {
				if other := m.msgs[otherID]; other != nil {
					other.Pinned = false
				}
			}
		}
		msg.Pinned = *patch.Pinned
		if msg.EditedAt.IsZero() || patch.Body == nil {
			msg.EditedAt = time.Now().UTC()
		}
	}
	stored := *msg
	sinks := m.sinksLocked(msg.ConversationKey)
	m.mu.Unlock()

	deliver(sinks, chat.ChangeEvent{Table: chat.TableMessages, Op: chat.OpUpdate, Row: messageRow(stored)})
	return stored, nil
}

// Delete tombstones a message.
func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	msg, ok := m.msgs[id]
	if !ok || msg.Deleted {
		m.mu.Unlock()
		return nil // idempotent
	}
	msg.Deleted = true
	key := msg.ConversationKey
	created := msg.CreatedAt
	delete(m.reactions, id)
	sinks := m.sinksLocked(key)
	m.mu.Unlock()

	deliver(sinks, chat.ChangeEvent{Table: chat.TableMessages, Op: chat.OpDelete, Row: chat.Row{
		ID:              id,
		ConversationKey: key,
		CreatedAt:       created,
	}})
	return nil
}

// ToggleReaction adds or removes the (actor, emoji) pair on a message and
// fans out the corresponding reaction change event.
func (m *Memory) ToggleReaction(ctx context.Context, key, messageID, actorID, emoji string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if messageID == "" || actorID == "" || emoji == "" {
		return errors.New("backend: invalid reaction")
	}

	m.mu.Lock()
	byEmoji := m.reactions[messageID]
	if byEmoji == nil {
		byEmoji = make(map[string]map[string]struct{})
		m.reactions[messageID] = byEmoji
	}
	set := byEmoji[emoji]
	if set == nil {
		set = make(map[string]struct{})
		byEmoji[emoji] = set
	}

	op := chat.OpInsert
	if _, ok := set[actorID]; ok {
		delete(set, actorID)
		op = chat.OpDelete
	} else {
		set[actorID] = struct{}{}
	}

	now := time.Now().UTC()
	rowID, err := chat.NewMessageID(now)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	sinks := m.sinksLocked(key)
	m.mu.Unlock()

	deliver(sinks, chat.ChangeEvent{Table: chat.TableReactions, Op: op, Row: chat.Row{
		ID:              rowID,
		ConversationKey: key,
		MessageID:       messageID,
		ActorID:         actorID,
		Emoji:           emoji,
		CreatedAt:       now,
	}})
	return nil
}

// PublishPresence fans out a full presence row for one actor.
func (m *Memory) PublishPresence(ctx context.Context, key, actorID string, typing bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	sinks := m.sinksLocked(key)
	m.mu.Unlock()

	deliver(sinks, chat.ChangeEvent{Table: chat.TablePresence, Op: chat.OpUpdate, Row: chat.Row{
		ID:              actorID,
		ConversationKey: key,
		ActorID:         actorID,
		Typing:          typing,
		CreatedAt:       time.Now().UTC(),
	}})
	return nil
}

// Subscribe registers sink for change events on key.
func (m *Memory) Subscribe(ctx context.Context, key string, sink chat.EventSink) (chat.SubscriptionHandle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if key == "" || sink == nil {
		return "", errors.New("backend: invalid subscription")
	}

	handle := chat.SubscriptionHandle(uuid.NewString())

	m.mu.Lock()
	m.subs[handle] = &memSub{handle: handle, key: key, sink: sink}
	m.mu.Unlock()

	return handle, nil
}

// Unsubscribe releases a subscription by handle (idempotent).
func (m *Memory) Unsubscribe(handle chat.SubscriptionHandle) error {
	m.mu.Lock()
	delete(m.subs, handle)
	m.mu.Unlock()
	return nil
}

// DropAll simulates a transport-level disconnect: every subscription receives
// OnDrop and is removed. Used by dev tooling and failure-path tests.
func (m *Memory) DropAll(cause error) {
	m.mu.Lock()
	dropped := make([]*memSub, 0, len(m.subs))
	for _, s := range m.subs {
		dropped = append(dropped, s)
	}
	m.subs = make(map[chat.SubscriptionHandle]*memSub)
	m.mu.Unlock()

	for _, s := range dropped {
		s.sink.OnDrop(cause)
	}
}

// SubscriberCount reports live subscriptions for key.
func (m *Memory) SubscriberCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.subs {
		if s.key == key {
			n++
		}
	}
	return n
}

// sinksLocked snapshots the sinks subscribed to key. Delivery happens after
// the store lock is released so a sink can issue backend calls.
func (m *Memory) sinksLocked(key string) []chat.EventSink {
	var out []chat.EventSink
	for _, s := range m.subs {
		if s.key == key {
			out = append(out, s.sink)
		}
	}
	return out
}

func deliver(sinks []chat.EventSink, ev chat.ChangeEvent) {
	for _, s := range sinks {
		s.OnEvent(ev)
	}
}

func messageRow(msg chat.Message) chat.Row {
	return chat.Row{
		ID:              msg.ID,
		ConversationKey: msg.ConversationKey,
		AuthorID:        msg.AuthorID,
		Body:            msg.Body,
		CreatedAt:       msg.CreatedAt,
		EditedAt:        msg.EditedAt,
		ParentID:        msg.ParentID,
		Pinned:          msg.Pinned,
		Attachments:     msg.Attachments,
	}
}
