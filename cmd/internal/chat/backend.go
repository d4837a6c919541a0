package chat

import (
	"context"
	"time"
)

// Table identifies which backend table a change event belongs to.
type Table string

const (
	TableMessages  Table = "messages"
	TableReactions Table = "reactions"
	TablePresence  Table = "presence"
)

// Op is the row operation of a change event.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Row is the superset of row fields delivered on change events. Message rows
// fill the message fields, reaction rows fill MessageID/ActorID/Emoji, and
// presence rows fill ActorID/Typing.
type Row struct {
	ID              string
	ConversationKey string
	Participants    []string // used to re-derive the key when absent
	AuthorID        string
	Body            string
	CreatedAt       time.Time
	EditedAt        time.Time
	ParentID        string
	Pinned          bool
	Attachments     []Attachment

	MessageID string
	ActorID   string
	Emoji     string

	Typing bool
}

// Message converts a messages-table row into the in-memory record.
func (r Row) Message() Message {
	return Message{
		ID:              r.ID,
		ConversationKey: r.ConversationKey,
		AuthorID:        r.AuthorID,
		Body:            r.Body,
		CreatedAt:       r.CreatedAt,
		EditedAt:        r.EditedAt,
		ParentID:        r.ParentID,
		Pinned:          r.Pinned,
		Attachments:     r.Attachments,
		State:           DeliveryConfirmed,
	}
}

// ChangeEvent is one authoritative row change pushed by the backend.
type ChangeEvent struct {
	Table Table
	Op    Op
	Row   Row
}

// Revision is the duplicate-suppression stamp for the event's row: the edit
// time when present, else the creation time.
func (e ChangeEvent) Revision() time.Time {
	if !e.Row.EditedAt.IsZero() {
		return e.Row.EditedAt
	}
	return e.Row.CreatedAt
}

// MessagePatch is a partial update for an existing message. Nil fields are
// left untouched. Setting Body stamps EditedAt on the backend.
type MessagePatch struct {
	Body   *string
	Pinned *bool
}

// SubscriptionHandle identifies one live backend subscription.
type SubscriptionHandle string

// EventSink receives pushed events for one subscription. OnDrop signals a
// transport-level disconnect; the multiplexer reacts by resubscribing with
// backoff.
type EventSink interface {
	OnEvent(ev ChangeEvent)
	OnDrop(err error)
}

// Backend is the hosted storage/subscription service consumed by the core.
// It is treated as opaque: the core only relies on this contract.
//
// Requirements:
//   - Insert assigns the authoritative id and createdAt; the optimistic id
//     submitted in msg.ID acts as an idempotency token, so retrying a send
//     must not create a second row.
//   - FetchHistory returns newest-first.
//   - Subscribe delivers events in transport order; duplicates are allowed
//     (the multiplexer suppresses them).
type Backend interface {
	FetchHistory(ctx context.Context, key string, limit int) ([]Message, error)
	Insert(ctx context.Context, msg Message) (Message, error)
	Update(ctx context.Context, id string, patch MessagePatch) (Message, error)
	Delete(ctx context.Context, id string) error
	ToggleReaction(ctx context.Context, key, messageID, actorID, emoji string) error
	PublishPresence(ctx context.Context, key, actorID string, typing bool) error
	Subscribe(ctx context.Context, key string, sink EventSink) (SubscriptionHandle, error)
	Unsubscribe(handle SubscriptionHandle) error
	Close() error
}
