// Package v1 defines the Commune Chat Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the node, the hosted backend, and UI clients to keep
// the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated by both chat surfaces.
const Subprotocol = "commune.chat.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationOpen opens a conversation view (UI client -> node).
	TypeConversationOpen = "conversation_open"
	// TypeConversationClose closes a conversation view (UI client -> node).
	TypeConversationClose = "conversation_close"
	// TypeConversationState pushes a read-model snapshot (node -> UI client).
	TypeConversationState = "conversation_state"

	// TypeSubscribe opens a push subscription for a conversation key (node -> backend).
	TypeSubscribe = "subscribe"
	// TypeSubscribeAck confirms a subscription (backend -> node).
	TypeSubscribeAck = "subscribe_ack"
	// TypeUnsubscribe releases a push subscription (node -> backend).
	TypeUnsubscribe = "unsubscribe"
	// TypeChange delivers a row change on a subscribed conversation (backend -> node).
	TypeChange = "change"

	// TypeHistoryFetch requests a conversation history window.
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns a window of history, newest first.
	TypeHistoryChunk = "history_chunk"

	// TypeMessageSend requests sending a new message.
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send with the authoritative record.
	TypeMessageAck = "message_ack"
	// TypeMessageEdit requests a body edit on an existing message.
	TypeMessageEdit = "message_edit"
	// TypeMessageDelete requests a message tombstone.
	TypeMessageDelete = "message_delete"
	// TypeMessagePin requests pinning a message (authoritative-only, never optimistic).
	TypeMessagePin = "message_pin"

	// TypeReactionToggle toggles an (actor, emoji) reaction on a message.
	TypeReactionToggle = "reaction_toggle"

	// TypeTypingSet sets the typing flag for an actor in a conversation.
	TypeTypingSet = "typing_set"
	// TypePresenceBeat refreshes an actor's presence heartbeat.
	TypePresenceBeat = "presence_beat"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Key     string          `json:"key,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationOpen,
		TypeConversationClose,
		TypeConversationState,
		TypeSubscribe,
		TypeSubscribeAck,
		TypeUnsubscribe,
		TypeChange,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageEdit,
		TypeMessageDelete,
		TypeMessagePin,
		TypeReactionToggle,
		TypeTypingSet,
		TypePresenceBeat,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Shared shapes ----

// Attachment is a typed media reference carried on a message.
// Media detection by body-content sniffing is explicitly not part of the protocol.
type Attachment struct {
	URL       string `json:"url"`
	MediaType string `json:"media_type"`
	Filename  string `json:"filename,omitempty"`
}

// Message is the authoritative wire representation of a chat message.
type Message struct {
	ID              string              `json:"id"`
	ConversationKey string              `json:"conversation_key"`
	AuthorID        string              `json:"author_id"`
	Body            string              `json:"body"`
	CreatedAt       time.Time           `json:"created_at"`
	EditedAt        *time.Time          `json:"edited_at,omitempty"`
	ParentID        string              `json:"parent_id,omitempty"`
	ReplyCount      int                 `json:"reply_count,omitempty"`
	Pinned          bool                `json:"pinned,omitempty"`
	Attachments     []Attachment        `json:"attachments,omitempty"`
	Reactions       map[string][]string `json:"reactions,omitempty"`
	Pending         bool                `json:"pending,omitempty"`
	Failed          bool                `json:"failed,omitempty"`
}

// ChangeRow is the superset of row fields delivered on change events.
// Message rows fill the message fields; reaction rows fill ActorID/Emoji;
// presence rows fill ActorID/Typing.
type ChangeRow struct {
	ID              string       `json:"id"`
	ConversationKey string       `json:"conversation_key,omitempty"`
	Participants    []string     `json:"participants,omitempty"`
	AuthorID        string       `json:"author_id,omitempty"`
	Body            string       `json:"body,omitempty"`
	CreatedAt       time.Time    `json:"created_at,omitempty"`
	EditedAt        *time.Time   `json:"edited_at,omitempty"`
	ParentID        string       `json:"parent_id,omitempty"`
	Pinned          bool         `json:"pinned,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty"`

	MessageID string `json:"message_id,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
	Emoji     string `json:"emoji,omitempty"`

	Typing bool `json:"typing,omitempty"`
}

// ReactionView is the aggregated per-emoji view exposed to UI clients.
type ReactionView struct {
	Emoji   string `json:"emoji"`
	Count   int    `json:"count"`
	Reacted bool   `json:"reacted"`
}

// PresenceView is the decayed presence snapshot for one actor.
type PresenceView struct {
	ActorID  string    `json:"actor_id"`
	Online   bool      `json:"online"`
	Typing   bool      `json:"typing"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct {
	ActorID string `json:"actor_id,omitempty"`
}

// HelloAckPayload must carry SessionID (used by smoke tooling + node logic).
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	ActorID   string `json:"actor_id,omitempty"`
}

// ConversationOpenPayload opens a conversation view on the node.
// Either Key is set directly, or the node derives it from Peer / Room.
type ConversationOpenPayload struct {
	Key  string `json:"key,omitempty"`
	Peer string `json:"peer,omitempty"`
	Room string `json:"room,omitempty"`
}

// ConversationClosePayload closes a conversation view.
type ConversationClosePayload struct {
	Key string `json:"key"`
}

// ConversationStatePayload is the read-model snapshot pushed to UI clients.
type ConversationStatePayload struct {
	Key         string                    `json:"key"`
	State       string                    `json:"state"`
	Stale       bool                      `json:"stale,omitempty"`
	UnreadCount int                       `json:"unread_count"`
	Messages    []Message                 `json:"messages"`
	Reactions   map[string][]ReactionView `json:"reactions,omitempty"`
	Presence    []PresenceView            `json:"presence,omitempty"`
}

// SubscribePayload requests a push subscription for a conversation key.
type SubscribePayload struct {
	Key string `json:"key"`
}

// SubscribeAckPayload confirms a subscription and returns its handle.
type SubscribeAckPayload struct {
	Key    string `json:"key"`
	Handle string `json:"handle"`
}

// UnsubscribePayload releases a subscription by handle.
type UnsubscribePayload struct {
	Handle string `json:"handle"`
}

// ChangePayload delivers one row change for a subscribed conversation.
type ChangePayload struct {
	Table string    `json:"table"`
	Op    string    `json:"op"`
	Row   ChangeRow `json:"row"`
}

// HistoryFetchPayload requests a history window, newest first.
type HistoryFetchPayload struct {
	Key   string `json:"key"`
	Limit int    `json:"limit,omitempty"`
}

// HistoryChunkPayload returns messages for a history fetch request.
type HistoryChunkPayload struct {
	Key      string    `json:"key"`
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// MessageSendPayload requests sending a message into a conversation.
type MessageSendPayload struct {
	Key         string       `json:"key"`
	ClientMsgID string       `json:"client_msg_id"`
	Body        string       `json:"body"`
	ParentID    string       `json:"parent_id,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// MessageAckPayload acknowledges a send and returns the authoritative record.
type MessageAckPayload struct {
	Key         string  `json:"key"`
	ClientMsgID string  `json:"client_msg_id"`
	Message     Message `json:"message"`
}

// MessageEditPayload requests a body edit.
type MessageEditPayload struct {
	Key       string `json:"key"`
	MessageID string `json:"message_id"`
	Body      string `json:"body"`
}

// MessageDeletePayload requests a tombstone.
type MessageDeletePayload struct {
	Key       string `json:"key"`
	MessageID string `json:"message_id"`
}

// MessagePinPayload requests pinning a message.
type MessagePinPayload struct {
	Key       string `json:"key"`
	MessageID string `json:"message_id"`
}

// ReactionTogglePayload toggles an (actor, emoji) reaction.
type ReactionTogglePayload struct {
	Key       string `json:"key"`
	MessageID string `json:"message_id"`
	ActorID   string `json:"actor_id,omitempty"`
	Emoji     string `json:"emoji"`
}

// TypingSetPayload sets the typing flag for an actor.
type TypingSetPayload struct {
	Key     string `json:"key"`
	ActorID string `json:"actor_id,omitempty"`
	Typing  bool   `json:"typing"`
}

// PresenceBeatPayload refreshes the presence heartbeat for an actor.
type PresenceBeatPayload struct {
	ActorID string `json:"actor_id,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
