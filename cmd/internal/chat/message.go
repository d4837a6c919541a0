package chat

import "time"

// DeliveryState tracks the optimistic lifecycle of a locally authored message.
type DeliveryState uint8

const (
	// DeliveryConfirmed means the record is authoritative (backend-assigned id).
	DeliveryConfirmed DeliveryState = iota
	// DeliveryPending means the record is optimistic and awaiting the backend.
	DeliveryPending
	// DeliveryFailed means the backend write failed. The record stays visible
	// until the user retries or discards it.
	DeliveryFailed
)

func (s DeliveryState) String() string {
	switch s {
	case DeliveryPending:
		return "pending"
	case DeliveryFailed:
		return "failed"
	default:
		return "confirmed"
	}
}

// Attachment is a typed media reference. Bodies are never sniffed for
// embedded media URLs; attachments are carried explicitly.
type Attachment struct {
	URL       string
	MediaType string
	Filename  string
}

// Message is the in-memory message record.
//
// ID is globally unique and stable across optimistic and authoritative
// copies: the optimistic copy carries a temporary ULID and is replaced (never
// duplicated) once the authoritative id is known.
type Message struct {
	ID              string
	ConversationKey string
	AuthorID        string
	Body            string
	CreatedAt       time.Time
	EditedAt        time.Time // zero when never edited
	ParentID        string
	Pinned          bool
	Attachments     []Attachment

	// ReplyCount is derived, never authored: it is the count of visible
	// messages whose ParentID equals this message's id, filled on reads.
	ReplyCount int

	State   DeliveryState
	Deleted bool // tombstone; excluded from reads

	// LocalDraft is UI-only state with no server counterpart (an in-flight
	// edit). It survives reconciliation.
	LocalDraft string
}

// revision is the timestamp last-writer-wins comparisons run on: the edit
// time when present, else the creation time.
func (m Message) revision() time.Time {
	if !m.EditedAt.IsZero() {
		return m.EditedAt
	}
	return m.CreatedAt
}

// LastMessage is the conversation-list preview of the most recent message.
type LastMessage struct {
	AuthorID  string
	Preview   string
	CreatedAt time.Time
}

const lastMessagePreviewChars = 80

func previewOf(body string) string {
	r := []rune(body)
	if len(r) <= lastMessagePreviewChars {
		return body
	}
	return string(r[:lastMessagePreviewChars])
}
