package chat

import (
	v1 "commune/shared/contracts/chat/v1"
)

// Conversions between the in-memory core types and the chat/v1 wire contract.
// Both websocket surfaces (the UI gateway and the remote backend client) and
// the Postgres notify payload share these.

// ToWireMessage converts a core message to its wire shape.
func ToWireMessage(m Message) v1.Message {
	w := v1.Message{
		ID:              m.ID,
		ConversationKey: m.ConversationKey,
		AuthorID:        m.AuthorID,
		Body:            m.Body,
		CreatedAt:       m.CreatedAt,
		ParentID:        m.ParentID,
		ReplyCount:      m.ReplyCount,
		Pinned:          m.Pinned,
		Pending:         m.State == DeliveryPending,
		Failed:          m.State == DeliveryFailed,
	}
	if !m.EditedAt.IsZero() {
		t := m.EditedAt
		w.EditedAt = &t
	}
	for _, a := range m.Attachments {
		w.Attachments = append(w.Attachments, v1.Attachment{URL: a.URL, MediaType: a.MediaType, Filename: a.Filename})
	}
	return w
}

// FromWireMessage converts a wire message to the core record.
func FromWireMessage(w v1.Message) Message {
	m := Message{
		ID:              w.ID,
		ConversationKey: w.ConversationKey,
		AuthorID:        w.AuthorID,
		Body:            w.Body,
		CreatedAt:       w.CreatedAt,
		ParentID:        w.ParentID,
		ReplyCount:      w.ReplyCount,
		Pinned:          w.Pinned,
		State:           DeliveryConfirmed,
	}
	if w.EditedAt != nil {
		m.EditedAt = *w.EditedAt
	}
	switch {
	case w.Failed:
		m.State = DeliveryFailed
	case w.Pending:
		m.State = DeliveryPending
	}
	for _, a := range w.Attachments {
		m.Attachments = append(m.Attachments, Attachment{URL: a.URL, MediaType: a.MediaType, Filename: a.Filename})
	}
	return m
}

// ToWireChange converts a change event to the wire payload.
func ToWireChange(ev ChangeEvent) v1.ChangePayload {
	row := v1.ChangeRow{
		ID:              ev.Row.ID,
		ConversationKey: ev.Row.ConversationKey,
		Participants:    ev.Row.Participants,
		AuthorID:        ev.Row.AuthorID,
		Body:            ev.Row.Body,
		CreatedAt:       ev.Row.CreatedAt,
		ParentID:        ev.Row.ParentID,
		Pinned:          ev.Row.Pinned,
		MessageID:       ev.Row.MessageID,
		ActorID:         ev.Row.ActorID,
		Emoji:           ev.Row.Emoji,
		Typing:          ev.Row.Typing,
	}
	if !ev.Row.EditedAt.IsZero() {
		t := ev.Row.EditedAt
		row.EditedAt = &t
	}
	for _, a := range ev.Row.Attachments {
		row.Attachments = append(row.Attachments, v1.Attachment{URL: a.URL, MediaType: a.MediaType, Filename: a.Filename})
	}
	return v1.ChangePayload{Table: string(ev.Table), Op: string(ev.Op), Row: row}
}

// FromWireChange converts a wire change payload to the core event.
func FromWireChange(p v1.ChangePayload) ChangeEvent {
	row := Row{
		ID:              p.Row.ID,
		ConversationKey: p.Row.ConversationKey,
		Participants:    p.Row.Participants,
		AuthorID:        p.Row.AuthorID,
		Body:            p.Row.Body,
		CreatedAt:       p.Row.CreatedAt,
		ParentID:        p.Row.ParentID,
		Pinned:          p.Row.Pinned,
		MessageID:       p.Row.MessageID,
		ActorID:         p.Row.ActorID,
		Emoji:           p.Row.Emoji,
		Typing:          p.Row.Typing,
	}
	if p.Row.EditedAt != nil {
		row.EditedAt = *p.Row.EditedAt
	}
	for _, a := range p.Row.Attachments {
		row.Attachments = append(row.Attachments, Attachment{URL: a.URL, MediaType: a.MediaType, Filename: a.Filename})
	}
	return ChangeEvent{Table: Table(p.Table), Op: Op(p.Op), Row: row}
}

// ToWireReactions converts aggregated reaction rows to the wire shape.
func ToWireReactions(views []ReactionView) []v1.ReactionView {
	out := make([]v1.ReactionView, 0, len(views))
	for _, v := range views {
		out = append(out, v1.ReactionView{Emoji: v.Emoji, Count: v.Count, Reacted: v.Reacted})
	}
	return out
}

// ToWirePresence converts a presence snapshot to the wire shape.
func ToWirePresence(p PresenceView) v1.PresenceView {
	return v1.PresenceView{ActorID: p.ActorID, Online: p.Online, Typing: p.Typing, LastSeen: p.LastSeen}
}
