package chat

import "time"

// Core limits and decay windows.
// Keep these aligned with the gateway defaults in cmd/internal/gateway.
const (
	// Max message body length (runes).
	maxBodyChars = 4000

	// History paging bounds. Fetches are newest-first, reversed for display.
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

const (
	// Optimistic records are matched against authoritative pushes by
	// (conversation, author, body) tuple equality within this window.
	reconcileWindow = 10 * time.Second

	// Presence decay windows, evaluated by one periodic sweep.
	// Typing decays much faster than online status.
	typingWindow  = 5 * time.Second
	onlineWindow  = 60 * time.Second
	sweepInterval = 1 * time.Second
)

const (
	// Resubscription backoff after a transport drop.
	resubscribeBase = 500 * time.Millisecond
	resubscribeMax  = 30 * time.Second
)
