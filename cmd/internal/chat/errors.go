package chat

import "errors"

// Sentinel errors for the messaging core.
//
// Component-local contract violations (nil stores, malformed identities) fail
// the call immediately and are never retried. I/O failures are surfaced as
// values through the read model; they never cross the async boundary as
// panics.
var (
	// ErrInvalidIdentity indicates a bad ThreadIdentity input (empty actor or room).
	ErrInvalidIdentity = errors.New("chat: invalid identity")

	// ErrRemoteWriteFailed indicates a backend write failed. The optimistic
	// record is kept and marked failed; retry requires explicit user action.
	ErrRemoteWriteFailed = errors.New("chat: remote write failed")

	// ErrSubscriptionDropped indicates the push transport disconnected.
	// Recovery is automatic resubscription with exponential backoff.
	ErrSubscriptionDropped = errors.New("chat: subscription dropped")

	// ErrHistoryLoadFailed indicates the initial history fetch failed.
	ErrHistoryLoadFailed = errors.New("chat: history load failed")

	// ErrNotReady indicates a write was attempted before the conversation
	// finished loading.
	ErrNotReady = errors.New("chat: conversation not ready")

	// ErrConversationClosed indicates an operation on an evicted conversation.
	ErrConversationClosed = errors.New("chat: conversation closed")

	// ErrUnknownMessage indicates an operation referenced a message id that is
	// not present in the store.
	ErrUnknownMessage = errors.New("chat: unknown message")
)
