package chat

import (
	"fmt"
	"strings"
)

// Conversation key prefixes (wire-stable).
const (
	dmKeyPrefix   = "dm:"
	roomKeyPrefix = "room:"
)

// Kind distinguishes direct-message conversations from rooms.
type Kind string

const (
	KindDirect Kind = "direct"
	KindRoom   Kind = "room"
)

// DeriveDMKey returns the canonical conversation key for a direct message
// between two actors. It is a pure function and order-independent: both
// participants compute the same key without a handshake because the actor
// ids are sorted before joining.
func DeriveDMKey(localActor, remoteActor string) (string, error) {
	a := strings.TrimSpace(localActor)
	b := strings.TrimSpace(remoteActor)
	if a == "" || b == "" {
		return "", fmt.Errorf("%w: empty actor id", ErrInvalidIdentity)
	}
	if a > b {
		a, b = b, a
	}
	return dmKeyPrefix + a + "|" + b, nil
}

// DeriveRoomKey returns the canonical conversation key for a named room.
func DeriveRoomKey(room string) (string, error) {
	r := strings.ToLower(strings.TrimSpace(room))
	if r == "" {
		return "", fmt.Errorf("%w: empty room name", ErrInvalidIdentity)
	}
	return roomKeyPrefix + r, nil
}

// KindOfKey reports the conversation kind encoded in a key.
func KindOfKey(key string) (Kind, error) {
	switch {
	case strings.HasPrefix(key, dmKeyPrefix):
		return KindDirect, nil
	case strings.HasPrefix(key, roomKeyPrefix):
		return KindRoom, nil
	default:
		return "", fmt.Errorf("%w: unrecognized key %q", ErrInvalidIdentity, key)
	}
}

// DMParticipants extracts the two participant ids from a DM key.
func DMParticipants(key string) (string, string, bool) {
	rest, ok := strings.CutPrefix(key, dmKeyPrefix)
	if !ok {
		return "", "", false
	}
	a, b, ok := strings.Cut(rest, "|")
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}
