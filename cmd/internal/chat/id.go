package chat

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// tempIDPrefix namespaces optimistic ids so they can never collide with
// backend-assigned message ids.
const tempIDPrefix = "tmp_"

// NewMessageID returns a new ULID message id (26 chars).
// ULIDs are lexicographically sortable, which keeps the tie-break ordering in
// MessageStore deterministic and roughly chronological.
func NewMessageID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewTempID returns a temporary id for an optimistic message.
func NewTempID(now time.Time) (string, error) {
	id, err := NewMessageID(now)
	if err != nil {
		return "", err
	}
	return tempIDPrefix + id, nil
}

// IsTempID reports whether id was generated by NewTempID.
func IsTempID(id string) bool {
	return len(id) > len(tempIDPrefix) && id[:len(tempIDPrefix)] == tempIDPrefix
}
