package v1

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{name: "valid hello", env: Envelope{V: Version, Type: TypeHello}},
		{name: "valid change", env: Envelope{V: Version, Type: TypeChange, Key: "room:general"}},
		{name: "valid error", env: Envelope{V: Version, Type: TypeError}},
		{name: "missing version", env: Envelope{Type: TypeHello}, wantErr: "missing field: v"},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeHello}, wantErr: "unsupported protocol version"},
		{name: "missing type", env: Envelope{V: Version}, wantErr: "missing field: type"},
		{name: "unknown type", env: Envelope{V: Version, Type: "shrug"}, wantErr: "unknown type"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate err=%v want contains %q", err, tc.wantErr)
			}
		})
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	t.Parallel()

	env := Envelope{
		V:    Version,
		Type: TypeMessageSend,
		ID:   "req-1",
		Key:  "room:general",
		TS:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	// Field names are the wire contract; renames break every client.
	for _, field := range []string{`"v":"v1"`, `"type":"message_send"`, `"id":"req-1"`, `"key":"room:general"`} {
		if !strings.Contains(string(raw), field) {
			t.Fatalf("wire form %s missing %s", raw, field)
		}
	}

	// Optional fields stay off the wire when unset. (ts is a struct, so
	// omitempty never applies to it.)
	minimal, err := json.Marshal(Envelope{V: Version, Type: TypeHello})
	if err != nil {
		t.Fatalf("Marshal minimal: %v", err)
	}
	for _, field := range []string{`"id"`, `"key"`, `"payload"`} {
		if strings.Contains(string(minimal), field) {
			t.Fatalf("minimal wire form %s carries unset %s", minimal, field)
		}
	}
}

func TestChangePayloadRoundTrip(t *testing.T) {
	t.Parallel()

	edited := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	in := ChangePayload{
		Table: "messages",
		Op:    "update",
		Row: ChangeRow{
			ID:              "m1",
			ConversationKey: "dm:alice|bob",
			AuthorID:        "alice",
			Body:            "hej",
			CreatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			EditedAt:        &edited,
		},
	}

	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out ChangePayload
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Row.ID != "m1" || out.Row.EditedAt == nil || !out.Row.EditedAt.Equal(edited) {
		t.Fatalf("round trip=%+v want edited row preserved", out.Row)
	}
}
