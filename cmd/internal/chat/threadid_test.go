package chat

import (
	"errors"
	"testing"
)

func TestDeriveDMKey_OrderIndependent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b string
		want string
	}{
		{name: "sorted input", a: "alice", b: "bob", want: "dm:alice|bob"},
		{name: "reversed input", a: "bob", b: "alice", want: "dm:alice|bob"},
		{name: "whitespace trimmed", a: "  alice ", b: "bob", want: "dm:alice|bob"},
		{name: "self dm", a: "alice", b: "alice", want: "dm:alice|alice"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := DeriveDMKey(tc.a, tc.b)
			if err != nil {
				t.Fatalf("DeriveDMKey(%q, %q): %v", tc.a, tc.b, err)
			}
			if got != tc.want {
				t.Fatalf("DeriveDMKey(%q, %q)=%q want=%q", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestDeriveDMKey_EmptyActor(t *testing.T) {
	t.Parallel()

	if _, err := DeriveDMKey("", "bob"); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
	if _, err := DeriveDMKey("alice", "   "); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestDeriveRoomKey(t *testing.T) {
	t.Parallel()

	got, err := DeriveRoomKey("  General ")
	if err != nil {
		t.Fatalf("DeriveRoomKey: %v", err)
	}
	if got != "room:general" {
		t.Fatalf("DeriveRoomKey=%q want=%q", got, "room:general")
	}

	if _, err := DeriveRoomKey(" "); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestKindOfKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		key     string
		want    Kind
		wantErr bool
	}{
		{key: "dm:alice|bob", want: KindDirect},
		{key: "room:general", want: KindRoom},
		{key: "unknown:thing", wantErr: true},
		{key: "", wantErr: true},
	}

	for _, tc := range cases {
		got, err := KindOfKey(tc.key)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("KindOfKey(%q): expected error", tc.key)
			}
			continue
		}
		if err != nil {
			t.Fatalf("KindOfKey(%q): %v", tc.key, err)
		}
		if got != tc.want {
			t.Fatalf("KindOfKey(%q)=%q want=%q", tc.key, got, tc.want)
		}
	}
}

func TestDMParticipants(t *testing.T) {
	t.Parallel()

	a, b, ok := DMParticipants("dm:alice|bob")
	if !ok || a != "alice" || b != "bob" {
		t.Fatalf("DMParticipants=%q,%q,%v want alice,bob,true", a, b, ok)
	}

	if _, _, ok := DMParticipants("room:general"); ok {
		t.Fatal("expected ok=false for room key")
	}
	if _, _, ok := DMParticipants("dm:alice"); ok {
		t.Fatal("expected ok=false for malformed dm key")
	}
}
