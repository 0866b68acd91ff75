package ids

import (
	"encoding/base64"
	"testing"
	"time"
)

func TestRandom_EntropyAndUniqueness(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 512)
	for i := 0; i < 512; i++ {
		id, err := Random{}.NewID()
		if err != nil {
			t.Fatalf("NewID: %v", err)
		}
		raw, err := base64.RawURLEncoding.DecodeString(id)
		if err != nil {
			t.Fatalf("decode %q: %v", id, err)
		}
		if len(raw) != OpaqueBytes {
			t.Fatalf("expected %d bytes of entropy, got %d", OpaqueBytes, len(raw))
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewULID_Length(t *testing.T) {
	t.Parallel()

	id, err := NewULID(time.Time{})
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("expected 26 chars, got %d (%q)", len(id), id)
	}
}
