package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOfAndCode(t *testing.T) {
	err := New("session.join", ErrSessionFull, "")
	if KindOf(err) != ErrSessionFull {
		t.Fatalf("KindOf=%v", KindOf(err))
	}
	if Code(err) != "SESSION_FULL" {
		t.Fatalf("Code=%q", Code(err))
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if !errors.Is(wrapped, ErrSessionFull) {
		t.Fatalf("wrapped error lost its kind")
	}

	if Code(errors.New("boom")) != ErrTransient.Error() {
		t.Fatalf("unclassified errors should report TRANSIENT_UPSTREAM")
	}
	if KindOf(nil) != nil {
		t.Fatalf("KindOf(nil) should be nil")
	}
}

func TestKindFromCode(t *testing.T) {
	for _, k := range kinds {
		if got := KindFromCode(k.Error()); got != k {
			t.Fatalf("KindFromCode(%q)=%v", k.Error(), got)
		}
	}
	if KindFromCode("NOPE") != nil {
		t.Fatalf("unknown code should map to nil")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := Wrap("kv.get", ErrNotFound, cause)
	if !errors.Is(err, cause) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("Wrap should expose kind and cause: %v", err)
	}
	if Wrap("op", ErrNotFound, nil) != nil {
		t.Fatalf("Wrap(nil) should be nil")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("timeout"), true},
		{"transient", Transient("op", errors.New("x")), true},
		{"validation", New("op", ErrValidation, "bad"), false},
		{"conflict", New("op", ErrConflict, ""), false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("%s: Retryable=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestTransientIsNotDoubleWrapped(t *testing.T) {
	first := Transient("a", errors.New("x"))
	if Transient("b", first) != first {
		t.Fatalf("Transient should return an already transient error unchanged")
	}
}

func TestUserMessage(t *testing.T) {
	if got := UserMessage(Transient("op", errors.New("pq: password authentication failed"))); got != GenericMessage {
		t.Fatalf("transient message=%q", got)
	}
	if got := UserMessage(errors.New("secret detail")); got != GenericMessage {
		t.Fatalf("unclassified message=%q", got)
	}
	if got := UserMessage(New("op", ErrValidation, "name is required")); got != "name is required" {
		t.Fatalf("validation message=%q", got)
	}
	for _, k := range kinds {
		msg := UserMessage(New("op", k, ""))
		if strings.TrimSpace(msg) == "" {
			t.Fatalf("empty user message for %v", k)
		}
	}
}
