package smrerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndIs(t *testing.T) {
	err := Wrap(Input, "config.Validate", "bad value %d", 7)
	if !Is(err, Input) {
		t.Fatalf("Is(err, Input) = false, want true")
	}
	if Is(err, IO) {
		t.Fatalf("Is(err, IO) = true, want false")
	}
	if err.Error() != "InputError: config.Validate: bad value 7" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestIsUnwrapsThroughFmtErrorf(t *testing.T) {
	inner := New(Protocol, "replica.onPrepare", errors.New("stale ballot"))
	wrapped := fmt.Errorf("core loop: %w", inner)
	if !Is(wrapped, Protocol) {
		t.Fatalf("Is(wrapped, Protocol) = false, want true")
	}
}

func TestIsFalseForPlainError(t *testing.T) {
	if Is(errors.New("plain"), Input) {
		t.Fatalf("Is(plain error, Input) = true, want false")
	}
}

func TestFatalOnlyForProtocolKind(t *testing.T) {
	if !Fatal(New(Protocol, "op", errors.New("x"))) {
		t.Fatal("Fatal(ProtocolError) = false, want true")
	}
	for _, k := range []Kind{Input, IO, Stale, Client} {
		if Fatal(New(k, "op", errors.New("x"))) {
			t.Fatalf("Fatal(%s) = true, want false", k)
		}
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		Input:    "InputError",
		IO:       "IOError",
		Protocol: "ProtocolError",
		Stale:    "StaleError",
		Client:   "ClientError",
		Kind(99): "UnknownError",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
