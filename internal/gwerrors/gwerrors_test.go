package gwerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestFromBackendCode(t *testing.T) {
	cases := []struct {
		code    int
		message string
		want    Code
		wantMsg string
	}{
		{3, "balance too low", CodeInsufficientBalance, "balance too low"},
		{6, "no game", CodeNoActiveGame, "no game"},
		{15, "session gone", CodeSessionExpired, "session gone"},
		{99, "odd failure", CodeTransactionRejected, "odd failure"},
		{42, "", CodeTransactionRejected, "transaction rejected (backend code 42)"},
	}
	for _, c := range cases {
		got := FromBackendCode(c.code, c.message)
		if got.Code != c.want {
			t.Errorf("code %d: got %s want %s", c.code, got.Code, c.want)
		}
		if got.Message != c.wantMsg {
			t.Errorf("code %d: message got %q want %q", c.code, got.Message, c.wantMsg)
		}
	}
}

func TestIsNonceMismatch(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"Invalid Nonce for account", true},
		{"nonce mismatch: expected 4", true},
		{"transaction replay detected", true},
		{"REPLAY", true},
		{"insufficient balance", false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsNonceMismatch(c.msg); got != c.want {
			t.Errorf("IsNonceMismatch(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

func TestAs(t *testing.T) {
	ge := New(CodeInvalidBet, "bad bet")
	wrapped := fmt.Errorf("handler: %w", ge)

	got := As(wrapped)
	if got.Code != CodeInvalidBet {
		t.Errorf("unwrapped code: got %s want %s", got.Code, CodeInvalidBet)
	}

	plain := errors.New("boom")
	got = As(plain)
	if got.Code != CodeInternalError {
		t.Errorf("plain error code: got %s want INTERNAL_ERROR", got.Code)
	}
	if !errors.Is(got, plain) {
		t.Error("plain error not preserved in chain")
	}
}

func TestWithRetryAfter(t *testing.T) {
	e := New(CodeRateLimited, "slow down")
	r := e.WithRetryAfter(30)
	if r.RetryAfter != 30 {
		t.Errorf("RetryAfter: got %d want 30", r.RetryAfter)
	}
	if e.RetryAfter != 0 {
		t.Error("original mutated")
	}
}
