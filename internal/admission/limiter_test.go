package admission

import (
	"fmt"
	"testing"

	"github.com/nullspace-games/casino-gateway/internal/gwerrors"
)

func TestConnLimiterPerIPCap(t *testing.T) {
	l := NewConnLimiter(2, 100)

	if err := l.Register("10.0.0.1", "c1"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := l.Register("10.0.0.1", "c2"); err != nil {
		t.Fatalf("second register: %v", err)
	}
	err := l.Register("10.0.0.1", "c3")
	if err == nil {
		t.Fatal("third connection from same IP admitted")
	}
	if ge := gwerrors.As(err); ge.Code != gwerrors.CodeIPLimitExceeded {
		t.Fatalf("code = %s, want %s", ge.Code, gwerrors.CodeIPLimitExceeded)
	}

	// A different IP is unaffected.
	if err := l.Register("10.0.0.2", "c4"); err != nil {
		t.Fatalf("other IP refused: %v", err)
	}
}

func TestConnLimiterGlobalCap(t *testing.T) {
	l := NewConnLimiter(10, 3)
	for i := 0; i < 3; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		if err := l.Register(ip, fmt.Sprintf("c%d", i)); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}

	err := l.Register("10.0.0.99", "overflow")
	if err == nil {
		t.Fatal("connection admitted past the global cap")
	}
	if ge := gwerrors.As(err); ge.Code != gwerrors.CodeSessionCapReached {
		t.Fatalf("code = %s, want %s", ge.Code, gwerrors.CodeSessionCapReached)
	}
}

func TestConnLimiterIdempotentRegister(t *testing.T) {
	l := NewConnLimiter(1, 10)

	if err := l.Register("10.0.0.1", "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Same (ip, conn) again must not double count or refuse.
	if err := l.Register("10.0.0.1", "c1"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if total, _ := l.Counts(); total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}
}

func TestConnLimiterUnregister(t *testing.T) {
	l := NewConnLimiter(1, 10)
	if err := l.Register("10.0.0.1", "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	l.Unregister("10.0.0.1", "c1")
	l.Unregister("10.0.0.1", "c1") // idempotent
	l.Unregister("10.0.0.9", "ghost")

	if total, ips := l.Counts(); total != 0 || ips != 0 {
		t.Fatalf("counts = (%d, %d), want (0, 0); empty bucket not removed", total, ips)
	}

	// Slot is reusable after release.
	if err := l.Register("10.0.0.1", "c2"); err != nil {
		t.Fatalf("register after release: %v", err)
	}
}

func TestConnLimiterCountForIP(t *testing.T) {
	l := NewConnLimiter(5, 10)
	for i := 0; i < 3; i++ {
		if err := l.Register("10.0.0.1", fmt.Sprintf("c%d", i)); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	if got := l.CountForIP("10.0.0.1"); got != 3 {
		t.Fatalf("CountForIP = %d, want 3", got)
	}
	if got := l.CountForIP("10.0.0.2"); got != 0 {
		t.Fatalf("CountForIP for unknown IP = %d, want 0", got)
	}
}
