package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func TestCheckConsumesWindow(t *testing.T) {
	l := New(100)
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		d := l.Check("key", 3, time.Minute)
		if !d.Allowed {
			t.Fatalf("check %d denied, want allowed", i+1)
		}
		if d.Remaining != 3-(i+1) {
			t.Errorf("check %d remaining = %d, want %d", i+1, d.Remaining, 3-(i+1))
		}
	}

	d := l.Check("key", 3, time.Minute)
	if d.Allowed {
		t.Error("fourth check allowed, want denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want within (0, 1m]", d.RetryAfter)
	}
}

func TestDeniedCheckDoesNotConsume(t *testing.T) {
	l := New(100)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Check("key", 1, time.Minute)
	for i := 0; i < 5; i++ {
		l.Check("key", 1, time.Minute)
	}

	// Window expires; one slot available again immediately
	now = now.Add(61 * time.Second)
	if d := l.Check("key", 1, time.Minute); !d.Allowed {
		t.Error("check after window expiry denied")
	}
}

func TestWindowResetsFully(t *testing.T) {
	l := New(100)
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		l.Check("key", 3, time.Minute)
	}
	if d := l.Check("key", 3, time.Minute); d.Allowed {
		t.Fatal("expected exhausted window")
	}

	now = now.Add(time.Minute)
	d := l.Check("key", 3, time.Minute)
	if !d.Allowed || d.Remaining != 2 {
		t.Errorf("after reset: allowed=%v remaining=%d, want true/2", d.Allowed, d.Remaining)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(100)

	l.Check("a", 1, time.Minute)
	if d := l.Check("a", 1, time.Minute); d.Allowed {
		t.Error("key a should be exhausted")
	}
	if d := l.Check("b", 1, time.Minute); !d.Allowed {
		t.Error("key b should be unaffected by key a")
	}
}

func TestStatusDoesNotConsume(t *testing.T) {
	l := New(100)

	for i := 0; i < 10; i++ {
		if d := l.Status("key", 3, time.Minute); !d.Allowed || d.Remaining != 3 {
			t.Fatalf("Status consumed a slot: %+v", d)
		}
	}

	l.Check("key", 3, time.Minute)
	if d := l.Status("key", 3, time.Minute); d.Remaining != 2 {
		t.Errorf("Status remaining = %d, want 2", d.Remaining)
	}
}

func TestReset(t *testing.T) {
	l := New(100)

	l.Check("key", 1, time.Minute)
	l.Reset("key")
	if d := l.Check("key", 1, time.Minute); !d.Allowed {
		t.Error("check after Reset denied")
	}
}

func TestSweep(t *testing.T) {
	l := New(100)
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		l.Check(fmt.Sprintf("old%d", i), 10, time.Minute)
	}
	now = now.Add(2 * time.Hour)
	l.Check("fresh", 10, time.Minute)

	removed := l.Sweep(time.Hour)
	if removed != 5 {
		t.Errorf("Sweep removed %d, want 5", removed)
	}
	if l.Len() != 1 {
		t.Errorf("len after sweep = %d, want 1", l.Len())
	}
}

func TestEvictionBoundsKeyCount(t *testing.T) {
	l := New(10)

	for i := 0; i < 50; i++ {
		l.Check(fmt.Sprintf("key%d", i), 5, time.Minute)
	}

	if l.Len() > 10 {
		t.Errorf("len = %d, want at most 10", l.Len())
	}
}

func TestScopedRecordsConfig(t *testing.T) {
	l := New(100)
	s := NewScoped(l, ScopeConfig{Scope: "test", Limit: 2, Span: time.Minute})

	if d := s.Check("k"); !d.Allowed || d.Remaining != 1 {
		t.Errorf("first check: %+v", d)
	}
	s.Check("k")
	if d := s.Check("k"); d.Allowed {
		t.Error("third check allowed with limit 2")
	}
	if got := s.Config().Scope; got != "test" {
		t.Errorf("Config().Scope = %q", got)
	}
}

func TestScopesOnSharedLimiterAreIndependent(t *testing.T) {
	l := New(100)
	paid := NewScoped(l, ScopeConfig{Scope: "paid_generation", Limit: 1000, Span: time.Hour})
	free := NewScoped(l, ScopeConfig{Scope: "free_generation", Limit: 10, Span: 24 * time.Hour})

	// A user downgraded from paid carries the same key into the free
	// scope; their paid traffic must not have consumed the free window.
	const userID = "7f3c2a10-9d4e-4b6f-8a21-5c0e9f1d2b3a"
	for i := 0; i < 20; i++ {
		if d := paid.Check(userID); !d.Allowed {
			t.Fatalf("paid check %d denied", i+1)
		}
	}

	d := free.Check(userID)
	if !d.Allowed {
		t.Fatalf("free check denied after paid traffic only: %+v", d)
	}
	if d.Remaining != 9 {
		t.Errorf("free remaining = %d, want 9", d.Remaining)
	}
}

func TestScopedStatusAndResetUseScopedWindow(t *testing.T) {
	l := New(100)
	anon := NewScoped(l, ScopeConfig{Scope: "anonymous_generation", Limit: 5, Span: time.Hour})
	fp := NewScoped(l, ScopeConfig{Scope: "fingerprint", Limit: 10, Span: time.Minute})

	// Same literal key through both scopes
	const key = "abcdef1234567890"
	anon.Check(key)
	anon.Check(key)

	if d := fp.Status(key); d.Remaining != 10 {
		t.Errorf("fingerprint remaining = %d, want untouched 10", d.Remaining)
	}
	if d := anon.Status(key); d.Remaining != 3 {
		t.Errorf("anonymous remaining = %d, want 3", d.Remaining)
	}

	fp.Check(key)
	anon.Reset(key)
	if d := anon.Status(key); d.Remaining != 5 {
		t.Errorf("anonymous remaining after reset = %d, want 5", d.Remaining)
	}
	if d := fp.Status(key); d.Remaining != 9 {
		t.Errorf("fingerprint remaining = %d, want 9 after anonymous reset", d.Remaining)
	}
}
