package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(rpm, burst int) *Limiter {
	l := New(Config{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Hour,
	})
	return l
}

func TestAllow_BurstThenDeny(t *testing.T) {
	l := newTestLimiter(60, 5)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("tenant:a") {
			t.Fatalf("request %d within burst should be allowed", i)
		}
	}
	if l.Allow("tenant:a") {
		t.Error("request beyond burst should be denied")
	}
}

func TestAllow_IndependentKeys(t *testing.T) {
	l := newTestLimiter(60, 2)
	defer l.Stop()

	l.Allow("tenant:a")
	l.Allow("tenant:a")
	if l.Allow("tenant:a") {
		t.Error("tenant:a should be exhausted")
	}
	if !l.Allow("tenant:b") {
		t.Error("tenant:b must not be affected by tenant:a")
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	l := newTestLimiter(6000, 1) // 100 tokens/sec
	defer l.Stop()

	if !l.Allow("k") {
		t.Fatal("first request should pass")
	}
	if l.Allow("k") {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(50 * time.Millisecond) // ~5 tokens refilled
	if !l.Allow("k") {
		t.Error("bucket should have refilled")
	}
}
