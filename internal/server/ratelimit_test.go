package server

import (
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := newRateLimiter(5, time.Second)
	defer rl.close()

	// First 5 requests should be allowed
	for i := 0; i < 5; i++ {
		if !rl.allow("192.168.1.1") {
			t.Errorf("Request %d should be allowed", i+1)
		}
	}

	// 6th request should be denied
	if rl.allow("192.168.1.1") {
		t.Error("6th request should be denied")
	}

	// Different IP should be allowed
	if !rl.allow("192.168.1.2") {
		t.Error("Request from different IP should be allowed")
	}
}

func TestRateLimiter_Window(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)
	defer rl.close()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.allow("10.0.0.1") || !rl.allow("10.0.0.1") {
		t.Fatal("first two requests should be allowed")
	}
	if rl.allow("10.0.0.1") {
		t.Fatal("third request should be denied")
	}

	now = now.Add(61 * time.Second)
	if !rl.allow("10.0.0.1") {
		t.Error("request after window should be allowed")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := newRateLimiter(10, time.Minute)
	defer rl.close()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.allow("10.0.0.1")
	rl.allow("10.0.0.2")
	if rl.size() != 2 {
		t.Fatalf("expected 2 visitors, got %d", rl.size())
	}

	now = now.Add(90 * time.Second)
	rl.allow("10.0.0.2")
	now = now.Add(45 * time.Second)
	rl.cleanup()

	if rl.size() != 1 {
		t.Fatalf("expected idle visitor removed, %d left", rl.size())
	}
}

func TestRateLimiter_CloseTwice(t *testing.T) {
	rl := newRateLimiter(1, time.Second)
	rl.close()
	rl.close()
}

func TestPeerIP(t *testing.T) {
	tests := map[string]string{
		"192.168.1.1:12345": "192.168.1.1",
		"[::1]:80":          "::1",
		"no-port":           "no-port",
	}
	for in, want := range tests {
		if got := peerIP(in); got != want {
			t.Errorf("peerIP(%q) = %q, want %q", in, got, want)
		}
	}
}
