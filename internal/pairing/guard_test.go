package pairing

import (
	"testing"
	"time"
)

func newTestGuard() (*Guard, *time.Time) {
	g := NewGuard(2*time.Second, 15*time.Second)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestGuardRejectsConcurrentRequests(t *testing.T) {
	g, _ := newTestGuard()

	adm, _ := g.Acquire("dev-1")
	if adm != AdmitProceed {
		t.Fatalf("first acquire should proceed, got %v", adm)
	}

	adm, retryAfter := g.Acquire("dev-1")
	if adm != AdmitBusy {
		t.Fatalf("concurrent acquire should be busy, got %v", adm)
	}
	if retryAfter < 1 {
		t.Fatalf("busy admission must carry a retry hint, got %d", retryAfter)
	}

	// Other devices are unaffected.
	if adm, _ := g.Acquire("dev-2"); adm != AdmitProceed {
		t.Fatalf("unrelated device should proceed, got %v", adm)
	}
}

func TestGuardCooldownAllowsReuseOnly(t *testing.T) {
	g, now := newTestGuard()

	g.Acquire("dev-1")
	g.Release("dev-1", true)

	*now = now.Add(time.Second)
	adm, retryAfter := g.Acquire("dev-1")
	if adm != AdmitReuseOnly {
		t.Fatalf("request during cooldown should be reuse-only, got %v", adm)
	}
	if retryAfter < 1 {
		t.Fatalf("reuse-only admission must carry a retry hint, got %d", retryAfter)
	}
	g.Release("dev-1", false)
}

func TestGuardThrottleWindowAfterGeneration(t *testing.T) {
	g, now := newTestGuard()

	g.Acquire("dev-1")
	g.Release("dev-1", true)

	*now = now.Add(10 * time.Second)
	adm, _ := g.Acquire("dev-1")
	if adm != AdmitReuseOnly {
		t.Fatalf("request inside throttle window should be reuse-only, got %v", adm)
	}
	g.Release("dev-1", false)

	*now = now.Add(10 * time.Second)
	adm, _ = g.Acquire("dev-1")
	if adm != AdmitProceed {
		t.Fatalf("request after throttle window should proceed, got %v", adm)
	}
}

func TestGuardPollingDoesNotExtendCooldown(t *testing.T) {
	g, now := newTestGuard()

	g.Acquire("dev-1")
	g.Release("dev-1", true)

	// A client polling every second stays reuse-only through the cooldown
	// and throttle window, but its rejected polls must not push the windows
	// out; once the throttle expires it proceeds again.
	for i := 0; i < 15; i++ {
		*now = now.Add(time.Second)
		adm, _ := g.Acquire("dev-1")
		g.Release("dev-1", false)
		elapsed := time.Duration(i+1) * time.Second
		if elapsed < 15*time.Second {
			if adm != AdmitReuseOnly {
				t.Fatalf("poll at %v should be reuse-only, got %v", elapsed, adm)
			}
			continue
		}
		if adm != AdmitProceed {
			t.Fatalf("poll at %v should proceed, got %v", elapsed, adm)
		}
	}
}

func TestGuardFailedRequestDoesNotStartThrottle(t *testing.T) {
	g, now := newTestGuard()

	g.Acquire("dev-1")
	g.Release("dev-1", false)

	*now = now.Add(3 * time.Second)
	adm, _ := g.Acquire("dev-1")
	if adm != AdmitProceed {
		t.Fatalf("after cooldown with no generation, should proceed, got %v", adm)
	}
}

func TestGuardStaleInFlightMarkerExpires(t *testing.T) {
	g, now := newTestGuard()

	g.Acquire("dev-1")
	// Never released: simulates a crashed handler.
	*now = now.Add(inFlightMaxAge + time.Second)

	adm, _ := g.Acquire("dev-1")
	if adm != AdmitProceed {
		t.Fatalf("stale in-flight marker should not block forever, got %v", adm)
	}
}
