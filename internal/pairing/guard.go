package pairing

import (
	"sync"
	"time"
)

// Admission classifies what an issuance request may do for its device.
type Admission int

const (
	// AdmitProceed allows reuse or fresh code generation.
	AdmitProceed Admission = iota
	// AdmitReuseOnly allows returning an existing unexpired code but not
	// generating a new one. Applied during the post-completion cooldown and
	// the generation throttle window, so rapid retries can still learn their
	// own valid code without triggering a generation storm.
	AdmitReuseOnly
	// AdmitBusy rejects outright: another request for the same device is in
	// flight right now. Callers are expected to poll, not queue.
	AdmitBusy
)

// inFlightMaxAge bounds how long a crashed or hung request can hold the
// in-flight marker before it is treated as stale.
const inFlightMaxAge = 30 * time.Second

type deviceState struct {
	inFlight      bool
	inFlightSince time.Time
	lastAdmission Admission
	cooldownUntil time.Time
	lastSuccess   time.Time
}

// Guard provides per-device mutual exclusion and request damping for pairing
// code issuance. It is an injected service object so tests get isolated
// instances.
type Guard struct {
	mu      sync.Mutex
	devices map[string]*deviceState

	cooldown time.Duration
	throttle time.Duration
	now      func() time.Time
}

func NewGuard(cooldown, throttle time.Duration) *Guard {
	return &Guard{
		devices:  make(map[string]*deviceState),
		cooldown: cooldown,
		throttle: throttle,
		now:      time.Now,
	}
}

// Acquire admits or rejects an issuance request for the device. Unless the
// result is AdmitBusy, the in-flight marker is set and the caller must call
// Release exactly once when processing finishes. retryAfter is the suggested
// backoff in seconds for non-proceed admissions.
func (g *Guard) Acquire(deviceKey string) (adm Admission, retryAfter int) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.devices[deviceKey]
	if !ok {
		st = &deviceState{}
		g.devices[deviceKey] = st
	}

	if st.inFlight && now.Sub(st.inFlightSince) < inFlightMaxAge {
		return AdmitBusy, ceilSeconds(g.cooldown)
	}

	st.inFlight = true
	st.inFlightSince = now

	if now.Before(st.cooldownUntil) {
		st.lastAdmission = AdmitReuseOnly
		return AdmitReuseOnly, ceilSeconds(st.cooldownUntil.Sub(now))
	}
	if !st.lastSuccess.IsZero() {
		if remaining := g.throttle - now.Sub(st.lastSuccess); remaining > 0 {
			st.lastAdmission = AdmitReuseOnly
			return AdmitReuseOnly, ceilSeconds(remaining)
		}
	}
	st.lastAdmission = AdmitProceed
	return AdmitProceed, 0
}

// Release clears the in-flight marker. The cooldown starts only for requests
// that were admitted to do work; rejected polls must not keep extending it,
// or a client polling faster than the cooldown would never exit reuse-only.
// generated marks that a fresh code was issued, which starts the throttle
// window.
func (g *Guard) Release(deviceKey string, generated bool) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.devices[deviceKey]
	if !ok {
		return
	}
	st.inFlight = false
	if st.lastAdmission == AdmitProceed {
		st.cooldownUntil = now.Add(g.cooldown)
	}
	if generated {
		st.lastSuccess = now
	}
	g.pruneLocked(now)
}

// pruneLocked drops devices whose state can no longer influence admission.
func (g *Guard) pruneLocked(now time.Time) {
	if len(g.devices) < 1024 {
		return
	}
	horizon := g.throttle + g.cooldown + inFlightMaxAge
	for k, st := range g.devices {
		if st.inFlight {
			continue
		}
		if now.Sub(st.lastSuccess) > horizon && now.After(st.cooldownUntil.Add(horizon)) {
			delete(g.devices, k)
		}
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	if s < 1 {
		s = 1
	}
	return s
}
