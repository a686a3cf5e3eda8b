package lease

import (
	"testing"
	"time"
)

func newTestStore() (*Store, *time.Time) {
	s := NewStore(0)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }
	return s, &now
}

func TestStoreAndValidate(t *testing.T) {
	s, _ := newTestStore()
	defer s.Close()

	token, err := s.Store("device-1", TypePairing, "payload", 5*time.Minute)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if token == "" {
		t.Fatal("expected a generated token")
	}

	payload, ok := s.Validate("device-1", TypePairing, token)
	if !ok {
		t.Fatal("expected lease to validate")
	}
	if payload != "payload" {
		t.Fatalf("unexpected payload: %v", payload)
	}

	if _, ok := s.Validate("device-2", TypePairing, token); ok {
		t.Fatal("wrong owner must not validate")
	}
	if _, ok := s.Validate("device-1", TypeAuth, token); ok {
		t.Fatal("wrong type must not validate")
	}
}

func TestValidateEnforcesExpiryIndependentOfSweep(t *testing.T) {
	s, now := newTestStore()
	defer s.Close()

	s.StoreWithToken("device-1", TypePairing, "123456", nil, 5*time.Minute)

	*now = now.Add(5*time.Minute - time.Second)
	if _, ok := s.Validate("device-1", TypePairing, "123456"); !ok {
		t.Fatal("lease should validate one second before expiry")
	}

	*now = now.Add(2 * time.Second)
	if _, ok := s.Validate("device-1", TypePairing, "123456"); ok {
		t.Fatal("lease should not validate after expiry")
	}

	// The expired entry was removed opportunistically.
	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected opportunistic removal, %d entries left", n)
	}
}

func TestInvalidateIsIdempotent(t *testing.T) {
	s, _ := newTestStore()
	defer s.Close()

	s.StoreWithToken("device-1", TypePairing, "123456", nil, time.Minute)

	if !s.Invalidate("device-1", TypePairing, "123456") {
		t.Fatal("first invalidate should report removal")
	}
	if s.Invalidate("device-1", TypePairing, "123456") {
		t.Fatal("second invalidate should report already gone")
	}
	if _, ok := s.Validate("device-1", TypePairing, "123456"); ok {
		t.Fatal("invalidated lease must not validate")
	}
}

func TestListActiveFiltersExpiredAndForeign(t *testing.T) {
	s, now := newTestStore()
	defer s.Close()

	s.StoreWithToken("device-1", TypePairing, "111111", "a", time.Minute)
	s.StoreWithToken("device-1", TypePairing, "222222", "b", 10*time.Minute)
	s.StoreWithToken("device-2", TypePairing, "333333", "c", 10*time.Minute)
	s.StoreWithToken("device-1", TypeAuth, "tok", "d", 10*time.Minute)

	*now = now.Add(2 * time.Minute)

	active := s.ListActive("device-1", TypePairing)
	if len(active) != 1 {
		t.Fatalf("expected 1 active lease, got %d", len(active))
	}
	if active[0].Token != "222222" {
		t.Fatalf("unexpected lease: %q", active[0].Token)
	}

	all := s.ListActive("", TypePairing)
	if len(all) != 2 {
		t.Fatalf("expected 2 active pairing leases across owners, got %d", len(all))
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	s, now := newTestStore()
	defer s.Close()

	s.StoreWithToken("device-1", TypePairing, "111111", nil, time.Minute)
	s.StoreWithToken("device-2", TypePairing, "222222", nil, time.Hour)

	*now = now.Add(30 * time.Minute)
	if removed := s.sweep(); removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, ok := s.Validate("device-2", TypePairing, "222222"); !ok {
		t.Fatal("unexpired lease must survive the sweep")
	}
}

func TestStoreWithTokenReplacesExisting(t *testing.T) {
	s, _ := newTestStore()
	defer s.Close()

	s.StoreWithToken("device-1", TypePairing, "123456", "old", time.Minute)
	s.StoreWithToken("device-1", TypePairing, "123456", "new", time.Minute)

	payload, ok := s.Validate("device-1", TypePairing, "123456")
	if !ok || payload != "new" {
		t.Fatalf("expected replaced payload, got %v ok=%v", payload, ok)
	}
}
