package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := New(db)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	return repo
}

func TestCreateAndFindDisplay(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	d := &Display{DeviceID: "abc123", Name: "Lobby Screen", Status: StatusActive}
	if err := repo.CreateDisplay(ctx, d); err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.ID == uuid.Nil {
		t.Fatal("create should assign an id")
	}

	got, err := repo.FindDisplayByDeviceID(ctx, "abc123")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != d.ID || got.Name != "Lobby Screen" {
		t.Fatalf("unexpected row: %+v", got)
	}

	if _, err := repo.FindDisplayByDeviceID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateDisplayDuplicateDeviceID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.CreateDisplay(ctx, &Display{DeviceID: "abc123", Name: "one"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := repo.CreateDisplay(ctx, &Display{DeviceID: "abc123", Name: "two"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestFindDisplayByDeviceIDFragment(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	older := &Display{DeviceID: "device-abc123", Name: "older", CreatedAt: time.Now().Add(-time.Hour)}
	newer := &Display{DeviceID: "kiosk-abc123-west", Name: "newer", CreatedAt: time.Now()}
	for _, d := range []*Display{newer, older} {
		if err := repo.CreateDisplay(ctx, d); err != nil {
			t.Fatalf("create %s: %v", d.DeviceID, err)
		}
	}

	got, err := repo.FindDisplayByDeviceIDFragment(ctx, "abc123")
	if err != nil {
		t.Fatalf("fragment find: %v", err)
	}
	if got.DeviceID != "device-abc123" {
		t.Fatalf("expected oldest match, got %q", got.DeviceID)
	}

	if _, err := repo.FindDisplayByDeviceIDFragment(ctx, "zzz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.FindDisplayByDeviceIDFragment(ctx, "  "); !errors.Is(err, ErrNotFound) {
		t.Fatalf("blank fragment should be ErrNotFound, got %v", err)
	}
}

func TestFindDisplayByActivePairingCode(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	future := now.Add(5 * time.Minute)
	past := now.Add(-time.Minute)
	active := &Display{DeviceID: "abc123", Name: "a", PairingCode: "111111", PairingCodeExpiresAt: &future}
	expired := &Display{DeviceID: "def456", Name: "b", PairingCode: "222222", PairingCodeExpiresAt: &past}
	for _, d := range []*Display{active, expired} {
		if err := repo.CreateDisplay(ctx, d); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := repo.FindDisplayByActivePairingCode(ctx, "111111", now)
	if err != nil {
		t.Fatalf("active code scan: %v", err)
	}
	if got.DeviceID != "abc123" {
		t.Fatalf("unexpected row: %q", got.DeviceID)
	}

	if _, err := repo.FindDisplayByActivePairingCode(ctx, "222222", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired code must not be found, got %v", err)
	}
}

func TestSaveDisplayClearsPairingCode(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	expiry := time.Now().Add(5 * time.Minute)
	d := &Display{DeviceID: "abc123", Name: "a", PairingCode: "111111", PairingCodeExpiresAt: &expiry}
	if err := repo.CreateDisplay(ctx, d); err != nil {
		t.Fatalf("create: %v", err)
	}

	d.ClearPairingCode()
	if err := repo.SaveDisplay(ctx, d); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := repo.FindDisplayByDeviceID(ctx, "abc123")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.PairingCode != "" || got.PairingCodeExpiresAt != nil {
		t.Fatalf("code should be cleared, got %q", got.PairingCode)
	}
}

func TestControllerRoundTripAndDuplicate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c := &Controller{ExternalID: "ctrl-1", Name: "Front Desk", LastSeen: time.Now()}
	if err := repo.CreateController(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.ID == uuid.Nil {
		t.Fatal("create should assign an id")
	}

	got, err := repo.FindControllerByExternalID(ctx, "ctrl-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != c.ID {
		t.Fatalf("unexpected controller: %+v", got)
	}

	err = repo.CreateController(ctx, &Controller{ExternalID: "ctrl-1"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	if _, err := repo.FindControllerByExternalID(ctx, "ctrl-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDisplayControllerBinding(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c := &Controller{ExternalID: "ctrl-1"}
	if err := repo.CreateController(ctx, c); err != nil {
		t.Fatalf("create controller: %v", err)
	}
	d := &Display{DeviceID: "abc123", Name: "a"}
	if err := repo.CreateDisplay(ctx, d); err != nil {
		t.Fatalf("create display: %v", err)
	}

	d.ControllerID = &c.ID
	d.Status = StatusActive
	if err := repo.SaveDisplay(ctx, d); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := repo.FindDisplayByDeviceID(ctx, "abc123")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ControllerID == nil || *got.ControllerID != c.ID {
		t.Fatal("binding should persist")
	}
}
