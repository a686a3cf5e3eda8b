// Package resolver maps caller-supplied device identifiers onto canonical
// display records. Identifiers drift between "device-XYZ" and "XYZ" forms in
// the wild; both must land on the same logical display.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/Trivenidigital/Vizora-sub002/internal/store"
)

// DevicePrefix is the conventional identifier prefix some firmware versions
// attach and others omit.
const DevicePrefix = "device-"

// DisplayRepo is the persistence surface the resolver needs.
type DisplayRepo interface {
	FindDisplayByDeviceID(ctx context.Context, deviceID string) (*store.Display, error)
	FindDisplayByDeviceIDFragment(ctx context.Context, fragment string) (*store.Display, error)
	CreateDisplay(ctx context.Context, d *store.Display) error
	SaveDisplay(ctx context.Context, d *store.Display) error
}

// Resolved tags whether the display is backed by the persistence layer or is
// a memory-only stand-in handed out while storage is unreachable. Callers
// must not attempt to persist an ephemeral display.
type Resolved struct {
	Display   *store.Display
	Created   bool
	Ephemeral bool
}

type Resolver struct {
	repo    DisplayRepo
	timeout time.Duration
	now     func() time.Time
}

func New(repo DisplayRepo, storageTimeout time.Duration) *Resolver {
	if storageTimeout <= 0 {
		storageTimeout = 5 * time.Second
	}
	return &Resolver{repo: repo, timeout: storageTimeout, now: time.Now}
}

// Resolve finds the display for rawID, tolerating prefix drift, or creates
// one if nothing matches. When storage is unreachable it degrades to an
// ephemeral display rather than failing: handing out a code that may not
// survive a restart beats blocking pairing entirely.
func (r *Resolver) Resolve(ctx context.Context, rawID, name string) (Resolved, error) {
	rawID = strings.TrimSpace(rawID)
	if rawID == "" {
		return Resolved{}, errors.New("device id is required")
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	d, err := r.lookup(cctx, rawID)
	if err == nil {
		return Resolved{Display: d}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		slog.Warn("display lookup degraded to ephemeral mode", "device_id", rawID, "error", err)
		return Resolved{Display: r.ephemeral(rawID, name), Ephemeral: true}, nil
	}

	created := &store.Display{
		DeviceID: rawID,
		Name:     defaultName(rawID, name),
		Status:   store.StatusActive,
		LastSeen: r.now(),
	}
	if err := r.repo.CreateDisplay(cctx, created); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a creation race; the record plausibly exists now.
			if d, err := r.lookup(cctx, rawID); err == nil {
				return Resolved{Display: d}, nil
			}
		}
		slog.Warn("display create degraded to ephemeral mode", "device_id", rawID, "error", err)
		return Resolved{Display: r.ephemeral(rawID, name), Ephemeral: true}, nil
	}
	return Resolved{Display: created, Created: true}, nil
}

// Find looks a display up without creating one, with the same drift
// tolerance as Resolve.
func (r *Resolver) Find(ctx context.Context, rawID string) (*store.Display, error) {
	rawID = strings.TrimSpace(rawID)
	if rawID == "" {
		return nil, errors.New("device id is required")
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.lookup(cctx, rawID)
}

// lookup attempts, in order: exact match, match after stripping the prefix,
// match after adding the prefix, then a substring match as a last resort.
// A hit under a non-canonical form migrates the stored identifier to the
// form the caller used, so future lookups converge on the first attempt.
func (r *Resolver) lookup(ctx context.Context, rawID string) (*store.Display, error) {
	d, err := r.repo.FindDisplayByDeviceID(ctx, rawID)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var alternates []string
	if strings.HasPrefix(rawID, DevicePrefix) {
		alternates = append(alternates, strings.TrimPrefix(rawID, DevicePrefix))
	} else {
		alternates = append(alternates, DevicePrefix+rawID)
	}
	for _, alt := range alternates {
		d, err := r.repo.FindDisplayByDeviceID(ctx, alt)
		if err == nil {
			return r.migrate(ctx, d, rawID), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	fragment := strings.TrimPrefix(rawID, DevicePrefix)
	d, err = r.repo.FindDisplayByDeviceIDFragment(ctx, fragment)
	if err == nil {
		return r.migrate(ctx, d, rawID), nil
	}
	return nil, err
}

func (r *Resolver) migrate(ctx context.Context, d *store.Display, canonical string) *store.Display {
	if d.DeviceID == canonical {
		return d
	}
	old := d.DeviceID
	d.DeviceID = canonical
	if err := r.repo.SaveDisplay(ctx, d); err != nil {
		// Keep serving the record under its stored id; migration retries on
		// the next drifted lookup.
		d.DeviceID = old
		slog.Warn("device id migration failed", "from", old, "to", canonical, "error", err)
		return d
	}
	slog.Info("device id migrated", "from", old, "to", canonical)
	return d
}

func (r *Resolver) ephemeral(rawID, name string) *store.Display {
	return &store.Display{
		DeviceID: rawID,
		Name:     defaultName(rawID, name),
		Status:   store.StatusActive,
		LastSeen: r.now(),
	}
}

func defaultName(rawID, name string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return "Display " + strings.TrimPrefix(rawID, DevicePrefix)
}
