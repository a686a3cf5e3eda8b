// Package pairing implements the display pairing lifecycle: short-lived
// 6-digit codes issued to displays, consumed exactly once by controllers.
//
// Every active code is written to two places: the in-memory lease store and
// the display's own persisted record. Completion reads the lease store first
// and falls back to a record scan, so either side surviving a restart or a
// sweep is enough to finish the pairing. This redundancy is deliberate
// eventual consistency, not an accident; the lease store takes precedence.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/Trivenidigital/Vizora-sub002/internal/lease"
	"github.com/Trivenidigital/Vizora-sub002/internal/observability"
	"github.com/Trivenidigital/Vizora-sub002/internal/resolver"
	"github.com/Trivenidigital/Vizora-sub002/internal/store"
	apperrors "github.com/Trivenidigital/Vizora-sub002/pkg/errors"
)

// codePattern is intentionally permissive: the generator only ever emits
// ^[0-9]{6}$ but uppercase alphanumerics are accepted for forward
// compatibility with non-numeric code schemes.
var codePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// Repo is the persistence surface completion and verification need.
type Repo interface {
	FindDisplayByDeviceID(ctx context.Context, deviceID string) (*store.Display, error)
	FindDisplayByActivePairingCode(ctx context.Context, code string, now time.Time) (*store.Display, error)
	SaveDisplay(ctx context.Context, d *store.Display) error
	FindControllerByExternalID(ctx context.Context, externalID string) (*store.Controller, error)
	CreateController(ctx context.Context, c *store.Controller) error
	SaveController(ctx context.Context, c *store.Controller) error
}

// DeviceResolver abstracts resolver.Resolver for tests.
type DeviceResolver interface {
	Resolve(ctx context.Context, rawID, name string) (resolver.Resolved, error)
	Find(ctx context.Context, rawID string) (*store.Display, error)
}

// Notifier reaches a display's live connection. Best effort: the return
// value reports whether any connection was reached, and failures never roll
// back a pairing.
type Notifier interface {
	Notify(deviceID, event string, payload any) bool
}

// LeasePayload is the metadata snapshot stored alongside each pairing code.
type LeasePayload struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
	Code        string `json:"code"`
}

type CodeResult struct {
	Code      string
	ExpiresAt time.Time
	ExpiresIn int
	QRPayload string
	QRImage   []byte
	Reused    bool
	Ephemeral bool
	Display   *store.Display
}

type CompleteResult struct {
	Display       *store.Display
	Controller    *store.Controller
	AlreadyPaired bool
}

type Service struct {
	leases   *lease.Store
	resolver DeviceResolver
	repo     Repo
	guard    *Guard
	notifier Notifier

	codeTTL time.Duration
	now     func() time.Time
}

func NewService(leases *lease.Store, res DeviceResolver, repo Repo, guard *Guard, notifier Notifier, codeTTL time.Duration) *Service {
	return &Service{
		leases:   leases,
		resolver: res,
		repo:     repo,
		guard:    guard,
		notifier: notifier,
		codeTTL:  codeTTL,
		now:      time.Now,
	}
}

// RequestCode issues a pairing code for the device, or returns the existing
// unexpired one. Reuse is never throttled; only fresh generation is.
func (s *Service) RequestCode(ctx context.Context, rawDeviceID, name string) (*CodeResult, error) {
	key := throttleKey(rawDeviceID)
	if key == "" {
		return nil, apperrors.BadRequest("device id is required")
	}

	adm, retryAfter := s.guard.Acquire(key)
	if adm == AdmitBusy {
		return nil, apperrors.TooManyRequests("pairing request already in progress", retryAfter)
	}
	generated := false
	defer func() { s.guard.Release(key, generated) }()

	res, err := s.resolver.Resolve(ctx, rawDeviceID, name)
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}
	d := res.Display
	now := s.now()

	if reused := s.reusable(ctx, d, res.Ephemeral, now); reused != nil {
		observability.CodesIssued.WithLabelValues("reused").Inc()
		return reused, nil
	}

	if adm == AdmitReuseOnly {
		return nil, apperrors.TooManyRequests("pairing code recently issued, retry later", retryAfter)
	}

	code, err := generateCode()
	if err != nil {
		return nil, apperrors.InternalServerError("failed to generate pairing code", err)
	}
	expiry := now.Add(s.codeTTL)

	payload := LeasePayload{DeviceID: d.DeviceID, DisplayName: d.Name, Code: code}
	s.leases.StoreWithToken(d.DeviceID, lease.TypePairing, code, payload, s.codeTTL)

	d.PairingCode = code
	d.PairingCodeExpiresAt = &expiry
	if !res.Ephemeral {
		if err := s.repo.SaveDisplay(ctx, d); err != nil {
			// One redundant path failing is tolerated; the lease alone can
			// still complete the pairing before it expires.
			slog.Warn("pairing code not persisted to display record", "device_id", d.DeviceID, "error", err)
		}
	}
	generated = true
	observability.CodesIssued.WithLabelValues("fresh").Inc()
	slog.Info("pairing code issued", "device_id", d.DeviceID, "expires_at", expiry, "ephemeral", res.Ephemeral)

	return s.buildResult(d, code, expiry, now, false, res.Ephemeral), nil
}

// reusable returns a result for the device's current unexpired code, if any,
// repairing whichever redundant path lost it along the way.
func (s *Service) reusable(ctx context.Context, d *store.Display, ephemeral bool, now time.Time) *CodeResult {
	if d.HasActivePairingCode(now) {
		code := d.PairingCode
		expiry := *d.PairingCodeExpiresAt
		if _, ok := s.leases.Validate(d.DeviceID, lease.TypePairing, code); !ok {
			payload := LeasePayload{DeviceID: d.DeviceID, DisplayName: d.Name, Code: code}
			s.leases.StoreWithToken(d.DeviceID, lease.TypePairing, code, payload, expiry.Sub(now))
			slog.Info("pairing lease restored from display record", "device_id", d.DeviceID)
		}
		return s.buildResult(d, code, expiry, now, true, ephemeral)
	}

	// The record may have lost the code (failed save, restart of the
	// persistence layer) while the lease survived.
	var newest *lease.Lease
	for _, l := range s.leases.ListActive(d.DeviceID, lease.TypePairing) {
		l := l
		if newest == nil || l.ExpiresAt.After(newest.ExpiresAt) {
			newest = &l
		}
	}
	if newest == nil {
		return nil
	}
	expiry := newest.ExpiresAt
	d.PairingCode = newest.Token
	d.PairingCodeExpiresAt = &expiry
	if !ephemeral {
		if err := s.repo.SaveDisplay(ctx, d); err != nil {
			slog.Warn("pairing code not restored to display record", "device_id", d.DeviceID, "error", err)
		}
	}
	return s.buildResult(d, newest.Token, expiry, now, true, ephemeral)
}

func (s *Service) buildResult(d *store.Display, code string, expiry, now time.Time, reused, ephemeral bool) *CodeResult {
	result := &CodeResult{
		Code:      code,
		ExpiresAt: expiry,
		ExpiresIn: int(expiry.Sub(now).Seconds()),
		Reused:    reused,
		Ephemeral: ephemeral,
		Display:   d,
	}
	qr := QRPayload{DeviceID: d.DeviceID, Code: code, Expires: expiry}
	encoded, err := qr.Encode()
	if err != nil {
		slog.Warn("qr payload encode failed", "device_id", d.DeviceID, "error", err)
		return result
	}
	result.QRPayload = encoded
	img, err := RenderQR(encoded)
	if err != nil {
		slog.Warn("qr render failed", "device_id", d.DeviceID, "error", err)
		return result
	}
	result.QRImage = img
	return result
}

// Complete binds a controller to the display that owns the presented code,
// consumes the code, and notifies the display. Lease store first, record
// scan second; a miss on both is a terminal "invalid or expired" for this
// code. Bind failures leave the code intact so the client can retry.
func (s *Service) Complete(ctx context.Context, rawCode, controllerID, controllerName string) (*CompleteResult, error) {
	code := strings.ToUpper(strings.TrimSpace(rawCode))
	if !codePattern.MatchString(code) {
		return nil, apperrors.BadRequest("pairing code must be 6 characters")
	}
	controllerID = strings.TrimSpace(controllerID)
	if controllerID == "" {
		return nil, apperrors.BadRequest("controller id is required")
	}

	display, err := s.findByCode(ctx, code)
	if err != nil {
		if apperrors.AsAppError(err).Code == http.StatusNotFound {
			observability.Completions.WithLabelValues("invalid").Inc()
		} else {
			observability.Completions.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	controller, err := s.ensureController(ctx, controllerID, controllerName)
	if err != nil {
		observability.Completions.WithLabelValues("error").Inc()
		return nil, apperrors.InternalServerError("failed to resolve controller", err)
	}

	if display.ControllerID != nil && *display.ControllerID == controller.ID {
		s.consume(ctx, display, code)
		observability.Completions.WithLabelValues("already_paired").Inc()
		return &CompleteResult{Display: display, Controller: controller, AlreadyPaired: true}, nil
	}

	prevOwner := display.ControllerID
	display.ControllerID = &controller.ID
	display.Status = store.StatusActive
	if err := s.repo.SaveDisplay(ctx, display); err != nil {
		// The code stays valid: the bind is retryable until expiry.
		display.ControllerID = prevOwner
		observability.Completions.WithLabelValues("error").Inc()
		return nil, apperrors.InternalServerError("failed to bind controller to display", err)
	}

	controller.LastSeen = s.now()
	if err := s.repo.SaveController(ctx, controller); err != nil {
		slog.Warn("controller last-seen update failed", "controller_id", controller.ExternalID, "error", err)
	}

	s.consume(ctx, display, code)
	observability.Completions.WithLabelValues("paired").Inc()
	slog.Info("display paired", "device_id", display.DeviceID, "controller_id", controller.ExternalID)

	delivered := s.notifier.Notify(display.DeviceID, "display_paired", map[string]any{
		"device_id":     display.DeviceID,
		"controller_id": controller.ExternalID,
		"paired_at":     s.now().UTC(),
	})
	if delivered {
		observability.Notifications.WithLabelValues("delivered").Inc()
	} else {
		// The display picks the binding up on its next heartbeat.
		observability.Notifications.WithLabelValues("missed").Inc()
	}

	return &CompleteResult{Display: display, Controller: controller}, nil
}

// findByCode searches the lease store, then falls back to the display-record
// scan. Expired and never-existed codes are indistinguishable to the caller.
func (s *Service) findByCode(ctx context.Context, code string) (*store.Display, error) {
	for _, l := range s.leases.ListActive("", lease.TypePairing) {
		if l.Token != code {
			continue
		}
		d, err := s.repo.FindDisplayByDeviceID(ctx, l.OwnerKey)
		if err == nil {
			return d, nil
		}
		// The lease outlived the record (ephemeral issuance, lost write).
		// Re-resolve so the bind has something persistent to land on.
		name := ""
		if p, ok := l.Payload.(LeasePayload); ok {
			name = p.DisplayName
		}
		res, rerr := s.resolver.Resolve(ctx, l.OwnerKey, name)
		if rerr != nil {
			return nil, apperrors.InternalServerError("failed to load display", err)
		}
		d = res.Display
		expiry := l.ExpiresAt
		d.PairingCode = code
		d.PairingCodeExpiresAt = &expiry
		return d, nil
	}

	d, err := s.repo.FindDisplayByActivePairingCode(ctx, code, s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("invalid or expired pairing code")
		}
		return nil, apperrors.InternalServerError("failed to look up pairing code", err)
	}
	return d, nil
}

func (s *Service) ensureController(ctx context.Context, externalID, name string) (*store.Controller, error) {
	c, err := s.repo.FindControllerByExternalID(ctx, externalID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	c = &store.Controller{
		ExternalID: externalID,
		Name:       strings.TrimSpace(name),
		LastSeen:   s.now(),
	}
	if err := s.repo.CreateController(ctx, c); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return s.repo.FindControllerByExternalID(ctx, externalID)
		}
		return nil, err
	}
	return c, nil
}

// consume invalidates the code through both lookup paths so it cannot be
// replayed through either. Identifier migration can leave the same code
// leased under both the prefixed and bare forms of the device id, so every
// lease bearing the code is dropped regardless of owner key.
func (s *Service) consume(ctx context.Context, d *store.Display, code string) {
	for _, l := range s.leases.ListActive("", lease.TypePairing) {
		if l.Token == code {
			s.leases.Invalidate(l.OwnerKey, lease.TypePairing, code)
		}
	}
	if d.PairingCode != "" {
		d.ClearPairingCode()
		if err := s.repo.SaveDisplay(ctx, d); err != nil {
			slog.Warn("pairing code not cleared from display record", "device_id", d.DeviceID, "error", err)
		}
	}
}

// Lookup fetches a display by identifier without creating one.
func (s *Service) Lookup(ctx context.Context, rawDeviceID string) (*store.Display, error) {
	d, err := s.resolver.Find(ctx, strings.TrimSpace(rawDeviceID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("display not found")
		}
		return nil, apperrors.InternalServerError("failed to load display", err)
	}
	return d, nil
}

// Verify reports whether the display is currently bound to the controller.
func (s *Service) Verify(ctx context.Context, rawDeviceID, controllerID string) (bool, error) {
	d, err := s.resolver.Find(ctx, strings.TrimSpace(rawDeviceID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, apperrors.InternalServerError("failed to load display", err)
	}
	if d.ControllerID == nil {
		return false, nil
	}
	c, err := s.repo.FindControllerByExternalID(ctx, strings.TrimSpace(controllerID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, apperrors.InternalServerError("failed to load controller", err)
	}
	return *d.ControllerID == c.ID, nil
}

// Unpair clears the display's owner reference. The record itself survives;
// an unowned display is simply back to unclaimed.
func (s *Service) Unpair(ctx context.Context, rawDeviceID string) (*store.Display, error) {
	d, err := s.resolver.Find(ctx, strings.TrimSpace(rawDeviceID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("display not found")
		}
		return nil, apperrors.InternalServerError("failed to load display", err)
	}
	if d.ControllerID == nil {
		return d, nil
	}
	d.ControllerID = nil
	if err := s.repo.SaveDisplay(ctx, d); err != nil {
		return nil, apperrors.InternalServerError("failed to unpair display", err)
	}
	slog.Info("display unpaired", "device_id", d.DeviceID)
	s.notifier.Notify(d.DeviceID, "display_unpaired", map[string]any{"device_id": d.DeviceID})
	return d, nil
}

// Register resolves or creates the display and applies the name the device
// reports about itself, persisting a rename when it changed.
func (s *Service) Register(ctx context.Context, rawDeviceID, name string) (*store.Display, error) {
	res, err := s.resolver.Resolve(ctx, rawDeviceID, name)
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}
	d := res.Display
	if n := strings.TrimSpace(name); n != "" && d.Name != n {
		d.Name = n
	}
	d.LastSeen = s.now()
	if d.Status == store.StatusPending || d.Status == store.StatusInactive {
		d.Status = store.StatusActive
	}
	if !res.Ephemeral {
		if err := s.repo.SaveDisplay(ctx, d); err != nil {
			slog.Warn("registration not persisted", "device_id", d.DeviceID, "error", err)
		}
	}
	return d, nil
}

// Heartbeat refreshes liveness and returns the current binding so displays
// that missed the pairing notification converge on the next poll.
func (s *Service) Heartbeat(ctx context.Context, rawDeviceID string) (*store.Display, error) {
	res, err := s.resolver.Resolve(ctx, rawDeviceID, "")
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}
	d := res.Display
	d.LastSeen = s.now()
	if d.Status == store.StatusPending || d.Status == store.StatusInactive {
		d.Status = store.StatusActive
	}
	if !res.Ephemeral {
		if err := s.repo.SaveDisplay(ctx, d); err != nil {
			slog.Warn("heartbeat not persisted", "device_id", d.DeviceID, "error", err)
		}
	}
	return d, nil
}

func throttleKey(rawDeviceID string) string {
	k := strings.TrimSpace(rawDeviceID)
	return strings.TrimPrefix(k, resolver.DevicePrefix)
}

// generateCode draws a uniform 6-digit decimal code from [100000, 999999].
// Collisions across concurrently active codes are not guarded against; at
// this volume and TTL the 9e5 space makes them negligible.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
