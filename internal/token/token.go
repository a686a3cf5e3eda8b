// Package token issues the auth grant a display receives at registration: a
// signed JWT for API calls plus an opaque device token held in the lease
// store, revocable without touching the JWT's lifetime.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Trivenidigital/Vizora-sub002/internal/lease"
)

type Grant struct {
	AccessToken string `json:"access_token"`
	DeviceToken string `json:"device_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type Issuer struct {
	secret []byte
	leases *lease.Store
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, leases *lease.Store, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), leases: leases, ttl: ttl, now: time.Now}
}

// Issue mints both halves of the grant for a device.
func (i *Issuer) Issue(deviceID, displayName string) (*Grant, error) {
	now := i.now()
	claims := jwt.MapClaims{
		"sub":  deviceID,
		"name": displayName,
		"role": "display",
		"iat":  now.Unix(),
		"exp":  now.Add(i.ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	deviceToken, err := i.leases.Store(deviceID, lease.TypeAuth, map[string]string{
		"device_id": deviceID,
		"name":      displayName,
	}, i.ttl)
	if err != nil {
		return nil, err
	}

	return &Grant{
		AccessToken: signed,
		DeviceToken: deviceToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(i.ttl.Seconds()),
	}, nil
}

// Validate checks an opaque device token against the lease store.
func (i *Issuer) Validate(deviceID, deviceToken string) bool {
	_, ok := i.leases.Validate(deviceID, lease.TypeAuth, deviceToken)
	return ok
}

// Revoke drops the opaque device token.
func (i *Issuer) Revoke(deviceID, deviceToken string) bool {
	return i.leases.Invalidate(deviceID, lease.TypeAuth, deviceToken)
}
