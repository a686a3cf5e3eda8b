package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusPending  = "pending"
)

// Display is a physical screen. DeviceID is the canonical identifier the
// device presents; it is stable once assigned but historically shows up both
// with and without the "device-" prefix, which the resolver reconciles.
type Display struct {
	ID           uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	DeviceID     string         `json:"device_id" gorm:"uniqueIndex;not null"`
	Name         string         `json:"name" gorm:"not null"`
	Status       string         `json:"status" gorm:"not null;default:active"`
	LastSeen     time.Time      `json:"last_seen"`
	ControllerID *uuid.UUID     `json:"controller_id" gorm:"type:uuid;index"`
	Controller   *Controller    `json:"-" gorm:"foreignKey:ControllerID"`
	Meta         datatypes.JSON `json:"meta" gorm:"type:jsonb"`

	// Embedded current pairing code; cleared on consumption or expiry.
	PairingCode          string     `json:"-" gorm:"index"`
	PairingCodeExpiresAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Display) TableName() string { return "vz_displays" }

func (d *Display) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// HasActivePairingCode reports whether the embedded code is present and
// unexpired at the given instant.
func (d *Display) HasActivePairingCode(now time.Time) bool {
	return d.PairingCode != "" && d.PairingCodeExpiresAt != nil && d.PairingCodeExpiresAt.After(now)
}

// ClearPairingCode removes the embedded code in place.
func (d *Display) ClearPairingCode() {
	d.PairingCode = ""
	d.PairingCodeExpiresAt = nil
}

// Controller is a web or mobile client that drives one or more displays.
type Controller struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	ExternalID string    `json:"external_id" gorm:"uniqueIndex;not null"`
	Name       string    `json:"name"`
	LastSeen   time.Time `json:"last_seen"`
	Displays   []Display `json:"-" gorm:"foreignKey:ControllerID"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Controller) TableName() string { return "vz_controllers" }

func (c *Controller) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
