package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("record not found")

// ErrDuplicate reports a unique-constraint conflict, typically a concurrent
// creator winning the race on the same device identifier.
var ErrDuplicate = errors.New("duplicate record")

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger, TranslateError: true},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

func ensureSchema(db *gorm.DB) error {
	m := db.Migrator()
	if !m.HasTable(&Display{}) {
		if err := m.CreateTable(&Display{}); err != nil {
			return fmt.Errorf("create table displays: %w", err)
		}
	}
	if !m.HasTable(&Controller{}) {
		if err := m.CreateTable(&Controller{}); err != nil {
			return fmt.Errorf("create table controllers: %w", err)
		}
	}
	if !m.HasIndex(&Display{}, "DeviceID") {
		_ = m.CreateIndex(&Display{}, "DeviceID")
	}
	if !m.HasIndex(&Display{}, "PairingCode") {
		_ = m.CreateIndex(&Display{}, "PairingCode")
	}
	if !m.HasIndex(&Controller{}, "ExternalID") {
		_ = m.CreateIndex(&Controller{}, "ExternalID")
	}
	return nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}

// --- Displays ---

func (r *Repo) FindDisplayByDeviceID(ctx context.Context, deviceID string) (*Display, error) {
	var row Display
	err := r.db.WithContext(ctx).First(&row, "device_id = ?", deviceID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &row, nil
}

// FindDisplayByDeviceIDFragment is the last-resort lookup for identifier
// drift: a substring match on the canonical identifier. Returns the oldest
// match so repeated calls stay stable.
func (r *Repo) FindDisplayByDeviceIDFragment(ctx context.Context, fragment string) (*Display, error) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return nil, ErrNotFound
	}
	var row Display
	err := r.db.WithContext(ctx).
		Where("device_id LIKE ?", "%"+fragment+"%").
		Order("created_at asc").
		First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	return &row, nil
}

func (r *Repo) CreateDisplay(ctx context.Context, d *Display) error {
	return translate(r.db.WithContext(ctx).Create(d).Error)
}

func (r *Repo) SaveDisplay(ctx context.Context, d *Display) error {
	return translate(r.db.WithContext(ctx).Save(d).Error)
}

// FindDisplayByActivePairingCode scans display records for an embedded,
// unexpired code. This is the fallback lookup path used when the lease entry
// is gone (sweep, restart) but the persisted record survived.
func (r *Repo) FindDisplayByActivePairingCode(ctx context.Context, code string, now time.Time) (*Display, error) {
	var row Display
	err := r.db.WithContext(ctx).
		Where("pairing_code = ? AND pairing_code_expires_at > ?", code, now).
		First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	return &row, nil
}

// --- Controllers ---

func (r *Repo) FindControllerByExternalID(ctx context.Context, externalID string) (*Controller, error) {
	var row Controller
	err := r.db.WithContext(ctx).First(&row, "external_id = ?", externalID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &row, nil
}

func (r *Repo) CreateController(ctx context.Context, c *Controller) error {
	return translate(r.db.WithContext(ctx).Create(c).Error)
}

func (r *Repo) SaveController(ctx context.Context, c *Controller) error {
	return translate(r.db.WithContext(ctx).Save(c).Error)
}
